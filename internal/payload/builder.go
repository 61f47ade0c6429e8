package payload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/color"
)

var (
	// ErrNoConfig is returned when the bundle has no configuration object.
	ErrNoConfig = errors.New("payload: config absent")
	// ErrNoStylesheet is returned when the bundle has no stylesheet text.
	ErrNoStylesheet = errors.New("payload: stylesheet absent")
)

// backgroundSelectors covers html/body and the root containers common SPA
// frameworks render into.
const backgroundSelectors = "html,body,#root,#app,.app-container,.screen,.page-wrapper,.layout"

// Names are the page-visible identifiers the fragments create.
type Names struct {
	ConfigGlobal      string
	ConfigAlias       string
	ConfigReadyEvent  string
	ConfigEventMarker string
	StylesheetID      string
	BackgroundID      string
}

func DefaultNames() Names {
	return Names{
		ConfigGlobal:      "CORDOVA_BUILD_CONFIG",
		ConfigAlias:       "AppConfig",
		ConfigReadyEvent:  "cordova-config-ready",
		ConfigEventMarker: "__cssInjectorConfigReadyFired",
		StylesheetID:      "cdn-styles",
		BackgroundID:      "cordova-bg",
	}
}

// Encoder turns raw stylesheet bytes into a base64 token.
type Encoder func([]byte) (string, error)

// Base64Encoder is the default Encoder. The page decodes the token as UTF-8,
// so invalid UTF-8 input is refused and the caller falls back to text.
func Base64Encoder(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errors.New("payload: stylesheet is not valid UTF-8")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Builder produces script and markup fragments from an asset bundle. Every
// method is pure for a given bundle.
type Builder struct {
	names  Names
	encode Encoder
}

func NewBuilder(names Names, encode Encoder) *Builder {
	if encode == nil {
		encode = Base64Encoder
	}
	return &Builder{names: names, encode: encode}
}

func (b *Builder) Names() Names { return b.names }

// ConfigJSON serializes the config with backgroundColor merged in.
func (b *Builder) ConfigJSON(bundle assets.Bundle) (string, error) {
	cfg := bundle.ConfigWithBackground()
	if cfg == nil {
		return "", ErrNoConfig
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("payload: marshal config: %w", err)
	}
	return string(raw), nil
}

// ConfigScript assigns both config globals and fires the ready event once
// per document. Re-running it only reassigns the globals.
func (b *Builder) ConfigScript(bundle assets.Bundle) (string, error) {
	raw, err := b.ConfigJSON(bundle)
	if err != nil {
		return "", err
	}
	n := b.names
	var sb strings.Builder
	sb.WriteString("(function(){try{")
	sb.WriteString(`var config=JSON.parse("` + EscapeJS(raw) + `");`)
	sb.WriteString("window['" + n.ConfigGlobal + "']=config;")
	sb.WriteString("window['" + n.ConfigAlias + "']=config;")
	sb.WriteString("console.log('[Native] Config injected');")
	sb.WriteString("var fire=function(){")
	sb.WriteString("if(window['" + n.ConfigEventMarker + "']){return;}")
	sb.WriteString("window['" + n.ConfigEventMarker + "']=true;")
	sb.WriteString("if(typeof CustomEvent!=='undefined'){")
	sb.WriteString("window.dispatchEvent(new CustomEvent('" + n.ConfigReadyEvent + "',{detail:window['" + n.ConfigGlobal + "']}));")
	sb.WriteString("}};")
	sb.WriteString("if(document.readyState==='loading'){document.addEventListener('DOMContentLoaded',fire);}else{fire();}")
	sb.WriteString("}catch(e){console.error('[Native] Config failed:',e);}})();")
	return sb.String(), nil
}

// StylesheetScript inserts the stylesheet under StylesheetID unless an
// element with that id already exists. The primary path ships the bytes as
// a base64 token; if encoding fails the escaped text is used instead.
func (b *Builder) StylesheetScript(css string) (string, error) {
	if css == "" {
		return "", ErrNoStylesheet
	}
	token, err := b.encode([]byte(css))
	if err != nil {
		return b.stylesheetFallbackScript(css), nil
	}
	decode := "var bin=atob('" + token + "');var css;" +
		"if(typeof TextDecoder!=='undefined'){var u=new Uint8Array(bin.length);for(var i=0;i<bin.length;i++){u[i]=bin.charCodeAt(i);}css=new TextDecoder('utf-8').decode(u);}" +
		"else{css=decodeURIComponent(escape(bin));}"
	return b.stylesheetScript(decode), nil
}

func (b *Builder) stylesheetFallbackScript(css string) string {
	return b.stylesheetScript("var css='" + EscapeJS(css) + "';")
}

func (b *Builder) stylesheetScript(decode string) string {
	id := b.names.StylesheetID
	return "(function(){function inject(){try{" +
		"var t=document.head||document.getElementsByTagName('head')[0]||document.documentElement;" +
		"if(!t){setTimeout(inject,50);return;}" +
		"if(document.getElementById('" + id + "')){return;}" +
		decode +
		"var s=document.createElement('style');s.id='" + id + "';s.textContent=css;t.appendChild(s);" +
		"console.log('[Native] CDN CSS loaded');" +
		"}catch(e){console.error('[Native] CDN failed:',e);}}" +
		"inject();" +
		"if(document.readyState==='loading'){document.addEventListener('DOMContentLoaded',inject);}" +
		"})();"
}

// BackgroundCSS is the rule placed in the BackgroundID style element.
func BackgroundCSS(c color.Color) string {
	v := c.CSS()
	return backgroundSelectors + "{background-color:" + v + "!important;background:" + v + "!important;margin:0!important;padding:0!important;}"
}

// BackgroundScript forces the background on the root elements and creates
// or updates the single BackgroundID style element.
func (b *Builder) BackgroundScript(c color.Color) string {
	v := c.CSS()
	id := b.names.BackgroundID
	return "(function(){var c='" + v + "';var css='" + EscapeJS(BackgroundCSS(c)) + "';" +
		"function paint(el){if(el){el.style.setProperty('background-color',c,'important');el.style.setProperty('background',c,'important');}}" +
		"function apply(){try{" +
		"paint(document.documentElement);paint(document.body);" +
		"var t=document.head||document.getElementsByTagName('head')[0]||document.documentElement;" +
		"if(!t){setTimeout(apply,50);return;}" +
		"var s=document.getElementById('" + id + "');" +
		"if(!s){s=document.createElement('style');s.id='" + id + "';if(t.firstChild){t.insertBefore(s,t.firstChild);}else{t.appendChild(s);}}" +
		"if(s.textContent!==css){s.textContent=css;}" +
		"}catch(e){console.error('[Native] BG failed:',e);}}" +
		"apply();" +
		"if(document.readyState==='loading'){document.addEventListener('DOMContentLoaded',apply);}" +
		"})();"
}

// DocumentStartScript bundles every available fragment for scripts that run
// before the page's own scripts. Absent artifacts are left out. The bundle
// only runs in the top-level window; subframes are left alone.
func (b *Builder) DocumentStartScript(bundle assets.Bundle, bg *color.Color) string {
	var parts []string
	if bg != nil {
		parts = append(parts, b.BackgroundScript(*bg))
	}
	if s, err := b.ConfigScript(bundle); err == nil {
		parts = append(parts, s)
	}
	if s, err := b.StylesheetScript(bundle.StylesheetText()); err == nil {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(function(){if(window!==window.top){return;}\n" + strings.Join(parts, "\n") + "\n})();"
}

// HeadMarkup is the inline markup spliced after <head> when the document
// response can be rewritten.
func (b *Builder) HeadMarkup(bundle assets.Bundle, bg *color.Color) string {
	var sb strings.Builder
	if bg != nil {
		sb.WriteString(`<style id="` + b.names.BackgroundID + `">` + BackgroundCSS(*bg) + `</style>`)
	}
	if s, err := b.ConfigScript(bundle); err == nil {
		sb.WriteString("<script>" + s + "</script>")
	}
	if bundle.HasStylesheet() {
		sb.WriteString(`<style id="` + b.names.StylesheetID + `">` + escapeInlineStyle(bundle.StylesheetText()) + `</style>`)
	}
	return sb.String()
}

// Rewrite splices HeadMarkup into doc. ok is false when doc has no <head>
// start tag. A document that already carries the stylesheet or background
// element is returned as is so repeated rewriting never duplicates content.
func (b *Builder) Rewrite(doc []byte, bundle assets.Bundle, bg *color.Color) ([]byte, bool) {
	return SpliceHead(doc, b.HeadMarkup(bundle, bg), b.names.StylesheetID, b.names.BackgroundID)
}
