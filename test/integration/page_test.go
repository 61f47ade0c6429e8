//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/payload"
)

var env *Env

// Env holds the headless browser and page server shared by all tests.
type Env struct {
	BrowserCtx context.Context
	Server     *httptest.Server
}

const blankPage = `<!DOCTYPE html><html><head><title>blank</title></head><body><div id="app"></div></body></html>`

const framedPage = `<!DOCTYPE html><html><head></head><body><iframe src="/blank"></iframe></body></html>`

func TestMain(m *testing.M) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blank", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, blankPage)
	})
	mux.HandleFunc("/framed", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, framedPage)
	})
	srv := httptest.NewServer(mux)

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Headless, chromedp.NoSandbox)
	if path := os.Getenv("CHROME_PATH"); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	// Start the browser once so a missing binary fails fast.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		fmt.Fprintf(os.Stderr, "integration: browser not available: %v\n", err)
		browserCancel()
		cancel()
		srv.Close()
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "integration: serving pages at %s\n", srv.URL)

	env = &Env{BrowserCtx: browserCtx, Server: srv}
	code := m.Run()
	browserCancel()
	cancel()
	srv.Close()
	os.Exit(code)
}

// newTab opens a fresh tab on path and waits for its body.
func (e *Env) newTab(t *testing.T, path string, before ...chromedp.Action) context.Context {
	t.Helper()
	ctx, cancel := chromedp.NewContext(e.BrowserCtx)
	t.Cleanup(cancel)
	ctx, timeoutCancel := context.WithTimeout(ctx, 30*time.Second)
	t.Cleanup(timeoutCancel)

	actions := append(before, chromedp.Navigate(e.Server.URL+path), chromedp.WaitReady("body"))
	if err := chromedp.Run(ctx, actions...); err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return ctx
}

// eval runs script in the tab, failing the test on a thrown exception.
func eval(t *testing.T, ctx context.Context, script string, res any) {
	t.Helper()
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, res)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
}

func testBundle() assets.Bundle {
	css := "body{color:#123}\n.title::after{content:'café → 日本'}"
	return assets.Bundle{
		Stylesheet: &css,
		Config: map[string]any{
			"apiUrl":   "https://api.example/v1?a=1&b=</script>",
			"features": map[string]any{"dark": true, "beta": nil},
			"retries":  json.Number("3"),
			"tags":     []any{"one", "two\nlines", "quote'\"back\\slash"},
			"greeting": "line\u2028separator",
		},
		BackgroundColor: "#102030",
	}
}

func TestStylesheetIdempotentInPage(t *testing.T) {
	ctx := env.newTab(t, "/blank")
	bundle := testBundle()
	b := payload.NewBuilder(payload.DefaultNames(), payload.Base64Encoder)
	script, err := b.StylesheetScript(bundle.StylesheetText())
	if err != nil {
		t.Fatalf("StylesheetScript() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		eval(t, ctx, script, nil)
	}

	var count int
	eval(t, ctx, `document.querySelectorAll('#cdn-styles').length`, &count)
	if count != 1 {
		t.Fatalf("#cdn-styles elements = %d; want 1", count)
	}
	var text string
	eval(t, ctx, `document.getElementById('cdn-styles').textContent`, &text)
	if text != bundle.StylesheetText() {
		t.Fatalf("stylesheet text = %q; want %q", text, bundle.StylesheetText())
	}
}

func TestStylesheetFallbackRoundTripsInPage(t *testing.T) {
	ctx := env.newTab(t, "/blank")
	css := "p::before{content:'it\\'s'}\n/* back\\slash \"quoted\" </style><script>x()</script>   */"
	failing := func([]byte) (string, error) { return "", errors.New("encoder unavailable") }
	b := payload.NewBuilder(payload.DefaultNames(), failing)
	script, err := b.StylesheetScript(css)
	if err != nil {
		t.Fatalf("StylesheetScript() error = %v", err)
	}

	eval(t, ctx, script, nil)
	eval(t, ctx, script, nil)

	var count int
	eval(t, ctx, `document.querySelectorAll('#cdn-styles').length`, &count)
	if count != 1 {
		t.Fatalf("#cdn-styles elements = %d; want 1", count)
	}
	var text string
	eval(t, ctx, `document.getElementById('cdn-styles').textContent`, &text)
	if text != css {
		t.Fatalf("fallback text = %q; want %q", text, css)
	}
}

func TestConfigGlobalsMatchSource(t *testing.T) {
	ctx := env.newTab(t, "/blank")
	bundle := testBundle()
	b := payload.NewBuilder(payload.DefaultNames(), nil)
	script, err := b.ConfigScript(bundle)
	if err != nil {
		t.Fatalf("ConfigScript() error = %v", err)
	}
	eval(t, ctx, script, nil)

	raw, err := json.Marshal(bundle.ConfigWithBackground())
	if err != nil {
		t.Fatalf("marshal expected config: %v", err)
	}
	var want map[string]any
	if err := json.Unmarshal(raw, &want); err != nil {
		t.Fatalf("unmarshal expected config: %v", err)
	}

	var got map[string]any
	eval(t, ctx, `JSON.parse(JSON.stringify(window.CORDOVA_BUILD_CONFIG))`, &got)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CORDOVA_BUILD_CONFIG = %v; want %v", got, want)
	}
	if got["backgroundColor"] != "#102030" {
		t.Fatalf("backgroundColor = %v", got["backgroundColor"])
	}

	var same bool
	eval(t, ctx, `window.AppConfig === window.CORDOVA_BUILD_CONFIG`, &same)
	if !same {
		t.Fatalf("AppConfig is not the same object as CORDOVA_BUILD_CONFIG")
	}
}

func TestConfigReadyFiresOncePerDocument(t *testing.T) {
	ctx := env.newTab(t, "/blank")
	b := payload.NewBuilder(payload.DefaultNames(), nil)
	script, err := b.ConfigScript(testBundle())
	if err != nil {
		t.Fatalf("ConfigScript() error = %v", err)
	}

	eval(t, ctx, `window.__readyCount=0;window.addEventListener('cordova-config-ready',function(){window.__readyCount++;});`, nil)
	// Two bursts back to back, the second before the first settles.
	eval(t, ctx, script+"\n"+script, nil)
	eval(t, ctx, script, nil)

	var count int
	eval(t, ctx, `window.__readyCount`, &count)
	if count != 1 {
		t.Fatalf("cordova-config-ready dispatches = %d; want 1", count)
	}
}

func TestDocumentStartSkipsSubframes(t *testing.T) {
	bundle := testBundle()
	b := payload.NewBuilder(payload.DefaultNames(), nil)
	script := b.DocumentStartScript(bundle, nil)

	install := chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	})
	ctx := env.newTab(t, "/framed", install)

	var frameReady bool
	if err := chromedp.Run(ctx, chromedp.Poll(
		`(function(){var f=document.querySelector('iframe');return !!(f&&f.contentDocument&&f.contentDocument.readyState==='complete'&&f.contentDocument.body);})()`,
		&frameReady, chromedp.WithPollingTimeout(10*time.Second),
	)); err != nil {
		t.Fatalf("wait for iframe: %v", err)
	}

	var top, sub int
	eval(t, ctx, `document.querySelectorAll('#cdn-styles').length`, &top)
	eval(t, ctx, `document.querySelector('iframe').contentDocument.querySelectorAll('#cdn-styles').length`, &sub)
	if top != 1 || sub != 0 {
		t.Fatalf("#cdn-styles top = %d subframe = %d; want 1 and 0", top, sub)
	}

	var subConfig bool
	eval(t, ctx, `typeof document.querySelector('iframe').contentWindow.CORDOVA_BUILD_CONFIG !== 'undefined'`, &subConfig)
	if subConfig {
		t.Fatalf("config globals leaked into the subframe")
	}
}
