package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/cssinjector/internal/color"
)

// Preference keys consulted for the background color, highest first.
const (
	PrefWebViewBackgroundColor = "WEBVIEW_BACKGROUND_COLOR"
	PrefBackgroundColor        = "BackgroundColor"
	PrefSplashBackgroundColor  = "SplashScreenBackgroundColor"

	DefaultBackgroundColor = "#FFFFFF"
)

// envOverrides maps environment variables onto preference keys.
var envOverrides = map[string]string{
	"WEBVIEW_BACKGROUND_COLOR":       PrefWebViewBackgroundColor,
	"BACKGROUND_COLOR":               PrefBackgroundColor,
	"SPLASH_SCREEN_BACKGROUND_COLOR": PrefSplashBackgroundColor,
}

// Preferences is a case-insensitive key/value set, the host application's
// equivalent of config.xml <preference> entries.
type Preferences struct {
	values map[string]string
}

type preferencesFile struct {
	Preferences map[string]any `yaml:"preferences"`
}

// NewPreferences builds preferences from values, then applies environment
// overrides.
func NewPreferences(values map[string]string) *Preferences {
	p := &Preferences{values: make(map[string]string, len(values))}
	for k, v := range values {
		p.values[strings.ToLower(k)] = v
	}
	for env, key := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			p.values[strings.ToLower(key)] = v
		}
	}
	return p
}

// LoadPreferences reads a YAML document of the form
//
//	preferences:
//	  BackgroundColor: "#1E1E1E"
//
// Returns an os.ErrNotExist-wrapped error if the file is absent (caller
// falls back to NewPreferences(nil) in that case).
func LoadPreferences(path string) (*Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	var doc preferencesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	values := make(map[string]string, len(doc.Preferences))
	for k, v := range doc.Preferences {
		switch v := v.(type) {
		case nil:
			continue
		case string:
			values[k] = v
		case map[string]any, []any:
			return nil, fmt.Errorf("preferences: %s must be a scalar", k)
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	return NewPreferences(values), nil
}

// Get returns the trimmed value for key, or "".
func (p *Preferences) Get(key string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.values[strings.ToLower(key)])
}

// BackgroundColor resolves the first non-empty background preference. A
// value that does not parse under m is logged and replaced by the default.
func (p *Preferences) BackgroundColor(m color.Model) (string, color.Color) {
	raw := DefaultBackgroundColor
	source := "default"
	for _, key := range []string{PrefWebViewBackgroundColor, PrefBackgroundColor, PrefSplashBackgroundColor} {
		if v := p.Get(key); v != "" {
			raw, source = v, key
			break
		}
	}

	c, err := color.Parse(raw, m)
	if err != nil {
		slog.Warn("Invalid background color preference, using default", "key", source, "value", raw, "error", err)
		raw = DefaultBackgroundColor
		c, _ = color.Parse(raw, m)
	}
	return raw, c
}
