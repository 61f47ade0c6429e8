package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/cssinjector/internal/color"
)

func clearPreferenceEnv(t *testing.T) {
	t.Helper()
	for env := range envOverrides {
		t.Setenv(env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INJECTOR_EVAL_TIMEOUT_MS", "10")
	t.Setenv("INJECTOR_PORT_CANDIDATES", " 127.0.0.1:9001, ,127.0.0.1:9002")
	t.Setenv("INJECTOR_CDP_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EvalTimeoutMS != 1000 {
		t.Fatalf("EvalTimeoutMS = %d; want clamp to 1000", cfg.EvalTimeoutMS)
	}
	if len(cfg.PortCandidates) != 2 || cfg.PortCandidates[1] != "127.0.0.1:9002" {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
	if cfg.MaxAttempts != 3 || cfg.RetryBaseMS != 300 || cfg.SettleMS != 1000 || cfg.EarlyDelayMS != 50 {
		t.Fatalf("retry defaults = %d/%d/%d/%d", cfg.MaxAttempts, cfg.RetryBaseMS, cfg.SettleMS, cfg.EarlyDelayMS)
	}
	if cfg.CDPMode != CDPModeChromedp || cfg.CDPURL() != "http://127.0.0.1:9220" {
		t.Fatalf("CDP = %s %s", cfg.CDPMode, cfg.CDPURL())
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("INJECTOR_CDP_MODE", "puppeteer")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted unknown CDP mode")
	}
}

func TestLoadPreferences(t *testing.T) {
	clearPreferenceEnv(t)
	dir := t.TempDir()

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadPreferences(filepath.Join(dir, "absent.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("LoadPreferences() error = %v; want ErrNotExist", err)
		}
	})

	t.Run("case_insensitive_keys", func(t *testing.T) {
		path := filepath.Join(dir, "prefs.yaml")
		doc := "preferences:\n  backgroundcolor: \"#112233\"\n  Fullscreen: true\n  Empty:\n"
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		p, err := LoadPreferences(path)
		if err != nil {
			t.Fatalf("LoadPreferences() error = %v", err)
		}
		if p.Get("BackgroundColor") != "#112233" || p.Get("fullscreen") != "true" || p.Get("Empty") != "" {
			t.Fatalf("values = %+v", p.values)
		}
	})

	t.Run("nested_value_rejected", func(t *testing.T) {
		path := filepath.Join(dir, "nested.yaml")
		if err := os.WriteFile(path, []byte("preferences:\n  BackgroundColor:\n    a: b\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPreferences(path); err == nil {
			t.Fatalf("LoadPreferences() accepted nested value")
		}
	})
}

func TestBackgroundColorPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		env     map[string]string
		wantRaw string
	}{
		{name: "default", wantRaw: DefaultBackgroundColor},
		{name: "splash_only", values: map[string]string{PrefSplashBackgroundColor: "#000000"}, wantRaw: "#000000"},
		{name: "background_beats_splash", values: map[string]string{PrefSplashBackgroundColor: "#000000", PrefBackgroundColor: "#111111"}, wantRaw: "#111111"},
		{name: "webview_beats_all", values: map[string]string{PrefBackgroundColor: "#111111", PrefWebViewBackgroundColor: "#222222"}, wantRaw: "#222222"},
		{name: "blank_skipped", values: map[string]string{PrefWebViewBackgroundColor: "  ", PrefBackgroundColor: "#111111"}, wantRaw: "#111111"},
		{name: "env_overrides_file", values: map[string]string{PrefBackgroundColor: "#111111"}, env: map[string]string{"BACKGROUND_COLOR": "#333333"}, wantRaw: "#333333"},
		{name: "invalid_falls_back", values: map[string]string{PrefBackgroundColor: "blue"}, wantRaw: DefaultBackgroundColor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearPreferenceEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			raw, c := NewPreferences(tt.values).BackgroundColor(color.ARGB)
			if raw != tt.wantRaw {
				t.Fatalf("BackgroundColor() raw = %q; want %q", raw, tt.wantRaw)
			}
			want, _ := color.Parse(tt.wantRaw, color.ARGB)
			if c != want {
				t.Fatalf("BackgroundColor() color = %v; want %v", c, want)
			}
		})
	}
}
