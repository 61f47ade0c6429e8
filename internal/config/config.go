package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CDPModeChromedp = "chromedp"
	CDPModeRaw      = "raw"
)

// Config holds all configuration for the injector.
type Config struct {
	// CDP connection settings
	CDPAddress     string
	CDPPort        int
	CDPMode        string
	TabURLFilter   string
	ReloadOnAttach bool

	// Asset locations, relative to AssetDir
	AssetDir        string
	StylesheetPath  string
	ConfigPath      string
	DocumentPath    string
	PreferencesFile string
	ColorModel      string

	// Injection timing
	MaxAttempts     int
	RetryBaseMS     int
	SettleMS        int
	EarlyDelayMS    int
	InstallAttempts int
	InstallBaseMS   int
	EvalTimeoutMS   int
	QueueSize       int

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging and journal
	LogLevel          string
	LogFile           string
	JournalDir        string
	JournalMaxSizeMB  int
	JournalBufferSize int

	// Browser launch
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg := &Config{
		CDPAddress:     getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:        getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		CDPMode:        strings.ToLower(getEnvOrDefault("INJECTOR_CDP_MODE", CDPModeChromedp)),
		TabURLFilter:   getEnvOrDefault("INJECTOR_TAB_URL_FILTER", ""),
		ReloadOnAttach: getEnvBoolOrDefault("INJECTOR_RELOAD_ON_ATTACH", false),

		AssetDir:        getEnvOrDefault("INJECTOR_ASSET_DIR", "./www"),
		StylesheetPath:  getEnvOrDefault("INJECTOR_STYLESHEET_PATH", "assets/cdn-styles.css"),
		ConfigPath:      getEnvOrDefault("INJECTOR_CONFIG_PATH", "cordova-build-config.json"),
		DocumentPath:    getEnvOrDefault("INJECTOR_DOCUMENT_PATH", "index.html"),
		PreferencesFile: getEnvOrDefault("INJECTOR_PREFERENCES_FILE", "./config/preferences.yaml"),
		ColorModel:      strings.ToLower(getEnvOrDefault("INJECTOR_COLOR_MODEL", "argb")),

		MaxAttempts:     getEnvIntOrDefault("INJECTOR_MAX_ATTEMPTS", 3),
		RetryBaseMS:     getEnvIntOrDefault("INJECTOR_RETRY_BASE_MS", 300),
		SettleMS:        getEnvIntOrDefault("INJECTOR_SETTLE_MS", 1000),
		EarlyDelayMS:    getEnvIntOrDefault("INJECTOR_EARLY_DELAY_MS", 50),
		InstallAttempts: getEnvIntOrDefault("INJECTOR_INSTALL_ATTEMPTS", 10),
		InstallBaseMS:   getEnvIntOrDefault("INJECTOR_INSTALL_BASE_MS", 100),
		EvalTimeoutMS:   getEnvIntOrDefault("INJECTOR_EVAL_TIMEOUT_MS", 5000),
		QueueSize:       getEnvIntOrDefault("INJECTOR_QUEUE_SIZE", 64),

		BindAddr:         getEnvOrDefault("INJECTOR_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("INJECTOR_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		PortAutoFallback: getEnvBoolOrDefault("INJECTOR_PORT_AUTO_FALLBACK", true),

		LogLevel:          strings.ToLower(getEnvOrDefault("INJECTOR_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("INJECTOR_LOG_FILE", "logs/injector.log"),
		JournalDir:        getEnvOrDefault("INJECTOR_JOURNAL_DIR", "./journal"),
		JournalMaxSizeMB:  getEnvIntOrDefault("INJECTOR_JOURNAL_MAX_SIZE_MB", 50),
		JournalBufferSize: getEnvIntOrDefault("INJECTOR_JOURNAL_BUFFER_SIZE", 1024),

		LaunchBrowser: getEnvBoolOrDefault("INJECTOR_LAUNCH_BROWSER", false),
		StartURL:      getEnvOrDefault("INJECTOR_START_URL", "http://127.0.0.1:8000/index.html"),
		ProfileDir:    getEnvOrDefault("INJECTOR_PROFILE_DIR", "./browser_profile"),
	}

	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InstallAttempts < 1 {
		cfg.InstallAttempts = 1
	}
	if cfg.CDPMode != CDPModeChromedp && cfg.CDPMode != CDPModeRaw {
		return nil, fmt.Errorf("INJECTOR_CDP_MODE must be %q or %q, got %q", CDPModeChromedp, CDPModeRaw, cfg.CDPMode)
	}

	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma-separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
