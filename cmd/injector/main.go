package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/cssinjector/internal/api"
	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/browser"
	"github.com/dgnsrekt/cssinjector/internal/cdp"
	"github.com/dgnsrekt/cssinjector/internal/cdpcontrol"
	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/config"
	"github.com/dgnsrekt/cssinjector/internal/controller"
	"github.com/dgnsrekt/cssinjector/internal/injector"
	"github.com/dgnsrekt/cssinjector/internal/netutil"
	"github.com/dgnsrekt/cssinjector/internal/payload"
	"github.com/dgnsrekt/cssinjector/internal/relay"
	"github.com/dgnsrekt/cssinjector/internal/storage"
	"github.com/dgnsrekt/cssinjector/internal/surface"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("Injector config loaded",
		"cdp_url", cfg.CDPURL(),
		"cdp_mode", cfg.CDPMode,
		"tab_url_filter", cfg.TabURLFilter,
		"asset_dir", cfg.AssetDir,
		"bind_addr", cfg.BindAddr,
		"max_attempts", cfg.MaxAttempts,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("Failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	model := color.ParseModel(cfg.ColorModel)
	prefs, err := config.LoadPreferences(cfg.PreferencesFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("Failed to load preferences", "path", cfg.PreferencesFile, "error", err)
			os.Exit(1)
		}
		slog.Info("No preferences file, using environment and defaults", "path", cfg.PreferencesFile)
		prefs = config.NewPreferences(nil)
	}
	bgRaw, bg := prefs.BackgroundColor(model)
	slog.Info("Background color resolved", "value", bgRaw, "model", model.String())

	cache := assets.NewCache(assets.NewDirStore(cfg.AssetDir), assets.Paths{
		Stylesheet: cfg.StylesheetPath,
		Config:     cfg.ConfigPath,
		Document:   cfg.DocumentPath,
	}, bgRaw)
	cache.Preload()

	registry := cdp.NewTabRegistry()
	surfaces, closeClient, err := connect(ctx, cfg, registry)
	if err != nil {
		slog.Error("Failed to connect to browser", "cdp_url", cfg.CDPURL(), "mode", cfg.CDPMode, "error", err)
		os.Exit(1)
	}
	defer closeClient()

	var journals *storage.WriterRegistry
	if cfg.JournalDir != "" {
		journals = storage.NewWriterRegistry(cfg.JournalDir, cfg.JournalBufferSize, cfg.JournalMaxSizeMB)
		defer func() { _ = journals.Close() }()
	}

	events := relay.NewBroker()
	svc := controller.NewService(controller.Deps{
		Cache:      cache,
		Builder:    payload.NewBuilder(payload.DefaultNames(), payload.Base64Encoder),
		Background: &bg,
		Tabs:       registry,
		Journals:   journals,
		Events:     events,
	}, controller.Options{
		Engine: injector.Options{
			Policy: injector.Policy{
				MaxAttempts: cfg.MaxAttempts,
				BaseDelay:   time.Duration(cfg.RetryBaseMS) * time.Millisecond,
				SettleDelay: time.Duration(cfg.SettleMS) * time.Millisecond,
			},
			EarlyDelay:      time.Duration(cfg.EarlyDelayMS) * time.Millisecond,
			InstallAttempts: cfg.InstallAttempts,
			InstallBase:     time.Duration(cfg.InstallBaseMS) * time.Millisecond,
		},
		QueueSize:      cfg.QueueSize,
		IOTimeout:      cfg.EvalTimeout(),
		ReloadOnAttach: cfg.ReloadOnAttach,
	})
	defer svc.Close()

	attached := 0
	for _, surf := range surfaces {
		if err := svc.Attach(ctx, surf); err != nil {
			slog.Error("Failed to attach tab", "tab_id", surf.ID(), "error", err)
			continue
		}
		attached++
	}
	if attached == 0 {
		slog.Error("No tabs attached")
		os.Exit(1)
	}

	ln, err := netutil.ListenFirst(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("Failed to bind API listener", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	srv := &http.Server{
		Handler:           api.NewServer(svc, events),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Injector listening", "addr", addr, "docs", "http://"+addr+"/docs", "tabs", attached)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		slog.Error("API server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
}

// connect attaches to every matching tab with the configured CDP client.
func connect(ctx context.Context, cfg *config.Config, registry *cdp.TabRegistry) ([]surface.Surface, func(), error) {
	switch cfg.CDPMode {
	case config.CDPModeRaw:
		client := cdpcontrol.NewClient(cdpcontrol.Options{
			CDPURL:       cfg.CDPURL(),
			TabURLFilter: cfg.TabURLFilter,
			EvalTimeout:  cfg.EvalTimeout(),
		}, registry)
		tabs, err := client.Connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		out := make([]surface.Surface, 0, len(tabs))
		for _, t := range tabs {
			out = append(out, t)
		}
		return out, func() { _ = client.Close() }, nil
	default:
		client := cdp.NewClient(cdp.Options{
			CDPURL:       cfg.CDPURL(),
			TabURLFilter: cfg.TabURLFilter,
			EvalTimeout:  cfg.EvalTimeout(),
		}, registry)
		tabs, err := client.Connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		out := make([]surface.Surface, 0, len(tabs))
		for _, t := range tabs {
			out = append(out, t)
		}
		return out, func() { _ = client.Close() }, nil
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
