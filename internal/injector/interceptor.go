package injector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/surface"
)

// State is the lifecycle interceptor state.
type State int

const (
	StateUninitialized State = iota
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return "uninitialized"
	}
}

// HookStatus tracks one strategy's registration on the surface.
type HookStatus int

const (
	HookPending HookStatus = iota
	HookInstalled
	HookAbsent
	HookFailed
)

func (h HookStatus) String() string {
	switch h {
	case HookInstalled:
		return "installed"
	case HookAbsent:
		return "absent"
	case HookFailed:
		return "failed"
	default:
		return "pending"
	}
}

// install registers the lifecycle listener once and retries the optional
// hooks that failed for a transient reason. Capability absence is final.
func (e *Engine) install(attempt int) {
	if e.unsubscribe == nil {
		e.unsubscribe = e.surf.Subscribe(func(ev surface.Event) {
			e.sched.Post(func() { e.onEvent(ev) })
		})
		e.hooks[StrategyLifecycleScript] = HookInstalled
	}

	rewriter, canRewrite := e.surf.(surface.ResponseRewriter)
	installer, canInstall := e.surf.(surface.DocumentStartInstaller)
	needRewrite := e.hooks[StrategyResponseRewrite] != HookInstalled && e.hooks[StrategyResponseRewrite] != HookAbsent
	needDocStart := e.hooks[StrategyDocumentStart] != HookInstalled && e.hooks[StrategyDocumentStart] != HookAbsent

	if needRewrite && !canRewrite {
		e.setHook(StrategyResponseRewrite, surface.ErrCapabilityAbsent)
		needRewrite = false
	}
	if needDocStart && !canInstall {
		e.setHook(StrategyDocumentStart, surface.ErrCapabilityAbsent)
		needDocStart = false
	}
	if !needRewrite && !needDocStart {
		e.installed()
		return
	}

	var docStart string
	if needDocStart {
		docStart = e.builder.DocumentStartScript(e.cache.Bundle(), e.bg)
	}

	results := make(map[Strategy]error, 2)
	err := e.io.Submit("install_hooks", func(ctx context.Context) error {
		if needRewrite {
			results[StrategyResponseRewrite] = rewriter.InterceptDocuments(ctx, e.Rewrite)
		}
		if needDocStart {
			_, results[StrategyDocumentStart] = installer.AddDocumentStartScript(ctx, docStart)
		}
		return nil
	}, func(error) {
		e.sched.Post(func() { e.onInstallResult(attempt, results) })
	})
	if err != nil {
		failed := make(map[Strategy]error, 2)
		if needRewrite {
			failed[StrategyResponseRewrite] = err
		}
		if needDocStart {
			failed[StrategyDocumentStart] = err
		}
		e.onInstallResult(attempt, failed)
	}
}

func (e *Engine) onInstallResult(attempt int, results map[Strategy]error) {
	retry := false
	for s, err := range results {
		e.setHook(s, err)
		if e.hooks[s] == HookFailed {
			retry = true
		}
	}
	e.installed()

	if !retry {
		return
	}
	if attempt >= e.opts.InstallAttempts {
		slog.Error("Giving up installing hooks", "tab_id", e.opts.TabID, "attempts", attempt)
		return
	}
	delay := e.opts.InstallBase * time.Duration(attempt)
	slog.Warn("Hook install failed, retrying", "tab_id", e.opts.TabID, "attempt", attempt, "delay", delay)
	e.sched.PostDelayed(delay, func() { e.install(attempt + 1) })
}

func (e *Engine) setHook(s Strategy, err error) {
	switch {
	case err == nil:
		e.hooks[s] = HookInstalled
		slog.Info("Hook installed", "tab_id", e.opts.TabID, "strategy", s.String())
	case errors.Is(err, surface.ErrCapabilityAbsent):
		e.hooks[s] = HookAbsent
		slog.Warn("Surface capability absent, falling back", "tab_id", e.opts.TabID, "strategy", s.String())
	default:
		e.hooks[s] = HookFailed
		slog.Warn("Hook install error", "tab_id", e.opts.TabID, "strategy", s.String(), "error", err)
	}
}

func (e *Engine) installed() {
	if e.state == StateUninitialized {
		e.state = StateInstalled
	}
}

func (e *Engine) onEvent(ev surface.Event) {
	switch ev.Kind {
	case surface.NavigationStarted:
		e.onNavigationStarted(ev.URL)
	case surface.NavigationFinished:
		e.onNavigationFinished(ev.URL)
	}
}

// onNavigationStarted paints the native background at once and schedules
// the early fallback in case the response rewrite did not apply.
func (e *Engine) onNavigationStarted(url string) {
	if e.state != StateActive {
		e.state = StateActive
	}
	if !e.firstPageLoadSeen {
		e.firstPageLoadSeen = true
		slog.Info("First page load observed", "tab_id", e.opts.TabID, "url", url)
	}
	e.navigations++
	if url != "" {
		e.url = url
	}
	e.retrier.ResetAttempts()

	e.applyNativeBackground(StrategyLifecycleScript, "navigation_started")
	e.sched.PostDelayed(e.opts.EarlyDelay, func() { e.early("navigation_started") })
}

// onNavigationFinished runs full bursts as the final backstop.
func (e *Engine) onNavigationFinished(url string) {
	if url != "" {
		e.url = url
	}
	e.retrier.Start("navigation_finished")
}

// Rewrite is the response rewriter handed to the surface. It runs on the
// surface's goroutine and only reads immutable or atomically published data.
func (e *Engine) Rewrite(resp surface.InterceptedResponse) ([]byte, bool) {
	body := resp.Body
	if len(body) == 0 {
		doc, err := e.cache.ReadDocument()
		if err != nil {
			slog.Warn("Response body unavailable and no local document", "tab_id", e.opts.TabID, "url", resp.URL, "error", err)
			return nil, false
		}
		body = doc
	}

	out, ok := e.builder.Rewrite(body, e.cache.Bundle(), e.bg)
	rec := Record{
		TabID:    e.opts.TabID,
		BurstID:  e.newID(),
		Strategy: StrategyResponseRewrite,
		Artifact: ArtifactDocument,
		Trigger:  "response",
		URL:      resp.URL,
	}
	if !ok {
		rec.Err = errors.New("document has no head")
		e.rec.Record(rec)
		slog.Debug("Document has no head, leaving response untouched", "tab_id", e.opts.TabID, "url", resp.URL)
		return nil, false
	}
	e.rec.Record(rec)
	e.sched.Post(func() { e.rewrites++ })
	return out, true
}
