// Package controller owns the per-tab injection engines and exposes them to
// the HTTP API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/bridge"
	"github.com/dgnsrekt/cssinjector/internal/cdpcontrol"
	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/injector"
	"github.com/dgnsrekt/cssinjector/internal/payload"
	"github.com/dgnsrekt/cssinjector/internal/relay"
	"github.com/dgnsrekt/cssinjector/internal/sequencer"
	"github.com/dgnsrekt/cssinjector/internal/storage"
	"github.com/dgnsrekt/cssinjector/internal/surface"
	"github.com/dgnsrekt/cssinjector/internal/types"
)

// TabDirectory is the registry of attached tabs. cdp.TabRegistry satisfies it.
type TabDirectory interface {
	types.TabInfoProvider
	List() []types.TabInfo
}

type Options struct {
	// Engine is the template for every tab; TabID is filled in per tab.
	Engine         injector.Options
	QueueSize      int
	IOTimeout      time.Duration
	ReloadOnAttach bool
}

// Deps are shared by every tab.
type Deps struct {
	Cache      *assets.Cache
	Builder    *payload.Builder
	Background *color.Color
	Tabs       TabDirectory
	// Journals and Events may be nil to disable that sink.
	Journals *storage.WriterRegistry
	Events   *relay.Broker
}

type tabSession struct {
	surf    surface.Surface
	loop    *sequencer.Loop
	io      *injector.Dispatcher
	engine  *injector.Engine
	bridge  *bridge.Bridge
	binding bool
}

// Service wraps the injection engines of all attached tabs.
type Service struct {
	opts Options
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*tabSession
}

func NewService(deps Deps, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 5 * time.Second
	}
	return &Service{opts: opts, deps: deps, sessions: make(map[string]*tabSession)}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// Attach starts an engine and a bridge for surf. It returns after the
// engine is started; hook installation continues on the tab's loop.
func (s *Service) Attach(ctx context.Context, surf surface.Surface) error {
	tabID := surf.ID()
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.sessions[tabID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("tab %s already attached", tabID)
	}
	sess := &tabSession{
		surf: surf,
		loop: sequencer.New(tabID),
		io:   injector.NewDispatcher(tabID, s.opts.QueueSize, s.opts.IOTimeout),
	}
	s.sessions[tabID] = sess
	s.mu.Unlock()

	go sess.loop.Run(context.Background())

	engineOpts := s.opts.Engine
	engineOpts.TabID = tabID
	sess.engine = injector.New(injector.Deps{
		Surface:    surf,
		Cache:      s.deps.Cache,
		Builder:    s.deps.Builder,
		Scheduler:  sess.loop,
		Submitter:  sess.io,
		Recorder:   s.recorderFor(tabID),
		Background: s.deps.Background,
	}, engineOpts)
	sess.bridge = bridge.New(tabID, sess.engine, s.deps.Cache)

	if err := sess.engine.Start(ctx); err != nil {
		s.Detach(tabID)
		return fmt.Errorf("start engine for %s: %w", tabID, err)
	}

	page := bridge.NewPageBinding(sess.bridge, surf, s.opts.IOTimeout)
	switch err := page.Install(ctx); {
	case err == nil:
		sess.binding = true
	case errors.Is(err, surface.ErrCapabilityAbsent):
		slog.Info("Page bridge unavailable, HTTP bridge only", "tab_id", tabID)
	default:
		slog.Warn("Failed to expose page bridge", "tab_id", tabID, "error", err)
	}

	if s.opts.ReloadOnAttach {
		s.reloadWhenInstalled(ctx, sess)
	}

	slog.Info("Tab attached", "tab_id", tabID, "url", surf.URL(), "page_bridge", sess.binding)
	return nil
}

// reloadWhenInstalled reloads the tab once hook installation settled so
// the fresh document passes through the strongest available strategy.
func (s *Service) reloadWhenInstalled(ctx context.Context, sess *tabSession) {
	reloader, ok := sess.surf.(surface.Reloader)
	if !ok {
		return
	}
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			st, err := sess.engine.Status(waitCtx)
			if err != nil {
				slog.Warn("Skipping reload on attach", "tab_id", sess.surf.ID(), "error", err)
				return
			}
			if st.State != injector.StateUninitialized.String() {
				break
			}
			select {
			case <-waitCtx.Done():
				slog.Warn("Skipping reload on attach, hooks not installed", "tab_id", sess.surf.ID())
				return
			case <-ticker.C:
			}
		}
		reloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := reloader.Reload(reloadCtx); err != nil {
			slog.Warn("Failed to reload tab (continuing)", "tab_id", sess.surf.ID(), "error", err)
			return
		}
		slog.Info("Reloaded tab after attach", "tab_id", sess.surf.ID())
	}()
}

// Detach stops the tab's engine, releases the surface's hooks and its
// journal. The browser tab stays open.
func (s *Service) Detach(tabID string) {
	s.mu.Lock()
	sess, ok := s.sessions[tabID]
	delete(s.sessions, tabID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if sess.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		if err := sess.engine.Close(ctx); err != nil {
			slog.Debug("Engine close failed", "tab_id", tabID, "error", err)
		}
		cancel()
	}
	sess.loop.Stop()
	sess.io.Close()
	if err := sess.surf.Close(); err != nil {
		slog.Debug("Surface close failed", "tab_id", tabID, "error", err)
	}
	if s.deps.Journals != nil {
		if err := s.deps.Journals.Release(tabID); err != nil {
			slog.Debug("Journal release failed", "tab_id", tabID, "error", err)
		}
	}
	slog.Info("Tab detached", "tab_id", tabID)
}

// Close detaches every tab.
func (s *Service) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Detach(id)
	}
}

func (s *Service) session(tabID string) (*tabSession, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	sess, ok := s.sessions[strings.TrimSpace(tabID)]
	s.mu.RUnlock()
	if !ok {
		return nil, &cdpcontrol.CodedError{Code: cdpcontrol.CodeTabNotFound, Message: "tab " + tabID + " not attached"}
	}
	return sess, nil
}

func (s *Service) tabInfo(tabID string, sess *tabSession) types.TabInfo {
	if s.deps.Tabs != nil {
		if info, ok := s.deps.Tabs.GetByStringID(tabID); ok {
			return *info
		}
	}
	return types.TabInfo{TargetID: tabID, URL: sess.surf.URL()}
}

// TabSummary is one entry of ListTabs.
type TabSummary struct {
	types.TabInfo
	PageBridge bool `json:"page_bridge"`
}

func (s *Service) ListTabs(_ context.Context) ([]TabSummary, error) {
	s.mu.RLock()
	out := make([]TabSummary, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, TabSummary{TabInfo: s.tabInfo(id, sess), PageBridge: sess.binding})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

// TabDetail combines registry metadata and engine state.
type TabDetail struct {
	Tab    TabSummary      `json:"tab"`
	Engine injector.Status `json:"engine"`
}

func (s *Service) TabStatus(ctx context.Context, tabID string) (TabDetail, error) {
	sess, err := s.session(tabID)
	if err != nil {
		return TabDetail{}, err
	}
	st, err := sess.engine.Status(ctx)
	if err != nil {
		return TabDetail{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalTimeout, Message: "engine status unavailable", Cause: err}
	}
	return TabDetail{
		Tab:    TabSummary{TabInfo: s.tabInfo(sess.surf.ID(), sess), PageBridge: sess.binding},
		Engine: st,
	}, nil
}

func (s *Service) InjectCSS(ctx context.Context, tabID string) (bridge.Result, error) {
	sess, err := s.session(tabID)
	if err != nil {
		return bridge.Result{}, err
	}
	return sess.bridge.InjectCSS(ctx), nil
}

func (s *Service) GetConfig(ctx context.Context, tabID string) (bridge.Result, error) {
	sess, err := s.session(tabID)
	if err != nil {
		return bridge.Result{}, err
	}
	res := sess.bridge.GetConfig(ctx)
	if !res.OK {
		return res, &cdpcontrol.CodedError{Code: cdpcontrol.CodeConfigUnavailable, Message: res.Message}
	}
	return res, nil
}

func (s *Service) InjectBackground(ctx context.Context, tabID string) (bridge.Result, error) {
	sess, err := s.session(tabID)
	if err != nil {
		return bridge.Result{}, err
	}
	res := sess.bridge.InjectBackground(ctx)
	if !res.OK {
		return res, &cdpcontrol.CodedError{Code: cdpcontrol.CodeNoBackground, Message: res.Message}
	}
	return res, nil
}

// Reinject starts a fresh retry run. started is false when one is already
// in flight.
func (s *Service) Reinject(ctx context.Context, tabID string) (bool, error) {
	sess, err := s.session(tabID)
	if err != nil {
		return false, err
	}
	started, err := sess.engine.Reinject(ctx, "api")
	if err != nil {
		return false, &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalTimeout, Message: "reinject not scheduled", Cause: err}
	}
	return started, nil
}

// AssetsInfo describes the cached bundle without its contents.
type AssetsInfo struct {
	Ready           bool   `json:"ready"`
	Stylesheet      bool   `json:"stylesheet"`
	StylesheetBytes int    `json:"stylesheet_bytes"`
	Config          bool   `json:"config"`
	ConfigKeys      int    `json:"config_keys"`
	BackgroundColor string `json:"background_color"`
}

func (s *Service) Assets(_ context.Context) (AssetsInfo, error) {
	b := s.deps.Cache.Bundle()
	return AssetsInfo{
		Ready:           s.deps.Cache.Ready(),
		Stylesheet:      b.HasStylesheet(),
		StylesheetBytes: len(b.StylesheetText()),
		Config:          b.HasConfig(),
		ConfigKeys:      len(b.Config),
		BackgroundColor: b.BackgroundColor,
	}, nil
}

func (s *Service) recorderFor(tabID string) injector.Recorder {
	rc := recorder{events: s.deps.Events}
	if s.deps.Journals != nil {
		info := types.TabInfo{TargetID: tabID}
		if s.deps.Tabs != nil {
			if got, ok := s.deps.Tabs.GetByStringID(tabID); ok {
				info = *got
			}
		}
		rc.journal = s.deps.Journals.ForTab(info)
	}
	return rc
}
