// Package injector delivers the config object and stylesheet to a surface
// through a chain of strategies ordered from strongest to weakest:
// response rewrite, document-start script, lifecycle script and retry
// polling. All mutable engine state lives on one sequencing goroutine.
package injector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/payload"
	"github.com/dgnsrekt/cssinjector/internal/surface"
	"github.com/google/uuid"
)

// ErrNoBackground is returned when no background color was resolved.
var ErrNoBackground = errors.New("injector: no background color configured")

type Strategy int

const (
	StrategyResponseRewrite Strategy = iota + 1
	StrategyDocumentStart
	StrategyLifecycleScript
	StrategyRetryPolling
	StrategyOnDemand
)

func (s Strategy) String() string {
	switch s {
	case StrategyResponseRewrite:
		return "response_rewrite"
	case StrategyDocumentStart:
		return "document_start"
	case StrategyLifecycleScript:
		return "lifecycle_script"
	case StrategyRetryPolling:
		return "retry_polling"
	case StrategyOnDemand:
		return "on_demand"
	default:
		return "unknown"
	}
}

// Artifact names what an application delivered.
type Artifact string

const (
	ArtifactConfig           Artifact = "config"
	ArtifactStylesheet       Artifact = "stylesheet"
	ArtifactBackgroundCSS    Artifact = "background_css"
	ArtifactNativeBackground Artifact = "native_background"
	ArtifactDocument         Artifact = "document"
)

// Record describes one application of one artifact.
type Record struct {
	TabID    string
	BurstID  string
	Strategy Strategy
	Artifact Artifact
	Trigger  string
	Attempt  int
	URL      string
	Err      error
}

// Recorder receives records from any goroutine.
type Recorder interface {
	Record(Record)
}

type nopRecorder struct{}

func (nopRecorder) Record(Record) {}

type Options struct {
	TabID           string
	Policy          Policy
	EarlyDelay      time.Duration
	InstallAttempts int
	InstallBase     time.Duration
}

func DefaultOptions(tabID string) Options {
	return Options{
		TabID:           tabID,
		Policy:          DefaultPolicy(),
		EarlyDelay:      50 * time.Millisecond,
		InstallAttempts: 10,
		InstallBase:     100 * time.Millisecond,
	}
}

// Deps are the collaborators an engine is built from.
type Deps struct {
	Surface   surface.Surface
	Cache     *assets.Cache
	Builder   *payload.Builder
	Scheduler Scheduler
	Submitter Submitter
	Recorder  Recorder
	// Background is the resolved color; nil disables background delivery.
	Background *color.Color
	// NewBurstID defaults to random UUIDs.
	NewBurstID func() string
}

// Engine is the strategy chain for one surface.
type Engine struct {
	opts    Options
	surf    surface.Surface
	cache   *assets.Cache
	builder *payload.Builder
	sched   Scheduler
	io      Submitter
	rec     Recorder
	bg      *color.Color
	newID   func() string

	// Owned by the scheduler goroutine.
	state             State
	hooks             map[Strategy]HookStatus
	retrier           *Retrier
	firstPageLoadSeen bool
	navigations       int
	bursts            int
	rewrites          int
	url               string
	lastTrigger       string
	reloadRequested   bool
	unsubscribe       func()
}

func New(d Deps, opts Options) *Engine {
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.NewBurstID == nil {
		d.NewBurstID = func() string { return uuid.NewString() }
	}
	if opts.InstallAttempts < 1 {
		opts.InstallAttempts = 1
	}
	e := &Engine{
		opts:    opts,
		surf:    d.Surface,
		cache:   d.Cache,
		builder: d.Builder,
		sched:   d.Scheduler,
		io:      d.Submitter,
		rec:     d.Recorder,
		bg:      d.Background,
		newID:   d.NewBurstID,
		hooks: map[Strategy]HookStatus{
			StrategyResponseRewrite: HookPending,
			StrategyDocumentStart:   HookPending,
			StrategyLifecycleScript: HookPending,
			StrategyRetryPolling:    HookInstalled,
		},
		url: d.Surface.URL(),
	}
	e.retrier = NewRetrier(opts.TabID, opts.Policy, d.Scheduler, e.burst)
	return e
}

func (e *Engine) TabID() string { return e.opts.TabID }

// Start waits for the asset preload off the loop, then installs the hooks
// and covers a document that finished loading before attach with an early
// injection plus a retry run.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cache.Wait(ctx); err != nil {
		return err
	}
	e.sched.Post(func() {
		e.install(1)
		e.sched.PostDelayed(e.opts.EarlyDelay, func() { e.early("attach") })
		e.retrier.Start("attach")
	})
	slog.Info("Injection engine started", "tab_id", e.opts.TabID, "url", e.url)
	return nil
}

// Close detaches the lifecycle listener and waits for that to happen on the
// scheduler, so it must run before the owner stops the scheduler. The owner
// closes the submitter.
func (e *Engine) Close(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
			e.unsubscribe = nil
		}
	})
}

// burst is one full pass: config, background CSS, stylesheet.
func (e *Engine) burst(attempt int, trigger string) {
	strategy := StrategyRetryPolling
	if attempt == 1 {
		strategy = StrategyLifecycleScript
	}
	e.bursts++
	e.lastTrigger = trigger
	bundle := e.bundle()
	id := e.newID()
	e.applyConfig(bundle, strategy, id, trigger, attempt)
	e.applyBackgroundCSS(strategy, id, trigger, attempt)
	e.applyStylesheet(bundle, strategy, id, trigger, attempt)
}

// early is the short-delay fallback after a navigation starts: config and
// background CSS only, the stylesheet waits for the full burst.
func (e *Engine) early(trigger string) {
	bundle := e.bundle()
	id := e.newID()
	e.lastTrigger = trigger
	e.applyConfig(bundle, StrategyLifecycleScript, id, trigger, 0)
	e.applyBackgroundCSS(StrategyLifecycleScript, id, trigger, 0)
}

// bundle returns the cached snapshot and schedules the single on-demand
// reload when an artifact is still absent.
func (e *Engine) bundle() assets.Bundle {
	b := e.cache.Bundle()
	if (!b.HasConfig() || b.Stylesheet == nil) && !e.reloadRequested && e.cache.Ready() {
		e.reloadRequested = true
		err := e.io.Submit("reload_assets", func(ctx context.Context) error {
			e.cache.ReloadMissing(ctx)
			return nil
		}, nil)
		if err != nil {
			e.reloadRequested = false
		}
	}
	return b
}

func (e *Engine) applyConfig(b assets.Bundle, s Strategy, burstID, trigger string, attempt int) {
	script, err := e.builder.ConfigScript(b)
	if err != nil {
		slog.Debug("Config unavailable, skipping", "tab_id", e.opts.TabID, "strategy", s.String(), "error", err)
		return
	}
	e.evaluate(script, Record{Strategy: s, Artifact: ArtifactConfig, BurstID: burstID, Trigger: trigger, Attempt: attempt})
}

func (e *Engine) applyStylesheet(b assets.Bundle, s Strategy, burstID, trigger string, attempt int) {
	script, err := e.builder.StylesheetScript(b.StylesheetText())
	if err != nil {
		slog.Debug("Stylesheet unavailable, skipping", "tab_id", e.opts.TabID, "strategy", s.String(), "error", err)
		return
	}
	e.evaluate(script, Record{Strategy: s, Artifact: ArtifactStylesheet, BurstID: burstID, Trigger: trigger, Attempt: attempt})
}

func (e *Engine) applyBackgroundCSS(s Strategy, burstID, trigger string, attempt int) {
	if e.bg == nil {
		return
	}
	e.evaluate(e.builder.BackgroundScript(*e.bg), Record{Strategy: s, Artifact: ArtifactBackgroundCSS, BurstID: burstID, Trigger: trigger, Attempt: attempt})
}

func (e *Engine) applyNativeBackground(s Strategy, trigger string) {
	if e.bg == nil {
		return
	}
	c := *e.bg
	rec := Record{Strategy: s, Artifact: ArtifactNativeBackground, Trigger: trigger}
	e.submit("set_background", rec, func(ctx context.Context) error {
		return e.surf.SetBackground(ctx, c)
	})
}

func (e *Engine) evaluate(script string, rec Record) {
	e.submit("evaluate_"+string(rec.Artifact), rec, func(ctx context.Context) error {
		return e.surf.Evaluate(ctx, script)
	})
}

func (e *Engine) submit(name string, rec Record, fn func(ctx context.Context) error) {
	rec.TabID = e.opts.TabID
	rec.URL = e.url
	err := e.io.Submit(name, fn, func(err error) {
		rec.Err = err
		e.rec.Record(rec)
	})
	if err != nil {
		rec.Err = err
		e.rec.Record(rec)
	}
}

// InjectStylesheet applies the stylesheet fragment once. Safe from any
// goroutine; the effect is asynchronous.
func (e *Engine) InjectStylesheet(trigger string) {
	e.sched.Post(func() {
		e.applyStylesheet(e.bundle(), StrategyOnDemand, e.newID(), trigger, 0)
	})
}

// InjectConfig applies the config fragment once.
func (e *Engine) InjectConfig(trigger string) {
	e.sched.Post(func() {
		e.applyConfig(e.bundle(), StrategyOnDemand, e.newID(), trigger, 0)
	})
}

// InjectBackground applies the native background and the background CSS.
func (e *Engine) InjectBackground(trigger string) error {
	if e.bg == nil {
		return ErrNoBackground
	}
	e.sched.Post(func() {
		e.applyNativeBackground(StrategyOnDemand, trigger)
		e.applyBackgroundCSS(StrategyOnDemand, e.newID(), trigger, 0)
	})
	return nil
}

// Reinject resets the attempt budget and starts a retry run. started is
// false when a run is already in flight.
func (e *Engine) Reinject(ctx context.Context, trigger string) (started bool, err error) {
	err = e.call(ctx, func() {
		if e.retrier.Injecting() {
			return
		}
		e.retrier.ResetAttempts()
		started = e.retrier.Start(trigger)
	})
	return started, err
}

// Status is a snapshot of the engine state.
type Status struct {
	TabID             string            `json:"tab_id"`
	URL               string            `json:"url"`
	State             string            `json:"state"`
	Hooks             map[string]string `json:"hooks"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	Injecting         bool              `json:"injecting"`
	Runs              int               `json:"runs"`
	Bursts            int               `json:"bursts"`
	Rewrites          int               `json:"rewrites"`
	Navigations       int               `json:"navigations"`
	FirstPageLoadSeen bool              `json:"first_page_load_seen"`
	LastTrigger       string            `json:"last_trigger,omitempty"`
	Background        string            `json:"background,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, func() {
		hooks := make(map[string]string, len(e.hooks))
		for s, h := range e.hooks {
			hooks[s.String()] = h.String()
		}
		st = Status{
			TabID:             e.opts.TabID,
			URL:               e.url,
			State:             e.state.String(),
			Hooks:             hooks,
			Attempts:          e.retrier.Attempts(),
			MaxAttempts:       e.opts.Policy.MaxAttempts,
			Injecting:         e.retrier.Injecting(),
			Runs:              e.retrier.Runs(),
			Bursts:            e.bursts,
			Rewrites:          e.rewrites,
			Navigations:       e.navigations,
			FirstPageLoadSeen: e.firstPageLoadSeen,
			LastTrigger:       e.lastTrigger,
		}
		if e.bg != nil {
			st.Background = e.bg.CSS()
		}
	})
	return st, err
}

// call runs fn on the scheduler goroutine and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	e.sched.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
