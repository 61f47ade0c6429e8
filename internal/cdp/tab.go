package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/surface"
)

var errTabClosed = errors.New("cdp: tab closed")

// Tab is one attached page target. It implements surface.Surface and every
// optional capability.
type Tab struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	registry *TabRegistry

	mu        sync.RWMutex
	url       string
	closed    bool
	listeners map[int]surface.Listener
	nextID    int
	rewriter  surface.Rewriter
	bindings  map[string]func(string)
}

var (
	_ surface.Surface                = (*Tab)(nil)
	_ surface.ResponseRewriter       = (*Tab)(nil)
	_ surface.DocumentStartInstaller = (*Tab)(nil)
	_ surface.BindingHost            = (*Tab)(nil)
	_ surface.Reloader               = (*Tab)(nil)
)

func newTab(allocCtx context.Context, targetID, url string, timeout time.Duration, registry *TabRegistry) (*Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(targetID)))
	t := &Tab{
		id:        targetID,
		ctx:       tabCtx,
		cancel:    tabCancel,
		timeout:   timeout,
		registry:  registry,
		url:       url,
		listeners: make(map[int]surface.Listener),
		bindings:  make(map[string]func(string)),
	}

	if err := chromedp.Run(tabCtx, page.Enable(), runtime.Enable()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to enable page/runtime domains: %w", err)
	}
	chromedp.ListenTarget(tabCtx, t.handleEvent)
	return t, nil
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// run executes actions on the tab bounded by the eval timeout and the
// caller's context.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if t.isClosed() {
		return errTabClosed
	}
	runCtx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *Tab) Evaluate(ctx context.Context, script string) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(script).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("evaluate: %s", exceptionText(exc))
		}
		return nil
	}))
}

func (t *Tab) SetBackground(ctx context.Context, c color.Color) error {
	return t.run(ctx, emulation.SetDefaultBackgroundColorOverride().WithColor(toRGBA(c)))
}

func (t *Tab) Subscribe(l surface.Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// InterceptDocuments pauses document responses so rw can replace them.
func (t *Tab) InterceptDocuments(ctx context.Context, rw surface.Rewriter) error {
	t.mu.Lock()
	t.rewriter = rw
	t.mu.Unlock()

	patterns := []*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageResponse,
	}}
	if err := t.run(ctx, fetch.Enable().WithPatterns(patterns)); err != nil {
		t.mu.Lock()
		t.rewriter = nil
		t.mu.Unlock()
		return fmt.Errorf("enable fetch interception: %w", err)
	}
	return nil
}

func (t *Tab) AddDocumentStartScript(ctx context.Context, source string) (string, error) {
	var id page.ScriptIdentifier
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	}))
	if err != nil {
		return "", err
	}
	return string(id), nil
}

// ExposeBinding adds a page function that survives reloads. Calls arrive as
// Runtime.bindingCalled events.
func (t *Tab) ExposeBinding(ctx context.Context, name string, fn func(string)) error {
	t.mu.Lock()
	t.bindings[name] = fn
	t.mu.Unlock()
	if err := t.run(ctx, runtime.AddBinding(name)); err != nil {
		t.mu.Lock()
		delete(t.bindings, name)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Tab) Reload(ctx context.Context) error {
	return t.run(ctx, chromedp.Reload())
}

// Close stops interception and drops listeners. The browser tab itself is
// left open.
func (t *Tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	hadRewriter := t.rewriter != nil
	t.rewriter = nil
	t.listeners = make(map[int]surface.Listener)
	t.bindings = make(map[string]func(string))
	t.mu.Unlock()

	if hadRewriter {
		if err := t.run(context.Background(), fetch.Disable()); err != nil {
			slog.Debug("Failed to disable fetch interception", "tab_id", t.id, "error", err)
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Tab) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Tab) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		t.mu.Lock()
		t.url = e.Frame.URL
		t.mu.Unlock()
		if t.registry != nil {
			if info, err := t.registry.Register(t.id, e.Frame.URL, ""); err == nil {
				slog.Info("Tab navigated", "tab_id", t.id, "path_segment", info.PathSegment, "url", truncateURL(e.Frame.URL))
			}
		}
		t.emit(surface.Event{Kind: surface.NavigationStarted, URL: e.Frame.URL})
	case *page.EventLoadEventFired:
		t.emit(surface.Event{Kind: surface.NavigationFinished, URL: t.URL()})
	case *fetch.EventRequestPaused:
		// Commands cannot be issued from the listener goroutine.
		go t.handlePaused(e)
	case *runtime.EventBindingCalled:
		t.mu.RLock()
		fn := t.bindings[e.Name]
		t.mu.RUnlock()
		if fn != nil {
			fn(e.Payload)
		}
	}
}

func (t *Tab) emit(ev surface.Event) {
	t.mu.RLock()
	ls := make([]surface.Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// handlePaused rewrites one paused document response or lets it through.
// Every paused request is resolved exactly once.
func (t *Tab) handlePaused(e *fetch.EventRequestPaused) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	cont := func() {
		if err := chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID)); err != nil {
			slog.Warn("Failed to continue paused response", "tab_id", t.id, "error", err)
		}
	}

	t.mu.RLock()
	rw := t.rewriter
	t.mu.RUnlock()
	if rw == nil {
		cont()
		return
	}
	resp, ok := t.rewritable(e)
	if !ok {
		cont()
		return
	}
	requestURL := resp.URL

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		resp.Body, err = fetch.GetResponseBody(e.RequestID).Do(ctx)
		return err
	}))
	if err != nil {
		slog.Warn("Failed to read paused response body", "tab_id", t.id, "url", truncateURL(requestURL), "error", err)
	}

	body, ok := rw(resp)
	if !ok {
		cont()
		return
	}

	fulfill := fetch.FulfillRequest(e.RequestID, e.ResponseStatusCode).
		WithResponseHeaders(rewrittenHeaders(e.ResponseHeaders)).
		WithBody(base64.StdEncoding.EncodeToString(body))
	if e.ResponseStatusText != "" {
		fulfill = fulfill.WithResponsePhrase(e.ResponseStatusText)
	}
	if err := chromedp.Run(ctx, fulfill); err != nil {
		slog.Warn("Failed to fulfill rewritten response", "tab_id", t.id, "url", truncateURL(requestURL), "error", err)
		cont()
		return
	}
	slog.Debug("Document rewritten", "tab_id", t.id, "url", truncateURL(requestURL), "bytes", len(body))
}

// rewritable reports whether a paused response is an HTML document of the
// tab's main frame that completed with a status. Subframe documents pass
// through untouched.
func (t *Tab) rewritable(e *fetch.EventRequestPaused) (surface.InterceptedResponse, bool) {
	if e.FrameID != cdp.FrameID(t.id) || e.ResponseErrorReason != "" || e.ResponseStatusCode == 0 {
		return surface.InterceptedResponse{}, false
	}
	resp := surface.InterceptedResponse{Status: int(e.ResponseStatusCode)}
	if e.Request != nil {
		resp.URL = e.Request.URL
	}
	resp.MimeType, resp.Charset = surface.ParseContentType(headerValue(e.ResponseHeaders, "Content-Type"))
	return resp, surface.IsHTMLDocument(resp)
}

func headerValue(headers []*fetch.HeaderEntry, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// rewrittenHeaders drops headers describing the original body bytes. The
// fulfilled body is plain and its length is recomputed by the browser.
func rewrittenHeaders(headers []*fetch.HeaderEntry) []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch strings.ToLower(h.Name) {
		case "content-length", "content-encoding", "transfer-encoding":
			continue
		}
		out = append(out, &fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return out
}

func toRGBA(c color.Color) *cdp.RGBA {
	return &cdp.RGBA{R: int64(c.R), G: int64(c.G), B: int64(c.B), A: c.Alpha()}
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}
