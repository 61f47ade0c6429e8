package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/surface"
)

// Tab is a page target attached through a flattened session.
type Tab struct {
	client    *Client
	targetID  string
	sessionID string

	mu        sync.RWMutex
	url       string
	closed    bool
	listeners map[int]surface.Listener
	nextID    int
	bindings  map[string]func(string)
}

var (
	_ surface.Surface                = (*Tab)(nil)
	_ surface.ResponseRewriter       = (*Tab)(nil)
	_ surface.DocumentStartInstaller = (*Tab)(nil)
	_ surface.BindingHost            = (*Tab)(nil)
	_ surface.Reloader               = (*Tab)(nil)
)

func newTab(c *Client, targetID, sessionID, url string) *Tab {
	return &Tab{
		client:    c,
		targetID:  targetID,
		sessionID: sessionID,
		url:       url,
		listeners: make(map[int]surface.Listener),
		bindings:  make(map[string]func(string)),
	}
}

func (t *Tab) ID() string { return t.targetID }

func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// session returns the live connection or a CDP_UNAVAILABLE error.
func (t *Tab) session() (*rawCDP, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, newError(CodeCDPUnavailable, "tab detached", nil)
	}
	conn := t.client.conn()
	if conn == nil {
		return nil, newError(CodeCDPUnavailable, "not connected", nil)
	}
	return conn, nil
}

func (t *Tab) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.client.evalTimeout)
}

func (t *Tab) Evaluate(ctx context.Context, script string) error {
	conn, err := t.session()
	if err != nil {
		return err
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	_, err = conn.evaluate(ctx, t.sessionID, script)
	return classify("evaluate", err)
}

func (t *Tab) SetBackground(ctx context.Context, c color.Color) error {
	conn, err := t.session()
	if err != nil {
		return err
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	err = conn.setDefaultBackgroundColor(ctx, t.sessionID, rgba{R: int(c.R), G: int(c.G), B: int(c.B), A: c.Alpha()})
	return classify("set background", err)
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

// InterceptDocuments is not offered over the raw connection: the Fetch
// domain pauses every document until answered, and a stalled session would
// freeze the page.
func (t *Tab) InterceptDocuments(context.Context, surface.Rewriter) error {
	return surface.ErrCapabilityAbsent
}

func (t *Tab) AddDocumentStartScript(ctx context.Context, source string) (string, error) {
	conn, err := t.session()
	if err != nil {
		return "", err
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	id, err := conn.addScriptToEvaluateOnNewDocument(ctx, t.sessionID, source)
	return id, classify("add document-start script", err)
}

func (t *Tab) ExposeBinding(ctx context.Context, name string, fn func(string)) error {
	conn, err := t.session()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.bindings[name] = fn
	t.mu.Unlock()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if err := conn.addBinding(ctx, t.sessionID, name); err != nil {
		t.mu.Lock()
		delete(t.bindings, name)
		t.mu.Unlock()
		return classify("add binding", err)
	}
	return nil
}

func (t *Tab) Reload(ctx context.Context) error {
	conn, err := t.session()
	if err != nil {
		return err
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return classify("reload", conn.reload(ctx, t.sessionID))
}

// Close drops listeners. The session is detached when the client closes.
func (t *Tab) Close() error {
	t.markClosed()
	return nil
}

func (t *Tab) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.listeners = make(map[int]surface.Listener)
	t.bindings = make(map[string]func(string))
	t.mu.Unlock()
}

// handleEvent runs on the websocket read loop. Listeners and bindings must
// not issue commands synchronously.
func (t *Tab) handleEvent(method string, params json.RawMessage) {
	switch method {
	case "Page.frameNavigated":
		var ev struct {
			Frame struct {
				ID       string `json:"id"`
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.Frame.ParentID != "" {
			return
		}
		t.mu.Lock()
		t.url = ev.Frame.URL
		t.mu.Unlock()
		if t.client != nil && t.client.registry != nil {
			if _, err := t.client.registry.Register(t.targetID, ev.Frame.URL, ""); err != nil {
				slog.Debug("cdpcontrol register navigation failed", "target_id", t.targetID, "error", err)
			}
		}
		t.emit(surface.Event{Kind: surface.NavigationStarted, URL: ev.Frame.URL})
	case "Page.loadEventFired":
		t.emit(surface.Event{Kind: surface.NavigationFinished, URL: t.URL()})
	case "Runtime.bindingCalled":
		var ev struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(params, &ev); err != nil {
			return
		}
		t.mu.RLock()
		fn := t.bindings[ev.Name]
		t.mu.RUnlock()
		if fn != nil {
			fn(ev.Payload)
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
