// Package cdpcontrol drives page targets over a raw CDP websocket. It
// provides every surface capability except response rewriting.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/cssinjector/internal/types"
)

// transientHints are substrings in error causes that indicate the
// connection rather than the script failed.
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

// Registrar records attached tabs. cdp.TabRegistry satisfies it.
type Registrar interface {
	Register(targetID, url, mode string) (*types.TabInfo, error)
	Remove(targetID string)
}

type Options struct {
	CDPURL       string
	TabURLFilter string
	EvalTimeout  time.Duration
}

type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration
	registry    Registrar

	mu         sync.Mutex
	cdp        *rawCDP
	tabs       map[target.ID]*Tab
	unregister []func()

	// sessions is read from the websocket read loop, which must never wait
	// on mu while a command holds it.
	sessMu   sync.RWMutex
	sessions map[string]*Tab
}

func NewClient(opts Options, registry Registrar) *Client {
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 5 * time.Second
	}
	return &Client{
		cdpURL:      opts.CDPURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(opts.TabURLFilter)),
		evalTimeout: opts.EvalTimeout,
		registry:    registry,
		tabs:        make(map[target.ID]*Tab),
		sessions:    make(map[string]*Tab),
	}
}

// Connect dials the browser and attaches a session to every page target
// matching the URL filter.
func (c *Client) Connect(ctx context.Context) ([]*Tab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cdpURL == "" {
		return nil, newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.registerHandlersLocked()

	tabs, err := c.syncTabsLocked(ctx)
	if err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return nil, err
	}
	if len(tabs) == 0 {
		c.cleanupLocked()
		return nil, newError(CodeTargetNotFound, "no page targets match INJECTOR_TAB_URL_FILTER="+c.tabFilter, nil)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(tabs))
	return tabs, nil
}

func (c *Client) syncTabsLocked(ctx context.Context) ([]*Tab, error) {
	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	var out []*Tab
	for _, t := range targets {
		if t.Type != "page" || !c.matchesTabURL(t.URL) {
			continue
		}
		sessionID, err := c.cdp.attachToTarget(ctx, string(t.TargetID))
		if err != nil {
			slog.Warn("cdpcontrol attach failed", "target_id", t.TargetID, "error", err)
			continue
		}
		if err := c.cdp.enableDomains(ctx, sessionID); err != nil {
			slog.Warn("cdpcontrol enable domains failed", "target_id", t.TargetID, "error", err)
			c.detach(sessionID)
			continue
		}
		if c.registry != nil {
			if _, err := c.registry.Register(string(t.TargetID), t.URL, ModeRaw); err != nil {
				slog.Warn("cdpcontrol register tab failed", "target_id", t.TargetID, "error", err)
			}
		}

		tab := newTab(c, string(t.TargetID), sessionID, t.URL)
		c.tabs[t.TargetID] = tab
		c.sessMu.Lock()
		c.sessions[sessionID] = tab
		c.sessMu.Unlock()
		out = append(out, tab)
		slog.Info("cdpcontrol attached", "target_id", t.TargetID, "session_id", sessionID, "url", t.URL)
	}
	return out, nil
}

// registerHandlersLocked routes session events to the owning tab.
func (c *Client) registerHandlersLocked() {
	for _, method := range []string{"Page.frameNavigated", "Page.loadEventFired", "Runtime.bindingCalled"} {
		m := method
		c.unregister = append(c.unregister, c.cdp.registerEventHandler(m, func(sessionID string, params json.RawMessage) {
			if tab := c.tabForSession(sessionID); tab != nil {
				tab.handleEvent(m, params)
			}
		}))
	}
}

func (c *Client) tabForSession(sessionID string) *Tab {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sessions[sessionID]
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	for _, fn := range c.unregister {
		fn()
	}
	c.unregister = nil

	c.sessMu.Lock()
	c.sessions = make(map[string]*Tab)
	c.sessMu.Unlock()

	// Detach from active sessions without closing targets.
	if c.cdp != nil {
		for id, tab := range c.tabs {
			tab.markClosed()
			c.detach(tab.sessionID)
			if c.registry != nil {
				c.registry.Remove(string(id))
			}
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*Tab)
}

func (c *Client) detach(sessionID string) {
	if sessionID == "" || c.cdp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.cdp.detachFromTarget(ctx, sessionID); err != nil {
		slog.Debug("cdpcontrol detach cleanup failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) conn() *rawCDP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cdp
}

func (c *Client) matchesTabURL(url string) bool {
	if c.tabFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), c.tabFilter)
}

// classify maps a command failure to a CodedError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeEvalTimeout, op+" timed out", err)
	}
	if isTransient(err) {
		return newError(CodeCDPUnavailable, op+" failed", err)
	}
	return newError(CodeEvalFailure, op+" failed", err)
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
