package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ModeChromedp is recorded on tabs attached through this client.
const ModeChromedp = "chromedp"

type Options struct {
	CDPURL       string
	TabURLFilter string
	EvalTimeout  time.Duration
}

// Client manages chromedp connections to browser tabs.
type Client struct {
	opts        Options
	tabRegistry *TabRegistry
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[string]*Tab
	tabsMu      sync.RWMutex
}

func NewClient(opts Options, tabRegistry *TabRegistry) *Client {
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 5 * time.Second
	}
	return &Client{
		opts:        opts,
		tabRegistry: tabRegistry,
		tabs:        make(map[string]*Tab),
	}
}

// Connect attaches to every page target matching the URL filter.
func (c *Client) Connect(ctx context.Context) ([]*Tab, error) {
	slog.Info("Connecting to Chromium", "url", c.opts.CDPURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.opts.CDPURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()
	stop := context.AfterFunc(ctx, tempCancel)
	defer stop()

	if err := chromedp.Run(tempCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate targets: %w", err)
	}

	slog.Info("Found browser targets", "count", len(targets))

	var attached []*Tab
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !matchesTabURL(c.opts.TabURLFilter, t.URL) {
			slog.Debug("Skipping tab (url filter)", "url", t.URL)
			continue
		}
		tab, err := c.attachToTab(string(t.TargetID), t.URL)
		if err != nil {
			slog.Error("Failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attached = append(attached, tab)
	}

	if len(attached) == 0 {
		return nil, fmt.Errorf("no tabs found matching INJECTOR_TAB_URL_FILTER=%q", c.opts.TabURLFilter)
	}

	slog.Info("Attached to tabs", "count", len(attached), "tab_url_filter", c.opts.TabURLFilter)
	return attached, nil
}

func (c *Client) attachToTab(targetID, url string) (*Tab, error) {
	tabInfo, err := c.tabRegistry.Register(targetID, url, ModeChromedp)
	if err != nil {
		return nil, fmt.Errorf("failed to register tab: %w", err)
	}

	tab, err := newTab(c.allocCtx, targetID, url, c.opts.EvalTimeout, c.tabRegistry)
	if err != nil {
		c.tabRegistry.Remove(targetID)
		return nil, err
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	slog.Info("Attached to tab", "target_id", targetID, "path_segment", tabInfo.PathSegment, "browser_id", tabInfo.BrowserID, "url", truncateURL(url))
	return tab, nil
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for id, tab := range c.tabs {
		_ = tab.Close()
		c.tabRegistry.Remove(id)
	}
	c.tabs = make(map[string]*Tab)
	c.tabsMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) TabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func matchesTabURL(filter, url string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(filter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
