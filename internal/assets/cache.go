package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
)

// BackgroundColorKey is the config field the resolved background color is
// merged into before the config reaches the page.
const BackgroundColorKey = "backgroundColor"

// Paths are the logical asset keys read from the Store.
type Paths struct {
	Stylesheet string
	Config     string
	Document   string
}

// Bundle is an immutable snapshot of the cached artifacts. A nil Stylesheet
// or Config means the artifact is absent (missing or malformed).
type Bundle struct {
	Stylesheet      *string
	Config          map[string]any
	BackgroundColor string
}

func (b Bundle) HasStylesheet() bool { return b.Stylesheet != nil && *b.Stylesheet != "" }

func (b Bundle) HasConfig() bool { return b.Config != nil }

// StylesheetText returns the stylesheet or "" when absent.
func (b Bundle) StylesheetText() string {
	if b.Stylesheet == nil {
		return ""
	}
	return *b.Stylesheet
}

// ConfigWithBackground returns a copy of the config with backgroundColor
// merged in. The cached map is never mutated. Returns nil when absent.
func (b Bundle) ConfigWithBackground() map[string]any {
	if b.Config == nil {
		return nil
	}
	out := make(map[string]any, len(b.Config)+1)
	maps.Copy(out, b.Config)
	if b.BackgroundColor != "" {
		out[BackgroundColorKey] = b.BackgroundColor
	}
	return out
}

// Cache loads the stylesheet and config once per process on a worker
// goroutine and publishes the result for readers on any goroutine.
type Cache struct {
	store Store
	paths Paths

	bundle atomic.Pointer[Bundle]

	preloadOnce sync.Once
	ready       chan struct{}

	readMu            sync.Mutex
	stylesheetRetried bool
	configRetried     bool
	configRequested   bool
}

// NewCache returns a cache whose bundle starts with only the background color.
func NewCache(store Store, paths Paths, backgroundColor string) *Cache {
	c := &Cache{
		store: store,
		paths: paths,
		ready: make(chan struct{}),
	}
	c.bundle.Store(&Bundle{BackgroundColor: backgroundColor})
	return c
}

// Preload starts the single background read of both artifacts. Calling it
// more than once has no effect.
func (c *Cache) Preload() {
	c.preloadOnce.Do(func() {
		go func() {
			defer close(c.ready)
			c.readMu.Lock()
			defer c.readMu.Unlock()

			next := *c.bundle.Load()
			next.Stylesheet = c.readStylesheet()
			next.Config = c.readConfig()
			c.bundle.Store(&next)
			slog.Info("Assets preloaded",
				"stylesheet", next.HasStylesheet(),
				"config", next.HasConfig(),
				"stylesheet_bytes", len(next.StylesheetText()),
			)
		}()
	})
}

// Load preloads and blocks until the first read finished or ctx is done.
func (c *Cache) Load(ctx context.Context) (Bundle, error) {
	c.Preload()
	if err := c.Wait(ctx); err != nil {
		return c.Bundle(), err
	}
	return c.Bundle(), nil
}

// Wait blocks until the preload completed (successfully or not).
func (c *Cache) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the preload has completed.
func (c *Cache) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Bundle returns the current snapshot. Fields may still be absent when the
// preload has not finished yet.
func (c *Cache) Bundle() Bundle {
	return *c.bundle.Load()
}

// ReloadMissing performs the single on-demand re-read allowed for each
// absent artifact. It waits for the preload first so the preload read is not
// mistaken for the retry. It blocks on I/O; never call it from the loop.
func (c *Cache) ReloadMissing(ctx context.Context) Bundle {
	c.Preload()
	if err := c.Wait(ctx); err != nil {
		return c.Bundle()
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	next := *c.bundle.Load()
	changed := false
	if next.Stylesheet == nil && !c.stylesheetRetried {
		c.stylesheetRetried = true
		if css := c.readStylesheet(); css != nil {
			next.Stylesheet = css
			changed = true
		}
	}
	if next.Config == nil && !c.configRetried {
		c.configRetried = true
		if cfg := c.readConfig(); cfg != nil {
			next.Config = cfg
			changed = true
		}
	}
	if changed {
		c.bundle.Store(&next)
		slog.Info("Assets reloaded on demand", "stylesheet", next.HasStylesheet(), "config", next.HasConfig())
	}
	return next
}

// ReloadConfig is the config re-read for page-side config requests. It has
// its own single attempt, independent of ReloadMissing.
func (c *Cache) ReloadConfig(ctx context.Context) Bundle {
	c.Preload()
	if err := c.Wait(ctx); err != nil {
		return c.Bundle()
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	next := *c.bundle.Load()
	if next.Config != nil || c.configRequested {
		return next
	}
	c.configRequested = true
	cfg := c.readConfig()
	if cfg == nil {
		return next
	}
	next.Config = cfg
	c.bundle.Store(&next)
	slog.Info("Config reloaded on request", "keys", len(cfg))
	return next
}

// ReadDocument reads the locally packaged HTML document. It is not cached;
// the interception path consumes it once per navigation.
func (c *Cache) ReadDocument() ([]byte, error) {
	if c.paths.Document == "" {
		return nil, fmt.Errorf("%w: no document path configured", ErrNotFound)
	}
	return c.store.Read(c.paths.Document)
}

func (c *Cache) readStylesheet() *string {
	data, err := c.store.Read(c.paths.Stylesheet)
	if err != nil {
		logReadFailure("stylesheet", c.paths.Stylesheet, err)
		return nil
	}
	css := string(data)
	return &css
}

func (c *Cache) readConfig() map[string]any {
	data, err := c.store.Read(c.paths.Config)
	if err != nil {
		logReadFailure("config", c.paths.Config, err)
		return nil
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		slog.Warn("Config asset malformed", "path", c.paths.Config, "error", err)
		return nil
	}
	return cfg
}

// ParseConfig decodes a JSON object. Anything other than exactly one JSON
// object is rejected as a whole. Numbers keep their original text.
func ParseConfig(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode config: trailing data after object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode config: expected object, got %T", v)
	}
	return obj, nil
}

func logReadFailure(artifact, key string, err error) {
	if errors.Is(err, ErrNotFound) {
		slog.Warn("Asset missing", "artifact", artifact, "path", key)
		return
	}
	slog.Error("Asset read failed", "artifact", artifact, "path", key, "error", err)
}
