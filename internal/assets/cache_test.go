package assets

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"
)

type countingStore struct {
	mu    sync.Mutex
	files map[string][]byte
	reads map[string]int
}

func newCountingStore(files map[string]string) *countingStore {
	s := &countingStore{files: map[string][]byte{}, reads: map[string]int{}}
	for k, v := range files {
		s.files[k] = []byte(v)
	}
	return s
}

func (s *countingStore) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[key]++
	data, ok := s.files[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *countingStore) put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = []byte(value)
}

func (s *countingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[key]
}

var testPaths = Paths{Stylesheet: "assets/cdn-styles.css", Config: "cordova-build-config.json", Document: "index.html"}

func loadCache(t *testing.T, c *Cache) Bundle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return b
}

func TestCacheLoadsBothArtifactsOnce(t *testing.T) {
	store := newCountingStore(map[string]string{
		testPaths.Stylesheet: "body{color:red}",
		testPaths.Config:     `{"apiUrl":"https://api.example.com","retries":3}`,
	})
	c := NewCache(store, testPaths, "#112233")

	b := loadCache(t, c)
	c.Preload()
	_ = loadCache(t, c)

	if got := b.StylesheetText(); got != "body{color:red}" {
		t.Fatalf("stylesheet = %q", got)
	}
	if b.Config["apiUrl"] != "https://api.example.com" {
		t.Fatalf("config apiUrl = %v", b.Config["apiUrl"])
	}
	if b.BackgroundColor != "#112233" {
		t.Fatalf("background = %q", b.BackgroundColor)
	}
	if n := store.count(testPaths.Stylesheet); n != 1 {
		t.Fatalf("stylesheet reads = %d; want 1", n)
	}
	if n := store.count(testPaths.Config); n != 1 {
		t.Fatalf("config reads = %d; want 1", n)
	}
}

func TestCacheToleratesMissingArtifactsIndependently(t *testing.T) {
	store := newCountingStore(map[string]string{
		testPaths.Config: `{"a":1}`,
	})
	b := loadCache(t, NewCache(store, testPaths, "#FFFFFF"))

	if b.HasStylesheet() {
		t.Fatalf("expected stylesheet absent")
	}
	if !b.HasConfig() {
		t.Fatalf("expected config present")
	}
}

func TestCacheMalformedConfigIsAbsent(t *testing.T) {
	for name, body := range map[string]string{
		"truncated":     `{"a":1`,
		"array":         `[1,2,3]`,
		"trailing_data": `{"a":1} {"b":2}`,
		"string":        `"hello"`,
	} {
		t.Run(name, func(t *testing.T) {
			store := newCountingStore(map[string]string{
				testPaths.Stylesheet: "p{}",
				testPaths.Config:     body,
			})
			b := loadCache(t, NewCache(store, testPaths, "#FFFFFF"))
			if b.HasConfig() {
				t.Fatalf("expected malformed config to be absent, got %v", b.Config)
			}
			if !b.HasStylesheet() {
				t.Fatalf("stylesheet should still load")
			}
		})
	}
}

func TestCacheReloadMissingReadsOnlyOnce(t *testing.T) {
	store := newCountingStore(map[string]string{})
	c := NewCache(store, testPaths, "#FFFFFF")
	_ = loadCache(t, c)

	store.put(testPaths.Config, `{"late":true}`)

	ctx := context.Background()
	b := c.ReloadMissing(ctx)
	if !b.HasConfig() || b.Config["late"] != true {
		t.Fatalf("expected late config after reload, got %v", b.Config)
	}
	if b.HasStylesheet() {
		t.Fatalf("stylesheet still missing; expected absent")
	}

	store.put(testPaths.Stylesheet, "p{}")
	b = c.ReloadMissing(ctx)
	if b.HasStylesheet() {
		t.Fatalf("stylesheet retry budget already spent; expected absent")
	}
	if n := store.count(testPaths.Stylesheet); n != 2 {
		t.Fatalf("stylesheet reads = %d; want 2", n)
	}
	if n := store.count(testPaths.Config); n != 2 {
		t.Fatalf("config reads = %d; want 2", n)
	}
}

func TestCacheReloadConfigHasOwnAttempt(t *testing.T) {
	store := newCountingStore(map[string]string{})
	c := NewCache(store, testPaths, "#FFFFFF")
	_ = loadCache(t, c)
	ctx := context.Background()

	// Injection path spends its retry while the file is still missing.
	if b := c.ReloadMissing(ctx); b.HasConfig() {
		t.Fatalf("config present before it was written")
	}

	store.put(testPaths.Config, `{"late":true}`)
	if b := c.ReloadMissing(ctx); b.HasConfig() {
		t.Fatalf("ReloadMissing retry budget already spent; expected absent")
	}
	b := c.ReloadConfig(ctx)
	if !b.HasConfig() || b.Config["late"] != true {
		t.Fatalf("ReloadConfig() config = %v; want late config", b.Config)
	}
	if !c.Bundle().HasConfig() {
		t.Fatalf("reloaded config not published to the cache")
	}
	if n := store.count(testPaths.Config); n != 3 {
		t.Fatalf("config reads = %d; want 3", n)
	}

	t.Run("single_attempt", func(t *testing.T) {
		store := newCountingStore(map[string]string{})
		c := NewCache(store, testPaths, "#FFFFFF")
		_ = loadCache(t, c)
		c.ReloadConfig(ctx)
		store.put(testPaths.Config, `{"late":true}`)
		if b := c.ReloadConfig(ctx); b.HasConfig() {
			t.Fatalf("second ReloadConfig() read the file again")
		}
		if n := store.count(testPaths.Config); n != 2 {
			t.Fatalf("config reads = %d; want 2", n)
		}
	})
}

func TestBundleConfigWithBackgroundDoesNotMutateCache(t *testing.T) {
	store := newCountingStore(map[string]string{testPaths.Config: `{"n":12345678901234567890}`})
	c := NewCache(store, testPaths, "#000000")
	b := loadCache(t, c)

	merged := b.ConfigWithBackground()
	if merged[BackgroundColorKey] != "#000000" {
		t.Fatalf("merged background = %v", merged[BackgroundColorKey])
	}
	if _, ok := c.Bundle().Config[BackgroundColorKey]; ok {
		t.Fatalf("cached config must not be mutated")
	}
	if n, ok := merged["n"].(json.Number); !ok || n.String() != "12345678901234567890" {
		t.Fatalf("number fidelity lost: %#v", merged["n"])
	}
}

func TestDirStore(t *testing.T) {
	s := NewFSStore(fstest.MapFS{
		"www/index.html": {Data: []byte("<html></html>")},
	})

	data, err := s.Read("/www/index.html")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "<html></html>" {
		t.Fatalf("Read() = %q", data)
	}

	if _, err := s.Read("www/missing.css"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing) error = %v; want ErrNotFound", err)
	}
	if _, err := s.Read("../etc/passwd"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(../) error = %v; want invalid key", err)
	}
}

func TestCacheReadDocument(t *testing.T) {
	store := newCountingStore(map[string]string{testPaths.Document: "<html><head></head></html>"})
	c := NewCache(store, testPaths, "")
	doc, err := c.ReadDocument()
	if err != nil {
		t.Fatalf("ReadDocument() error = %v", err)
	}
	if string(doc) != "<html><head></head></html>" {
		t.Fatalf("ReadDocument() = %q", doc)
	}
}
