package injector

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/assets"
	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/payload"
	"github.com/dgnsrekt/cssinjector/internal/surface"
)

// fakeClock is a virtual-time Scheduler. Tasks run on the goroutine that
// calls Advance.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []fakeTask
}

type fakeTask struct {
	at  time.Duration
	seq int
	fn  func()
}

func (c *fakeClock) Post(fn func()) { c.PostDelayed(0, fn) }

func (c *fakeClock) PostDelayed(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.tasks = append(c.tasks, fakeTask{at: c.now + d, seq: c.seq, fn: fn})
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	for {
		c.mu.Lock()
		idx := -1
		for i, task := range c.tasks {
			if task.at > target {
				continue
			}
			if idx < 0 || task.at < c.tasks[idx].at || (task.at == c.tasks[idx].at && task.seq < c.tasks[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		task := c.tasks[idx]
		c.tasks = append(c.tasks[:idx], c.tasks[idx+1:]...)
		c.now = task.at
		c.mu.Unlock()
		task.fn()
	}
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// inlineSubmitter runs jobs synchronously on the caller.
type inlineSubmitter struct {
	fail error
}

func (s inlineSubmitter) Submit(_ string, fn func(ctx context.Context) error, done func(error)) error {
	if s.fail != nil {
		return s.fail
	}
	err := fn(context.Background())
	if done != nil {
		done(err)
	}
	return nil
}

type fakeSurface struct {
	mu          sync.Mutex
	url         string
	scripts     []string
	backgrounds []color.Color
	listeners   map[int]surface.Listener
	nextID      int
	evalErr     error
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{url: "http://app.local/index.html", listeners: map[int]surface.Listener{}}
}

func (s *fakeSurface) ID() string  { return "tab-1" }
func (s *fakeSurface) URL() string { return s.url }

func (s *fakeSurface) Evaluate(_ context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, script)
	return s.evalErr
}

func (s *fakeSurface) SetBackground(_ context.Context, c color.Color) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backgrounds = append(s.backgrounds, c)
	return nil
}

func (s *fakeSurface) Subscribe(l surface.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeSurface) Close() error { return nil }

func (s *fakeSurface) emit(ev surface.Event) {
	s.mu.Lock()
	ls := make([]surface.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (s *fakeSurface) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sc := range s.scripts {
		if strings.Contains(sc, substr) {
			n++
		}
	}
	return n
}

func (s *fakeSurface) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = nil
	s.backgrounds = nil
}

func (s *fakeSurface) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *fakeSurface) backgroundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backgrounds)
}

// docStartSurface adds the document-start capability and fails the first
// failures installs.
type docStartSurface struct {
	*fakeSurface
	failures  int
	installed []string
}

func (s *docStartSurface) AddDocumentStartScript(_ context.Context, src string) (string, error) {
	if s.failures > 0 {
		s.failures--
		return "", errors.New("target session not ready")
	}
	s.installed = append(s.installed, src)
	return "script-1", nil
}

// rewriteSurface adds response rewriting.
type rewriteSurface struct {
	*fakeSurface
	rw surface.Rewriter
}

func (s *rewriteSurface) InterceptDocuments(_ context.Context, rw surface.Rewriter) error {
	s.rw = rw
	return nil
}

type memStore struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memStore) Read(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.files[key]
	if !ok {
		return nil, assets.ErrNotFound
	}
	return []byte(v), nil
}

func (m *memStore) put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = value
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *memRecorder) Record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memRecorder) byArtifact(a Artifact) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Artifact == a {
			out = append(out, rec)
		}
	}
	return out
}

var testPaths = assets.Paths{Stylesheet: "assets/cdn-styles.css", Config: "cordova-build-config.json", Document: "index.html"}

func defaultFiles() map[string]string {
	return map[string]string{
		testPaths.Stylesheet: "body{margin:0}",
		testPaths.Config:     `{"apiUrl":"https://api.example.com"}`,
		testPaths.Document:   "<!doctype html><html><head><title>app</title></head><body></body></html>",
	}
}

type harness struct {
	engine *Engine
	clock  *fakeClock
	rec    *memRecorder
	store  *memStore
}

func newHarness(t *testing.T, surf surface.Surface, files map[string]string, bg *color.Color) *harness {
	t.Helper()
	store := &memStore{files: files}
	cache := assets.NewCache(store, testPaths, "#112233")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cache.Load(ctx); err != nil {
		t.Fatalf("cache.Load() error = %v", err)
	}

	clock := &fakeClock{}
	rec := &memRecorder{}
	ids := 0
	e := New(Deps{
		Surface:    surf,
		Cache:      cache,
		Builder:    payload.NewBuilder(payload.DefaultNames(), nil),
		Scheduler:  clock,
		Submitter:  inlineSubmitter{},
		Recorder:   rec,
		Background: bg,
		NewBurstID: func() string {
			ids++
			return "burst-" + strconv.Itoa(ids)
		},
	}, DefaultOptions("tab-1"))
	return &harness{engine: e, clock: clock, rec: rec, store: store}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.clock.Advance(0)
}

func testColor(t *testing.T) *color.Color {
	t.Helper()
	c, err := color.Parse("#112233", color.ARGB)
	if err != nil {
		t.Fatalf("color.Parse() error = %v", err)
	}
	return &c
}
