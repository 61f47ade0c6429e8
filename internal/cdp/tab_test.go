package cdp

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/dgnsrekt/cssinjector/internal/color"
	"github.com/dgnsrekt/cssinjector/internal/surface"
)

func detachedTab(registry *TabRegistry) *Tab {
	return &Tab{
		id:        "ABCDEF0123456789",
		registry:  registry,
		listeners: make(map[int]surface.Listener),
		bindings:  make(map[string]func(string)),
	}
}

func TestMatchesTabURL(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		url    string
		want   bool
	}{
		{name: "empty_filter", filter: "", url: "http://x/", want: true},
		{name: "case_insensitive", filter: "LocalHost:8080", url: "http://localhost:8080/index.html", want: true},
		{name: "no_match", filter: "app.local", url: "https://example.com/", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesTabURL(tt.filter, tt.url); got != tt.want {
				t.Fatalf("matchesTabURL(%q, %q) = %v; want %v", tt.filter, tt.url, got, tt.want)
			}
		})
	}
}

func TestRewrittenHeaders(t *testing.T) {
	in := []*fetch.HeaderEntry{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: "120"},
		{Name: "content-encoding", Value: "gzip"},
		nil,
		{Name: "Cache-Control", Value: "no-cache"},
	}
	out := rewrittenHeaders(in)
	if len(out) != 2 || out[0].Name != "Content-Type" || out[1].Name != "Cache-Control" {
		t.Fatalf("rewrittenHeaders() = %+v", out)
	}
	if got := headerValue(in, "content-type"); got != "text/html; charset=utf-8" {
		t.Fatalf("headerValue() = %q", got)
	}
	if got := headerValue(in, "X-Missing"); got != "" {
		t.Fatalf("headerValue(missing) = %q", got)
	}
}

func TestRewritableOnlyMainFrameDocuments(t *testing.T) {
	tab := detachedTab(NewTabRegistry())
	html := []*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}
	paused := func(frame string, status int64, headers []*fetch.HeaderEntry) *fetch.EventRequestPaused {
		return &fetch.EventRequestPaused{
			FrameID:            cdp.FrameID(frame),
			ResponseStatusCode: status,
			ResponseHeaders:    headers,
			Request:            &network.Request{URL: "http://app.local/index.html"},
		}
	}

	tests := []struct {
		name  string
		event *fetch.EventRequestPaused
		want  bool
	}{
		{name: "main_frame_html", event: paused(tab.id, 200, html), want: true},
		{name: "subframe_html", event: paused("IFRAME0123456789", 200, html), want: false},
		{name: "main_frame_json", event: paused(tab.id, 200, []*fetch.HeaderEntry{{Name: "Content-Type", Value: "application/json"}}), want: false},
		{name: "main_frame_redirect", event: paused(tab.id, 302, html), want: false},
		{name: "request_stage", event: paused(tab.id, 0, nil), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := tab.rewritable(tt.event)
			if ok != tt.want {
				t.Fatalf("rewritable() = %v; want %v", ok, tt.want)
			}
			if ok && (resp.URL != "http://app.local/index.html" || resp.Charset != "utf-8") {
				t.Fatalf("rewritable() response = %+v", resp)
			}
		})
	}
}

func TestToRGBA(t *testing.T) {
	c, err := color.Parse("#80102030", color.ARGB)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := toRGBA(c)
	if got.R != 0x10 || got.G != 0x20 || got.B != 0x30 || got.A != c.Alpha() {
		t.Fatalf("toRGBA() = %+v", got)
	}
}

func TestTabEventsReachListeners(t *testing.T) {
	registry := NewTabRegistry()
	tab := detachedTab(registry)

	var events []surface.Event
	unsubscribe := tab.Subscribe(func(ev surface.Event) { events = append(events, ev) })

	tab.handleEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "main", URL: "http://app.local/frame"}})
	tab.handleEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "http://app.local/index.html"}})
	tab.handleEvent(&page.EventLoadEventFired{})

	if len(events) != 2 {
		t.Fatalf("events = %+v; want start and finish", events)
	}
	if events[0].Kind != surface.NavigationStarted || events[0].URL != "http://app.local/index.html" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Kind != surface.NavigationFinished || events[1].URL != "http://app.local/index.html" {
		t.Fatalf("second event = %+v", events[1])
	}
	if tab.URL() != "http://app.local/index.html" {
		t.Fatalf("URL() = %q", tab.URL())
	}
	if info, ok := registry.GetByStringID(tab.ID()); !ok || info.PathSegment != "app.local_index.html" {
		t.Fatalf("registry entry = %+v, %v", info, ok)
	}

	unsubscribe()
	tab.handleEvent(&page.EventLoadEventFired{})
	if len(events) != 2 {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestTabBindingCalls(t *testing.T) {
	tab := detachedTab(nil)
	var got []string
	tab.bindings["__bridge"] = func(p string) { got = append(got, p) }

	tab.handleEvent(&runtime.EventBindingCalled{Name: "__bridge", Payload: `{"id":1}`})
	tab.handleEvent(&runtime.EventBindingCalled{Name: "__other", Payload: "x"})

	if len(got) != 1 || got[0] != `{"id":1}` {
		t.Fatalf("binding payloads = %v", got)
	}
}

func TestTabRegistry(t *testing.T) {
	r := NewTabRegistry()
	first, err := r.Register("target-1", "http://app.local/", ModeChromedp)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := r.Register("target-1", "http://app.local/next", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !second.AttachedAt.Equal(first.AttachedAt) || second.Mode != ModeChromedp || second.PathSegment != "app.local_next" {
		t.Fatalf("re-register = %+v", second)
	}
	if _, err := r.Register("target-2", "http://[::1", ModeChromedp); err == nil {
		t.Fatalf("Register() with bad URL succeeded")
	}
	if r.Count() != 1 || len(r.List()) != 1 {
		t.Fatalf("Count() = %d", r.Count())
	}
	r.Remove("target-1")
	if _, ok := r.GetByStringID("target-1"); ok {
		t.Fatalf("tab still registered after Remove")
	}
}
