// Package surface describes the web content surface the injector drives: a
// single page whose documents are reloaded by navigation.
package surface

import (
	"context"
	"errors"
	"mime"
	"strings"

	"github.com/dgnsrekt/cssinjector/internal/color"
)

// ErrCapabilityAbsent is returned when a surface cannot provide an optional
// hook. Callers fall through to the next strategy.
var ErrCapabilityAbsent = errors.New("surface: capability absent")

type EventKind int

const (
	NavigationStarted EventKind = iota + 1
	NavigationFinished
)

func (k EventKind) String() string {
	switch k {
	case NavigationStarted:
		return "navigation_started"
	case NavigationFinished:
		return "navigation_finished"
	default:
		return "unknown"
	}
}

// Event is a main-frame lifecycle notification.
type Event struct {
	Kind EventKind
	URL  string
}

// Listener receives lifecycle events. It is called on the surface's event
// goroutine and must not block.
type Listener func(Event)

// Surface is the minimum every implementation provides.
type Surface interface {
	ID() string
	URL() string
	// Evaluate runs script in the current document. The result is ignored.
	Evaluate(ctx context.Context, script string) error
	// SetBackground sets the native color painted behind the document.
	SetBackground(ctx context.Context, c color.Color) error
	Subscribe(l Listener) (unsubscribe func())
	Close() error
}

// InterceptedResponse is a main document response paused before the page
// sees it. Body is already decoded from the transport encoding.
type InterceptedResponse struct {
	URL      string
	Status   int
	MimeType string
	Charset  string
	Body     []byte
}

// Rewriter returns the replacement body. ok false leaves the response
// untouched.
type Rewriter func(resp InterceptedResponse) (body []byte, ok bool)

// ResponseRewriter can replace document responses before parsing starts.
type ResponseRewriter interface {
	InterceptDocuments(ctx context.Context, rw Rewriter) error
}

// DocumentStartInstaller can run a script in every new document before the
// page's own scripts.
type DocumentStartInstaller interface {
	AddDocumentStartScript(ctx context.Context, source string) (id string, err error)
}

// BindingHost exposes a named page function that delivers string payloads
// back to the process.
type BindingHost interface {
	ExposeBinding(ctx context.Context, name string, fn func(payload string)) error
}

// Reloader can reload the current document so it passes through the
// installed hooks.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ParseContentType splits a Content-Type header value. Malformed values fall
// back to the part before the first semicolon.
func ParseContentType(value string) (mimeType, charset string) {
	mt, params, err := mime.ParseMediaType(value)
	if err != nil {
		mt, _, _ = strings.Cut(value, ";")
		return strings.ToLower(strings.TrimSpace(mt)), ""
	}
	return mt, strings.ToLower(params["charset"])
}

// IsHTMLDocument reports whether a response is a successful HTML document
// worth rewriting.
func IsHTMLDocument(resp InterceptedResponse) bool {
	if resp.Status < 200 || resp.Status > 299 {
		return false
	}
	if resp.MimeType != "text/html" {
		return false
	}
	return resp.Charset == "" || resp.Charset == "utf-8" || resp.Charset == "us-ascii"
}
