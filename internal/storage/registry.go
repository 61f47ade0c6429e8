package storage

import (
	"log/slog"
	"sync"

	"github.com/dgnsrekt/cssinjector/internal/types"
)

// WriterRegistry owns one journal writer per tab. Records land under the
// tab's path segment, in a file named by its short target ID.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	writers map[string]*JSONLWriter
	mu      sync.Mutex
	closed  bool
}

func NewWriterRegistry(baseDir string, bufferSize, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]*JSONLWriter),
	}
}

// ForTab returns the tab's writer, creating it on first use. The directory
// is fixed by the URL the tab had at that point. Returns nil once closed.
func (r *WriterRegistry) ForTab(info types.TabInfo) *JSONLWriter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if w, ok := r.writers[info.TargetID]; ok {
		return w
	}

	seg := info.PathSegment
	if seg == "" {
		seg = "root"
	}
	fileBase := info.BrowserID
	if fileBase == "" {
		fileBase = ShortTargetID(info.TargetID)
	}
	w := NewJSONLWriter(r.baseDir, seg, fileBase, r.bufferSize, r.maxSizeMB)
	r.writers[info.TargetID] = w

	slog.Info("Created journal writer", "tab_id", info.TargetID, "path_segment", seg, "browser_id", fileBase)
	return w
}

// Release closes and forgets the writer for a detached tab.
func (r *WriterRegistry) Release(tabID string) error {
	r.mu.Lock()
	w, ok := r.writers[tabID]
	delete(r.writers, tabID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = make(map[string]*JSONLWriter)
	r.closed = true
	r.mu.Unlock()

	var lastErr error
	for tabID, w := range writers {
		if err := w.Close(); err != nil {
			slog.Error("Failed to close journal writer", "tab_id", tabID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
