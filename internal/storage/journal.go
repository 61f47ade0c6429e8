package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrJournalClosed = errors.New("journal: writer closed")
	ErrJournalFull   = errors.New("journal: buffer full")
)

// InjectionRecord is one line of the injection journal.
type InjectionRecord struct {
	Timestamp time.Time `json:"ts"`
	TabID     string    `json:"tab_id"`
	BurstID   string    `json:"burst_id"`
	Strategy  string    `json:"strategy"`
	Artifact  string    `json:"artifact"`
	Trigger   string    `json:"trigger,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	URL       string    `json:"url,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

const (
	OutcomeApplied = "applied"
	OutcomeFailed  = "failed"
)

// JSONLWriter appends records asynchronously to
// <baseDir>/<date>/<subDir>/<fileBase>.jsonl, switching directory when the
// UTC date changes and rotating by size within a day.
type JSONLWriter struct {
	baseDir   string
	subDir    string
	fileBase  string
	maxSizeMB int
	now       func() time.Time

	writeCh   chan InjectionRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJSONLWriter starts the writer goroutine. fileBase defaults to the
// open time in Unix seconds.
func NewJSONLWriter(baseDir, subDir, fileBase string, bufferSize, maxSizeMB int) *JSONLWriter {
	return newJSONLWriter(baseDir, subDir, fileBase, bufferSize, maxSizeMB, time.Now)
}

func newJSONLWriter(baseDir, subDir, fileBase string, bufferSize, maxSizeMB int, now func() time.Time) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		fileBase:  fileBase,
		maxSizeMB: maxSizeMB,
		now:       now,
		writeCh:   make(chan InjectionRecord, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues rec without blocking. A full buffer drops the record.
func (w *JSONLWriter) Write(rec InjectionRecord) error {
	select {
	case <-w.done:
		return ErrJournalClosed
	default:
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.now().UTC()
	}
	select {
	case w.writeCh <- rec:
		return nil
	default:
		w.dropped.Add(1)
		slog.Warn("Journal buffer full, dropping record", "subdir", w.subDir, "tab_id", rec.TabID)
		return ErrJournalFull
	}
}

// Dropped reports how many records were lost to a full buffer.
func (w *JSONLWriter) Dropped() int64 { return w.dropped.Load() }

// Close flushes queued records and closes the file. Safe to call twice.
func (w *JSONLWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.logger != nil {
			err = w.logger.Close()
			w.logger = nil
		}
	})
	return err
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.writeCh:
			w.writeRecord(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.writeCh:
					w.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) writeRecord(rec InjectionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("Failed to marshal journal record", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if err := w.openForDate(date); err != nil {
			slog.Error("Failed to open journal file", "error", err, "subdir", w.subDir)
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write journal record", "error", err, "subdir", w.subDir)
	}
}

func (w *JSONLWriter) openForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	base := w.fileBase
	if base == "" {
		base = fmt.Sprintf("%d", w.now().Unix())
	}
	filename := filepath.Join(dir, base+".jsonl")

	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 20,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("Opened journal file", "file", filename, "subdir", w.subDir)
	return nil
}
