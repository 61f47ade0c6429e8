package controller

import (
	"log/slog"
	"time"

	"github.com/dgnsrekt/cssinjector/internal/injector"
	"github.com/dgnsrekt/cssinjector/internal/relay"
	"github.com/dgnsrekt/cssinjector/internal/storage"
)

// recorder sends each injection record to the tab's journal and the live
// event feed. Either sink may be nil.
type recorder struct {
	journal *storage.JSONLWriter
	events  *relay.Broker
}

func (rc recorder) Record(r injector.Record) {
	logRecord(r)
	if rc.journal == nil && rc.events == nil {
		return
	}
	rec := toInjectionRecord(r)
	rec.Timestamp = time.Now().UTC()
	if rc.journal != nil {
		if err := rc.journal.Write(rec); err != nil {
			slog.Debug("Journal write skipped", "tab_id", r.TabID, "error", err)
		}
	}
	if rc.events != nil {
		if err := rc.events.PublishJSON(r.TabID, rec); err != nil {
			slog.Debug("Event publish failed", "tab_id", r.TabID, "error", err)
		}
	}
}

func logRecord(r injector.Record) {
	if r.Err != nil {
		slog.Debug("Injection failed", "tab_id", r.TabID, "strategy", r.Strategy.String(), "artifact", string(r.Artifact), "attempt", r.Attempt, "error", r.Err)
		return
	}
	slog.Debug("Injection applied", "tab_id", r.TabID, "strategy", r.Strategy.String(), "artifact", string(r.Artifact), "attempt", r.Attempt)
}

func toInjectionRecord(r injector.Record) storage.InjectionRecord {
	rec := storage.InjectionRecord{
		TabID:    r.TabID,
		BurstID:  r.BurstID,
		Strategy: r.Strategy.String(),
		Artifact: string(r.Artifact),
		Trigger:  r.Trigger,
		Attempt:  r.Attempt,
		URL:      r.URL,
		Outcome:  storage.OutcomeApplied,
	}
	if r.Err != nil {
		rec.Outcome = storage.OutcomeFailed
		rec.Error = r.Err.Error()
	}
	return rec
}
