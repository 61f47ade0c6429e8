package injector

import (
	"log/slog"
	"time"
)

// Scheduler is the task/timer abstraction the engine runs on. Every callback
// executes on the same sequencing goroutine.
type Scheduler interface {
	Post(fn func())
	PostDelayed(d time.Duration, fn func())
}

// Policy bounds a retry run.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	SettleDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		SettleDelay: time.Second,
	}
}

// Delay is the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// Retrier drives bounded runs of bursts. All fields are owned by the
// scheduler goroutine; methods must be called from it.
type Retrier struct {
	tabID  string
	policy Policy
	sched  Scheduler
	burst  func(attempt int, trigger string)

	attempts  int
	injecting bool
	runs      int
	// settling is set between the last burst of a run and the guard
	// clearing. A trigger refused then is kept in pending and replayed.
	settling bool
	pending  string
}

func NewRetrier(tabID string, policy Policy, sched Scheduler, burst func(attempt int, trigger string)) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{tabID: tabID, policy: policy, sched: sched, burst: burst}
}

// Start begins a run unless one is in flight or the attempt bound has been
// reached. Each step of the run is one burst; the in-flight guard is cleared
// SettleDelay after the last step. A trigger refused while the previous run
// settles is replayed once the guard clears.
func (r *Retrier) Start(trigger string) bool {
	if r.injecting {
		if r.settling {
			r.pending = trigger
			slog.Debug("Injection run settling, trigger deferred", "tab_id", r.tabID, "trigger", trigger)
			return false
		}
		slog.Debug("Injection run already in flight, skipping", "tab_id", r.tabID, "trigger", trigger)
		return false
	}
	if r.attempts >= r.policy.MaxAttempts {
		slog.Debug("Injection attempts exhausted", "tab_id", r.tabID, "trigger", trigger, "attempts", r.attempts)
		return false
	}
	r.injecting = true
	r.runs++
	r.step(trigger)
	return true
}

func (r *Retrier) step(trigger string) {
	r.sched.PostDelayed(r.policy.Delay(r.attempts+1), func() {
		r.attempts++
		slog.Debug("Injection attempt", "tab_id", r.tabID, "trigger", trigger, "attempt", r.attempts, "max_attempts", r.policy.MaxAttempts)
		r.burst(r.attempts, trigger)
		if r.attempts < r.policy.MaxAttempts {
			r.step(trigger)
			return
		}
		r.settling = true
		r.sched.PostDelayed(r.policy.SettleDelay, func() {
			r.injecting = false
			r.settling = false
			if pending := r.pending; pending != "" {
				r.pending = ""
				r.Start(pending)
			}
		})
	})
}

// ResetAttempts restores the attempt budget for a new document. A run in
// flight keeps its guard and its next step counts against the new budget.
func (r *Retrier) ResetAttempts() {
	r.attempts = 0
}

func (r *Retrier) Attempts() int   { return r.attempts }
func (r *Retrier) Injecting() bool { return r.injecting }
func (r *Retrier) Runs() int       { return r.runs }
func (r *Retrier) Pending() string { return r.pending }
