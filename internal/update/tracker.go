package update

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/kioskbox/update-service/internal/metrics"
)

// Status is the phase of the current update episode.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusChecking Status = "checking"
	StatusUpdating Status = "updating"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
)

// Troubleshooting accompanies every user-visible update failure.
type Troubleshooting struct {
	CanRetry         bool     `json:"canRetry"`
	SuggestedActions []string `json:"suggestedActions"`
}

// State is the singleton update record. It is created idle at process start
// and never persisted; a restart always begins idle.
type State struct {
	Status          Status           `json:"status"`
	Message         string           `json:"message"`
	Progress        int              `json:"progress"`
	StartedAt       time.Time        `json:"startedAt,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Error           string           `json:"error,omitempty"`
	Troubleshooting *Troubleshooting `json:"troubleshooting,omitempty"`
}

// EventKind identifies a supervisor event.
type EventKind int

const (
	// EventOutput is a chunk of subprocess output, optionally carrying an
	// inferred progress percentage.
	EventOutput EventKind = iota
	// EventExit is the subprocess terminating with an exit code.
	EventExit
	// EventTimeout is the overall ceiling firing.
	EventTimeout
	// EventStalled is the stall window elapsing with no output.
	EventStalled
	// EventLaunchFailed is the subprocess failing to start after the
	// preflight check passed.
	EventLaunchFailed
)

// Event is one observation from the process supervisor. All events funnel
// through Tracker.Apply so transition logic stays in one place.
type Event struct {
	Kind       EventKind
	Message    string
	Progress   int // -1 when no progress could be inferred
	ExitCode   int
	Diagnostic string // accumulated stderr, set on terminal events
}

// NotifyFunc receives every state transition, in application order.
type NotifyFunc func(State)

// CheckFunc reports whether an update is available. It runs while the tracker
// holds the trigger claim, so at most one check is in flight.
type CheckFunc func() (bool, error)

// Tracker owns the singleton update state. All mutation goes through Begin
// and Apply; reads go through Snapshot.
type Tracker struct {
	mu         sync.Mutex
	state      State
	lastStamp  time.Time
	notify     NotifyFunc
	resetDelay time.Duration
}

func NewTracker(notify NotifyFunc) *Tracker {
	t := &Tracker{notify: notify}
	t.state = State{
		Status:    StatusIdle,
		Message:   "No update in progress",
		Timestamp: time.Now(),
	}
	t.lastStamp = t.state.Timestamp
	return t
}

// SetSuccessResetDelay makes a success state fall back to idle after the
// given delay, in addition to the reset a new trigger performs.
func (t *Tracker) SetSuccessResetDelay(d time.Duration) {
	t.resetDelay = d
}

// stamp returns a timestamp strictly greater than every previous one, so
// subscribers can order transitions even when the clock does not move.
func (t *Tracker) stamp() time.Time {
	now := time.Now()
	if !now.After(t.lastStamp) {
		now = t.lastStamp.Add(time.Millisecond)
	}
	t.lastStamp = now
	return now
}

// transition mutates the state under the lock already held by the caller and
// notifies subscribers. The notify callback must not block.
func (t *Tracker) transition(mutate func(*State)) State {
	snapshot := t.mutateLocked(mutate)
	if t.notify != nil {
		t.notify(snapshot)
	}
	return snapshot
}

// mutateLocked applies a mutation without fanning it out. The checking claim
// uses it so a rejected trigger never publishes anything to subscribers.
func (t *Tracker) mutateLocked(mutate func(*State)) State {
	mutate(&t.state)
	t.state.Timestamp = t.stamp()
	return t.state
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin is the single trigger guard. It claims the tracker (idle, or a
// finished episode being reset), runs the availability check while holding
// the claim, and either moves to updating or rolls back. Concurrent triggers
// race only on this claim; exactly one wins. The claim itself is not fanned
// out, and a rejected trigger restores the pre-claim state verbatim, so
// subscribers only ever see episodes that launched.
func (t *Tracker) Begin(check CheckFunc) error {
	t.mu.Lock()
	switch t.state.Status {
	case StatusChecking, StatusUpdating:
		t.mu.Unlock()
		return ErrUpdateInProgress
	}
	prev := t.state
	t.mutateLocked(func(s *State) {
		*s = State{
			Status:   StatusChecking,
			Message:  "Checking for updates",
			Progress: 0,
		}
	})
	t.mu.Unlock()

	available, err := check()
	if err == nil && !available {
		err = ErrNoUpdateAvailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = prev
		return err
	}
	t.transition(func(s *State) {
		s.Status = StatusUpdating
		s.Message = "Starting update"
		s.Progress = 0
		s.StartedAt = time.Now()
		s.Error = ""
		s.Troubleshooting = nil
	})
	stats.Record(context.Background(), metrics.CounterUpdatesStarted.M(1))
	return nil
}

// Abort rolls an episode that never launched back to idle. Used when the
// subprocess preflight fails after Begin has claimed the tracker.
func (t *Tracker) Abort(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transition(func(s *State) {
		s.Status = StatusIdle
		s.Message = reason
	})
}

func (t *Tracker) resetAfterSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status != StatusSuccess {
		return
	}
	t.transition(func(s *State) {
		s.Status = StatusIdle
		s.Message = "No update in progress"
		s.Progress = 0
	})
}

// Apply consumes one supervisor event. It is the only transition function for
// a running episode; events arriving after a terminal transition are dropped.
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Status != StatusUpdating {
		return
	}
	switch ev.Kind {
	case EventOutput:
		t.transition(func(s *State) {
			if ev.Message != "" {
				s.Message = ev.Message
			}
			if ev.Progress > s.Progress {
				s.Progress = ev.Progress
			}
		})
	case EventExit:
		if ev.ExitCode == 0 {
			t.finish(StatusSuccess, "Update completed successfully", "", nil)
			return
		}
		diag := ev.Diagnostic
		if diag == "" {
			diag = "update script failed with no diagnostic output"
		}
		t.finish(StatusError, "Update failed", diag, DeriveTroubleshooting(diag))
	case EventTimeout:
		diag := "update timed out before completing"
		if ev.Diagnostic != "" {
			diag = ev.Diagnostic
		}
		t.finish(StatusError, "Update timed out", diag, DeriveTroubleshooting(diag))
	case EventStalled:
		diag := "update produced no output and appears to be stalled"
		if ev.Diagnostic != "" {
			diag = ev.Diagnostic
		}
		t.finish(StatusError, "Update stalled", diag, DeriveTroubleshooting(diag))
	case EventLaunchFailed:
		t.finish(StatusError, "Update could not be started", ev.Diagnostic, DeriveTroubleshooting(ev.Diagnostic))
	}
}

// finish applies a terminal transition. Caller holds the lock.
func (t *Tracker) finish(status Status, message, errText string, ts *Troubleshooting) {
	t.transition(func(s *State) {
		s.Status = status
		s.Message = message
		s.Error = errText
		s.Troubleshooting = ts
		if status == StatusSuccess {
			s.Progress = 100
		}
	})
	if status == StatusSuccess && t.resetDelay > 0 {
		time.AfterFunc(t.resetDelay, t.resetAfterSuccess)
	}
	outcome := "success"
	if status == StatusError {
		outcome = "error"
	}
	if ctx, err := tag.New(context.Background(), tag.Upsert(metrics.TagOutcome, outcome)); err == nil {
		stats.Record(ctx, metrics.CounterUpdatesFinished.M(1))
	}
}
