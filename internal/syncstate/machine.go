package syncstate

import (
	"errors"
	"fmt"
)

// State is the synchronization lifecycle status of a platform connection.
// It is stored as a tagged value in its own column, never as loose JSON.
type State string

const (
	NeverSynced    State = "NEVER_SYNCED"
	InitialSyncing State = "INITIAL_SYNCING"
	InProgress     State = "IN_PROGRESS"
	Incremental    State = "INCREMENTAL"
	ConsentChanged State = "CONSENT_CHANGED"
	Completed      State = "COMPLETED"
	Failed         State = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid sync state transition")

// TransitionError reports a rejected transition with both endpoints.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid sync state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions enumerates every legal edge. Consent revocation is allowed from
// any state and is handled separately in Validate.
var transitions = map[State][]State{
	NeverSynced:    {InitialSyncing},
	InitialSyncing: {InProgress, Failed},
	InProgress:     {InProgress, Completed, Failed},
	Completed:      {Incremental},
	Incremental:    {InProgress, Failed},
	// re-granted consent forces a fresh full backfill; cached items are not
	// trusted to reflect the new authorized scope
	ConsentChanged: {InitialSyncing},
	// a retry resumes the crawl state that was active when the failure hit
	Failed: {InitialSyncing, InProgress, Incremental},
}

// Validate reports whether from -> to is a legal transition.
func Validate(from, to State) error {
	if !Known(from) || !Known(to) {
		return &TransitionError{From: from, To: to}
	}

	// consent revocation may preempt any state, including mid-crawl
	if to == ConsentChanged {
		return nil
	}

	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// Known reports whether s is one of the enumerated states.
func Known(s State) bool {
	switch s {
	case NeverSynced, InitialSyncing, InProgress, Incremental, ConsentChanged, Completed, Failed:
		return true
	}
	return false
}

// IsCrawling reports whether a paginated fetch may be mid-flight in s,
// which is exactly when a cursor is meaningful.
func IsCrawling(s State) bool {
	return s == InitialSyncing || s == InProgress
}

// IsTerminal reports whether s ends a sync run until an external trigger.
func IsTerminal(s State) bool {
	return s == Completed || s == Failed || s == ConsentChanged
}

// CanRetry reports whether an operator retry is meaningful for s.
func CanRetry(s State) bool {
	return s == Failed
}

// RetryTarget returns the state a FAILED connection should re-enter on retry.
// lastCrawl is the crawl state recorded when the failure happened; when it is
// unknown the whole backfill restarts, which is safe because upserts are
// idempotent.
func RetryTarget(lastCrawl State) State {
	if lastCrawl == InProgress || lastCrawl == Incremental || lastCrawl == InitialSyncing {
		return lastCrawl
	}
	return InitialSyncing
}
