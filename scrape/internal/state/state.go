// Package state defines the attempt lifecycle as a closed status set with
// an explicit transition table. Illegal transitions are rejected here, not
// by convention in the callers.
package state

// Status is the lifecycle state of a scraping attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusExtracting Status = "extracting"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// transitions is the set of legal edges. Terminal states have no outgoing
// edges; retrying loops back into the fetch/extract cycle. The
// retrying → pending edge requeues attempts orphaned by a crashed worker:
// crash recovery charges the retry budget and puts the attempt back in the
// claim queue instead of resuming mid-cycle.
var transitions = map[Status][]Status{
	StatusPending:    {StatusFetching, StatusFailed},
	StatusFetching:   {StatusExtracting, StatusRetrying, StatusFailed},
	StatusExtracting: {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusFetching, StatusExtracting, StatusPending, StatusDeadLetter, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusDeadLetter: {},
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing edges. Terminal attempts are
// immutable; recovery happens by creating a new attempt, never by mutation.
func Terminal(s Status) bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminal returns all statuses an in-flight attempt can hold. Used by
// the reaper to find stuck attempts.
func NonTerminal() []Status {
	return []Status{StatusPending, StatusFetching, StatusExtracting, StatusRetrying}
}
