// Package events records pipeline step events and reconstructs attempt
// timelines from them.
//
// Events are written synchronously: the step event exists before the
// attempt's status reflects it, so the event log never trails the state
// machine by more than the step currently in flight.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// maxPayloadBytes caps input/output JSON stored per event. Oversized
// payloads are replaced with a stub carrying the original size.
const maxPayloadBytes = 8 * 1024

// Recorder appends events for attempts, assigning dense per-attempt step
// numbers.
type Recorder struct {
	store  *store.Store
	newID  func() string
	logger *slog.Logger

	mu    sync.Mutex
	steps map[string]int // attemptID -> last assigned step_order
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store, newID func() string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		newID:  newID,
		logger: logger,
		steps:  make(map[string]int),
	}
}

// Start opens a new event for the attempt and returns its ID. The step
// number continues from whatever is already persisted, so a restarted
// process never collides with earlier steps.
func (r *Recorder) Start(ctx context.Context, attemptID, eventType string, input any) (string, error) {
	step, err := r.nextStep(ctx, attemptID)
	if err != nil {
		return "", err
	}

	e := &store.Event{
		ID:        r.newID(),
		AttemptID: attemptID,
		EventType: eventType,
		StepOrder: step,
		InputJSON: encodePayload(input),
	}
	if err := r.store.InsertEvent(ctx, e); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

// Finish closes an open event. Events are completed exactly once; closing
// an already-closed event is a silent no-op at the storage layer.
func (r *Recorder) Finish(ctx context.Context, eventID, status string, output any, errorType, errorMessage string) {
	err := r.store.CompleteEvent(ctx, eventID, status, encodePayload(output), errorType, errorMessage)
	if err != nil {
		// Event completion failing must not abort the pipeline step itself.
		r.logger.Error("complete event", "event_id", eventID, "error", err)
	}
}

// Skip records an event that started and was skipped in one write.
func (r *Recorder) Skip(ctx context.Context, attemptID, eventType, reason string) error {
	id, err := r.Start(ctx, attemptID, eventType, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	r.Finish(ctx, id, store.EventSkipped, nil, "", "")
	return nil
}

// Fail records an event that started and failed in one write. Used for
// failures observed after the fact (a provider that errored before
// fallback, an attempt force-failed by an operator).
func (r *Recorder) Fail(ctx context.Context, attemptID, eventType string, input any, errorType, errorMessage string) error {
	id, err := r.Start(ctx, attemptID, eventType, input)
	if err != nil {
		return err
	}
	r.Finish(ctx, id, store.EventFailed, nil, errorType, errorMessage)
	return nil
}

// Forget drops the in-memory step counter for a finished attempt.
func (r *Recorder) Forget(attemptID string) {
	r.mu.Lock()
	delete(r.steps, attemptID)
	r.mu.Unlock()
}

func (r *Recorder) nextStep(ctx context.Context, attemptID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.steps[attemptID]
	if !ok {
		persisted, err := r.store.MaxStepOrder(ctx, attemptID)
		if err != nil {
			return 0, fmt.Errorf("max step order: %w", err)
		}
		last = persisted
	}
	next := last + 1
	r.steps[attemptID] = next
	return next, nil
}

func encodePayload(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"encode_error":%q}`, err.Error())
	}
	if len(b) > maxPayloadBytes {
		return fmt.Sprintf(`{"truncated":true,"original_bytes":%d}`, len(b))
	}
	return string(b)
}
