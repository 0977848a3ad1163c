package events

import (
	"context"
	"fmt"

	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// TimelineStep is one event summarized for the timeline view.
type TimelineStep struct {
	StepOrder    int    `json:"step_order"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
	StartedAt    int64  `json:"started_at"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Timeline is the reconstructed step history of one attempt.
type Timeline struct {
	AttemptID       string         `json:"attempt_id"`
	Steps           []TimelineStep `json:"steps"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	StatusCounts    map[string]int `json:"status_counts"`
	SlowestStep     string         `json:"slowest_step,omitempty"`
	FirstFailure    string         `json:"first_failure,omitempty"`
}

// BuildTimeline reconstructs an attempt's timeline from its event log.
// Still-open steps contribute zero duration rather than a guess.
func BuildTimeline(ctx context.Context, st *store.Store, attemptID string) (*Timeline, error) {
	evs, err := st.ListEvents(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	tl := &Timeline{
		AttemptID:    attemptID,
		Steps:        make([]TimelineStep, 0, len(evs)),
		StatusCounts: make(map[string]int),
	}

	var slowest int64 = -1
	for _, e := range evs {
		dur := int64(0)
		if e.CompletedAt != nil {
			dur = e.DurationMs
		}
		tl.Steps = append(tl.Steps, TimelineStep{
			StepOrder:    e.StepOrder,
			EventType:    e.EventType,
			Status:       e.Status,
			StartedAt:    e.StartedAt,
			DurationMs:   dur,
			ErrorType:    e.ErrorType,
			ErrorMessage: e.ErrorMessage,
		})
		tl.TotalDurationMs += dur
		tl.StatusCounts[e.Status]++
		if dur > slowest {
			slowest = dur
			tl.SlowestStep = e.EventType
		}
		if tl.FirstFailure == "" && e.Status == store.EventFailed {
			tl.FirstFailure = e.EventType
		}
	}
	return tl, nil
}
