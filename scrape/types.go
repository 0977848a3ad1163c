package scrape

import (
	"github.com/jobsift/scrapeline/scrape/internal/events"
	"github.com/jobsift/scrapeline/scrape/internal/state"
	"github.com/jobsift/scrapeline/scrape/internal/store"
)

// Aliases so callers can name the pipeline's types without reaching into
// internal packages.
type (
	Attempt        = store.Attempt
	Event          = store.Event
	Timeline       = events.Timeline
	TimelineStep   = events.TimelineStep
	DomainStats    = store.DomainStats
	FieldStat      = store.FieldStat
	ProviderStats  = store.ProviderStats
	ProviderConfig = store.ProviderConfig
	Status         = state.Status
)

// Attempt statuses.
const (
	StatusPending    = state.StatusPending
	StatusFetching   = state.StatusFetching
	StatusExtracting = state.StatusExtracting
	StatusRetrying   = state.StatusRetrying
	StatusCompleted  = state.StatusCompleted
	StatusFailed     = state.StatusFailed
	StatusDeadLetter = state.StatusDeadLetter
)
