package scrape

import "errors"

// ErrInvalidInput is returned when an enqueue or admin request fails
// validation.
var ErrInvalidInput = errors.New("scrape: invalid input")

// ErrNotFound is returned when the referenced attempt does not exist.
var ErrNotFound = errors.New("scrape: attempt not found")

// ErrNotRetryable is returned when retry is requested for an attempt not in
// the failed state.
var ErrNotRetryable = errors.New("scrape: attempt is not retryable")

// ErrAttemptActive is returned when an extraction is enqueued for a listing
// that already has an attempt in flight.
var ErrAttemptActive = errors.New("scrape: listing already has an active attempt")
