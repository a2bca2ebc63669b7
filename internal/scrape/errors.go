package scrape

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to API clients.
var (
	// ErrJobNotFound is returned for status, cancel, or delete calls
	// on an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobLimitExceeded rejects submissions with more targets than
	// the configured maximum. No job record is created.
	ErrJobLimitExceeded = errors.New("target count exceeds job limit")

	// ErrEmptyBatch rejects submissions with no targets.
	ErrEmptyBatch = errors.New("at least one target required")

	// ErrJobFinalized rejects mutations of a job already in a
	// terminal state, including late outcomes from in-flight fetches
	// of a cancelled job.
	ErrJobFinalized = errors.New("job already finalized")

	// ErrInvalidTransition rejects a status change outside the
	// allowed lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind classifies why a target failed.
type ErrorKind string

// Error kinds recorded on failed outcomes.
const (
	// ErrKindInvalidTarget marks a URL whose shape could not be
	// resolved to a supported kind. No fetch is attempted.
	ErrKindInvalidTarget ErrorKind = "invalid_target"
	// ErrKindTransient marks a retryable network or timeout failure.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindRateLimited marks an upstream 429. Retried like a
	// transient failure but with a longer backoff.
	ErrKindRateLimited ErrorKind = "rate_limited"
	// ErrKindPrivate marks content behind an access restriction.
	ErrKindPrivate ErrorKind = "private"
	// ErrKindNotFound marks content that does not exist upstream.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindMalformed marks a page that fetched but could not be
	// parsed into a record.
	ErrKindMalformed ErrorKind = "malformed"
	// ErrKindSkipped marks targets left unprocessed by a cancel.
	ErrKindSkipped ErrorKind = "skipped"
)

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTransient || k == ErrKindRateLimited
}

// FetchError is the typed failure returned by a Fetcher.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with a classification.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// ClassifyFetchError extracts the error kind from err, defaulting to
// transient for unclassified failures so the retry budget still
// bounds them.
func ClassifyFetchError(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrKindTransient
}
