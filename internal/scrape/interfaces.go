package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore persists job state and per-target outcomes.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListJobs returns jobs newest first, filtered by status when
	// status is non-empty, capped at limit.
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	// SetStatus applies a lifecycle transition, refreshing the
	// job's updated_at. Transitions outside the allowed graph fail
	// with ErrInvalidTransition.
	SetStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	// AppendOutcome appends one outcome and updates the progress
	// counters in the same atomic step, returning the new progress.
	// Appending to a finalized job fails with ErrJobFinalized.
	AppendOutcome(ctx context.Context, jobID string, outcome TargetOutcome) (Progress, error)
	// CancelJob moves the job to cancelled and, in the same atomic
	// step, backfills an outcome modeled on skip for every target
	// that has none yet, keeping exactly one outcome per target no
	// matter how appends interleave with the cancel. It returns the
	// backfilled outcomes. Cancelling a terminal job fails with
	// ErrJobFinalized.
	CancelJob(ctx context.Context, jobID string, errText string, skip TargetOutcome) ([]TargetOutcome, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// FetchOptions carries the per-job flags a Fetcher honors.
type FetchOptions struct {
	IncludeMedia    bool
	IncludeComments bool
	// MaxComments caps Record.Comments when comments are requested.
	// Zero means no cap.
	MaxComments int
	// MaxRecentPosts caps Record.RecentPosts. Zero means no cap.
	MaxRecentPosts int
}

// Trim drops record fields the caller did not ask for and applies the
// configured caps.
func (o FetchOptions) Trim(r *Record) {
	if !o.IncludeComments {
		r.Comments = nil
	} else if o.MaxComments > 0 && len(r.Comments) > o.MaxComments {
		r.Comments = r.Comments[:o.MaxComments]
	}
	if !o.IncludeMedia {
		r.Media = nil
	}
	if o.MaxRecentPosts > 0 && len(r.RecentPosts) > o.MaxRecentPosts {
		r.RecentPosts = r.RecentPosts[:o.MaxRecentPosts]
	}
}

// Fetcher retrieves public data for one target and returns a typed
// record, or a *FetchError classifying the failure.
type Fetcher interface {
	Fetch(ctx context.Context, target Target, opts FetchOptions) (*Record, error)
}

// MediaFetcher downloads a media asset body.
type MediaFetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// ExportWriter materializes a completed job's outcomes into the
// requested format and returns the artifact path.
type ExportWriter interface {
	Export(ctx context.Context, job Job, outcomes []TargetOutcome, format ExportFormat) (string, error)
}

// ResultLog is the durable, append-only per-job outcome sequence,
// readable independently of in-memory state.
type ResultLog interface {
	AppendOutcome(jobID string, outcome TargetOutcome) error
	ReadOutcomes(jobID string) ([]TargetOutcome, error)
	// DeleteJob removes the job's data directory and any derived
	// export artifacts together.
	DeleteJob(jobID string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore mirrors export artifacts to remote storage.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RateLimiter gates fetch admissions process-wide.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
