// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
// The graph is strictly forward: queued -> running -> terminal, with
// queued -> terminal permitted for jobs that never start (all targets
// invalid, or cancelled before the first fetch).
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next.Terminal()
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TargetKind classifies what a target URL points at.
type TargetKind string

// Supported target kinds, resolved from the URL shape.
const (
	KindPost    TargetKind = "post"
	KindProfile TargetKind = "profile"
	KindHashtag TargetKind = "hashtag"
	KindPlace   TargetKind = "place"
	KindUnknown TargetKind = "unknown"
)

// ExportFormat selects the artifact produced for a completed job.
type ExportFormat string

// Supported export formats.
const (
	FormatJSON  ExportFormat = "json"
	FormatJSONL ExportFormat = "jsonl"
	FormatCSV   ExportFormat = "csv"
	FormatXLSX  ExportFormat = "xlsx"
	FormatZIP   ExportFormat = "zip"
)

// ValidFormat reports whether f is a known export format.
func ValidFormat(f ExportFormat) bool {
	switch f {
	case FormatJSON, FormatJSONL, FormatCSV, FormatXLSX, FormatZIP:
		return true
	default:
		return false
	}
}

// Target is one submitted reference after URL-shape classification.
type Target struct {
	Raw  string     `json:"raw"`
	Kind TargetKind `json:"kind"`
	// ID is the identifier extracted from the URL: a post shortcode,
	// a profile username, a hashtag name, or a place id.
	ID string `json:"id,omitempty"`
}

// Options captures per-job configuration fixed at submission.
type Options struct {
	Format          ExportFormat `json:"format"`
	IncludeMedia    bool         `json:"include_media"`
	IncludeComments bool         `json:"include_comments"`
	// FailOnTargetError marks the whole job failed when any target
	// errored. Off by default: partial failures still complete.
	FailOnTargetError bool `json:"fail_on_target_error"`
}

// Progress tracks per-job completion counts.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every target has a terminal outcome.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed+p.Failed >= p.Total
}

// Percentage returns completion as 0-100.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed+p.Failed) / float64(p.Total) * 100
}

// OutcomeStatus tags a TargetOutcome as success or failure.
type OutcomeStatus string

// Outcome status values.
const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// TargetOutcome is the terminal result recorded for one target.
// Outcomes carry the target reference rather than a positional index,
// since workers may complete out of submission order.
type TargetOutcome struct {
	TargetRef string        `json:"target_ref"`
	Kind      TargetKind    `json:"kind"`
	Status    OutcomeStatus `json:"status"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	ErrorText string        `json:"error_text,omitempty"`
	Attempts  int           `json:"attempts"`
	ScrapedAt time.Time     `json:"scraped_at"`
	Record    *Record       `json:"record,omitempty"`
}

// Job represents the metadata persisted for each submitted batch.
type Job struct {
	ID        string          `json:"id"`
	Targets   []Target        `json:"targets"`
	Status    JobStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Progress  Progress        `json:"progress"`
	Results   []TargetOutcome `json:"results"`
	Options   Options         `json:"options"`
	ErrorText string          `json:"error_text,omitempty"`
}

// Task is one unit of fetch work drawn from the shared queue.
// It names the job and target explicitly instead of capturing them
// in a closure.
type Task struct {
	JobID  string
	Target Target
}

// Owner identifies the account that published a post.
type Owner struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id,omitempty"`
}

// MediaItem is one image or video attached to a post.
type MediaItem struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	// DownloadError is set when the media body could not be saved;
	// the outcome itself stays ok.
	DownloadError string `json:"download_error,omitempty"`
}

// Comment is one public comment on a post.
type Comment struct {
	User      string    `json:"user"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Likes     int       `json:"likes"`
}

// PostSummary is the shortened post form embedded in profile and
// hashtag records.
type PostSummary struct {
	Shortcode    string    `json:"shortcode"`
	URL          string    `json:"url"`
	Caption      string    `json:"caption,omitempty"`
	Likes        int       `json:"likes"`
	CommentCount int       `json:"comments"`
	Timestamp    time.Time `json:"timestamp"`
	Owner        string    `json:"owner,omitempty"`
}

// Record is the typed payload extracted for one target. Field groups
// are populated according to Type; unused groups stay zero and are
// omitted from serialization.
type Record struct {
	Type      TargetKind `json:"type"`
	URL       string     `json:"url,omitempty"`
	ScrapedAt time.Time  `json:"scraped_at"`

	// Post fields.
	Shortcode    string      `json:"shortcode,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Likes        int         `json:"likes,omitempty"`
	CommentCount int         `json:"comments_count,omitempty"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	IsVideo      bool        `json:"is_video,omitempty"`
	Owner        *Owner      `json:"owner,omitempty"`
	Hashtags     []string    `json:"hashtags,omitempty"`
	Mentions     []string    `json:"mentions,omitempty"`
	Media        []MediaItem `json:"media,omitempty"`
	Comments     []Comment   `json:"comments,omitempty"`

	// Profile fields.
	Username      string `json:"username,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	Biography     string `json:"biography,omitempty"`
	ExternalURL   string `json:"external_url,omitempty"`
	Followers     int    `json:"followers,omitempty"`
	Following     int    `json:"following,omitempty"`
	PostCount     int    `json:"post_count,omitempty"`
	IsVerified    bool   `json:"is_verified,omitempty"`
	IsPrivate     bool   `json:"is_private,omitempty"`
	ProfilePicURL string `json:"profile_pic_url,omitempty"`

	// Hashtag fields (PostCount shared with profiles).
	Name        string        `json:"name,omitempty"`
	RecentPosts []PostSummary `json:"recent_posts,omitempty"`

	// Place fields.
	PlaceID   string `json:"place_id,omitempty"`
	PlaceName string `json:"place_name,omitempty"`
}

// JobSummary is the shortened job form returned by list endpoints.
type JobSummary struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Total     int       `json:"total_items"`
	Completed int       `json:"completed_items"`
	Failed    int       `json:"failed_items"`
}

// Summary converts a Job to its list form.
func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		Total:     j.Progress.Total,
		Completed: j.Progress.Completed,
		Failed:    j.Progress.Failed,
	}
}
