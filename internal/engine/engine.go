// Package engine runs scrape jobs: it accepts batches, feeds a shared
// worker pool, and finalizes each job when its last target resolves.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmathers/gramscrape/internal/metrics"
	"github.com/jmathers/gramscrape/internal/scrape"
)

// MediaStore saves downloaded media bodies under a job's directory.
type MediaStore interface {
	SaveMedia(jobID, filename string, data io.Reader) (string, error)
}

// Config controls Engine behavior.
type Config struct {
	// Workers is the size of the shared fetch pool.
	Workers int
	// QueueSize caps buffered tasks across all jobs.
	QueueSize int
	// MaxTargets rejects submissions larger than this.
	MaxTargets int
	// MaxComments caps comments kept per post record.
	MaxComments int
	// MaxRecentPosts caps recent-post summaries kept per record.
	MaxRecentPosts int
	// CompletionTopic names the event topic for finished jobs. Empty
	// disables publishing.
	CompletionTopic string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxTargets <= 0 {
		c.MaxTargets = 100
	}
	if c.MaxComments <= 0 {
		c.MaxComments = 50
	}
	if c.MaxRecentPosts <= 0 {
		c.MaxRecentPosts = 12
	}
	return c
}

// Engine coordinates job submission, the worker pool, and
// finalization. One Engine serves the whole process; all jobs share
// its task queue and rate limiter.
type Engine struct {
	store     scrape.JobStore
	log       scrape.ResultLog
	fetcher   scrape.Fetcher
	media     scrape.MediaFetcher
	mediaDir  MediaStore
	exporter  scrape.ExportWriter
	blob      scrape.BlobStore
	publisher scrape.Publisher
	limiter   scrape.RateLimiter
	clock     scrape.Clock
	ids       scrape.IDGenerator
	retry     RetryPolicy
	cfg       Config
	logger    *zap.Logger

	tasks chan scrape.Task

	mu      sync.Mutex
	runCtx  context.Context
	started bool
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	Store     scrape.JobStore
	ResultLog scrape.ResultLog
	Fetcher   scrape.Fetcher
	Media     scrape.MediaFetcher
	MediaDir  MediaStore
	Exporter  scrape.ExportWriter
	Blob      scrape.BlobStore
	Publisher scrape.Publisher
	Limiter   scrape.RateLimiter
	Clock     scrape.Clock
	IDs       scrape.IDGenerator
	Retry     RetryPolicy
	Logger    *zap.Logger
}

// New constructs an Engine.
func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = DefaultRetryPolicy(deps.Retry.BackoffBase)
	}
	return &Engine{
		store:     deps.Store,
		log:       deps.ResultLog,
		fetcher:   deps.Fetcher,
		media:     deps.Media,
		mediaDir:  deps.MediaDir,
		exporter:  deps.Exporter,
		blob:      deps.Blob,
		publisher: deps.Publisher,
		limiter:   deps.Limiter,
		clock:     deps.Clock,
		ids:       deps.IDs,
		retry:     deps.Retry,
		cfg:       cfg,
		logger:    deps.Logger,
		tasks:     make(chan scrape.Task, cfg.QueueSize),
	}
}

// Run starts the worker pool and blocks until the context finishes
// and every worker drains.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.started = true
	e.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

// Submit validates and registers a batch, queues its fetchable
// targets, and returns the created job in queued state. Targets whose
// URL shape cannot be resolved are recorded as invalid outcomes
// without a fetch.
func (e *Engine) Submit(ctx context.Context, rawTargets []string, hint scrape.TargetKind, opts scrape.Options) (scrape.Job, error) {
	if len(rawTargets) == 0 {
		return scrape.Job{}, scrape.ErrEmptyBatch
	}
	if len(rawTargets) > e.cfg.MaxTargets {
		return scrape.Job{}, fmt.Errorf("%w: %d targets, limit %d", scrape.ErrJobLimitExceeded, len(rawTargets), e.cfg.MaxTargets)
	}
	if opts.Format == "" {
		opts.Format = scrape.FormatJSON
	}
	if !scrape.ValidFormat(opts.Format) {
		return scrape.Job{}, fmt.Errorf("unsupported export format %q", opts.Format)
	}

	id, err := e.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	targets := make([]scrape.Target, 0, len(rawTargets))
	for _, raw := range rawTargets {
		targets = append(targets, scrape.ClassifyTarget(raw, hint))
	}

	now := e.clock.Now()
	job := scrape.Job{
		ID:        id,
		Targets:   targets,
		Status:    scrape.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Progress:  scrape.Progress{Total: len(targets)},
		Options:   opts,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	e.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.Int("targets", len(targets)),
		zap.String("format", string(opts.Format)),
	)

	for _, target := range targets {
		if target.Kind == scrape.KindUnknown {
			e.record(ctx, id, scrape.TargetOutcome{
				TargetRef: target.Raw,
				Kind:      scrape.KindUnknown,
				Status:    scrape.OutcomeError,
				ErrorKind: scrape.ErrKindInvalidTarget,
				ErrorText: "unrecognized target url",
				ScrapedAt: e.clock.Now(),
			})
			continue
		}
		e.enqueue(scrape.Task{JobID: id, Target: target})
	}

	return e.store.GetJob(ctx, id)
}

// Status returns the current job state including accumulated results.
func (e *Engine) Status(ctx context.Context, jobID string) (scrape.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// List returns job summaries newest first.
func (e *Engine) List(ctx context.Context, status scrape.JobStatus, limit int) ([]scrape.JobSummary, error) {
	jobs, err := e.store.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]scrape.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	return summaries, nil
}

// Cancel marks a job cancelled. Unprocessed targets are recorded as
// skipped; outcomes from fetches already in flight are discarded when
// they land.
func (e *Engine) Cancel(ctx context.Context, jobID string) (scrape.Job, error) {
	skip := scrape.TargetOutcome{
		Status:    scrape.OutcomeError,
		ErrorKind: scrape.ErrKindSkipped,
		ErrorText: "job cancelled",
		ScrapedAt: e.clock.Now(),
	}
	skipped, err := e.store.CancelJob(ctx, jobID, "cancelled by request", skip)
	if err != nil {
		if errors.Is(err, scrape.ErrJobFinalized) {
			return scrape.Job{}, fmt.Errorf("%w: job already finished", scrape.ErrJobFinalized)
		}
		return scrape.Job{}, err
	}
	for _, outcome := range skipped {
		if err := e.log.AppendOutcome(jobID, outcome); err != nil {
			e.logger.Warn("result log append failed", zap.String("job_id", jobID), zap.Error(err))
		}
		metrics.ObserveTarget(string(outcome.Kind), string(scrape.OutcomeError))
	}
	metrics.ObserveJob(string(scrape.JobStatusCancelled))
	e.logger.Info("job cancelled", zap.String("job_id", jobID), zap.Int("skipped", len(skipped)))
	return e.store.GetJob(ctx, jobID)
}

// Delete removes a terminal job's store entry together with its data
// directory and export artifacts. Active jobs must be cancelled first.
func (e *Engine) Delete(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("cannot delete job in status %s, cancel it first", job.Status)
	}
	if err := e.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if err := e.log.DeleteJob(jobID); err != nil {
		return fmt.Errorf("delete job data: %w", err)
	}
	e.logger.Info("job deleted", zap.String("job_id", jobID))
	return nil
}

// Results exports a finished job's outcomes in the requested format
// and returns the artifact path. An empty format uses the one chosen
// at submission.
func (e *Engine) Results(ctx context.Context, jobID string, format scrape.ExportFormat) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.Status.Terminal() {
		return "", fmt.Errorf("job is %s, results not ready", job.Status)
	}
	if format == "" {
		format = job.Options.Format
	}
	if !scrape.ValidFormat(format) {
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	outcomes, err := e.log.ReadOutcomes(jobID)
	if err != nil {
		return "", fmt.Errorf("read outcomes: %w", err)
	}
	return e.exporter.Export(ctx, job, outcomes, format)
}

func (e *Engine) enqueue(task scrape.Task) {
	select {
	case e.tasks <- task:
	default:
		// Queue full: hand off without blocking the caller.
		go func() {
			e.mu.Lock()
			ctx := e.runCtx
			e.mu.Unlock()
			if ctx == nil {
				ctx = context.Background()
			}
			select {
			case e.tasks <- task:
			case <-ctx.Done():
			}
		}()
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger := e.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			e.process(ctx, logger, task)
		}
	}
}

func (e *Engine) process(ctx context.Context, logger *zap.Logger, task scrape.Task) {
	job, err := e.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			logger.Debug("task for deleted job dropped", zap.String("job_id", task.JobID))
			return
		}
		logger.Error("load job failed", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		logger.Debug("task for finalized job dropped",
			zap.String("job_id", task.JobID),
			zap.String("status", string(job.Status)),
		)
		return
	}
	if job.Status == scrape.JobStatusQueued {
		err := e.store.SetStatus(ctx, task.JobID, scrape.JobStatusRunning, "")
		if err != nil && !errors.Is(err, scrape.ErrInvalidTransition) {
			logger.Error("mark running failed", zap.String("job_id", task.JobID), zap.Error(err))
		}
	}

	outcome := e.fetchTarget(ctx, logger, job, task.Target)
	e.record(ctx, task.JobID, outcome)
}

// fetchTarget runs the retry loop for one target and always returns a
// terminal outcome.
func (e *Engine) fetchTarget(ctx context.Context, logger *zap.Logger, job scrape.Job, target scrape.Target) scrape.TargetOutcome {
	opts := scrape.FetchOptions{
		IncludeMedia:    job.Options.IncludeMedia,
		IncludeComments: job.Options.IncludeComments,
		MaxComments:     e.cfg.MaxComments,
		MaxRecentPosts:  e.cfg.MaxRecentPosts,
	}

	var lastErr error
	var lastKind scrape.ErrorKind
	attempts := 0
	for attempts < e.retry.attempts() {
		if err := e.limiter.Acquire(ctx); err != nil {
			return e.errorOutcome(target, attempts, scrape.ErrKindTransient, err)
		}
		attempts++

		record, err := e.fetcher.Fetch(ctx, target, opts)
		if err == nil {
			if opts.IncludeMedia {
				e.downloadMedia(ctx, logger, job.ID, record)
			}
			return scrape.TargetOutcome{
				TargetRef: target.Raw,
				Kind:      target.Kind,
				Status:    scrape.OutcomeOK,
				Attempts:  attempts,
				ScrapedAt: e.clock.Now(),
				Record:    record,
			}
		}

		lastErr = err
		lastKind = scrape.ClassifyFetchError(err)
		if !lastKind.Retryable() || attempts >= e.retry.attempts() {
			break
		}
		metrics.ObserveRetry()
		delay := e.retry.Backoff(attempts, lastKind)
		logger.Debug("retrying target",
			zap.String("job_id", job.ID),
			zap.String("target", target.Raw),
			zap.String("error_kind", string(lastKind)),
			zap.Duration("backoff", delay),
		)
		if err := e.retry.sleep(ctx, delay); err != nil {
			return e.errorOutcome(target, attempts, scrape.ErrKindTransient, err)
		}
	}
	return e.errorOutcome(target, attempts, lastKind, lastErr)
}

func (e *Engine) errorOutcome(target scrape.Target, attempts int, kind scrape.ErrorKind, err error) scrape.TargetOutcome {
	text := ""
	if err != nil {
		text = err.Error()
	}
	return scrape.TargetOutcome{
		TargetRef: target.Raw,
		Kind:      target.Kind,
		Status:    scrape.OutcomeError,
		ErrorKind: kind,
		ErrorText: text,
		Attempts:  attempts,
		ScrapedAt: e.clock.Now(),
	}
}

// downloadMedia fetches each media asset and stores it under the
// job's directory. Failures mark the item but never fail the outcome.
func (e *Engine) downloadMedia(ctx context.Context, logger *zap.Logger, jobID string, record *scrape.Record) {
	if e.media == nil || e.mediaDir == nil || record == nil {
		return
	}
	for i := range record.Media {
		item := &record.Media[i]
		if item.URL == "" {
			continue
		}
		body, err := e.media.FetchBytes(ctx, item.URL)
		if err != nil {
			item.DownloadError = err.Error()
			metrics.ObserveMediaDownload(false)
			logger.Warn("media download failed",
				zap.String("job_id", jobID),
				zap.String("url", item.URL),
				zap.Error(err),
			)
			continue
		}
		name := mediaFilename(record.Shortcode, i, item.URL)
		local, err := e.mediaDir.SaveMedia(jobID, name, bytes.NewReader(body))
		if err != nil {
			item.DownloadError = err.Error()
			metrics.ObserveMediaDownload(false)
			continue
		}
		item.LocalPath = local
		metrics.ObserveMediaDownload(true)
	}
}

func mediaFilename(shortcode string, index int, rawURL string) string {
	ext := ".bin"
	if u, err := url.Parse(rawURL); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	if shortcode == "" {
		shortcode = "media"
	}
	return fmt.Sprintf("%s_%d%s", shortcode, index, ext)
}

// record persists one outcome atomically with the progress counters
// and finalizes the job when the last target resolves. Exactly one
// append observes completion, so exactly one caller finalizes.
func (e *Engine) record(ctx context.Context, jobID string, outcome scrape.TargetOutcome) {
	progress, err := e.store.AppendOutcome(ctx, jobID, outcome)
	if err != nil {
		if errors.Is(err, scrape.ErrJobFinalized) || errors.Is(err, scrape.ErrJobNotFound) {
			e.logger.Debug("late outcome dropped", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		e.logger.Error("append outcome failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := e.log.AppendOutcome(jobID, outcome); err != nil {
		e.logger.Warn("result log append failed", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.ObserveTarget(string(outcome.Kind), string(outcome.Status))

	if progress.Done() {
		e.finalize(ctx, jobID, progress)
	}
}

// finalize derives the terminal status, writes the export artifact,
// and publishes the completion event.
func (e *Engine) finalize(ctx context.Context, jobID string, progress scrape.Progress) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error("load job for finalize failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}

	status := scrape.JobStatusCompleted
	errText := ""
	switch {
	case progress.Completed == 0:
		status = scrape.JobStatusFailed
		errText = "no targets were scraped"
	case job.Options.FailOnTargetError && progress.Failed > 0:
		status = scrape.JobStatusFailed
		errText = fmt.Sprintf("%d of %d targets failed", progress.Failed, progress.Total)
	}

	artifact := ""
	if status == scrape.JobStatusCompleted {
		outcomes, err := e.log.ReadOutcomes(jobID)
		if err != nil {
			status = scrape.JobStatusFailed
			errText = fmt.Sprintf("read outcomes: %v", err)
			e.logger.Error("read outcomes for export failed", zap.String("job_id", jobID), zap.Error(err))
		} else if path, err := e.exporter.Export(ctx, job, outcomes, job.Options.Format); err != nil {
			status = scrape.JobStatusFailed
			errText = fmt.Sprintf("export failed: %v", err)
			e.logger.Error("export failed", zap.String("job_id", jobID), zap.Error(err))
		} else {
			artifact = path
			e.mirrorArtifact(ctx, jobID, path)
		}
	}

	if err := e.store.SetStatus(ctx, jobID, status, errText); err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return
		}
		e.logger.Error("finalize status update failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
	e.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("completed", progress.Completed),
		zap.Int("failed", progress.Failed),
	)
	e.publishCompletion(ctx, jobID, status, progress, artifact)
}

// mirrorArtifact uploads the export artifact to remote storage when a
// blob store is configured. Best effort: the local copy remains the
// source of truth.
func (e *Engine) mirrorArtifact(ctx context.Context, jobID, artifactPath string) {
	if e.blob == nil {
		return
	}
	f, err := os.Open(artifactPath)
	if err != nil {
		e.logger.Warn("open artifact for mirror failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	objectPath := path.Join("exports", filepath.Base(artifactPath))
	uri, err := e.blob.PutObject(ctx, objectPath, mime.TypeByExtension(filepath.Ext(artifactPath)), f)
	if err != nil {
		e.logger.Warn("artifact mirror failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	e.logger.Info("artifact mirrored", zap.String("job_id", jobID), zap.String("uri", uri))
}

func (e *Engine) publishCompletion(ctx context.Context, jobID string, status scrape.JobStatus, progress scrape.Progress, artifact string) {
	if e.publisher == nil || e.cfg.CompletionTopic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    jobID,
		"status":    string(status),
		"total":     progress.Total,
		"completed": progress.Completed,
		"failed":    progress.Failed,
		"artifact":  artifact,
		"timestamp": e.clock.Now().Format(time.RFC3339),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.CompletionTopic, payload); err != nil {
		e.logger.Warn("completion publish failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
