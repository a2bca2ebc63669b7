package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmathers/gramscrape/internal/export"
	"github.com/jmathers/gramscrape/internal/metrics"
	"github.com/jmathers/gramscrape/internal/ratelimit"
	"github.com/jmathers/gramscrape/internal/scrape"
	memorystore "github.com/jmathers/gramscrape/internal/store/memory"
	"github.com/jmathers/gramscrape/internal/storage/fs"
	blobmemory "github.com/jmathers/gramscrape/internal/storage/memory"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	// script decides the result for a target given the attempt number
	// (starting at 1).
	script func(target scrape.Target, attempt int) (*scrape.Record, error)
}

func (f *scriptedFetcher) Fetch(_ context.Context, target scrape.Target, _ scrape.FetchOptions) (*scrape.Record, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[target.Raw]++
	attempt := f.calls[target.Raw]
	f.mu.Unlock()
	return f.script(target, attempt)
}

func (f *scriptedFetcher) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%04d", g.n), nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.payloads)), nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type harness struct {
	engine    *Engine
	store     *memorystore.JobStore
	files     *fs.Store
	blob      *blobmemory.BlobStore
	fetcher   *scriptedFetcher
	publisher *recordingPublisher
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, fetcher *scriptedFetcher, cfg Config) *harness {
	t.Helper()
	metrics.Init()

	store := memorystore.NewJobStore()
	files, err := fs.New(fs.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	blob := blobmemory.NewBlobStore()

	eng := New(Deps{
		Store:     store,
		ResultLog: files,
		Fetcher:   fetcher,
		MediaDir:  files,
		Exporter:  export.NewWriter(files),
		Blob:      blob,
		Publisher: pub,
		Limiter:   ratelimit.New(ratelimit.Config{}),
		Clock:     systemClock{},
		IDs:       &seqIDs{},
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Logger: zap.NewNop(),
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{engine: eng, store: store, files: files, blob: blob, fetcher: fetcher, publisher: pub, cancel: cancel}
}

func waitTerminal(t *testing.T, h *harness, jobID string) scrape.Job {
	t.Helper()
	var job scrape.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.engine.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestEngine_BatchCompletesWithMixedOutcomes(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		if target.ID == "BBB" {
			return nil, scrape.NewFetchError(scrape.ErrKindNotFound, errors.New("post removed"))
		}
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 2, CompletionTopic: "scrape-events"})

	job, err := h.engine.Submit(context.Background(), []string{
		"https://example.com/p/AAA/",
		"https://example.com/p/BBB/",
	}, scrape.KindUnknown, scrape.Options{Format: scrape.FormatJSON})
	require.NoError(t, err)
	require.Equal(t, 2, job.Progress.Total)

	final := waitTerminal(t, h, job.ID)
	require.Equal(t, scrape.JobStatusCompleted, final.Status)
	require.Equal(t, scrape.Progress{Total: 2, Completed: 1, Failed: 1}, final.Progress)

	byRef := map[string]scrape.TargetOutcome{}
	for _, o := range final.Results {
		byRef[o.TargetRef] = o
	}
	require.Equal(t, scrape.OutcomeOK, byRef["https://example.com/p/AAA/"].Status)
	require.Equal(t, scrape.ErrKindNotFound, byRef["https://example.com/p/BBB/"].ErrorKind)

	// Finalization wrote the artifact, mirrored it, and published
	// exactly one event.
	_, err = os.Stat(h.files.ExportPath(job.ID, "json"))
	require.NoError(t, err)
	_, mirrored := h.blob.Object("exports/" + job.ID + ".json")
	require.True(t, mirrored)
	require.Eventually(t, func() bool { return h.publisher.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_TransientFailuresAreRetried(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, attempt int) (*scrape.Record, error) {
		if attempt < 3 {
			return nil, scrape.NewFetchError(scrape.ErrKindTransient, errors.New("connection reset"))
		}
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/CCC/"},
		scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	final := waitTerminal(t, h, job.ID)
	require.Equal(t, scrape.JobStatusCompleted, final.Status)
	require.Len(t, final.Results, 1)
	require.Equal(t, scrape.OutcomeOK, final.Results[0].Status)
	require.Equal(t, 3, final.Results[0].Attempts)
	require.Equal(t, 3, fetcher.callCount("https://example.com/p/CCC/"))
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(scrape.Target, int) (*scrape.Record, error) {
		return nil, scrape.NewFetchError(scrape.ErrKindTransient, errors.New("timeout"))
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/DDD/"},
		scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	final := waitTerminal(t, h, job.ID)
	require.Equal(t, scrape.JobStatusFailed, final.Status)
	require.Equal(t, scrape.ErrKindTransient, final.Results[0].ErrorKind)
	require.Equal(t, 3, final.Results[0].Attempts)
	require.Equal(t, 3, fetcher.callCount("https://example.com/p/DDD/"))
}

func TestEngine_PermanentErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(scrape.Target, int) (*scrape.Record, error) {
		return nil, scrape.NewFetchError(scrape.ErrKindPrivate, errors.New("login required"))
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/EEE/"},
		scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	final := waitTerminal(t, h, job.ID)
	require.Equal(t, 1, final.Results[0].Attempts)
	require.Equal(t, scrape.ErrKindPrivate, final.Results[0].ErrorKind)
	require.Equal(t, 1, fetcher.callCount("https://example.com/p/EEE/"))
}

func TestEngine_SubmitValidation(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		return &scrape.Record{Type: target.Kind}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1, MaxTargets: 2})

	_, err := h.engine.Submit(context.Background(), nil, scrape.KindUnknown, scrape.Options{})
	require.ErrorIs(t, err, scrape.ErrEmptyBatch)

	// Over-limit submissions leave no job record behind.
	_, err = h.engine.Submit(context.Background(), []string{
		"https://example.com/p/A/", "https://example.com/p/B/", "https://example.com/p/C/",
	}, scrape.KindUnknown, scrape.Options{})
	require.ErrorIs(t, err, scrape.ErrJobLimitExceeded)
	jobs, err := h.engine.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	_, err = h.engine.Submit(context.Background(), []string{"https://example.com/p/A/"},
		scrape.KindUnknown, scrape.Options{Format: scrape.ExportFormat("yaml")})
	require.Error(t, err)
}

func TestEngine_InvalidTargetRecordedWithoutFetch(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(scrape.Target, int) (*scrape.Record, error) {
		return &scrape.Record{}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/explore/"},
		scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	final := waitTerminal(t, h, job.ID)
	require.Equal(t, scrape.JobStatusFailed, final.Status)
	require.Equal(t, scrape.ErrKindInvalidTarget, final.Results[0].ErrorKind)
	require.Equal(t, 0, fetcher.callCount("https://example.com/explore/"))
}

func TestEngine_CancelSkipsRemainingTargets(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		<-block
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})
	defer close(block)

	job, err := h.engine.Submit(context.Background(), []string{
		"https://example.com/p/FFF/",
		"https://example.com/p/GGG/",
		"https://example.com/p/HHH/",
	}, scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	// Wait for the single worker to pick up the first target.
	require.Eventually(t, func() bool {
		return fetcher.callCount("https://example.com/p/FFF/") == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, err := h.engine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, cancelled.Status)

	skipped := 0
	for _, o := range cancelled.Results {
		if o.ErrorKind == scrape.ErrKindSkipped {
			skipped++
		}
	}
	require.Equal(t, 3, skipped)

	// A second cancel is rejected.
	_, err = h.engine.Cancel(context.Background(), job.ID)
	require.ErrorIs(t, err, scrape.ErrJobFinalized)
}

func TestEngine_CancelDuringCompletionsKeepsOneOutcomePerTarget(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 4, MaxTargets: 100})

	urls := make([]string, 40)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/p/RACE%02d/", i)
	}
	job, err := h.engine.Submit(context.Background(), urls, scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	// Cancel while the workers are completing targets; the job may
	// finish first, in which case the cancel is rejected.
	_, err = h.engine.Cancel(context.Background(), job.ID)
	if err != nil {
		require.ErrorIs(t, err, scrape.ErrJobFinalized)
	}
	waitTerminal(t, h, job.ID)

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, len(urls))
	require.Equal(t, len(urls), got.Progress.Completed+got.Progress.Failed)
	seen := make(map[string]bool, len(urls))
	for _, o := range got.Results {
		require.False(t, seen[o.TargetRef], "target %s recorded twice", o.TargetRef)
		seen[o.TargetRef] = true
	}
}

func TestEngine_DeleteRemovesStoreEntryAndArtifacts(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/III/"},
		scrape.KindUnknown, scrape.Options{Format: scrape.FormatJSON})
	require.NoError(t, err)
	waitTerminal(t, h, job.ID)

	artifact := h.files.ExportPath(job.ID, "json")
	_, err = os.Stat(artifact)
	require.NoError(t, err)

	require.NoError(t, h.engine.Delete(context.Background(), job.ID))
	_, err = h.engine.Status(context.Background(), job.ID)
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
	_, err = os.Stat(artifact)
	require.True(t, os.IsNotExist(err))
}

func TestEngine_DeleteRejectsActiveJob(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fetcher := &scriptedFetcher{script: func(scrape.Target, int) (*scrape.Record, error) {
		<-block
		return &scrape.Record{}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})
	defer close(block)

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/JJJ/"},
		scrape.KindUnknown, scrape.Options{})
	require.NoError(t, err)

	err = h.engine.Delete(context.Background(), job.ID)
	require.Error(t, err)
}

func TestEngine_ResultsReexportsOnDemand(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{script: func(target scrape.Target, _ int) (*scrape.Record, error) {
		return &scrape.Record{Type: scrape.KindPost, Shortcode: target.ID, Caption: "hello"}, nil
	}}
	h := newHarness(t, fetcher, Config{Workers: 1})

	job, err := h.engine.Submit(context.Background(), []string{"https://example.com/p/KKK/"},
		scrape.KindUnknown, scrape.Options{Format: scrape.FormatJSON})
	require.NoError(t, err)
	waitTerminal(t, h, job.ID)

	path, err := h.engine.Results(context.Background(), job.ID, scrape.FormatCSV)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Empty format falls back to the submission choice.
	path, err = h.engine.Results(context.Background(), job.ID, "")
	require.NoError(t, err)
	require.Equal(t, h.files.ExportPath(job.ID, "json"), path)
}

func TestRetryPolicy_RateLimitedBacksOffLonger(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond}

	transient := p.Backoff(1, scrape.ErrKindTransient)
	limited := p.Backoff(1, scrape.ErrKindRateLimited)
	require.GreaterOrEqual(t, transient, 100*time.Millisecond)
	require.GreaterOrEqual(t, limited, 200*time.Millisecond)

	// Delay grows per attempt.
	require.GreaterOrEqual(t, p.Backoff(3, scrape.ErrKindTransient), 400*time.Millisecond)
}
