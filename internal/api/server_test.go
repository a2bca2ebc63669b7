package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmathers/gramscrape/internal/config"
	"github.com/jmathers/gramscrape/internal/metrics"
	"github.com/jmathers/gramscrape/internal/scrape"
	"github.com/jmathers/gramscrape/internal/usage"
)

type fakeJobService struct {
	submit  func(ctx context.Context, urls []string, hint scrape.TargetKind, opts scrape.Options) (scrape.Job, error)
	status  func(ctx context.Context, jobID string) (scrape.Job, error)
	list    func(ctx context.Context, status scrape.JobStatus, limit int) ([]scrape.JobSummary, error)
	cancel  func(ctx context.Context, jobID string) (scrape.Job, error)
	delete  func(ctx context.Context, jobID string) error
	results func(ctx context.Context, jobID string, format scrape.ExportFormat) (string, error)
}

func (f *fakeJobService) Submit(ctx context.Context, urls []string, hint scrape.TargetKind, opts scrape.Options) (scrape.Job, error) {
	return f.submit(ctx, urls, hint, opts)
}

func (f *fakeJobService) Status(ctx context.Context, jobID string) (scrape.Job, error) {
	return f.status(ctx, jobID)
}

func (f *fakeJobService) List(ctx context.Context, status scrape.JobStatus, limit int) ([]scrape.JobSummary, error) {
	return f.list(ctx, status, limit)
}

func (f *fakeJobService) Cancel(ctx context.Context, jobID string) (scrape.Job, error) {
	return f.cancel(ctx, jobID)
}

func (f *fakeJobService) Delete(ctx context.Context, jobID string) error {
	return f.delete(ctx, jobID)
}

func (f *fakeJobService) Results(ctx context.Context, jobID string, format scrape.ExportFormat) (string, error) {
	return f.results(ctx, jobID, format)
}

func testConfig() config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestServer(t *testing.T, jobs JobService, cfg config.Config) *Server {
	t.Helper()
	metrics.Init()
	tracker, err := usage.New("")
	require.NoError(t, err)
	return NewServer(jobs, tracker, cfg, zap.NewNop())
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	var gotOpts scrape.Options
	jobs := &fakeJobService{
		submit: func(_ context.Context, urls []string, _ scrape.TargetKind, opts scrape.Options) (scrape.Job, error) {
			gotOpts = opts
			return scrape.Job{
				ID:       "job-1",
				Status:   scrape.JobStatusQueued,
				Progress: scrape.Progress{Total: len(urls)},
			}, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	body := `{"urls":["https://example.com/p/AAA/"],"format":"csv","include_media":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp["job_id"])
	require.Equal(t, scrape.FormatCSV, gotOpts.Format)
	require.True(t, gotOpts.IncludeMedia)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		submit: func(context.Context, []string, scrape.TargetKind, scrape.Options) (scrape.Job, error) {
			t.Fatal("submit should not be reached")
			return scrape.Job{}, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	cases := []string{
		`not json`,
		`{"urls":[]}`,
		`{"urls":["https://example.com/p/A/"],"format":"yaml"}`,
		`{"urls":["https://example.com/p/A/"],"kind":"story"}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestSubmitJobOverLimit(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		submit: func(context.Context, []string, scrape.TargetKind, scrape.Options) (scrape.Job, error) {
			return scrape.Job{}, fmt.Errorf("%w: too many", scrape.ErrJobLimitExceeded)
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(`{"urls":["https://example.com/p/A/"]}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		status: func(_ context.Context, jobID string) (scrape.Job, error) {
			if jobID != "job-1" {
				return scrape.Job{}, scrape.ErrJobNotFound
			}
			return scrape.Job{
				ID:       "job-1",
				Status:   scrape.JobStatusRunning,
				Progress: scrape.Progress{Total: 4, Completed: 2, Failed: 1},
			}, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scrape/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job scrape.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	require.Equal(t, 2, job.Progress.Completed)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scrape/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobResultsServesArtifact(t *testing.T) {
	t.Parallel()
	artifact := filepath.Join(t.TempDir(), "job-1.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`[{"status":"ok"}]`), 0o600))

	jobs := &fakeJobService{
		results: func(_ context.Context, jobID string, format scrape.ExportFormat) (string, error) {
			require.Equal(t, scrape.FormatJSON, format)
			return artifact, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scrape/job-1/results?format=json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "job-1.json")
	require.JSONEq(t, `[{"status":"ok"}]`, rec.Body.String())
}

func TestGetJobResultsRejectsBadFormat(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeJobService{}, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scrape/job-1/results?format=yaml", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJobConflictWhenFinalized(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		cancel: func(context.Context, string) (scrape.Job, error) {
			return scrape.Job{}, fmt.Errorf("%w: job is completed", scrape.ErrJobFinalized)
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape/job-1/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	deleted := ""
	jobs := &fakeJobService{
		delete: func(_ context.Context, jobID string) error {
			deleted = jobID
			return nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/scrape/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "job-1", deleted)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		list: func(_ context.Context, status scrape.JobStatus, limit int) ([]scrape.JobSummary, error) {
			require.Equal(t, scrape.JobStatusCompleted, status)
			require.Equal(t, 5, limit)
			return []scrape.JobSummary{{ID: "job-1", Status: scrape.JobStatusCompleted, CreatedAt: time.Now()}}, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=completed&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []scrape.JobSummary `json:"jobs"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageEndpointCountsRequests(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobService{
		status: func(context.Context, string) (scrape.Job, error) {
			return scrape.Job{ID: "job-1"}, nil
		},
	}
	srv := newTestServer(t, jobs, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/scrape/job-1", nil)
	req.Header.Set("X-API-Key", "client-a")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report usage.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 1, report.Clients["client-a"].Requests)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	jobs := &fakeJobService{
		list: func(context.Context, scrape.JobStatus, int) ([]scrape.JobSummary, error) {
			return nil, nil
		},
	}
	srv := newTestServer(t, jobs, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open without a key.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeJobService{status: func(context.Context, string) (scrape.Job, error) {
		return scrape.Job{}, nil
	}}, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
