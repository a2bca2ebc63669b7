// Package fs implements the on-disk job data layout: an append-only
// JSONL outcome log per job, downloaded media, and export artifacts.
package fs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmathers/gramscrape/internal/scrape"
)

// Config captures the parameters for the data directory.
type Config struct {
	// BaseDir is the root under which jobs/, exports/ are created.
	BaseDir string `mapstructure:"base_dir"`
}

// Store owns the data directory tree:
//
//	<base>/jobs/<job_id>/results.jsonl
//	<base>/jobs/<job_id>/media/<file>
//	<base>/exports/<job_id>.<ext>
//
// Appends are serialized per store; the log is readable after a
// process restart independent of any in-memory state.
type Store struct {
	baseDir    string
	jobsDir    string
	exportsDir string
	mu         sync.Mutex
}

// New creates the directory tree and returns a Store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	s := &Store{
		baseDir:    cfg.BaseDir,
		jobsDir:    filepath.Join(cfg.BaseDir, "jobs"),
		exportsDir: filepath.Join(cfg.BaseDir, "exports"),
	}
	for _, dir := range []string{s.baseDir, s.jobsDir, s.exportsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// JobDir returns (and creates) the directory for a job.
func (s *Store) JobDir(jobID string) (string, error) {
	dir, err := s.safeJoin(s.jobsDir, jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// ExportsDir returns the exports directory.
func (s *Store) ExportsDir() string {
	return s.exportsDir
}

// ExportPath returns the artifact path for a job and extension.
func (s *Store) ExportPath(jobID, ext string) string {
	return filepath.Join(s.exportsDir, fmt.Sprintf("%s.%s", jobID, ext))
}

// AppendOutcome appends one outcome to the job's JSONL log.
func (s *Store) AppendOutcome(jobID string, outcome scrape.TargetOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "results.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open results log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// ReadOutcomes returns the job's recorded outcomes in append order.
// A job directory without a log yields an empty slice.
func (s *Store) ReadOutcomes(jobID string) ([]scrape.TargetOutcome, error) {
	dir, err := s.safeJoin(s.jobsDir, jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, "results.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []scrape.TargetOutcome
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var o scrape.TargetOutcome
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			return nil, fmt.Errorf("decode outcome line: %w", err)
		}
		out = append(out, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan results log: %w", err)
	}
	return out, nil
}

// SaveMedia writes a downloaded media body under the job's media dir
// and returns the path relative to the job directory.
func (s *Store) SaveMedia(jobID, filename string, data io.Reader) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	mediaDir := filepath.Join(dir, "media")
	if err := os.MkdirAll(mediaDir, 0o750); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path, err := s.safeJoin(mediaDir, filename)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close media file: %w", err)
	}
	return filepath.Join("media", filename), nil
}

// DeleteJob removes the job directory and every derived export
// artifact so no orphans remain.
func (s *Store) DeleteJob(jobID string) error {
	dir, err := s.safeJoin(s.jobsDir, jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(s.exportsDir, jobID+".*"))
	if err != nil {
		return fmt.Errorf("glob exports: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove export %s: %w", m, err)
		}
	}
	return nil
}

// Stats reports storage usage in bytes per area.
type Stats struct {
	TotalJobs    int   `json:"total_jobs"`
	JobsBytes    int64 `json:"jobs_bytes"`
	ExportsBytes int64 `json:"exports_bytes"`
}

// UsageStats walks the tree and sums file sizes.
func (s *Store) UsageStats() (Stats, error) {
	stats := Stats{}
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return Stats{}, fmt.Errorf("read jobs dir: %w", err)
	}
	stats.TotalJobs = len(entries)

	size := func(root string) (int64, error) {
		var total int64
		err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				total += info.Size()
			}
			return nil
		})
		return total, err
	}
	if stats.JobsBytes, err = size(s.jobsDir); err != nil {
		return Stats{}, fmt.Errorf("walk jobs dir: %w", err)
	}
	if stats.ExportsBytes, err = size(s.exportsDir); err != nil {
		return Stats{}, fmt.Errorf("walk exports dir: %w", err)
	}
	return stats, nil
}

// safeJoin joins and rejects paths escaping the base.
func (s *Store) safeJoin(base string, elem string) (string, error) {
	joined := filepath.Join(base, elem)
	cleanBase := filepath.Clean(base)
	if !strings.HasPrefix(filepath.Clean(joined), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected in %q", elem)
	}
	return joined, nil
}
