// Package export materializes a job's accumulated outcomes into the
// requested artifact format.
package export

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/jmathers/gramscrape/internal/metrics"
	"github.com/jmathers/gramscrape/internal/scrape"
	"github.com/jmathers/gramscrape/internal/storage/fs"
)

// Writer produces export artifacts under the data directory's
// exports area.
type Writer struct {
	store *fs.Store
}

// NewWriter constructs a Writer over the data layout.
func NewWriter(store *fs.Store) *Writer {
	return &Writer{store: store}
}

// Export writes the artifact for the requested format and returns
// its path.
func (w *Writer) Export(ctx context.Context, job scrape.Job, outcomes []scrape.TargetOutcome, format scrape.ExportFormat) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("export cancelled: %w", err)
	}
	var (
		path string
		err  error
	)
	switch format {
	case scrape.FormatJSON:
		path, err = w.writeJSON(job.ID, outcomes)
	case scrape.FormatJSONL:
		path, err = w.writeJSONL(job.ID, outcomes)
	case scrape.FormatCSV:
		path, err = w.writeCSV(job.ID, outcomes)
	case scrape.FormatXLSX:
		path, err = w.writeXLSX(job.ID, outcomes)
	case scrape.FormatZIP:
		path, err = w.writeZIP(job.ID, outcomes)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", err
	}
	metrics.ObserveExport(string(format))
	return path, nil
}

func (w *Writer) writeJSON(jobID string, outcomes []scrape.TargetOutcome) (string, error) {
	path := w.store.ExportPath(jobID, "json")
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal outcomes: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write json export: %w", err)
	}
	return path, nil
}

func (w *Writer) writeJSONL(jobID string, outcomes []scrape.TargetOutcome) (string, error) {
	path := w.store.ExportPath(jobID, "jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create jsonl export: %w", err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	for _, o := range outcomes {
		if err := enc.Encode(o); err != nil {
			return "", fmt.Errorf("encode outcome: %w", err)
		}
	}
	return path, nil
}

func (w *Writer) writeCSV(jobID string, outcomes []scrape.TargetOutcome) (string, error) {
	path := w.store.ExportPath(jobID, "csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create csv export: %w", err)
	}
	defer func() { _ = f.Close() }()

	header, rows, err := tabulate(outcomes)
	if err != nil {
		return "", err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return path, nil
}

func (w *Writer) writeXLSX(jobID string, outcomes []scrape.TargetOutcome) (string, error) {
	path := w.store.ExportPath(jobID, "xlsx")
	header, rows, err := tabulate(outcomes)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Results"
	if _, err := f.NewSheet(sheet); err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return "", fmt.Errorf("drop default sheet: %w", err)
	}

	for i, h := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return "", fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return "", fmt.Errorf("set header cell: %w", err)
		}
	}
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return "", fmt.Errorf("data cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return "", fmt.Errorf("set data cell: %w", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save xlsx export: %w", err)
	}
	return path, nil
}

// writeZIP bundles the structured exports together with any
// downloaded media for the job.
func (w *Writer) writeZIP(jobID string, outcomes []scrape.TargetOutcome) (string, error) {
	jsonPath, err := w.writeJSON(jobID, outcomes)
	if err != nil {
		return "", err
	}
	csvPath, err := w.writeCSV(jobID, outcomes)
	if err != nil {
		return "", err
	}

	path := w.store.ExportPath(jobID, "zip")
	zf, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create zip export: %w", err)
	}
	defer func() { _ = zf.Close() }()

	zw := zip.NewWriter(zf)
	addFile := func(diskPath, arcName string) error {
		src, err := os.Open(diskPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", diskPath, err)
		}
		defer func() { _ = src.Close() }()
		dst, err := zw.Create(arcName)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", arcName, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("write zip entry %s: %w", arcName, err)
		}
		return nil
	}

	if err := addFile(jsonPath, "results.json"); err != nil {
		return "", err
	}
	if err := addFile(csvPath, "results.csv"); err != nil {
		return "", err
	}

	jobDir, err := w.store.JobDir(jobID)
	if err != nil {
		return "", err
	}
	mediaDir := filepath.Join(jobDir, "media")
	entries, err := os.ReadDir(mediaDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read media dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFile(filepath.Join(mediaDir, entry.Name()), filepath.Join("media", entry.Name())); err != nil {
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zip: %w", err)
	}
	return path, nil
}

// tabulate flattens outcomes into a sorted header row plus one data
// row per outcome. Nested objects flatten with underscore-joined
// keys; lists serialize as JSON strings.
func tabulate(outcomes []scrape.TargetOutcome) ([]string, [][]string, error) {
	flat := make([]map[string]string, 0, len(outcomes))
	keySet := map[string]bool{}
	for _, o := range outcomes {
		raw, err := json.Marshal(o)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal outcome: %w", err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		row := map[string]string{}
		flattenInto(row, "", generic)
		for k := range row {
			keySet[k] = true
		}
		flat = append(flat, row)
	}

	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)

	rows := make([][]string, 0, len(flat))
	for _, row := range flat {
		cells := make([]string, len(header))
		for i, k := range header {
			cells[i] = row[k]
		}
		rows = append(rows, cells)
	}
	return header, rows, nil
}

func flattenInto(dst map[string]string, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "_" + k
			}
			flattenInto(dst, key, child)
		}
	case []any:
		data, err := json.Marshal(v)
		if err != nil {
			dst[prefix] = fmt.Sprintf("%v", v)
			return
		}
		dst[prefix] = string(data)
	case nil:
		dst[prefix] = ""
	case float64:
		dst[prefix] = formatNumber(v)
	case bool:
		if v {
			dst[prefix] = "true"
		} else {
			dst[prefix] = "false"
		}
	default:
		dst[prefix] = fmt.Sprintf("%v", v)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
