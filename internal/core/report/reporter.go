// Package report turns the state store's final snapshot into run reports:
// a machine-readable JSON summary, a CSV of permanent failures, and a
// human-readable terminal table.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"hcmfetch/internal/core/state"
	"hcmfetch/internal/logger"
)

// Summary is the machine-readable record of a finished or interrupted run.
type Summary struct {
	RunID       string    `json:"run_id"`
	System      string    `json:"system"`
	GeneratedAt time.Time `json:"generated_at"`
	Duration    string    `json:"duration"`

	Discovered      int `json:"discovered"`
	Succeeded       int `json:"succeeded"`
	FailedPermanent int `json:"failed_permanent"`
	Pending         int `json:"pending"`

	SummaryPath  string `json:"-"`
	FailuresPath string `json:"-"`
}

// Reporter writes reports under <outputDir>/reports, timestamped per run.
type Reporter struct {
	store     *state.Store
	outputDir string
	log       *logger.Logger
}

func New(store *state.Store, outputDir string) *Reporter {
	return &Reporter{
		store:     store,
		outputDir: outputDir,
		log:       logger.New("Reporter"),
	}
}

// Generate snapshots the store and writes the summary JSON plus, when there
// are permanent failures, the failures CSV. It runs once per invocation —
// at completion, at interruption, and best-effort after a fatal error — and
// reports over whatever the store currently holds.
func (r *Reporter) Generate(ctx context.Context) (*Summary, error) {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := r.store.RunMeta(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	duration := time.Duration(0)
	if !meta.StartedAt.IsZero() {
		duration = now.Sub(meta.StartedAt).Round(time.Second)
	}

	summary := &Summary{
		RunID:           meta.RunID,
		System:          meta.System,
		GeneratedAt:     now,
		Duration:        duration.String(),
		Discovered:      snap.Total(),
		Succeeded:       snap.Succeeded,
		FailedPermanent: snap.FailedPermanent,
		// Claimed/downloading rows at interruption reset to pending on the
		// next start, so they count as pending here.
		Pending: snap.Pending + snap.Claimed + snap.Downloading,
	}

	reportDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create %s: %w", reportDir, err)
	}

	stem := fmt.Sprintf("%s_%s", meta.System, now.Format("20060102T150405Z"))

	summaryPath := filepath.Join(reportDir, stem+"_summary.json")
	if err := writeJSON(summaryPath, summary); err != nil {
		return nil, err
	}
	summary.SummaryPath = summaryPath
	r.log.LogInfof("summary report  -> %s", summaryPath)

	if len(snap.Failed) > 0 {
		failuresPath := filepath.Join(reportDir, stem+"_failures.csv")
		if err := writeFailuresCSV(failuresPath, snap.Failed); err != nil {
			return nil, err
		}
		summary.FailuresPath = failuresPath
		r.log.LogInfof("failure report  -> %s", failuresPath)
	}

	return summary, nil
}

// PrintSummary writes the human-readable run table.
func (r *Reporter) PrintSummary(w io.Writer, summary *Summary, failed []state.Document) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "====================================================")
	fmt.Fprintln(w, "  RUN SUMMARY")
	fmt.Fprintln(w, "====================================================")
	fmt.Fprintf(w, "  %-14s %6d\n", "Discovered", summary.Discovered)
	fmt.Fprintf(w, "  %-14s %6d\n", "Succeeded", summary.Succeeded)
	fmt.Fprintf(w, "  %-14s %6d\n", "Failed", summary.FailedPermanent)
	fmt.Fprintf(w, "  %-14s %6d\n", "Pending", summary.Pending)
	fmt.Fprintf(w, "  %-14s %6s\n", "Duration", summary.Duration)
	fmt.Fprintln(w, "====================================================")

	if len(failed) > 0 {
		limit := len(failed)
		if limit > 10 {
			limit = 10
		}
		fmt.Fprintf(w, "\n  Failed documents (first %d of %d):\n", limit, len(failed))
		for _, doc := range failed[:limit] {
			fmt.Fprintf(w, "    - %s: %s\n", doc.ID, doc.LastError)
		}
		if len(failed) > 10 {
			fmt.Fprintf(w, "    ... and %d more, see the failures CSV\n", len(failed)-10)
		}
	}
	fmt.Fprintln(w)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

func writeFailuresCSV(path string, failed []state.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "employee_name", "employee_id", "doc_type", "period", "attempts", "last_error"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	for _, doc := range failed {
		row := []string{
			doc.ID, doc.EmployeeName, doc.EmployeeID, doc.DocType,
			doc.Period, strconv.Itoa(doc.Attempts), doc.LastError,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("report: write %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}
