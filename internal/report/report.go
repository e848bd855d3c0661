// Package report summarizes one pipeline run: per-status counts, bytes on
// disk, post-processing tallies, and every failure with its diagnostic. The
// report is persisted as JSON next to the run's logs and rendered as a table
// at the end of the run.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"memento/internal/ledger"
)

// Failure pairs a record with its recorded diagnostic.
type Failure struct {
	Seq   int    `json:"seq"`
	Error string `json:"error"`
}

// Report is the persisted summary of one run.
type Report struct {
	RunID             string    `json:"run_id"`
	Mode              string    `json:"mode"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	DurationSeconds   float64   `json:"duration_seconds"`
	Records           int       `json:"records"`
	Pending           int       `json:"pending"`
	InProgress        int       `json:"in_progress"`
	Success           int       `json:"success"`
	Failed            int       `json:"failed"`
	Skipped           int       `json:"skipped"`
	BytesWritten      int64     `json:"bytes_written"`
	MergedOverlays    int       `json:"merged_overlays"`
	JoinedGroups      int       `json:"joined_groups"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	LedgerRebuilt     bool      `json:"ledger_rebuilt"`
	Failures          []Failure `json:"failures,omitempty"`
}

// Totals used when building from a finished run.
type Totals struct {
	MergedOverlays    int
	JoinedGroups      int
	DuplicatesRemoved int
}

// Build assembles a Report from the ledger's final state.
func Build(runID, mode string, started, finished time.Time, led *ledger.Ledger, totals Totals) Report {
	counts := led.Counts()
	r := Report{
		RunID:             runID,
		Mode:              mode,
		StartedAt:         started.UTC(),
		FinishedAt:        finished.UTC(),
		DurationSeconds:   finished.Sub(started).Seconds(),
		Records:           led.Len(),
		Pending:           counts[ledger.StatusPending],
		InProgress:        counts[ledger.StatusInProgress],
		Success:           counts[ledger.StatusSuccess],
		Failed:            counts[ledger.StatusFailed],
		Skipped:           counts[ledger.StatusSkipped],
		MergedOverlays:    totals.MergedOverlays,
		JoinedGroups:      totals.JoinedGroups,
		DuplicatesRemoved: totals.DuplicatesRemoved,
		LedgerRebuilt:     led.Rebuilt(),
	}

	seenPaths := make(map[string]bool)
	for _, seq := range led.Sequences() {
		entry, ok := led.Get(seq)
		if !ok {
			continue
		}
		if entry.Status == ledger.StatusFailed && entry.Error != "" {
			r.Failures = append(r.Failures, Failure{Seq: seq, Error: entry.Error})
		}
		if entry.Status != ledger.StatusSuccess {
			continue
		}
		for _, f := range entry.Files {
			// Joined groups share one descriptor; count each file once.
			if seenPaths[f.Path] {
				continue
			}
			seenPaths[f.Path] = true
			r.BytesWritten += f.Size
		}
	}
	return r
}

// Save writes the report JSON into dir and returns the file path.
func (r Report) Save(dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("report-%s.json", r.RunID))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var titleCaser = cases.Title(language.English)

// Rows renders the summary as label/value pairs for table output.
func (r Report) Rows() [][]string {
	rows := [][]string{
		{titleCaser.String("records"), strconv.Itoa(r.Records)},
		{titleCaser.String("success"), strconv.Itoa(r.Success)},
		{titleCaser.String("failed"), strconv.Itoa(r.Failed)},
		{titleCaser.String("skipped"), strconv.Itoa(r.Skipped)},
		{titleCaser.String("pending"), strconv.Itoa(r.Pending + r.InProgress)},
		{"Merged Overlays", strconv.Itoa(r.MergedOverlays)},
		{"Joined Groups", strconv.Itoa(r.JoinedGroups)},
		{"Duplicates Removed", strconv.Itoa(r.DuplicatesRemoved)},
		{"Bytes Written", strconv.FormatInt(r.BytesWritten, 10)},
		{"Duration", fmt.Sprintf("%.1fs", r.DurationSeconds)},
	}
	return rows
}
