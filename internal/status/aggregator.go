// Package status merges a job's in-run counters with ledger-derived
// cumulative totals into the fixed-schema progress payload.
package status

import (
	"context"
	"fmt"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

// Aggregator builds Status payloads. Cumulative figures are recomputed from
// the ledger on every call, never cached, so a fresh run after an earlier
// partial run shows cumulative truth rather than reset-to-zero progress.
type Aggregator struct {
	ledger ingest.Ledger
}

// New constructs an Aggregator over the given ledger.
func New(ledger ingest.Ledger) (*Aggregator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	return &Aggregator{ledger: ledger}, nil
}

// ForDownload merges a download run snapshot with cumulative ledger figures.
func (a *Aggregator) ForDownload(ctx context.Context, run ingest.DownloadRun) (ingest.Status, error) {
	downloaded, err := a.ledger.Count(ctx, ingest.OriginIngest)
	if err != nil {
		return ingest.Status{}, fmt.Errorf("count ledger entries: %w", err)
	}
	st := ingest.Status{
		JobID:             run.JobID,
		Kind:              ingest.KindDownload,
		Running:           run.State == ingest.StateRunning || run.State == ingest.StateStopping,
		State:             run.State,
		RunDownloaded:     run.Downloaded,
		RunFailed:         run.Failed,
		RunSkipped:        run.Skipped,
		Processed:         run.Downloaded + run.Failed + run.Skipped,
		OverallTotal:      run.TotalCandidates,
		OverallDownloaded: downloaded,
		CurrentFile:       run.CurrentFile,
		Reason:            run.Reason,
	}
	st.OverallPercent = percent(downloaded, run.TotalCandidates)
	return st, nil
}

// ForSearch builds the status payload for a search run. Ledger-derived
// figures stay zero; every field is still present.
func (a *Aggregator) ForSearch(_ context.Context, run ingest.SearchRun) (ingest.Status, error) {
	return ingest.Status{
		JobID:        run.JobID,
		Kind:         ingest.KindSearch,
		Running:      run.State == ingest.StateRunning || run.State == ingest.StateStopping,
		State:        run.State,
		Keyword:      run.Keyword,
		ScannedFiles: run.ScannedFiles,
		LinesFound:   run.LinesFound,
		OutputPath:   run.OutputPath,
		WorkerCount:  run.WorkerCount,
		Reason:       run.Reason,
	}, nil
}

// percent computes floor(100*downloaded/total) with the edge rules: 100 when
// total is unknown but anything was ever downloaded, else 0.
func percent(downloaded, total int) int {
	if total > 0 {
		p := downloaded * 100 / total
		if p > 100 {
			p = 100
		}
		return p
	}
	if downloaded > 0 {
		return 100
	}
	return 0
}
