// Package ingest defines core types shared across subsystems.
package ingest

import (
	"time"
)

// Origin labels where a ledger entry came from.
type Origin string

// Origin values persisted in the ledger.
const (
	OriginIngest       Origin = "ingest"
	OriginSearchResult Origin = "search-result"
)

// JobKind distinguishes the two job drivers.
type JobKind string

// Supported job kinds.
const (
	KindDownload JobKind = "download"
	KindSearch   JobKind = "search"
)

// JobState represents the lifecycle state of a job.
type JobState string

// Job state values. Queued and Running are the only states from which work
// proceeds; all others are terminal.
const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateStopping  JobState = "stopping"
	StateStopped   JobState = "stopped"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further work proceeds from the state.
func (s JobState) Terminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the state counts as an in-flight job for the
// single-active-download invariant.
func (s JobState) Active() bool {
	switch s {
	case StateQueued, StateRunning, StateStopping:
		return true
	default:
		return false
	}
}

// RemoteFile is one candidate object from the remote listing.
type RemoteFile struct {
	// ID is the stable identifier assigned by the source.
	ID string
	// Name is the filename advertised by the source, unsanitized.
	Name string
	// SizeBytes is the advertised object size.
	SizeBytes int64
	// SentAt is when the object appeared at the source.
	SentAt time.Time
}

// LedgerEntry records one previously downloaded file. Entries are created
// when a download completes and never mutated afterwards.
type LedgerEntry struct {
	RemoteID     string    `json:"remote_id"`
	LocalPath    string    `json:"local_path"`
	SizeBytes    int64     `json:"size_bytes"`
	Origin       Origin    `json:"origin"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// DownloadParams captures per-run filter overrides for a download job.
// Zero values fall back to configured defaults.
type DownloadParams struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes"`
	MaxFileAgeDays   int   `json:"max_file_age_days"`
}

// SearchParams captures the request for one search job.
type SearchParams struct {
	Keyword string `json:"keyword"`
	Workers int    `json:"workers"`
}

// DownloadRun holds the in-flight counters for one download execution. The
// driver publishes immutable copies; readers never see a half-written run.
type DownloadRun struct {
	JobID           string     `json:"job_id"`
	State           JobState   `json:"state"`
	Downloaded      int        `json:"run_downloaded"`
	Failed          int        `json:"run_failed"`
	Skipped         int        `json:"run_skipped"`
	TotalCandidates int        `json:"run_total_candidates"`
	CurrentFile     string     `json:"current_file"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// SearchRun holds the in-flight counters for one search execution.
type SearchRun struct {
	JobID        string     `json:"job_id"`
	Keyword      string     `json:"keyword"`
	State        JobState   `json:"state"`
	ScannedFiles int        `json:"scanned_files"`
	LinesFound   int        `json:"lines_found"`
	OutputPath   string     `json:"output_path"`
	WorkerCount  int        `json:"worker_count"`
	Reason       string     `json:"reason,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// JobSummary is the listing row returned for job history.
type JobSummary struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	State     JobState   `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Status is the fixed-schema progress payload served to pollers. Every field
// is always present; fields that do not apply to the job kind carry their
// zero value so client polling logic stays total.
type Status struct {
	JobID             string   `json:"job_id"`
	Kind              JobKind  `json:"kind"`
	Running           bool     `json:"running"`
	State             JobState `json:"state"`
	RunDownloaded     int      `json:"run_downloaded"`
	RunFailed         int      `json:"run_failed"`
	RunSkipped        int      `json:"run_skipped"`
	Processed         int      `json:"processed"`
	OverallTotal      int      `json:"overall_total"`
	OverallDownloaded int      `json:"overall_downloaded"`
	OverallPercent    int      `json:"overall_percent"`
	CurrentFile       string   `json:"current_file"`
	Keyword           string   `json:"keyword"`
	ScannedFiles      int      `json:"scanned_files"`
	LinesFound        int      `json:"lines_found"`
	OutputPath        string   `json:"output_path"`
	WorkerCount       int      `json:"worker_count"`
	Reason            string   `json:"reason"`
}

// Location is the fixed zone used for persisted timestamps and generated
// filenames. Second precision, no sub-second component.
var Location = time.FixedZone("GMT+8", 8*60*60)

// StampTime normalizes a time for persistence: fixed offset, truncated to
// whole seconds.
func StampTime(t time.Time) time.Time {
	return t.In(Location).Truncate(time.Second)
}

// FileStamp renders a time as the compact token used in generated filenames.
func FileStamp(t time.Time) string {
	return StampTime(t).Format("20060102_150405")
}
