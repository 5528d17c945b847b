package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobStopped   Stage = "JOB_STOPPED"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageFileDone     Stage = "FILE_DONE"
	StageFileFailed   Stage = "FILE_FAILED"
	StageFileSkipped  Stage = "FILE_SKIPPED"
	StageRateLimit    Stage = "RATE_LIMIT_WAIT"
)

// Event captures a single milestone of job progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or per-file milestone occurred.
	Stage Stage
	// Kind labels the job as "download" or "search".
	Kind string
	// File is the remote file id for per-file events.
	File string
	// Bytes carries the stored size for completed files.
	Bytes int64
	// Lines carries matched line counts for search completions.
	Lines int64
	// Wait is how long the job paused for a rate limit.
	Wait time.Duration
	// Dur captures execution latency for job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobStopped, StageJobCancelled:
	case StageFileDone, StageFileFailed, StageFileSkipped:
		if e.File == "" {
			return fmt.Errorf("%s requires file", e.Stage)
		}
	case StageRateLimit:
		if e.Wait <= 0 {
			return errors.New("rate limit wait requires a positive wait")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for consumers.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
