// Package download drives one end-to-end download run: list remote
// candidates, filter, fetch, store, and record into the ledger.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
)

// Deps bundles the collaborators a download job needs.
type Deps struct {
	Source  ingest.Source
	Fetcher ingest.Fetcher
	Ledger  ingest.Ledger
	Store   ingest.BlobStore
	Clock   ingest.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Job executes a single download run. It owns its DownloadRun for the run's
// lifetime and publishes immutable snapshots that readers load lock-free.
type Job struct {
	id      string
	eventID [16]byte
	deps    Deps
	params  ingest.DownloadParams

	run       atomic.Pointer[ingest.DownloadRun]
	pubMu     sync.Mutex
	stop      atomic.Bool
	cancel    atomic.Bool
	forceCh   chan struct{}
	forceOnce sync.Once
	done      chan struct{}
}

// New allocates a download job in the queued state. Run must be called to
// start work.
func New(id string, params ingest.DownloadParams, deps Deps) (*Job, error) {
	if deps.Source == nil || deps.Fetcher == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("source, fetcher, ledger, and store are required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	j := &Job{
		id:      id,
		eventID: progress.UUIDToBytes(parsed),
		deps:    deps,
		params:  params,
		forceCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o, ok := deps.Fetcher.(rateLimitObservable); ok {
		j.deps.Fetcher = o.WithRateLimitObserver(func(file ingest.RemoteFile, wait time.Duration) {
			j.emit(progress.Event{Stage: progress.StageRateLimit, File: file.ID, Wait: wait})
		})
	}
	j.run.Store(&ingest.DownloadRun{
		JobID:     id,
		State:     ingest.StateQueued,
		StartedAt: deps.Clock.Now(),
	})
	return j, nil
}

// rateLimitObservable is implemented by fetchers that can report rate-limit
// pauses, such as fetcher.Retrying.
type rateLimitObservable interface {
	WithRateLimitObserver(fn func(file ingest.RemoteFile, wait time.Duration)) ingest.Fetcher
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Kind returns the job kind.
func (j *Job) Kind() ingest.JobKind { return ingest.KindDownload }

// Snapshot returns the latest published run state.
func (j *Job) Snapshot() ingest.DownloadRun {
	return *j.run.Load()
}

// State returns the current lifecycle state.
func (j *Job) State() ingest.JobState {
	return j.run.Load().State
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Stop requests termination. A non-forced stop lets the in-flight candidate
// finish; a forced stop also aborts the in-flight fetch and any retry wait.
func (j *Job) Stop(force bool) {
	j.stop.Store(true)
	j.mutate(func(run *ingest.DownloadRun) {
		if run.State == ingest.StateRunning {
			run.State = ingest.StateStopping
		}
	})
	if force {
		j.forceOnce.Do(func() { close(j.forceCh) })
	}
}

// Cancel is a forced stop that lands in the cancelled state instead of
// stopped, distinguishing operator abort from run-to-completion.
func (j *Job) Cancel() {
	j.cancel.Store(true)
	j.Stop(true)
}

// Run executes the download to a terminal state. It blocks; the manager calls
// it on its own goroutine. ctx cancellation acts as a forced stop.
func (j *Job) Run(ctx context.Context) {
	defer close(j.done)

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	go func() {
		select {
		case <-j.forceCh:
			abort()
		case <-runCtx.Done():
		}
	}()

	start := j.deps.Clock.Now()
	j.mutate(func(run *ingest.DownloadRun) {
		if run.State == ingest.StateQueued {
			run.State = ingest.StateRunning
		}
		run.StartedAt = start
	})
	j.emit(progress.Event{Stage: progress.StageJobStart})

	listing, err := j.deps.Source.List(runCtx)
	if err != nil {
		j.fail(fmt.Sprintf("list remote candidates: %v", err), start)
		return
	}

	for {
		if state, halted := j.stopState(); halted {
			j.finish(state, "", start)
			return
		}

		file, ok, err := listing.Next(runCtx)
		if err != nil {
			if state, halted := j.stopState(); halted {
				j.finish(state, "", start)
				return
			}
			j.fail(fmt.Sprintf("advance remote listing: %v", err), start)
			return
		}
		if !ok {
			j.finish(ingest.StateCompleted, "", start)
			return
		}

		j.mutate(func(run *ingest.DownloadRun) { run.TotalCandidates++ })

		fatal := j.processCandidate(runCtx, file)
		if fatal != "" {
			j.fail(fatal, start)
			return
		}
	}
}

// processCandidate handles one listing entry. It returns a non-empty reason
// when the whole run must transition to failed.
func (j *Job) processCandidate(ctx context.Context, file ingest.RemoteFile) string {
	known, err := j.deps.Ledger.Has(ctx, file.ID)
	if err != nil {
		return fmt.Sprintf("ledger lookup %s: %v", file.ID, err)
	}
	if known {
		j.skip(file, "already downloaded")
		return ""
	}
	if reason, ok := j.passesFilters(file); !ok {
		j.skip(file, reason)
		return ""
	}

	j.mutate(func(run *ingest.DownloadRun) { run.CurrentFile = file.Name })
	defer j.mutate(func(run *ingest.DownloadRun) { run.CurrentFile = "" })

	data, err := j.deps.Fetcher.Fetch(ctx, file)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Forced stop aborted the in-flight fetch; terminal state is
			// decided by the caller's stop check.
			return ""
		}
		j.deps.Logger.Warn("candidate fetch failed",
			zap.String("job_id", j.id),
			zap.String("remote_id", file.ID),
			zap.Error(err))
		j.recordFailure(file, err)
		return ""
	}

	name := ingest.SanitizeFilename(file.Name)
	if file.Name == "" {
		name = ingest.FallbackFilename(file)
	}
	path, err := j.deps.Store.PutUnique(ctx, name, data)
	if err != nil {
		var storeErr *ingest.StorageError
		if errors.As(err, &storeErr) && storeErr.DiskFull {
			return fmt.Sprintf("store %s: disk full: %v", name, err)
		}
		j.deps.Logger.Warn("candidate store failed",
			zap.String("job_id", j.id),
			zap.String("remote_id", file.ID),
			zap.Error(err))
		j.recordFailure(file, err)
		return ""
	}

	entry := ingest.LedgerEntry{
		RemoteID:     file.ID,
		LocalPath:    path,
		SizeBytes:    int64(len(data)),
		Origin:       ingest.OriginIngest,
		DownloadedAt: j.deps.Clock.Now(),
	}
	if err := j.deps.Ledger.Insert(ctx, entry); err != nil {
		if ingest.IsConflict(err) {
			// Another run recorded it first; count as a skip.
			j.skip(file, "already recorded")
			return ""
		}
		return fmt.Sprintf("ledger insert %s: %v", file.ID, err)
	}

	j.mutate(func(run *ingest.DownloadRun) { run.Downloaded++ })
	j.emit(progress.Event{Stage: progress.StageFileDone, File: file.ID, Bytes: int64(len(data))})
	return ""
}

// passesFilters applies the size and age limits. Zero limits disable the
// corresponding filter.
func (j *Job) passesFilters(file ingest.RemoteFile) (string, bool) {
	if max := j.params.MaxFileSizeBytes; max > 0 && file.SizeBytes > max {
		return "exceeds size limit", false
	}
	if days := j.params.MaxFileAgeDays; days > 0 && !file.SentAt.IsZero() {
		cutoff := j.deps.Clock.Now().AddDate(0, 0, -days)
		if file.SentAt.Before(cutoff) {
			return "exceeds age limit", false
		}
	}
	return "", true
}

func (j *Job) skip(file ingest.RemoteFile, note string) {
	j.mutate(func(run *ingest.DownloadRun) { run.Skipped++ })
	j.emit(progress.Event{Stage: progress.StageFileSkipped, File: file.ID, Note: note})
}

func (j *Job) recordFailure(file ingest.RemoteFile, err error) {
	j.mutate(func(run *ingest.DownloadRun) { run.Failed++ })
	j.emit(progress.Event{Stage: progress.StageFileFailed, File: file.ID, Note: err.Error()})
}

// stopState reports whether a stop or cancel was requested and which terminal
// state it maps to.
func (j *Job) stopState() (ingest.JobState, bool) {
	switch {
	case j.cancel.Load():
		return ingest.StateCancelled, true
	case j.stop.Load():
		return ingest.StateStopped, true
	default:
		return "", false
	}
}

func (j *Job) fail(reason string, start time.Time) {
	j.deps.Logger.Error("download run failed",
		zap.String("job_id", j.id),
		zap.String("reason", reason))
	now := j.deps.Clock.Now()
	j.mutate(func(run *ingest.DownloadRun) {
		run.State = ingest.StateFailed
		run.Reason = reason
		run.CurrentFile = ""
		run.EndedAt = &now
	})
	j.emit(progress.Event{Stage: progress.StageJobError, Dur: now.Sub(start), Note: reason})
}

func (j *Job) finish(state ingest.JobState, reason string, start time.Time) {
	now := j.deps.Clock.Now()
	j.mutate(func(run *ingest.DownloadRun) {
		run.State = state
		run.Reason = reason
		run.CurrentFile = ""
		run.EndedAt = &now
	})
	cur := j.Snapshot()

	stage := progress.StageJobDone
	switch state {
	case ingest.StateStopped:
		stage = progress.StageJobStopped
	case ingest.StateCancelled:
		stage = progress.StageJobCancelled
	}
	j.emit(progress.Event{Stage: stage, Dur: now.Sub(start)})

	j.deps.Logger.Info("download run finished",
		zap.String("job_id", j.id),
		zap.String("state", string(state)),
		zap.Int("downloaded", cur.Downloaded),
		zap.Int("failed", cur.Failed),
		zap.Int("skipped", cur.Skipped))
}

// mutate applies fn to a copy of the current run and publishes it. The pubMu
// serializes writers; readers stay lock-free on the atomic pointer.
func (j *Job) mutate(fn func(run *ingest.DownloadRun)) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	cur := *j.run.Load()
	fn(&cur)
	j.run.Store(&cur)
}

func (j *Job) emit(evt progress.Event) {
	evt.JobID = j.eventID
	evt.TS = j.deps.Clock.Now()
	evt.Kind = string(ingest.KindDownload)
	j.deps.Emitter.Emit(evt)
}
