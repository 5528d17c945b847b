package search

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/metrics"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
)

// Config bounds the worker pool.
type Config struct {
	// DefaultWorkers is used when the request does not name a count.
	DefaultWorkers int
	// MaxWorkers caps requested counts.
	MaxWorkers int
}

// Deps bundles the collaborators a search job needs.
type Deps struct {
	Corpus  Corpus
	Store   ingest.BlobStore
	Ledger  ingest.Ledger
	Clock   ingest.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Job executes one keyword search over the local corpus. Matching is
// case-insensitive substring; result lines are serialized raw, one per line.
type Job struct {
	id      string
	eventID [16]byte
	cfg     Config
	deps    Deps
	keyword string
	workers int

	run     atomic.Pointer[ingest.SearchRun]
	scanned atomic.Int64
	lines   atomic.Int64

	bufMu     sync.Mutex
	buf       []string
	pubMu     sync.Mutex
	stop      atomic.Bool
	cancel    atomic.Bool
	forceCh   chan struct{}
	forceOnce sync.Once
	done      chan struct{}
}

var keywordClean = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// New allocates a search job in the queued state. The worker count is clamped
// to [1, cfg.MaxWorkers]; it is clamped again to the corpus size at run time.
func New(id string, params ingest.SearchParams, cfg Config, deps Deps) (*Job, error) {
	if strings.TrimSpace(params.Keyword) == "" {
		return nil, fmt.Errorf("keyword is required")
	}
	if deps.Corpus == nil || deps.Store == nil {
		return nil, fmt.Errorf("corpus and store are required")
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
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 4
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 32
	}
	workers := params.Workers
	if workers <= 0 {
		workers = cfg.DefaultWorkers
	}
	if workers > cfg.MaxWorkers {
		workers = cfg.MaxWorkers
	}
	j := &Job{
		id:      id,
		eventID: progress.UUIDToBytes(parsed),
		cfg:     cfg,
		deps:    deps,
		keyword: params.Keyword,
		workers: workers,
		forceCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	j.run.Store(&ingest.SearchRun{
		JobID:       id,
		Keyword:     params.Keyword,
		State:       ingest.StateQueued,
		WorkerCount: workers,
		StartedAt:   deps.Clock.Now(),
	})
	return j, nil
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Kind returns the job kind.
func (j *Job) Kind() ingest.JobKind { return ingest.KindSearch }

// Snapshot returns the latest published run state.
func (j *Job) Snapshot() ingest.SearchRun {
	return *j.run.Load()
}

// State returns the current lifecycle state.
func (j *Job) State() ingest.JobState {
	return j.run.Load().State
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Stop requests termination. Workers observe it between files; force also
// aborts walking mid-corpus.
func (j *Job) Stop(force bool) {
	j.stop.Store(true)
	j.mutate(func(run *ingest.SearchRun) {
		if run.State == ingest.StateRunning {
			run.State = ingest.StateStopping
		}
	})
	if force {
		j.forceOnce.Do(func() { close(j.forceCh) })
	}
}

// Cancel is a forced stop that lands in the cancelled state.
func (j *Job) Cancel() {
	j.cancel.Store(true)
	j.Stop(true)
}

// Run executes the search to a terminal state. It blocks; the manager calls
// it on its own goroutine.
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
	j.mutate(func(run *ingest.SearchRun) {
		run.State = ingest.StateRunning
		run.StartedAt = start
	})
	j.emit(progress.Event{Stage: progress.StageJobStart})

	files, err := j.deps.Corpus.Files(runCtx)
	if err != nil {
		j.finish(ingest.StateFailed, fmt.Sprintf("list corpus: %v", err), start)
		return
	}

	workers := j.workers
	if len(files) > 0 && workers > len(files) {
		workers = len(files)
	}
	j.mutate(func(run *ingest.SearchRun) {
		run.WorkerCount = workers
	})

	if len(files) > 0 {
		paths := make(chan string)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j.worker(runCtx, paths)
			}()
		}
	feed:
		for _, path := range files {
			select {
			case paths <- path:
			case <-runCtx.Done():
				break feed
			}
			if j.stop.Load() {
				break
			}
		}
		close(paths)
		wg.Wait()
	}

	// Partial results are still flushed on stop and cancel.
	outputPath := j.flushArtifact(start)

	state := ingest.StateCompleted
	switch {
	case j.cancel.Load():
		state = ingest.StateCancelled
	case j.stop.Load():
		state = ingest.StateStopped
	}
	if outputPath != "" && state == ingest.StateCompleted {
		j.recordArtifact(outputPath)
	}
	j.finish(state, "", start)
}

// worker scans assigned files, appending matching lines to the shared buffer.
func (j *Job) worker(ctx context.Context, paths <-chan string) {
	metrics.IncSearchWorkers()
	defer metrics.DecSearchWorkers()

	needle := strings.ToLower(j.keyword)
	for path := range paths {
		if ctx.Err() != nil || j.stop.Load() {
			// Keep draining so the feeder never blocks.
			continue
		}
		matched := j.scanFile(path, needle)
		j.scanned.Add(1)
		j.lines.Add(int64(len(matched)))
		if len(matched) > 0 {
			j.bufMu.Lock()
			j.buf = append(j.buf, matched...)
			j.bufMu.Unlock()
		}
		j.mutate(func(run *ingest.SearchRun) {
			run.ScannedFiles = int(j.scanned.Load())
			run.LinesFound = int(j.lines.Load())
		})
	}
}

// scanFile line-scans one file for the needle. Unreadable files are logged
// and skipped; they still count as scanned.
func (j *Job) scanFile(path, needle string) []string {
	f, err := os.Open(path) // #nosec G304 -- paths come from the corpus walk.
	if err != nil {
		j.deps.Logger.Warn("skipping unreadable corpus file",
			zap.String("job_id", j.id),
			zap.String("path", path),
			zap.Error(err))
		return nil
	}
	defer func() { _ = f.Close() }()

	var matched []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), needle) {
			matched = append(matched, line)
		}
	}
	if err := scanner.Err(); err != nil {
		j.deps.Logger.Warn("corpus file scan aborted",
			zap.String("job_id", j.id),
			zap.String("path", path),
			zap.Error(err))
	}
	return matched
}

// flushArtifact writes the accumulated buffer to a timestamped results file
// and returns the stored path. A run with no matches still produces an empty
// artifact so every finished search leaves a results file behind.
func (j *Job) flushArtifact(start time.Time) string {
	j.bufMu.Lock()
	lines := append([]string(nil), j.buf...)
	j.bufMu.Unlock()

	name := j.artifactName(start)
	var data []byte
	if len(lines) > 0 {
		data = []byte(strings.Join(lines, "\n") + "\n")
	}
	path, err := j.deps.Store.PutUnique(context.Background(), name, data)
	if err != nil {
		j.deps.Logger.Error("write search artifact failed",
			zap.String("job_id", j.id),
			zap.String("name", name),
			zap.Error(err))
		return ""
	}
	j.mutate(func(run *ingest.SearchRun) {
		run.OutputPath = path
	})
	return path
}

// recordArtifact inserts a search-result ledger row for the artifact.
// Best-effort: a failure is logged, not fatal.
func (j *Job) recordArtifact(path string) {
	if j.deps.Ledger == nil {
		return
	}
	name := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		name = path[idx+1:]
	}
	entry := ingest.LedgerEntry{
		RemoteID:     "search:" + name,
		LocalPath:    path,
		SizeBytes:    j.lines.Load(),
		Origin:       ingest.OriginSearchResult,
		DownloadedAt: j.deps.Clock.Now(),
	}
	if err := j.deps.Ledger.Insert(context.Background(), entry); err != nil && !ingest.IsConflict(err) {
		j.deps.Logger.Warn("record search artifact failed",
			zap.String("job_id", j.id),
			zap.String("path", path),
			zap.Error(err))
	}
}

func (j *Job) artifactName(start time.Time) string {
	clean := keywordClean.ReplaceAllString(j.keyword, "")
	if clean == "" {
		clean = "keyword"
	}
	return fmt.Sprintf("search_results_%s_%s.txt", clean, ingest.FileStamp(start))
}

func (j *Job) finish(state ingest.JobState, reason string, start time.Time) {
	now := j.deps.Clock.Now()
	j.mutate(func(run *ingest.SearchRun) {
		run.State = state
		run.Reason = reason
		run.ScannedFiles = int(j.scanned.Load())
		run.LinesFound = int(j.lines.Load())
		run.EndedAt = &now
	})

	stage := progress.StageJobDone
	switch state {
	case ingest.StateStopped:
		stage = progress.StageJobStopped
	case ingest.StateCancelled:
		stage = progress.StageJobCancelled
	case ingest.StateFailed:
		stage = progress.StageJobError
	}
	j.emit(progress.Event{Stage: stage, Dur: now.Sub(start), Lines: j.lines.Load(), Note: reason})

	j.deps.Logger.Info("search run finished",
		zap.String("job_id", j.id),
		zap.String("state", string(state)),
		zap.Int64("scanned_files", j.scanned.Load()),
		zap.Int64("lines_found", j.lines.Load()))
}

// mutate applies fn to a copy of the current run and publishes it. The pubMu
// serializes writers; readers stay lock-free on the atomic pointer.
func (j *Job) mutate(fn func(run *ingest.SearchRun)) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	cur := *j.run.Load()
	fn(&cur)
	j.run.Store(&cur)
}

func (j *Job) emit(evt progress.Event) {
	evt.JobID = j.eventID
	evt.TS = j.deps.Clock.Now()
	evt.Kind = string(ingest.KindSearch)
	j.deps.Emitter.Emit(evt)
}
