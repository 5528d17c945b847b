// Package manager owns job lifecycle for both job kinds: create, start,
// stop, cancel, status, and bounded history listing.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/download"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/search"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/status"
)

// Config bounds job retention and concurrency.
type Config struct {
	// HistoryLimit caps retained jobs per kind; the newest are kept.
	HistoryLimit int
	// MaxConcurrentSearches caps simultaneously active search jobs.
	MaxConcurrentSearches int
	// DownloadDefaults fills unset per-run filter overrides.
	DownloadDefaults ingest.DownloadParams
	// Search bounds the per-job worker pool.
	Search search.Config
}

// Deps bundles the collaborators the manager hands to its jobs.
type Deps struct {
	Source        ingest.Source
	Fetcher       ingest.Fetcher
	Ledger        ingest.Ledger
	DownloadStore ingest.BlobStore
	ResultsStore  ingest.BlobStore
	Corpus        search.Corpus
	Clock         ingest.Clock
	IDs           ingest.IDGenerator
	Emitter       progress.Emitter
	Logger        *zap.Logger
}

// entry tracks one job, exactly one of dl/se set.
type entry struct {
	id      string
	kind    ingest.JobKind
	created time.Time
	dl      *download.Job
	se      *search.Job
}

func (e *entry) state() ingest.JobState {
	if e.dl != nil {
		return e.dl.State()
	}
	return e.se.State()
}

func (e *entry) endedAt() *time.Time {
	if e.dl != nil {
		return e.dl.Snapshot().EndedAt
	}
	return e.se.Snapshot().EndedAt
}

// Manager enforces the single-active-download invariant and the search
// concurrency cap. Jobs run on their own goroutines rooted in the manager's
// base context; Close force-stops whatever is still running.
type Manager struct {
	cfg    Config
	deps   Deps
	agg    *status.Aggregator
	logger *zap.Logger

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	jobs  map[string]*entry
	order []string
}

// New constructs a Manager. The aggregator shares the manager's ledger.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Source == nil || deps.Fetcher == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("source, fetcher, and ledger are required")
	}
	if deps.DownloadStore == nil || deps.ResultsStore == nil || deps.Corpus == nil {
		return nil, fmt.Errorf("stores and corpus are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MaxConcurrentSearches <= 0 {
		cfg.MaxConcurrentSearches = 2
	}
	agg, err := status.New(deps.Ledger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		agg:      agg,
		logger:   deps.Logger,
		baseCtx:  ctx,
		baseStop: cancel,
		jobs:     make(map[string]*entry),
	}, nil
}

// StartDownload creates and starts a download job. It fails with
// ConflictError while another download is active.
func (m *Manager) StartDownload(params ingest.DownloadParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.jobs {
		if e.kind == ingest.KindDownload && e.state().Active() {
			return "", &ingest.ConflictError{Resource: "download job", Key: e.id}
		}
	}

	if params.MaxFileSizeBytes == 0 {
		params.MaxFileSizeBytes = m.cfg.DownloadDefaults.MaxFileSizeBytes
	}
	if params.MaxFileAgeDays == 0 {
		params.MaxFileAgeDays = m.cfg.DownloadDefaults.MaxFileAgeDays
	}

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	job, err := download.New(id, params, download.Deps{
		Source:  m.deps.Source,
		Fetcher: m.deps.Fetcher,
		Ledger:  m.deps.Ledger,
		Store:   m.deps.DownloadStore,
		Clock:   m.deps.Clock,
		Emitter: m.deps.Emitter,
		Logger:  m.deps.Logger,
	})
	if err != nil {
		return "", err
	}
	m.track(&entry{id: id, kind: ingest.KindDownload, created: m.deps.Clock.Now(), dl: job})
	m.spawn(id, func(ctx context.Context) { job.Run(ctx) })
	return id, nil
}

// StartSearch creates and starts a search job. It fails with ConflictError
// when the concurrent-search cap is reached.
func (m *Manager) StartSearch(params ingest.SearchParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, e := range m.jobs {
		if e.kind == ingest.KindSearch && e.state().Active() {
			active++
		}
	}
	if active >= m.cfg.MaxConcurrentSearches {
		return "", &ingest.ConflictError{Resource: "search slots", Key: params.Keyword}
	}

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	job, err := search.New(id, params, m.cfg.Search, search.Deps{
		Corpus:  m.deps.Corpus,
		Store:   m.deps.ResultsStore,
		Ledger:  m.deps.Ledger,
		Clock:   m.deps.Clock,
		Emitter: m.deps.Emitter,
		Logger:  m.deps.Logger,
	})
	if err != nil {
		return "", err
	}
	m.track(&entry{id: id, kind: ingest.KindSearch, created: m.deps.Clock.Now(), se: job})
	m.spawn(id, func(ctx context.Context) { job.Run(ctx) })
	return id, nil
}

// Stop requests termination of a job. Stopping an already-terminal job is a
// no-op; an unknown id fails with NotFoundError.
func (m *Manager) Stop(jobID string, force bool) error {
	e, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if e.state().Terminal() {
		return nil
	}
	if e.dl != nil {
		e.dl.Stop(force)
	} else {
		e.se.Stop(force)
	}
	return nil
}

// Cancel force-stops a job and marks it cancelled rather than stopped.
func (m *Manager) Cancel(jobID string) error {
	e, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if e.state().Terminal() {
		return nil
	}
	if e.dl != nil {
		e.dl.Cancel()
	} else {
		e.se.Cancel()
	}
	return nil
}

// Status returns the merged status payload for a job.
func (m *Manager) Status(ctx context.Context, jobID string) (ingest.Status, error) {
	e, err := m.lookup(jobID)
	if err != nil {
		return ingest.Status{}, err
	}
	if e.dl != nil {
		return m.agg.ForDownload(ctx, e.dl.Snapshot())
	}
	return m.agg.ForSearch(ctx, e.se.Snapshot())
}

// List returns job summaries, newest first.
func (m *Manager) List() []ingest.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ingest.JobSummary, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.jobs[m.order[i]]
		out = append(out, ingest.JobSummary{
			ID:        e.id,
			Kind:      e.kind,
			State:     e.state(),
			CreatedAt: e.created,
			EndedAt:   e.endedAt(),
		})
	}
	return out
}

// Close force-stops running jobs and waits for their goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	for _, e := range m.jobs {
		if !e.state().Terminal() {
			if e.dl != nil {
				e.dl.Stop(true)
			} else {
				e.se.Stop(true)
			}
		}
	}
	m.mu.Unlock()

	m.baseStop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}

// track records a job and trims per-kind history. Callers hold m.mu.
func (m *Manager) track(e *entry) {
	m.jobs[e.id] = e
	m.order = append(m.order, e.id)
	m.trimLocked(e.kind)
}

// trimLocked drops the oldest terminal jobs of kind beyond the history limit.
func (m *Manager) trimLocked(kind ingest.JobKind) {
	count := 0
	for _, id := range m.order {
		if m.jobs[id].kind == kind {
			count++
		}
	}
	if count <= m.cfg.HistoryLimit {
		return
	}
	excess := count - m.cfg.HistoryLimit
	kept := m.order[:0]
	for _, id := range m.order {
		e := m.jobs[id]
		if excess > 0 && e.kind == kind && e.state().Terminal() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) lookup(jobID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, &ingest.NotFoundError{Resource: "job", Key: jobID}
	}
	return e, nil
}

func (m *Manager) spawn(id string, run func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(m.baseCtx)
		m.logger.Debug("job goroutine exited", zap.String("job_id", id))
	}()
}
