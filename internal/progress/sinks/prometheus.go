package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
)

// PrometheusSink exports job progress metrics via Prometheus. It owns all
// collectors for jobs started/completed/running and per-file outcome counters.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   *prometheus.GaugeVec
	jobRuntime    *prometheus.HistogramVec

	filesProcessed *prometheus.CounterVec
	bytesStored    prometheus.Counter
	linesMatched   prometheus.Counter
	rateLimitWait  prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txtdl_jobs_started_total",
			Help: "Total jobs that have started, partitioned by kind.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txtdl_jobs_completed_total",
			Help: "Total jobs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txtdl_jobs_running",
			Help: "Current number of running jobs partitioned by kind.",
		}, []string{"kind"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txtdl_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind", "result"}),
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txtdl_files_processed_total",
			Help: "Per-file outcomes partitioned by result (downloaded, failed, skipped).",
		}, []string{"result"}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txtdl_bytes_stored_total",
			Help: "Bytes written to the blob store by download jobs.",
		}),
		linesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txtdl_search_lines_matched_total",
			Help: "Lines matched across all search jobs.",
		}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txtdl_rate_limit_wait_seconds",
			Help:    "Time spent waiting out source rate limits.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.filesProcessed,
		s.bytesStored,
		s.linesMatched,
		s.rateLimitWait,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.WithLabelValues(kind).Inc()
		}
	case progress.StageJobDone:
		s.completeJob(evt, kind, "success")
	case progress.StageJobError:
		s.completeJob(evt, kind, "error")
	case progress.StageJobStopped:
		s.completeJob(evt, kind, "stopped")
	case progress.StageJobCancelled:
		s.completeJob(evt, kind, "cancelled")
	case progress.StageFileDone:
		s.filesProcessed.WithLabelValues("downloaded").Inc()
		if evt.Bytes > 0 {
			s.bytesStored.Add(float64(evt.Bytes))
		}
	case progress.StageFileFailed:
		s.filesProcessed.WithLabelValues("failed").Inc()
	case progress.StageFileSkipped:
		s.filesProcessed.WithLabelValues("skipped").Inc()
	case progress.StageRateLimit:
		if evt.Wait > 0 {
			s.rateLimitWait.Observe(evt.Wait.Seconds())
		}
	}
	if evt.Stage == progress.StageJobDone && evt.Lines > 0 {
		s.linesMatched.Add(float64(evt.Lines))
	}
}

func (s *PrometheusSink) completeJob(evt progress.Event, kind, result string) {
	s.jobsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.WithLabelValues(kind).Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[[16]byte]struct{})}
}

func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
