package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	iduuid "github.com/dinoz0rg/telegram-txt-downloader/internal/id/uuid"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	ledgermem "github.com/dinoz0rg/telegram-txt-downloader/internal/ledger/memory"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/manager"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/search"
	sourcemem "github.com/dinoz0rg/telegram-txt-downloader/internal/source/memory"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/storage/local"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type directFetcher struct {
	src ingest.Source
}

func (f directFetcher) Fetch(ctx context.Context, file ingest.RemoteFile) ([]byte, error) {
	return f.src.Fetch(ctx, file)
}

type testServer struct {
	srv    *Server
	mgr    *manager.Manager
	ledger ingest.Ledger
	corpus string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	src := sourcemem.New(
		sourcemem.File{Meta: ingest.RemoteFile{ID: "1001_1714286340", Name: "a.txt", SizeBytes: 5}, Data: []byte("alpha")},
		sourcemem.File{Meta: ingest.RemoteFile{ID: "1002_1714286400", Name: "b.txt", SizeBytes: 4}, Data: []byte("beta")},
	)
	ledger := ledgermem.New()
	downloads, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	results, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	corpusDir := t.TempDir()

	mgr, err := manager.New(manager.Config{
		HistoryLimit:          10,
		MaxConcurrentSearches: 2,
		Search:                search.Config{DefaultWorkers: 2, MaxWorkers: 4},
	}, manager.Deps{
		Source:        src,
		Fetcher:       directFetcher{src: src},
		Ledger:        ledger,
		DownloadStore: downloads,
		ResultsStore:  results,
		Corpus:        search.DirCorpus{Root: corpusDir},
		Clock:         &fakeClock{now: time.Date(2024, 4, 28, 14, 39, 0, 0, time.UTC)},
		IDs:           iduuid.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
	})
	return &testServer{
		srv:    NewServer(mgr, ledger, zap.NewNop()),
		mgr:    mgr,
		ledger: ledger,
		corpus: corpusDir,
	}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) waitTerminal(t *testing.T, jobID string) ingest.Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, err := ts.mgr.Status(context.Background(), jobID)
		require.NoError(t, err)
		if st.State.Terminal() {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", jobID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func jobIDFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.JobID)
	return payload.JobID
}

func TestServer_StartDownload_Accepted(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/download", []byte(`{}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := jobIDFrom(t, rec)

	st := ts.waitTerminal(t, jobID)
	require.Equal(t, ingest.StateCompleted, st.State)
	require.Equal(t, 2, st.RunDownloaded)
}

func TestServer_StartDownload_InvalidJSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/download", []byte("{invalid"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StartDownload_NegativeFilter(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/download", []byte(`{"max_file_size_mb":-1}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "non-negative")
}

func TestServer_StartSearch_RequiresKeyword(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/search", []byte(`{"keyword":"  "}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "keyword")
}

func TestServer_StartSearch_FindsMatches(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	path := filepath.Join(ts.corpus, "dump.txt")
	require.NoError(t, os.WriteFile(path, []byte("user:secret\nnothing here\n"), 0o600))

	rec := ts.do(http.MethodPost, "/v1/jobs/search", []byte(`{"keyword":"secret","workers":2}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := jobIDFrom(t, rec)

	st := ts.waitTerminal(t, jobID)
	require.Equal(t, ingest.StateCompleted, st.State)
	require.Equal(t, 1, st.LinesFound)
}

func TestServer_JobStatus_Unknown(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/v1/jobs/no-such-job/status", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StopUnknownJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/no-such-job/stop", []byte(`{"force":true}`))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelUnknownJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/no-such-job/cancel", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/download", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := jobIDFrom(t, rec)
	ts.waitTerminal(t, jobID)

	rec = ts.do(http.MethodGet, "/v1/jobs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), jobID)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/readyz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", nil)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
