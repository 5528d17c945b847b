package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	ledgermem "github.com/dinoz0rg/telegram-txt-downloader/internal/ledger/memory"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/storage/local"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 28, 14, 39, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func newTestJob(t *testing.T, corpusDir, keyword string, workers int, ledger ingest.Ledger) *Job {
	t.Helper()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	job, err := New(uuid.NewString(), ingest.SearchParams{Keyword: keyword, Workers: workers}, Config{
		DefaultWorkers: 4,
		MaxWorkers:     8,
	}, Deps{
		Corpus: DirCorpus{Root: corpusDir},
		Store:  store,
		Ledger: ledger,
		Clock:  newFakeClock(),
	})
	require.NoError(t, err)
	return job
}

func TestRunFindsMatchingLines(t *testing.T) {
	t.Parallel()

	dir := writeCorpus(t, map[string]string{
		"a.txt": "user:foo123\nnothing here\nFOO again\n",
		"b.txt": "plain line\n",
		"c.txt": "foo at the start\n",
		"d.txt": "no match\n",
		"e.txt": "still nothing\n",
	})
	ledger := ledgermem.New()
	job := newTestJob(t, dir, "foo", 4, ledger)

	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCompleted, run.State)
	require.Equal(t, 5, run.ScannedFiles)
	require.Equal(t, 3, run.LinesFound, "matching is case-insensitive")
	require.NotEmpty(t, run.OutputPath)
	require.NotNil(t, run.EndedAt)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(run.OutputPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		require.Contains(t, strings.ToLower(line), "foo")
	}

	// The artifact lands in the ledger under the search-result origin.
	count, err := ledger.Count(context.Background(), ingest.OriginSearchResult)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	entries, err := ledger.List(context.Background(), "", 0, 10)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(entries[0].RemoteID, "search:search_results_foo_"))
}

func TestRunClampsWorkersToCorpusSize(t *testing.T) {
	t.Parallel()

	dir := writeCorpus(t, map[string]string{
		"a.txt": "foo\n",
		"b.txt": "bar\n",
	})
	job := newTestJob(t, dir, "foo", 8, ledgermem.New())

	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCompleted, run.State)
	require.Equal(t, 2, run.WorkerCount)
}

func TestRunEmptyCorpusCompletes(t *testing.T) {
	t.Parallel()

	job := newTestJob(t, filepath.Join(t.TempDir(), "missing"), "foo", 2, ledgermem.New())
	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCompleted, run.State)
	require.Equal(t, 0, run.ScannedFiles)
	require.NotEmpty(t, run.OutputPath)
}

func TestRunNoMatchesWritesEmptyArtifact(t *testing.T) {
	t.Parallel()

	dir := writeCorpus(t, map[string]string{"a.txt": "nothing\n"})
	ledger := ledgermem.New()
	job := newTestJob(t, dir, "absent", 1, ledger)

	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCompleted, run.State)
	require.Equal(t, 0, run.LinesFound)
	require.NotEmpty(t, run.OutputPath)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(run.OutputPath)
	require.NoError(t, err)
	require.Empty(t, data)

	count, err := ledger.Count(context.Background(), ingest.OriginSearchResult)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestConcurrentSearchesDoNotShareBuffers(t *testing.T) {
	t.Parallel()

	dir := writeCorpus(t, map[string]string{
		"a.txt": "alpha line\nbeta line\n",
		"b.txt": "beta again\n",
	})

	alpha := newTestJob(t, dir, "alpha", 2, ledgermem.New())
	beta := newTestJob(t, dir, "beta", 2, ledgermem.New())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); alpha.Run(context.Background()) }()
	go func() { defer wg.Done(); beta.Run(context.Background()) }()
	wg.Wait()

	require.Equal(t, 1, alpha.Snapshot().LinesFound)
	require.Equal(t, 2, beta.Snapshot().LinesFound)
	require.Equal(t, 2, alpha.Snapshot().ScannedFiles)
	require.Equal(t, 2, beta.Snapshot().ScannedFiles)
}

func TestCancelFlushesPartialResults(t *testing.T) {
	t.Parallel()

	files := make(map[string]string, 40)
	for i := 0; i < 40; i++ {
		files[filepath.Join("", nameFor(i))] = "needle line\n"
	}
	dir := writeCorpus(t, files)
	job := newTestJob(t, dir, "needle", 1, ledgermem.New())

	// Cancel before the run starts; the worker drains without scanning and
	// any buffered matches are still flushed.
	job.Cancel()
	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCancelled, run.State)
	require.LessOrEqual(t, run.ScannedFiles, 40)
}

func TestNewRejectsEmptyKeyword(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = New(uuid.NewString(), ingest.SearchParams{Keyword: "  "}, Config{}, Deps{
		Corpus: DirCorpus{Root: t.TempDir()},
		Store:  store,
		Clock:  newFakeClock(),
	})
	require.Error(t, err)
}

func TestArtifactNameSanitizesKeyword(t *testing.T) {
	t.Parallel()

	dir := writeCorpus(t, map[string]string{"a.txt": "p@ss w0rd!\n"})
	job := newTestJob(t, dir, "p@ss w0rd!", 1, ledgermem.New())

	job.Run(context.Background())

	run := job.Snapshot()
	require.Equal(t, ingest.StateCompleted, run.State)
	base := filepath.Base(run.OutputPath)
	require.True(t, strings.HasPrefix(base, "search_results_pssw0rd_"), base)
}

func nameFor(i int) string {
	return "f" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + ".txt"
}
