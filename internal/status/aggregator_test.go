package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	ledgermem "github.com/dinoz0rg/telegram-txt-downloader/internal/ledger/memory"
)

func seedLedger(t *testing.T, ledger ingest.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, ledger.Insert(context.Background(), ingest.LedgerEntry{
			RemoteID:  string(rune('a' + i)),
			LocalPath: "/data/" + string(rune('a'+i)) + ".txt",
			Origin:    ingest.OriginIngest,
		}))
	}
}

func TestForDownloadMergesCumulativeFigures(t *testing.T) {
	t.Parallel()

	ledger := ledgermem.New()
	seedLedger(t, ledger, 3)
	agg, err := New(ledger)
	require.NoError(t, err)

	st, err := agg.ForDownload(context.Background(), ingest.DownloadRun{
		JobID:           "job-1",
		State:           ingest.StateRunning,
		Downloaded:      1,
		Failed:          1,
		Skipped:         2,
		TotalCandidates: 10,
		CurrentFile:     "combo.txt",
	})
	require.NoError(t, err)

	require.True(t, st.Running)
	require.Equal(t, ingest.KindDownload, st.Kind)
	require.Equal(t, 4, st.Processed)
	require.Equal(t, 3, st.OverallDownloaded)
	require.Equal(t, 10, st.OverallTotal)
	require.Equal(t, 30, st.OverallPercent)
	require.Equal(t, "combo.txt", st.CurrentFile)
	// Search fields are present with zero values.
	require.Empty(t, st.Keyword)
	require.Zero(t, st.ScannedFiles)
}

func TestForDownloadPercentEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		ledgerRows int
		total      int
		want       int
	}{
		{"zero total zero downloaded", 0, 0, 0},
		{"zero total some downloaded", 2, 0, 100},
		{"floor division", 1, 3, 33},
		{"complete", 3, 3, 100},
		{"ledger ahead of listing", 5, 3, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := ledgermem.New()
			seedLedger(t, ledger, tc.ledgerRows)
			agg, err := New(ledger)
			require.NoError(t, err)

			st, err := agg.ForDownload(context.Background(), ingest.DownloadRun{
				State:           ingest.StateCompleted,
				TotalCandidates: tc.total,
			})
			require.NoError(t, err)
			require.Equal(t, tc.want, st.OverallPercent)
			require.GreaterOrEqual(t, st.OverallPercent, 0)
			require.LessOrEqual(t, st.OverallPercent, 100)
		})
	}
}

func TestForSearchCarriesRunFields(t *testing.T) {
	t.Parallel()

	agg, err := New(ledgermem.New())
	require.NoError(t, err)

	st, err := agg.ForSearch(context.Background(), ingest.SearchRun{
		JobID:        "job-2",
		Keyword:      "foo",
		State:        ingest.StateStopping,
		ScannedFiles: 5,
		LinesFound:   3,
		OutputPath:   "/results/search_results_foo_20240428_143900.txt",
		WorkerCount:  4,
	})
	require.NoError(t, err)

	require.True(t, st.Running, "stopping still counts as running for pollers")
	require.Equal(t, ingest.KindSearch, st.Kind)
	require.Equal(t, 5, st.ScannedFiles)
	require.Equal(t, 3, st.LinesFound)
	require.Equal(t, 4, st.WorkerCount)
	require.Zero(t, st.OverallPercent)
}
