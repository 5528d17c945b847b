package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

func newTestLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ledger, err := NewWithPool(mock, "files")
	require.NoError(t, err)
	return ledger, mock
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS files").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, ledger.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStoresNormalizedTimestamp(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	downloadedAt := time.Date(2024, 5, 1, 16, 30, 45, 123456789, time.UTC)
	entry := ingest.LedgerEntry{
		RemoteID:     "9001_1714580000",
		LocalPath:    "output/downloaded_dir/combo_list.txt",
		SizeBytes:    2048,
		Origin:       ingest.OriginIngest,
		DownloadedAt: downloadedAt,
	}

	mock.ExpectExec("INSERT INTO files").
		WithArgs(
			entry.RemoteID,
			entry.LocalPath,
			entry.SizeBytes,
			string(ingest.OriginIngest),
			ingest.StampTime(downloadedAt),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.Insert(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateIsConflict(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	mock.ExpectExec("INSERT INTO files").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := ledger.Insert(context.Background(), ingest.LedgerEntry{RemoteID: "dup"})
	require.Error(t, err)
	require.True(t, ingest.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRequiresRemoteID(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	require.Error(t, ledger.Insert(context.Background(), ingest.LedgerEntry{}))
}

func TestHas(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("9001_1714580000").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := ledger.Has(context.Background(), "9001_1714580000")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountWithAndWithoutOrigin(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM files WHERE origin`).
		WithArgs(string(ingest.OriginIngest)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM files`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(9))

	byOrigin, err := ledger.Count(context.Background(), ingest.OriginIngest)
	require.NoError(t, err)
	require.Equal(t, 7, byOrigin)

	all, err := ledger.Count(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 9, all)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReturnsPage(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	downloadedAt := time.Date(2024, 5, 2, 0, 30, 45, 0, ingest.Location)
	mock.ExpectQuery("SELECT remote_id, local_path, size_bytes, origin, downloaded_at").
		WithArgs(2, 0).
		WillReturnRows(pgxmock.
			NewRows([]string{"remote_id", "local_path", "size_bytes", "origin", "downloaded_at"}).
			AddRow("a", "downloads/a.txt", int64(10), "ingest", downloadedAt).
			AddRow("b", "downloads/b.txt", int64(20), "search-result", downloadedAt))

	entries, err := ledger.List(context.Background(), "", 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].RemoteID)
	require.Equal(t, ingest.OriginSearchResult, entries[1].Origin)
	require.True(t, entries[0].DownloadedAt.Equal(downloadedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFilteredByOrigin(t *testing.T) {
	t.Parallel()

	ledger, mock := newTestLedger(t)

	downloadedAt := time.Date(2024, 5, 2, 0, 30, 45, 0, ingest.Location)
	mock.ExpectQuery("SELECT remote_id, local_path, size_bytes, origin, downloaded_at\nFROM files WHERE origin = ").
		WithArgs("search-result", 5, 0).
		WillReturnRows(pgxmock.
			NewRows([]string{"remote_id", "local_path", "size_bytes", "origin", "downloaded_at"}).
			AddRow("search:r.txt", "results/r.txt", int64(3), "search-result", downloadedAt))

	entries, err := ledger.List(context.Background(), ingest.OriginSearchResult, 0, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ingest.OriginSearchResult, entries[0].Origin)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "files; DROP TABLE files")
	require.Error(t, err)
}
