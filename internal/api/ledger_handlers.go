package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
	ledgerTimeout      = 3 * time.Second
)

// LedgerHandler exposes read-only views over the download ledger.
type LedgerHandler struct {
	ledger  ingest.Ledger
	timeout time.Duration
	logger  *zap.Logger
}

// NewLedgerHandler wires the ledger and logger.
func NewLedgerHandler(ledger ingest.Ledger, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		ledger:  ledger,
		timeout: ledgerTimeout,
		logger:  logger,
	}
}

// List handles GET /v1/ledger?origin=&limit=&offset=. It returns a JSON object
// {"entries": [...], "total": n} on success, 400 for invalid filters, 503 when
// the ledger is unavailable, or 500 if the ledger call fails.
func (h *LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultLedgerLimit, maxLedgerLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	origin, err := parseOrigin(r.URL.Query().Get("origin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.ledger.List(ctx, origin, offset, limit)
	if err != nil {
		h.logger.Error("list ledger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	total, err := h.ledger.Count(ctx, origin)
	if err != nil {
		h.logger.Error("count ledger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": toEntryDTOs(entries),
		"total":   total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseOrigin(input string) (ingest.Origin, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "":
		return "", nil
	case string(ingest.OriginIngest):
		return ingest.OriginIngest, nil
	case string(ingest.OriginSearchResult):
		return ingest.OriginSearchResult, nil
	default:
		return "", errors.New("invalid origin")
	}
}

func toEntryDTOs(in []ingest.LedgerEntry) []entryDTO {
	out := make([]entryDTO, 0, len(in))
	for _, e := range in {
		out = append(out, entryDTO{
			RemoteID:     e.RemoteID,
			LocalPath:    e.LocalPath,
			SizeBytes:    e.SizeBytes,
			Origin:       string(e.Origin),
			DownloadedAt: e.DownloadedAt,
		})
	}
	return out
}

type entryDTO struct {
	RemoteID     string    `json:"remote_id"`
	LocalPath    string    `json:"local_path"`
	SizeBytes    int64     `json:"size_bytes"`
	Origin       string    `json:"origin"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
