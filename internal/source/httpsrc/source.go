// Package httpsrc implements ingest.Source over a paginated HTTP listing.
//
// The endpoint contract is minimal: GET {base}/files?page=N returns a JSON
// page of remote objects plus the next page number (0 when exhausted), and
// GET {base}/files/{id}/content returns the raw bytes. HTTP 429 responses
// carry a Retry-After header in seconds and surface as ingest.RateLimitError.
package httpsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
)

const defaultTimeout = 60 * time.Second

// Config captures the parameters for the HTTP source.
type Config struct {
	// BaseURL is the listing endpoint root, without a trailing slash.
	BaseURL string
	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

// Source fetches candidates from a paginated HTTP listing.
type Source struct {
	base   string
	client *http.Client
}

// New creates a Source for the given config.
func New(cfg Config) (*Source, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Source{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type listPage struct {
	Files []remoteFile `json:"files"`
	Next  int          `json:"next_page"`
}

type remoteFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	SentAt    time.Time `json:"sent_at"`
}

// List returns a lazy listing that fetches pages on demand, restarting from
// page one on every call.
func (s *Source) List(_ context.Context) (ingest.Listing, error) {
	return &listing{src: s, page: 1}, nil
}

// Fetch retrieves one object's content.
func (s *Source) Fetch(ctx context.Context, file ingest.RemoteFile) ([]byte, error) {
	target := fmt.Sprintf("%s/files/%s/content", s.base, url.PathEscape(file.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ingest.FetchError{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		return nil, &ingest.FetchError{Retryable: true, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ingest.FetchError{Retryable: true, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}

func (s *Source) fetchPage(ctx context.Context, page int) (listPage, error) {
	target := fmt.Sprintf("%s/files?page=%d", s.base, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return listPage{}, fmt.Errorf("build listing request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return listPage{}, fmt.Errorf("list page %d: %w", page, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if err := classifyStatus(resp); err != nil {
		return listPage{}, err
	}
	var decoded listPage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return listPage{}, fmt.Errorf("decode page %d: %w", page, err)
	}
	return decoded, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ingest.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return &ingest.FetchError{Retryable: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &ingest.FetchError{Retryable: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &ingest.FetchError{Retryable: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

// retryAfter parses the Retry-After header, defaulting to 30s when the
// source does not say.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 30 * time.Second
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}

type listing struct {
	src     *Source
	page    int
	buf     []remoteFile
	done    bool
}

func (l *listing) Next(ctx context.Context) (ingest.RemoteFile, bool, error) {
	for len(l.buf) == 0 {
		if l.done {
			return ingest.RemoteFile{}, false, nil
		}
		decoded, err := l.src.fetchPage(ctx, l.page)
		if err != nil {
			return ingest.RemoteFile{}, false, err
		}
		l.buf = decoded.Files
		if decoded.Next <= 0 || decoded.Next == l.page {
			l.done = true
		} else {
			l.page = decoded.Next
		}
		if len(decoded.Files) == 0 && l.done {
			return ingest.RemoteFile{}, false, nil
		}
	}
	f := l.buf[0]
	l.buf = l.buf[1:]
	return ingest.RemoteFile{
		ID:        f.ID,
		Name:      f.Name,
		SizeBytes: f.SizeBytes,
		SentAt:    f.SentAt,
	}, true, nil
}
