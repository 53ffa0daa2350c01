package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wolfeidau/media-cache/backend"
)

// ErrUpstreamNotFound is returned when the source URI does not exist
// upstream. It is never retried.
var ErrUpstreamNotFound = errors.New("upstream not found")

// ErrEmptyBody is returned when the upstream responds with success but no
// payload. An empty media file is useless to render, so it is treated as a
// failed fetch.
var ErrEmptyBody = errors.New("empty response body")

const (
	// DefaultFetchTimeout bounds a single fetch attempt end to end.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxAttempts is the total number of attempts per fetch,
	// including the first.
	DefaultMaxAttempts = 3
)

// SinkFunc consumes the response body and returns the number of bytes it
// stored. Each retry attempt calls the sink again with a fresh body.
type SinkFunc func(r io.Reader) (int64, error)

// Fetcher retrieves media payloads from upstream sources.
type Fetcher interface {
	// Fetch downloads the source URI and streams the body into sink.
	// Transient upstream failures are retried with exponential backoff;
	// definitive answers like 404 fail immediately.
	Fetch(ctx context.Context, sourceURI string, sink SinkFunc) error
}

// HTTPFetcher fetches media over HTTP GET with bounded retry.
type HTTPFetcher struct {
	client      *http.Client
	timeout     time.Duration
	maxAttempts uint
	logger      *slog.Logger
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithClient sets the HTTP client used for fetches.
func WithClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithTimeout bounds a single fetch attempt.
func WithTimeout(timeout time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.timeout = timeout
	}
}

// WithMaxAttempts sets the total number of attempts per fetch.
func WithMaxAttempts(n uint) FetcherOption {
	return func(f *HTTPFetcher) {
		f.maxAttempts = n
	}
}

// WithFetcherLogger sets the logger for the fetcher.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:      http.DefaultClient,
		timeout:     DefaultFetchTimeout,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads sourceURI into sink, retrying transient failures.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURI string, sink SinkFunc) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := f.fetchOnce(ctx, sourceURI, sink)
		if err != nil {
			f.logger.Debug("fetch attempt failed",
				"uri", sourceURI,
				"attempt", attempt,
				"error", err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(f.maxAttempts))
	if err != nil {
		return fmt.Errorf("fetching %s: %w", sourceURI, err)
	}
	return nil
}

// fetchOnce performs a single GET attempt. Errors wrapped with
// backoff.Permanent stop the retry loop.
func (f *HTTPFetcher) fetchOnce(ctx context.Context, sourceURI string, sink SinkFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, sourceURI, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Network errors and timeouts are worth retrying.
		return fmt.Errorf("requesting: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	n, err := sink(resp.Body)
	if err != nil {
		if errors.Is(err, backend.ErrInsufficientStorage) || errors.Is(err, backend.ErrUnavailable) {
			// Local storage problems do not improve on retry.
			return backoff.Permanent(err)
		}
		return fmt.Errorf("storing body: %w", err)
	}
	if n == 0 {
		return ErrEmptyBody
	}
	return nil
}

// classifyStatus maps an HTTP status to nil, a retryable error, or a
// permanent error.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return backoff.Permanent(ErrUpstreamNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("upstream status %d", status)
	case status >= 400 && status < 500:
		// Other client errors will not change between attempts.
		return backoff.Permanent(fmt.Errorf("upstream status %d", status))
	default:
		return fmt.Errorf("upstream status %d", status)
	}
}

// Compile-time interface check
var _ Fetcher = (*HTTPFetcher)(nil)
