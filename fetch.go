package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent with every remote request.
const DefaultUserAgent = "ModelResolver/1.0"

// httpFetcher performs bounded, retrying GET requests against a CDN.
type httpFetcher struct {
	// client is used for HTTP requests.
	client HTTPClient

	// userAgent is sent as the User-Agent header.
	userAgent string

	// timeout bounds a single attempt.
	timeout time.Duration

	// retries is the total number of attempts per URL.
	retries int

	// backoff is multiplied by the attempt number between attempts.
	backoff time.Duration

	// logger receives diagnostic messages. May be nil.
	logger Logger
}

// get performs a single GET attempt and returns the whole body.
// The onProgress callback, if set, receives byte deltas as they are read.
func (f *httpFetcher) get(ctx context.Context, url string, onProgress func(delta int64)) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{reader: resp.Body, onProgress: onProgress}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}

// getWithRetry attempts get up to f.retries times, sleeping
// attempt × backoff between attempts. Exhaustion returns ErrDownload
// wrapping the last failure.
func (f *httpFetcher) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	attempts := f.retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := f.get(ctx, url, func(delta int64) {
			bytesDownloaded.Add(float64(delta))
		})
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts-1 {
			break
		}

		wait := time.Duration(attempt+1) * f.backoff
		if f.logger != nil {
			f.logger.Debug("retrying download", "url", url, "attempt", attempt+1, "wait", wait, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDownload, url, attempts, lastErr)
}

// progressReader wraps an io.Reader and reports progress as bytes are read.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
