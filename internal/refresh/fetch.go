package refresh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout = 30 * time.Second
	errorSnippetLimit   = 512
)

// FetchError reports a non-2xx upstream response.
type FetchError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Fetcher downloads upstream records.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	// Limiter spaces requests when set; nil means unlimited.
	Limiter *rate.Limiter
}

// NewLimiter returns a limiter admitting one request per interval with the
// given burst, or nil when interval is not positive.
func NewLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}

// Fetch issues a GET for target and returns the response body.
func (f *Fetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}

	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/ld+json;q=0.9")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return nil, &FetchError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
