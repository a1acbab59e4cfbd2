// Package settings fetches the server-side video upload settings the client
// needs before it can start an upload.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// VideoUpload is the body of the video-upload settings endpoint.
type VideoUpload struct {
	// Relay reports whether uploads are forwarded to a hosted destination
	// after the server receives them.
	Relay       bool   `json:"relay"`
	Destination string `json:"destination"`
}

// Fetcher reads the settings once, retrying transient failures a few times.
type Fetcher struct {
	http     *http.Client
	endpoint string
	retries  uint64
	interval time.Duration
	logger   zerolog.Logger
}

// NewFetcher returns a Fetcher for baseURL+path.
func NewFetcher(httpClient *http.Client, baseURL, path string, logger zerolog.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{
		http:     httpClient,
		endpoint: strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		retries:  3,
		interval: 500 * time.Millisecond,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// WithRetry overrides the retry policy.
func (f *Fetcher) WithRetry(retries uint64, interval time.Duration) *Fetcher {
	f.retries = retries
	f.interval = interval
	return f
}

// Fetch returns the current settings. Client errors are not retried.
func (f *Fetcher) Fetch(ctx context.Context) (VideoUpload, error) {
	var out VideoUpload
	op := func() error {
		v, err := f.fetchOnce(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)
	notify := func(err error, next time.Duration) {
		f.logger.Warn().Err(err).Dur("retry_in", next).Msg("fetch upload settings failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return VideoUpload{}, fmt.Errorf("fetch upload settings: %w", err)
	}
	f.logger.Debug().Bool("relay", out.Relay).Str("destination", out.Destination).Msg("upload settings")
	return out, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) (VideoUpload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return VideoUpload{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return VideoUpload{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if err != nil {
		return VideoUpload{}, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return VideoUpload{}, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return VideoUpload{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var v VideoUpload
	if err := json.Unmarshal(body, &v); err != nil {
		return VideoUpload{}, backoff.Permanent(fmt.Errorf("decode settings: %w", err))
	}
	return v, nil
}
