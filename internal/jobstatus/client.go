package jobstatus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Class is the outcome category of one status response.
type Class int

const (
	ClassOK Class = iota
	ClassNotYetCreated
	ClassRateLimited
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassNotYetCreated:
		return "not_yet_created"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Classify maps an HTTP status code to its polling class. The server creates
// the job asynchronously, so 404 only means "not yet".
func Classify(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == http.StatusNotFound:
		return ClassNotYetCreated
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassFatal
	}
}

// Result is one poll outcome. Record is set only for ClassOK.
type Result struct {
	Class  Class
	Record Record
}

// StatusError reports a status response that ends polling.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job status: unexpected response %d: %s", e.StatusCode, e.Body)
}

// Fetcher performs one status request for token.
type Fetcher interface {
	Poll(ctx context.Context, token string) (Result, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, token string) (Result, error)

func (f FetcherFunc) Poll(ctx context.Context, token string) (Result, error) {
	return f(ctx, token)
}

// Client fetches job records over HTTP.
type Client struct {
	http    *http.Client
	baseURL string
	path    string
}

// NewClient returns a Client requesting <baseURL><path>/<token>.
func NewClient(httpClient *http.Client, baseURL, path string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		path:    "/" + strings.Trim(path, "/"),
	}
}

// Poll fetches the job record for token. Not-yet-created and rate-limited
// responses are results, not errors; every other failure is returned as an
// error and ends polling.
func (c *Client) Poll(ctx context.Context, token string) (Result, error) {
	endpoint := c.baseURL + c.path + "/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{Class: ClassFatal}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Class: ClassFatal}, fmt.Errorf("fetch job status: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{Class: ClassFatal}, fmt.Errorf("read job status: %w", err)
	}

	class := Classify(resp.StatusCode)
	switch class {
	case ClassNotYetCreated, ClassRateLimited:
		return Result{Class: class}, nil
	case ClassFatal:
		return Result{Class: class}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	rec, err := Decode(body)
	if err != nil {
		return Result{Class: ClassFatal}, err
	}
	return Result{Class: ClassOK, Record: rec}, nil
}
