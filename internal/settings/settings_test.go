package settings_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduflow/platform/mediaupload/internal/settings"
)

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/settings/video-upload", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"relay":true,"destination":"s3"}`))
	}))
	defer srv.Close()

	f := settings.NewFetcher(srv.Client(), srv.URL, "api/v1/settings/video-upload", zerolog.Nop()).WithRetry(3, time.Millisecond)
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, settings.VideoUpload{Relay: true, Destination: "s3"}, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := settings.NewFetcher(nil, srv.URL, "/settings", zerolog.Nop()).WithRetry(3, time.Millisecond).Fetch(context.Background())

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := settings.NewFetcher(nil, srv.URL, "/settings", zerolog.Nop()).WithRetry(2, time.Millisecond).Fetch(context.Background())

	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
