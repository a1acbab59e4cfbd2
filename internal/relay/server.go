// Package relay is the application server side of intro-video uploads: it
// receives the file, relays it to the hosted destination in the background and
// serves the job record clients poll.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/config"
	"github.com/eduflow/platform/mediaupload/internal/connectors"
	"github.com/eduflow/platform/mediaupload/internal/screen"
)

// Options wires a Server. Scanner and Limiter are optional.
type Options struct {
	Store           Store
	Destination     connectors.Destination
	Scanner         screen.Scanner
	Limiter         Limiter
	Relay           bool
	DataDir         string
	MaxUploadBytes  int64
	Workers         int
	QueueSize       int
	ProcessingDelay time.Duration
	Logger          zerolog.Logger
}

type task struct {
	job    Job
	staged string
}

type Server struct {
	store           Store
	dest            connectors.Destination
	scanner         screen.Scanner
	limiter         Limiter
	relay           bool
	stagingDir      string
	maxBytes        int64
	processingDelay time.Duration
	queue           chan task
	logger          zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	running map[string]context.CancelFunc

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewServer creates the staging directory and starts the relay workers.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Destination == nil {
		return nil, errors.New("relay server needs a store and a destination")
	}
	if opts.DataDir == "" {
		return nil, errors.New("relay server needs a data dir")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = config.DefaultMaxUploadBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	staging := filepath.Join(opts.DataDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		store:           opts.Store,
		dest:            opts.Destination,
		scanner:         opts.Scanner,
		limiter:         opts.Limiter,
		relay:           opts.Relay,
		stagingDir:      staging,
		maxBytes:        opts.MaxUploadBytes,
		processingDelay: opts.ProcessingDelay,
		queue:           make(chan task, opts.QueueSize),
		logger:          opts.Logger.With().Str("component", "relay").Logger(),
		pending:         make(map[string]struct{}),
		running:         make(map[string]context.CancelFunc),
		ctx:             ctx,
		stop:            stop,
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s, nil
}

// Close stops the workers, aborting relays in flight.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
}

// Router returns the HTTP surface of the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/settings/video-upload", s.settingsHandler)
		api.Post("/uploads/intro-video", s.uploadHandler)
		api.Post("/uploads/jobs/{id}/actions/cancel", s.cancelJobHandler)
		if s.limiter != nil {
			api.With(rateLimit(s.limiter, s.logger)).Get("/uploads/jobs/{id}", s.getJobHandler)
		} else {
			api.Get("/uploads/jobs/{id}", s.getJobHandler)
		}
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

// corsMiddleware allows browser calls from the marketplace front end.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type,Retry-After")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
