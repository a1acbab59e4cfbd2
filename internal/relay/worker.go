package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/connectors"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

// Relay bytes map onto 0..uploadSpan percent; the rest covers processing.
const (
	uploadSpan        = 90
	processingPercent = 95
)

// MsgQueueFull is the failure reason of a job dropped under backpressure.
const MsgQueueFull = "The server is busy. Please upload the video again."

func (s *Server) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.runJob(t, id)
		}
	}
}

func (s *Server) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		s.logger.Warn().Str("session_id", t.job.SessionID).Msg("queue saturated, dropping job")
		job := t.job
		_ = job.fail(MsgQueueFull)
		if err := s.store.Create(s.ctx, job); err != nil {
			s.logger.Error().Err(err).Str("session_id", job.SessionID).Msg("failed to record dropped job")
		}
		s.release(t)
	}
}

// release forgets the reservation and the staged file of t.
func (s *Server) release(t task) {
	s.mu.Lock()
	delete(s.pending, t.job.SessionID)
	delete(s.running, t.job.SessionID)
	s.mu.Unlock()
	os.RemoveAll(filepath.Dir(t.staged))
}

func (s *Server) runJob(t task, workerID int) {
	defer s.release(t)
	id := t.job.SessionID
	logger := s.logger.With().Str("session_id", id).Int("worker", workerID).Logger()

	if err := s.store.Create(s.ctx, t.job); err != nil {
		if errors.Is(err, ErrExists) {
			logger.Info().Msg("job canceled before execution")
			return
		}
		logger.Error().Err(err).Msg("failed to create job record")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	if err := s.relayJob(ctx, t, logger); err != nil {
		if errors.Is(err, ErrFinished) || ctx.Err() != nil {
			logger.Info().Msg("job canceled mid-flight")
			return
		}
		logger.Error().Err(err).Msg("relay failed")
		reason := fmt.Sprintf("Delivery to %s failed: %v", s.dest.Name(), err)
		if _, uerr := s.store.Update(s.ctx, id, func(j *Job) error { return j.fail(reason) }); uerr != nil && !errors.Is(uerr, ErrFinished) {
			logger.Error().Err(uerr).Msg("failed to record relay failure")
		}
		return
	}
	logger.Info().Str("destination", s.dest.Name()).Msg("job completed")
}

func (s *Server) relayJob(ctx context.Context, t task, logger zerolog.Logger) error {
	id := t.job.SessionID
	f, err := os.Open(t.staged)
	if err != nil {
		return fmt.Errorf("open staged upload: %w", err)
	}
	defer f.Close()

	_, err = s.store.Update(ctx, id, func(j *Job) error {
		return j.advance(jobstatus.StatusUploading, 0)
	})
	if err != nil {
		return err
	}

	body := &relayReader{
		ctx:   ctx,
		r:     f,
		total: t.job.TotalBytes,
		report: func(sent int64, percent int) error {
			_, err := s.store.Update(ctx, id, func(j *Job) error {
				if err := j.advance(jobstatus.StatusUploading, percent); err != nil {
					return err
				}
				j.BytesUploaded = max(j.BytesUploaded, sent)
				return nil
			})
			return err
		},
	}
	err = s.dest.Store(ctx, connectors.Object{
		SessionID:   id,
		FileName:    t.job.FileName,
		ContentType: t.job.ContentType,
		Size:        t.job.TotalBytes,
		Body:        body,
	})
	if err != nil {
		return err
	}

	_, err = s.store.Update(ctx, id, func(j *Job) error {
		if err := j.advance(jobstatus.StatusProcessing, processingPercent); err != nil {
			return err
		}
		j.BytesUploaded = j.TotalBytes
		return nil
	})
	if err != nil {
		return err
	}
	if s.processingDelay > 0 {
		logger.Debug().Dur("delay", s.processingDelay).Msg("processing")
		select {
		case <-time.After(s.processingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err = s.store.Update(ctx, id, func(j *Job) error {
		return j.advance(jobstatus.StatusCompleted, 100)
	})
	return err
}

// relayReader reports relay progress as a destination reads the staged file.
// Destinations may seek back to retry; the job percent stays where it was.
type relayReader struct {
	ctx     context.Context
	r       io.ReadSeeker
	total   int64
	offset  int64
	percent int
	report  func(sent int64, percent int) error
}

func (rr *relayReader) Read(p []byte) (int, error) {
	if err := rr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := rr.r.Read(p)
	rr.offset += int64(n)
	if n > 0 && rr.total > 0 {
		pct := int(rr.offset * uploadSpan / rr.total)
		if pct > rr.percent {
			rr.percent = pct
			if rerr := rr.report(rr.offset, pct); rerr != nil {
				return n, rerr
			}
		}
	}
	return n, err
}

func (rr *relayReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := rr.r.Seek(offset, whence)
	if err == nil {
		rr.offset = pos
	}
	return pos, err
}
