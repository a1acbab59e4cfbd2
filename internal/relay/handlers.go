package relay

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eduflow/platform/mediaupload/internal/connectors"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
	"github.com/eduflow/platform/mediaupload/internal/screen"
	"github.com/eduflow/platform/mediaupload/internal/settings"
	"github.com/eduflow/platform/mediaupload/internal/transfer"
)

// formOverhead bounds the multipart framing and the token field.
const formOverhead = 1 << 20

var errTooLarge = errors.New("upload exceeds the size limit")

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settings.VideoUpload{Relay: s.relay, Destination: s.dest.Name()})
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxBytes+formOverhead {
		s.tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+formOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Expected a multipart upload."})
		return
	}

	var (
		sessionID string
		fileName  string
		staged    string
		size      int64
	)
	cleanup := func() {
		if staged != "" {
			os.RemoveAll(filepath.Dir(staged))
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			if isTooLarge(err) {
				s.tooLarge(w)
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "The upload was interrupted."})
			return
		}
		switch part.FormName() {
		case transfer.FieldSessionID:
			raw, _ := io.ReadAll(io.LimitReader(part, 256))
			sessionID = strings.TrimSpace(string(raw))
		case transfer.FieldVideo:
			if staged != "" {
				break
			}
			fileName = part.FileName()
			staged, size, err = s.stage(part)
			if err != nil {
				part.Close()
				cleanup()
				if isTooLarge(err) {
					s.tooLarge(w)
					return
				}
				s.logger.Error().Err(err).Msg("failed to stage upload")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "The upload could not be saved."})
				return
			}
		}
		part.Close()
	}
	if staged == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "No video was attached."})
		return
	}

	if msg, ok := s.screenUpload(r, sessionID, fileName, staged, size); !ok {
		cleanup()
		if msg == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "The upload could not be checked."})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": msg})
		return
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(staged); err == nil {
		contentType = mt.String()
	}
	now := time.Now().UTC()
	job := Job{
		SessionID:   sessionID,
		FileName:    fileName,
		ContentType: contentType,
		Status:      jobstatus.StatusQueued,
		TotalBytes:  size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if !s.relay {
		defer cleanup()
		if job.SessionID == "" {
			job.SessionID = uuid.NewString()
		}
		if err := s.storeDirect(r, job, staged); err != nil {
			s.logger.Error().Err(err).Str("session_id", job.SessionID).Msg("failed to store upload")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "The video could not be stored."})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message":    "Video uploaded.",
			"status":     jobstatus.StatusCompleted,
			"size_bytes": size,
		})
		return
	}

	if sessionID == "" {
		cleanup()
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "uploadSessionId is required."})
		return
	}
	if !s.reserve(r, sessionID) {
		cleanup()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "This upload session was already used."})
		return
	}
	s.enqueue(task{job: job, staged: staged})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"uploadSessionId": sessionID,
		"status":          jobstatus.StatusQueued,
		"size_bytes":      size,
	})
}

// stage copies the video part to a private directory under the staging root.
func (s *Server) stage(part *multipart.Part) (string, int64, error) {
	dir := filepath.Join(s.stagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	name := filepath.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "video"
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return path, 0, err
	}
	n, err := io.Copy(f, io.LimitReader(part, s.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return path, n, err
	}
	if n > s.maxBytes {
		return path, n, errTooLarge
	}
	return path, n, nil
}

// screenUpload runs the policy rules. It returns ok=false with the message
// for the client on a violation, or with an empty message on a scan error.
func (s *Server) screenUpload(r *http.Request, sessionID, fileName, staged string, size int64) (string, bool) {
	if s.scanner == nil {
		return "", true
	}
	err := s.scanner.ScanMeta(r.Context(), screen.Meta{FileName: fileName, Size: size})
	if err == nil {
		var f *os.File
		if f, err = os.Open(staged); err == nil {
			err = s.scanner.ScanContent(r.Context(), sessionID, f)
			f.Close()
		}
	}
	if err == nil {
		return "", true
	}
	var v *screen.Violation
	if !errors.As(err, &v) {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to screen upload")
		return "", false
	}
	if !s.scanner.Enforced() {
		s.logger.Warn().Str("session_id", sessionID).Str("rule", v.Rule).Str("detail", v.Detail).Msg("screen violation (monitor mode)")
		return "", true
	}
	s.logger.Info().Str("session_id", sessionID).Str("rule", v.Rule).Msg("upload rejected by screen")
	return "This video cannot be accepted: " + v.Detail + ".", false
}

func (s *Server) storeDirect(r *http.Request, job Job, staged string) error {
	f, err := os.Open(staged)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.dest.Store(r.Context(), connectors.Object{
		SessionID:   job.SessionID,
		FileName:    job.FileName,
		ContentType: job.ContentType,
		Size:        job.TotalBytes,
		Body:        f,
	})
}

// reserve claims sessionID for one relay job.
func (s *Server) reserve(r *http.Request, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[sessionID]; ok {
		return false
	}
	if _, err := s.store.Get(r.Context(), sessionID); !errors.Is(err, ErrNotFound) {
		return false
	}
	s.pending[sessionID] = struct{}{}
	return true
}

func (s *Server) isPending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[sessionID]
	return ok
}

func (s *Server) tooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
		"message": fmt.Sprintf("This video is too large. The limit is %s.", humanize.IBytes(uint64(s.maxBytes))),
	})
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.Is(err, errTooLarge) || errors.As(err, &mbe)
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrNotFound.Error()})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to load job")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, job.Record().Payload())
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.cancelJob(r, id)
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrNotFound.Error()})
		return
	case errors.Is(err, ErrFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already finished"})
		return
	case err != nil:
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to cancel job")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}

	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	s.mu.Unlock()
	s.logger.Info().Str("session_id", id).Msg("job canceled")
	writeJSON(w, http.StatusOK, job.Record().Payload())
}

// cancelJob marks the job canceled. A job still waiting for a worker gets a
// canceled record so the worker skips it.
func (s *Server) cancelJob(r *http.Request, id string) (Job, error) {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.store.Update(r.Context(), id, func(j *Job) error {
			return j.advance(jobstatus.StatusCanceled, 0)
		})
		if !errors.Is(err, ErrNotFound) || !s.isPending(id) {
			return job, err
		}
		now := time.Now().UTC()
		job = Job{SessionID: id, Status: jobstatus.StatusCanceled, CreatedAt: now, UpdatedAt: now}
		err = s.store.Create(r.Context(), job)
		if errors.Is(err, ErrExists) {
			continue
		}
		return job, err
	}
	return Job{}, ErrNotFound
}
