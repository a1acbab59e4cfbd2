// Package transfer performs phase 1 of an upload: a single streamed multipart
// POST from the client to the application server.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/failure"
	"github.com/eduflow/platform/mediaupload/internal/progress"
)

// Multipart field names expected by the upload endpoint.
const (
	FieldVideo     = "video"
	FieldSessionID = "uploadSessionId"
)

// verbatimStatus lists responses whose server message is safe to show as is.
var verbatimStatus = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusForbidden:             true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnsupportedMediaType:  true,
	http.StatusUnprocessableEntity:   true,
}

// Result is the server's acknowledgement of phase 1. It says nothing about
// the relay leg.
type Result struct {
	StatusCode int
	Message    string
}

// RejectedError is the cause attached to an UPLOAD_REJECTED failure.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upload rejected with status %d", e.StatusCode)
}

// Driver sends files to the upload endpoint.
type Driver struct {
	http     *http.Client
	endpoint string
	logger   zerolog.Logger
}

// NewDriver returns a Driver posting to baseURL+path.
func NewDriver(httpClient *http.Client, baseURL, path string, logger zerolog.Logger) *Driver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Driver{
		http:     httpClient,
		endpoint: strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		logger:   logger.With().Str("component", "transfer").Logger(),
	}
}

// Transfer streams f to the server. The session token is sent only when
// non-empty. onProgress may be nil; when set it is called from the body
// writer goroutine with a percentage that never decreases.
func (d *Driver) Transfer(ctx context.Context, f File, token string, onProgress func(progress.Transfer)) (*Result, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, failure.Wrap(failure.CodeInvalidInput, "The selected video could not be read.", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer rc.Close()
		m := &meter{r: rc, total: f.Size, fn: onProgress}
		pw.CloseWithError(writeBody(mw, f.Name, token, m))
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, failure.Wrap(failure.CodeTransferFailed, failure.MsgTransferFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	d.logger.Info().Str("file", f.Name).Int64("size", f.Size).Bool("relay", token != "").Msg("upload started")
	resp, err := d.http.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		d.logger.Error().Err(err).Str("file", f.Name).Msg("upload request failed")
		return nil, failure.Wrap(failure.CodeTransferFailed, failure.MsgTransferFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		d.logger.Debug().Err(err).Str("file", f.Name).Int("status", resp.StatusCode).Msg("response body read failed")
	}
	msg := serverMessage(resp.Header.Get("Content-Type"), body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.logger.Info().Str("file", f.Name).Int("status", resp.StatusCode).Msg("upload accepted")
		return &Result{StatusCode: resp.StatusCode, Message: msg}, nil
	}

	d.logger.Warn().Str("file", f.Name).Int("status", resp.StatusCode).Str("message", msg).Msg("upload rejected")
	userMsg := failure.MsgRejected
	if verbatimStatus[resp.StatusCode] && msg != "" {
		userMsg = msg
	}
	return nil, failure.Wrap(failure.CodeRejected, userMsg,
		&RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
}

func writeBody(mw *multipart.Writer, name, token string, r io.Reader) error {
	if token != "" {
		if err := mw.WriteField(FieldSessionID, token); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(FieldVideo, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// serverMessage extracts a human-readable message from an error or
// acknowledgement body.
func serverMessage(contentType string, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	if strings.HasPrefix(contentType, "text/plain") {
		return strings.TrimSpace(string(body))
	}
	return ""
}

// meter reports read progress of the file part.
type meter struct {
	r     io.Reader
	total int64
	fn    func(progress.Transfer)
	sent  int64
	last  int
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 && m.fn != nil {
		m.sent += int64(n)
		t := progress.NewTransfer(m.sent, m.total)
		if t.Percent < m.last {
			t.Percent = m.last
		}
		m.last = t.Percent
		m.fn(t)
	}
	return n, err
}
