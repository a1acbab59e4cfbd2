// Package jobstatus observes the server-owned job record that describes the
// relay of an uploaded video to its hosted destination.
package jobstatus

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a relay job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusUploading, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further change can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Bytes holds relay byte counts once the server has real numbers.
type Bytes struct {
	Uploaded int64
	Total    int64
}

// Record is one observation of a job. The failure message is only reachable
// when Status is failed.
type Record struct {
	Status  Status
	Percent int
	Bytes   *Bytes
	failure string
}

// NewRecord builds a record, clamping percent to 0..100.
func NewRecord(status Status, percent int, bytes *Bytes) Record {
	return Record{Status: status, Percent: clampPercent(percent), Bytes: bytes}
}

// FailedRecord builds a failed record carrying the server's message.
func FailedRecord(percent int, message string) Record {
	r := NewRecord(StatusFailed, percent, nil)
	r.failure = message
	return r
}

// FailureMessage returns the server-provided reason for a failed job, or "".
func (r Record) FailureMessage() string {
	if r.Status != StatusFailed {
		return ""
	}
	return r.failure
}

// Terminal reports whether r ends polling.
func (r Record) Terminal() bool {
	return r.Status.Terminal()
}

// Payload is the wire shape of the job status response.
type Payload struct {
	Status        Status `json:"status"`
	Percent       int    `json:"percent"`
	BytesUploaded *int64 `json:"bytesUploaded,omitempty"`
	TotalBytes    *int64 `json:"totalBytes,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Payload converts r to its wire shape.
func (r Record) Payload() Payload {
	p := Payload{Status: r.Status, Percent: r.Percent, Error: r.FailureMessage()}
	if r.Bytes != nil {
		up, total := r.Bytes.Uploaded, r.Bytes.Total
		p.BytesUploaded = &up
		p.TotalBytes = &total
	}
	return p
}

// Record validates p and converts it. Unknown statuses are rejected; an error
// attached to a non-failed status is dropped.
func (p Payload) Record() (Record, error) {
	if !p.Status.Valid() {
		return Record{}, fmt.Errorf("unknown job status %q", p.Status)
	}
	if p.Status == StatusFailed {
		return FailedRecord(p.Percent, p.Error), nil
	}
	var b *Bytes
	if p.BytesUploaded != nil && p.TotalBytes != nil {
		b = &Bytes{Uploaded: *p.BytesUploaded, Total: *p.TotalBytes}
	}
	return NewRecord(p.Status, p.Percent, b), nil
}

// Decode parses a job status response body.
func Decode(body []byte) (Record, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Record{}, fmt.Errorf("decode job status: %w", err)
	}
	return p.Record()
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
