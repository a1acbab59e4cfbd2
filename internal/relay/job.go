package relay

import (
	"context"
	"errors"
	"time"

	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

var (
	// ErrNotFound is returned when no job exists for a session.
	ErrNotFound = errors.New("upload job not found")
	// ErrExists is returned when a job already exists for a session.
	ErrExists = errors.New("upload job already exists")
	// ErrFinished is returned by an update function to leave a terminal job untouched.
	ErrFinished = errors.New("upload job already finished")
)

// Job is the server-side record of one relayed intro video, keyed by the
// upload session token the client sent with the file.
type Job struct {
	SessionID     string           `db:"session_id"`
	FileName      string           `db:"file_name"`
	ContentType   string           `db:"content_type"`
	Status        jobstatus.Status `db:"status"`
	Percent       int              `db:"percent"`
	BytesUploaded int64            `db:"bytes_uploaded"`
	TotalBytes    int64            `db:"total_bytes"`
	Error         string           `db:"error"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

// Record converts j to the observation served to clients.
func (j Job) Record() jobstatus.Record {
	if j.Status == jobstatus.StatusFailed {
		return jobstatus.FailedRecord(j.Percent, j.Error)
	}
	var b *jobstatus.Bytes
	if j.TotalBytes > 0 {
		b = &jobstatus.Bytes{Uploaded: j.BytesUploaded, Total: j.TotalBytes}
	}
	return jobstatus.NewRecord(j.Status, j.Percent, b)
}

// advance moves j to status. Percent never goes backwards and a terminal job
// never changes again.
func (j *Job) advance(status jobstatus.Status, percent int) error {
	if j.Status.Terminal() {
		return ErrFinished
	}
	j.Status = status
	if percent > j.Percent {
		j.Percent = min(percent, 100)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *Job) fail(message string) error {
	if err := j.advance(jobstatus.StatusFailed, 0); err != nil {
		return err
	}
	j.Error = message
	return nil
}

// Store persists jobs. Update runs fn against the current job and writes the
// result unless fn returns an error, which Update returns unchanged.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, sessionID string) (Job, error)
	Update(ctx context.Context, sessionID string, fn func(*Job) error) (Job, error)
	Close() error
}
