// Package progress folds the two independent progress signals of an upload
// into the single percentage shown to the user.
package progress

import (
	"math"

	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

// Labels shown next to the percentage.
const (
	LabelUploading  = "uploading"
	LabelPreparing  = "preparing"
	LabelRelaying   = "relaying"
	LabelFinalizing = "finalizing"
	LabelCompleted  = "completed"
	LabelFailed     = "upload failed"
	LabelCanceled   = "canceled"
)

// Phase is the leg of the upload a view describes.
type Phase int

const (
	// PhaseTransfer is the client to application server leg.
	PhaseTransfer Phase = iota
	// PhaseRelay is the application server to hosted destination leg.
	PhaseRelay
)

func (p Phase) String() string {
	if p == PhaseRelay {
		return "relay"
	}
	return "transfer"
}

// Transfer is the byte-level progress of phase 1.
type Transfer struct {
	BytesSent  int64
	BytesTotal int64
	Percent    int
}

// NewTransfer computes the rounded percent for sent of total bytes.
func NewTransfer(sent, total int64) Transfer {
	return Transfer{BytesSent: sent, BytesTotal: total, Percent: Percent(sent, total)}
}

// Complete reports whether every byte of phase 1 has been sent.
func (t Transfer) Complete() bool {
	return t.Percent >= 100
}

// Percent returns round(done/total*100) clamped to 0..100. A zero total
// yields 0, and 100 is only reported once every byte is done.
func Percent(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p > 99 {
		return 99
	}
	return p
}

// View is what the user should see for one combination of signals.
type View struct {
	Percent int
	Label   string
	Phase   Phase
}

// Reconcile maps the latest transfer progress and job record to a view.
// It is pure; monotonicity across calls is enforced by Display.
func Reconcile(transfer *Transfer, job *jobstatus.Record, relay bool) View {
	if transfer == nil || !transfer.Complete() {
		v := View{Label: LabelUploading, Phase: PhaseTransfer}
		if transfer != nil {
			v.Percent = transfer.Percent
		}
		return v
	}
	if !relay {
		return View{Percent: 100, Label: LabelCompleted, Phase: PhaseTransfer}
	}
	if job == nil {
		return View{Percent: 0, Label: LabelPreparing, Phase: PhaseRelay}
	}
	return View{Percent: job.Percent, Label: StatusLabel(job.Status), Phase: PhaseRelay}
}

// StatusLabel returns the label for a job status.
func StatusLabel(s jobstatus.Status) string {
	switch s {
	case jobstatus.StatusUploading:
		return LabelRelaying
	case jobstatus.StatusProcessing:
		return LabelFinalizing
	case jobstatus.StatusCompleted:
		return LabelCompleted
	case jobstatus.StatusFailed:
		return LabelFailed
	case jobstatus.StatusCanceled:
		return LabelCanceled
	default:
		return LabelPreparing
	}
}
