package tracker

import (
	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/failure"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
	"github.com/eduflow/platform/mediaupload/internal/progress"
	"github.com/eduflow/platform/mediaupload/internal/transfer"
)

// State is the lifecycle position of an attempt.
type State string

const (
	StateIdle         State = "idle"
	StateTransferring State = "transferring"
	StateRelaying     State = "relaying"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCanceled     State = "canceled"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// attempt is the state of one Start call. All fields are guarded by the
// owning Tracker's mu.
type attempt struct {
	token string
	file  transfer.File
	relay bool
	state State

	transfer     *progress.Transfer
	transferDone bool
	job          *jobstatus.Record
	display      progress.Display
	poller       *jobstatus.Poller

	cb Callbacks
	// silenced is set by Cancel, Dispose and a replacing Start, also after
	// the attempt went terminal, and blocks every later callback.
	silenced bool
	logger   zerolog.Logger
}

func (a *attempt) completeTransferLocked() {
	full := progress.NewTransfer(a.file.Size, a.file.Size)
	a.transfer = &full
}

// showLocked reconciles the latest signals and reports the resulting update
// and whether it differs from what was last shown.
func (a *attempt) showLocked() (Update, bool) {
	view := progress.Reconcile(a.transfer, a.job, a.relay)
	frame, changed := a.display.Show(view)
	if frame.Phase == progress.PhaseRelay && a.state == StateTransferring {
		a.state = StateRelaying
		a.logger.Info().Msg("relay phase started")
	}
	return Update{
		Token:        a.token,
		Percent:      frame.Percent,
		Label:        frame.Label,
		Phase:        frame.Phase,
		PhaseChanged: frame.PhaseChanged && changed,
		State:        a.state,
	}, changed
}

func (a *attempt) stopPollingLocked() {
	if a.poller != nil {
		a.poller.Stop()
	}
}

// abandonLocked ends the attempt without reporting an outcome.
func (a *attempt) abandonLocked() {
	a.state = StateCanceled
	a.stopPollingLocked()
}

// finishLocked ends the attempt and builds its outcome. err must be nil
// exactly when state is StateCompleted.
func (a *attempt) finishLocked(state State, err error) Outcome {
	a.state = state
	a.stopPollingLocked()
	out := Outcome{Token: a.token, Success: err == nil, State: state, Err: err}
	if err != nil {
		out.Message = failure.UserMessage(err)
		a.logger.Warn().Err(err).Str("code", string(failure.CodeOf(err))).Str("state", string(state)).Msg("upload attempt finished")
	} else {
		a.logger.Info().Msg("upload attempt completed")
	}
	return out
}
