// Package tracker owns the lifecycle of an intro-video upload attempt: it
// runs the transfer, arms the job-status poller when the destination needs a
// relay, and reports one coherent progress stream and a single outcome.
package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/failure"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
	"github.com/eduflow/platform/mediaupload/internal/progress"
	"github.com/eduflow/platform/mediaupload/internal/schedule"
	"github.com/eduflow/platform/mediaupload/internal/session"
	"github.com/eduflow/platform/mediaupload/internal/transfer"
)

// ErrDisposed is returned by Start once the tracker has been disposed.
var ErrDisposed = errors.New("tracker: disposed")

// Transferer performs phase 1 of an upload.
type Transferer interface {
	Transfer(ctx context.Context, f transfer.File, token string, onProgress func(progress.Transfer)) (*transfer.Result, error)
}

// Options configure a Tracker.
type Options struct {
	// Relay reports whether the destination needs a server-side relay, which
	// is what arms the job-status poller.
	Relay     bool
	Poll      jobstatus.Options
	MaxBytes  int64
	Scheduler schedule.Scheduler
	Logger    zerolog.Logger
	NewToken  func() string
}

// Update is one change of the displayed progress.
type Update struct {
	Token        string
	Percent      int
	Label        string
	Phase        progress.Phase
	PhaseChanged bool
	State        State
}

// Outcome is the single terminal report of an attempt. Err carries a
// *failure.Error when Success is false.
type Outcome struct {
	Token   string
	Success bool
	State   State
	Message string
	Err     error
}

// Callbacks receive the attempt's events. Either may be nil. They are never
// invoked concurrently with each other and may call back into the Tracker.
type Callbacks struct {
	OnProgress func(Update)
	OnFinish   func(Outcome)
}

// Tracker runs at most one upload attempt at a time.
type Tracker struct {
	opts       Options
	transferer Transferer
	fetcher    jobstatus.Fetcher
	logger     zerolog.Logger

	// emitMu serialises callback delivery; mu guards attempt state. Delivery
	// takes emitMu then mu, and never holds mu while running a callback.
	emitMu   sync.Mutex
	mu       sync.Mutex
	current  *attempt
	disposed bool
	wg       sync.WaitGroup
}

// New returns a Tracker. fetcher may be nil when opts.Relay is false.
func New(opts Options, transferer Transferer, fetcher jobstatus.Fetcher) *Tracker {
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Clock{}
	}
	if opts.NewToken == nil {
		opts.NewToken = session.Generate
	}
	return &Tracker{
		opts:       opts,
		transferer: transferer,
		fetcher:    fetcher,
		logger:     opts.Logger.With().Str("component", "tracker").Logger(),
	}
}

// Start validates f and begins a new attempt, abandoning any previous one.
// It returns the attempt's session token. Validation failures are returned
// directly and create no attempt. Start never invokes callbacks itself.
func (t *Tracker) Start(ctx context.Context, f transfer.File, cb Callbacks) (string, error) {
	if t.opts.Relay && t.fetcher == nil {
		return "", errors.New("tracker: relay requires a job status fetcher")
	}
	if err := transfer.Validate(f, t.opts.MaxBytes); err != nil {
		t.logger.Warn().Err(err).Str("file", f.Name).Msg("upload rejected before transfer")
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return "", ErrDisposed
	}
	if prev := t.current; prev != nil {
		prev.silenced = true
		if !prev.state.Terminal() {
			prev.abandonLocked()
			prev.logger.Info().Msg("upload replaced by a new attempt")
		}
	}

	a := &attempt{
		token: t.opts.NewToken(),
		file:  f,
		relay: t.opts.Relay,
		state: StateTransferring,
		cb:    cb,
	}
	a.logger = t.logger.With().Str("session", a.token).Logger()
	if a.relay {
		a.poller = jobstatus.NewPoller(ctx, a.token, t.fetcher, t.opts.Scheduler, t.opts.Poll, jobstatus.Handlers{
			OnRecord: func(rec jobstatus.Record) { t.onRecord(a, rec) },
			OnError:  func(err error) { t.onPollError(a, err) },
		}, t.logger)
		a.poller.Start()
	}
	t.current = a
	a.logger.Info().Str("file", f.Name).Int64("size", f.Size).Bool("relay", a.relay).Msg("upload attempt started")

	t.wg.Add(1)
	go t.run(ctx, a)
	return a.token, nil
}

// Cancel abandons the current attempt. No callback starts after it returns,
// even one for an outcome decided just before. In-flight requests are not
// aborted; their results are dropped.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.current
	if a == nil {
		return
	}
	a.silenced = true
	if !a.state.Terminal() {
		a.abandonLocked()
		a.logger.Info().Msg("upload canceled")
	}
}

// Dispose cancels the current attempt and makes the tracker unusable. It is
// safe to call more than once.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	if a := t.current; a != nil {
		a.silenced = true
		if !a.state.Terminal() {
			a.abandonLocked()
		}
	}
	t.current = nil
	t.logger.Debug().Msg("tracker disposed")
}

// State returns the state of the current attempt, or StateIdle.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return StateIdle
	}
	return t.current.state
}

// Wait blocks until every transfer started by the tracker has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context, a *attempt) {
	defer t.wg.Done()
	token := ""
	if a.relay {
		token = a.token
	}
	res, err := t.transferer.Transfer(ctx, a.file, token, func(p progress.Transfer) {
		t.onTransferProgress(a, p)
	})
	t.onTransferDone(a, res, err)
}

// liveLocked reports whether events for a may still be delivered.
func (t *Tracker) liveLocked(a *attempt) bool {
	return t.current == a && !a.silenced && !a.state.Terminal()
}

func (t *Tracker) onTransferProgress(a *attempt, p progress.Transfer) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.liveLocked(a) || a.transferDone {
		t.mu.Unlock()
		return
	}
	a.transfer = &p
	if p.Complete() {
		// every byte is out but the server has not answered yet
		t.mu.Unlock()
		return
	}
	up, changed := a.showLocked()
	cb := a.cb
	t.mu.Unlock()

	if changed {
		t.deliverProgress(a, cb, up)
	}
}

func (t *Tracker) onTransferDone(a *attempt, res *transfer.Result, err error) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.liveLocked(a) {
		t.mu.Unlock()
		return
	}
	a.transferDone = true
	cb := a.cb

	if err != nil {
		if failure.CodeOf(err) == failure.CodeUnknown {
			err = failure.Wrap(failure.CodeTransferFailed, failure.MsgTransferFailed, err)
		}
		out := a.finishLocked(StateFailed, err)
		t.mu.Unlock()
		t.deliverFinish(a, cb, out)
		return
	}

	a.logger.Info().Int("status", res.StatusCode).Msg("transfer acknowledged")
	a.completeTransferLocked()
	up, changed := a.showLocked()

	if !a.relay {
		out := a.finishLocked(StateCompleted, nil)
		t.mu.Unlock()
		if changed {
			t.deliverProgress(a, cb, up)
		}
		t.deliverFinish(a, cb, out)
		return
	}

	poller := a.poller
	t.mu.Unlock()
	if changed {
		t.deliverProgress(a, cb, up)
	}
	poller.Nudge()
}

func (t *Tracker) onRecord(a *attempt, rec jobstatus.Record) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.liveLocked(a) {
		t.mu.Unlock()
		return
	}
	a.job = &rec
	if rec.Status == jobstatus.StatusCompleted && !a.transferDone {
		// the relay cannot finish before phase 1 did
		a.transferDone = true
		a.completeTransferLocked()
	}
	var (
		up      Update
		changed bool
	)
	if a.transferDone {
		up, changed = a.showLocked()
	}

	var out *Outcome
	switch rec.Status {
	case jobstatus.StatusCompleted:
		o := a.finishLocked(StateCompleted, nil)
		out = &o
	case jobstatus.StatusFailed:
		msg := rec.FailureMessage()
		if msg == "" {
			msg = failure.MsgJobFailed
		}
		o := a.finishLocked(StateFailed, failure.New(failure.CodeJobFailed, msg))
		out = &o
	case jobstatus.StatusCanceled:
		o := a.finishLocked(StateCanceled, failure.New(failure.CodeJobCanceled, failure.MsgJobCanceled))
		out = &o
	}
	cb := a.cb
	t.mu.Unlock()

	if changed {
		t.deliverProgress(a, cb, up)
	}
	if out != nil {
		t.deliverFinish(a, cb, *out)
	}
}

func (t *Tracker) onPollError(a *attempt, err error) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.liveLocked(a) {
		t.mu.Unlock()
		return
	}
	out := a.finishLocked(StateFailed, failure.Wrap(failure.CodePollFailed, failure.MsgPollFailed, err))
	cb := a.cb
	t.mu.Unlock()

	t.deliverFinish(a, cb, out)
}

// silenced re-reads the cancel flag right before a callback starts, since
// mu is released between deciding an event and delivering it.
func (t *Tracker) silenced(a *attempt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return a.silenced
}

func (t *Tracker) deliverProgress(a *attempt, cb Callbacks, up Update) {
	if cb.OnProgress != nil && !t.silenced(a) {
		cb.OnProgress(up)
	}
}

func (t *Tracker) deliverFinish(a *attempt, cb Callbacks, out Outcome) {
	if cb.OnFinish != nil && !t.silenced(a) {
		cb.OnFinish(out)
	}
}
