package jobstatus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/schedule"
)

const (
	// DefaultFloor is the poll interval when nothing is slowing us down.
	DefaultFloor = 2 * time.Second
	// DefaultCeiling caps the interval under sustained rate limiting.
	DefaultCeiling = 30 * time.Second
)

// Options bound the delay between polls.
type Options struct {
	Floor   time.Duration
	Ceiling time.Duration
}

func (o Options) withDefaults() Options {
	if o.Floor <= 0 {
		o.Floor = DefaultFloor
	}
	if o.Ceiling < o.Floor {
		o.Ceiling = DefaultCeiling
		if o.Ceiling < o.Floor {
			o.Ceiling = o.Floor
		}
	}
	return o
}

// Handlers receive the poller's observations. OnRecord is called for every
// successful fetch, terminal ones included; OnError is called at most once.
type Handlers struct {
	OnRecord func(Record)
	OnError  func(error)
}

// Poller repeatedly fetches the job record for one token. At most one request
// is outstanding and at most one wake-up is pending at any time.
type Poller struct {
	ctx      context.Context
	token    string
	fetch    Fetcher
	sched    schedule.Scheduler
	floor    time.Duration
	backoff  *backoff.ExponentialBackOff
	handlers Handlers
	logger   zerolog.Logger

	mu       sync.Mutex
	delay    time.Duration
	limited  bool
	inFlight bool
	stopped  bool
	pending  schedule.Handle
}

// NewPoller returns an idle poller; call Start to arm it.
func NewPoller(ctx context.Context, token string, fetch Fetcher, sched schedule.Scheduler, opts Options, h Handlers, logger zerolog.Logger) *Poller {
	opts = opts.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.Floor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.Ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &Poller{
		ctx:      ctx,
		token:    token,
		fetch:    fetch,
		sched:    sched,
		floor:    opts.Floor,
		backoff:  b,
		handlers: h,
		logger:   logger.With().Str("component", "poller").Str("session", token).Logger(),
		delay:    opts.Floor,
	}
}

// Start schedules the first poll one floor interval from now.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.scheduleLocked(p.floor)
}

// Nudge replaces the pending wake-up with an immediate one. If a request is
// still outstanding the resulting tick is skipped. While the server is rate
// limiting us the pending backed-off wake-up is kept.
func (p *Poller) Nudge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.limited {
		return
	}
	p.scheduleLocked(0)
}

// Stop cancels the pending wake-up and discards any in-flight result.
// It is safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// Delay returns the interval that will be used for the next reschedule.
func (p *Poller) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

// Stopped reports whether polling has ended.
func (p *Poller) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Poller) scheduleLocked(d time.Duration) {
	if p.pending != nil {
		p.pending.Stop()
	}
	p.pending = p.sched.AfterFunc(d, p.tick)
}

func (p *Poller) tick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Debug().Msg("poll still in flight, skipping tick")
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	res, err := p.fetch.Poll(p.ctx, p.token)
	if err == nil && res.Class == ClassFatal {
		err = errors.New("job status: fatal response")
	}

	p.mu.Lock()
	if p.stopped {
		p.inFlight = false
		p.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		p.stopped = true
	case res.Class == ClassRateLimited:
		p.limited = true
		p.delay = p.backoff.NextBackOff()
	case res.Class == ClassOK:
		p.limited = false
		p.backoff.Reset()
		p.delay = p.floor
		if res.Record.Terminal() {
			p.stopped = true
		}
	}
	delay := p.delay
	p.mu.Unlock()

	switch {
	case err != nil:
		p.logger.Error().Err(err).Msg("job status polling stopped")
		if p.handlers.OnError != nil {
			p.handlers.OnError(err)
		}
	case res.Class == ClassRateLimited:
		p.logger.Warn().Dur("next", delay).Msg("job status rate limited")
	case res.Class == ClassNotYetCreated:
		p.logger.Debug().Msg("job record not created yet")
	case res.Class == ClassOK:
		p.logger.Debug().Str("status", string(res.Record.Status)).Int("percent", res.Record.Percent).Msg("job status")
		if p.handlers.OnRecord != nil {
			p.handlers.OnRecord(res.Record)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if !p.stopped {
		p.scheduleLocked(p.delay)
	}
}
