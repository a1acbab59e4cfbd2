package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduflow/platform/mediaupload/internal/failure"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
	"github.com/eduflow/platform/mediaupload/internal/progress"
	"github.com/eduflow/platform/mediaupload/internal/schedule"
	"github.com/eduflow/platform/mediaupload/internal/tracker"
	"github.com/eduflow/platform/mediaupload/internal/transfer"
)

const (
	floor    = time.Second
	fileSize = 1000
)

func video() transfer.File {
	buf := make([]byte, fileSize)
	copy(buf, "\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2avc1mp41")
	return transfer.FromBytes("intro.mp4", buf)
}

// fakeTransfer reports each step as bytes sent, optionally parks until
// release is closed, then returns its canned result.
type fakeTransfer struct {
	steps   []int64
	release chan struct{}
	result  *transfer.Result
	err     error

	mu     sync.Mutex
	tokens []string
}

func (f *fakeTransfer) Transfer(ctx context.Context, file transfer.File, token string, onProgress func(progress.Transfer)) (*transfer.Result, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	for _, s := range f.steps {
		onProgress(progress.NewTransfer(s, file.Size))
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &transfer.Result{StatusCode: 202}, nil
}

func (f *fakeTransfer) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type reply struct {
	res jobstatus.Result
	err error
}

type scriptedFetcher struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (f *scriptedFetcher) Poll(ctx context.Context, token string) (jobstatus.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return jobstatus.Result{Class: jobstatus.ClassNotYetCreated}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.res, r.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func notYet() reply      { return reply{res: jobstatus.Result{Class: jobstatus.ClassNotYetCreated}} }
func rateLimited() reply { return reply{res: jobstatus.Result{Class: jobstatus.ClassRateLimited}} }
func record(rec jobstatus.Record) reply {
	return reply{res: jobstatus.Result{Class: jobstatus.ClassOK, Record: rec}}
}

type events struct {
	mu       sync.Mutex
	updates  []tracker.Update
	outcomes []tracker.Outcome
}

func (e *events) callbacks() tracker.Callbacks {
	return tracker.Callbacks{
		OnProgress: func(u tracker.Update) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.updates = append(e.updates, u)
		},
		OnFinish: func(o tracker.Outcome) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.outcomes = append(e.outcomes, o)
		},
	}
}

func (e *events) Updates() []tracker.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tracker.Update(nil), e.updates...)
}

func (e *events) Outcomes() []tracker.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tracker.Outcome(nil), e.outcomes...)
}

func (e *events) Finished() bool {
	return len(e.Outcomes()) > 0
}

func (e *events) Percents() []int {
	var out []int
	for _, u := range e.Updates() {
		out = append(out, u.Percent)
	}
	return out
}

func newTracker(relay bool, tr tracker.Transferer, fetch jobstatus.Fetcher, m *schedule.Manual) *tracker.Tracker {
	n := 0
	var mu sync.Mutex
	return tracker.New(tracker.Options{
		Relay:     relay,
		Poll:      jobstatus.Options{Floor: floor, Ceiling: 30 * time.Second},
		Scheduler: m,
		Logger:    zerolog.Nop(),
		NewToken: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("tok-%d", n)
		},
	}, tr, fetch)
}

func drain(m *schedule.Manual, ev *events, limit int) {
	for i := 0; i < limit && !ev.Finished(); i++ {
		if !m.FireNext() {
			return
		}
	}
}

func TestUploadWithoutRelayCompletesOnTransfer(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250, 500, 750, 1000}, result: &transfer.Result{StatusCode: 201}}
	fetch := &scriptedFetcher{}
	m := schedule.NewManual()
	tk := newTracker(false, tr, fetch, m)
	ev := &events{}

	token, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	tk.Wait()

	assert.Equal(t, []int{25, 50, 75, 100}, ev.Percents())
	updates := ev.Updates()
	assert.Equal(t, progress.LabelCompleted, updates[len(updates)-1].Label)
	for _, u := range updates {
		assert.False(t, u.PhaseChanged)
	}
	require.Len(t, ev.Outcomes(), 1)
	out := ev.Outcomes()[0]
	assert.True(t, out.Success)
	assert.Equal(t, token, out.Token)
	assert.Equal(t, tracker.StateCompleted, tk.State())

	assert.Equal(t, []string{""}, tr.Tokens())
	assert.Zero(t, fetch.Calls())
	assert.Empty(t, m.Delays())
}

func TestUploadWithRelayFollowsJobToCompletion(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250, 500, 750}}
	fetch := &scriptedFetcher{replies: []reply{
		notYet(), notYet(), notYet(),
		record(jobstatus.NewRecord(jobstatus.StatusProcessing, 40, nil)),
		record(jobstatus.NewRecord(jobstatus.StatusCompleted, 100, nil)),
	}}
	m := schedule.NewManual()
	tk := newTracker(true, tr, fetch, m)
	ev := &events{}

	token, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	tk.Wait()
	assert.Equal(t, tracker.StateRelaying, tk.State())
	assert.Equal(t, []string{token}, tr.Tokens())

	drain(m, ev, 20)

	assert.Equal(t, 5, fetch.Calls())
	assert.Equal(t, []int{25, 50, 75, 0, 40, 100}, ev.Percents())

	drops := 0
	updates := ev.Updates()
	for i := 1; i < len(updates); i++ {
		if updates[i].Percent < updates[i-1].Percent {
			drops++
			assert.True(t, updates[i].PhaseChanged)
			assert.Equal(t, progress.PhaseRelay, updates[i].Phase)
		}
	}
	assert.Equal(t, 1, drops)

	require.Len(t, ev.Outcomes(), 1)
	assert.True(t, ev.Outcomes()[0].Success)
	assert.Equal(t, tracker.StateCompleted, tk.State())
	assert.Zero(t, m.Pending())

	// terminal status ends polling for good
	assert.False(t, m.FireNext())
	tk.Cancel()
	assert.Equal(t, tracker.StateCompleted, tk.State())
	assert.Len(t, ev.Outcomes(), 1)
}

func TestRateLimitedPollsBackOffThenReset(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{500}}
	fetch := &scriptedFetcher{replies: []reply{
		rateLimited(),
		rateLimited(),
		record(jobstatus.NewRecord(jobstatus.StatusUploading, 10, nil)),
	}}
	m := schedule.NewManual()
	tk := newTracker(true, tr, fetch, m)
	ev := &events{}

	_, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	tk.Wait()
	for i := 0; i < 3; i++ {
		require.True(t, m.FireNext())
	}

	// armed at floor, nudged at the phase boundary, then floor, 2·floor, floor
	assert.Equal(t, []time.Duration{floor, 0, floor, 2 * floor, floor}, m.Delays())
	updates := ev.Updates()
	last := updates[len(updates)-1]
	assert.Equal(t, 10, last.Percent)
	assert.Equal(t, progress.LabelRelaying, last.Label)
	assert.Empty(t, ev.Outcomes())

	tk.Cancel()
	assert.Zero(t, m.Pending())
}

func TestJobFailureSurfacesServerMessage(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{500}}
	fetch := &scriptedFetcher{replies: []reply{record(jobstatus.FailedRecord(70, "transcoding rejected"))}}
	m := schedule.NewManual()
	tk := newTracker(true, tr, fetch, m)
	ev := &events{}

	_, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	tk.Wait()
	drain(m, ev, 5)

	require.Len(t, ev.Outcomes(), 1)
	out := ev.Outcomes()[0]
	assert.False(t, out.Success)
	assert.Equal(t, tracker.StateFailed, out.State)
	assert.Equal(t, "transcoding rejected", out.Message)
	assert.Equal(t, failure.CodeJobFailed, failure.CodeOf(out.Err))
	assert.Zero(t, m.Pending())
}

func TestJobTerminalOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		reply     reply
		wantState tracker.State
		wantCode  failure.Code
		wantMsg   string
	}{
		{"failed without message", record(jobstatus.FailedRecord(10, "")), tracker.StateFailed, failure.CodeJobFailed, failure.MsgJobFailed},
		{"canceled remotely", record(jobstatus.NewRecord(jobstatus.StatusCanceled, 10, nil)), tracker.StateCanceled, failure.CodeJobCanceled, failure.MsgJobCanceled},
		{"fatal status response", reply{res: jobstatus.Result{Class: jobstatus.ClassFatal}, err: &jobstatus.StatusError{StatusCode: 500}},
			tracker.StateFailed, failure.CodePollFailed, failure.MsgPollFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := schedule.NewManual()
			tk := newTracker(true, &fakeTransfer{steps: []int64{500}}, &scriptedFetcher{replies: []reply{tt.reply}}, m)
			ev := &events{}

			_, err := tk.Start(context.Background(), video(), ev.callbacks())
			require.NoError(t, err)
			tk.Wait()
			drain(m, ev, 5)

			require.Len(t, ev.Outcomes(), 1)
			out := ev.Outcomes()[0]
			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantCode, failure.CodeOf(out.Err))
			assert.Equal(t, tt.wantMsg, out.Message)
			assert.Zero(t, m.Pending())
		})
	}
}

func TestTransferFailureEndsAttemptAndPolling(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode failure.Code
		wantMsg  string
	}{
		{"rejected with verbatim message", failure.Wrap(failure.CodeRejected, "Video must be under 10 minutes.", errors.New("422")),
			failure.CodeRejected, "Video must be under 10 minutes."},
		{"uncoded error", errors.New("connection reset"), failure.CodeTransferFailed, failure.MsgTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := schedule.NewManual()
			fetch := &scriptedFetcher{}
			tk := newTracker(true, &fakeTransfer{steps: []int64{100}, err: tt.err}, fetch, m)
			ev := &events{}

			_, err := tk.Start(context.Background(), video(), ev.callbacks())
			require.NoError(t, err)
			tk.Wait()

			require.Len(t, ev.Outcomes(), 1)
			out := ev.Outcomes()[0]
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantCode, failure.CodeOf(out.Err))
			assert.Equal(t, tt.wantMsg, out.Message)
			assert.Zero(t, m.Pending())
			assert.Zero(t, fetch.Calls())
		})
	}
}

func TestInvalidInputCreatesNoAttempt(t *testing.T) {
	tr := &fakeTransfer{}
	tk := newTracker(false, tr, nil, schedule.NewManual())
	ev := &events{}

	_, err := tk.Start(context.Background(), transfer.FromBytes("notes.txt", []byte("not a video at all")), ev.callbacks())

	require.Error(t, err)
	assert.Equal(t, failure.CodeInvalidInput, failure.CodeOf(err))
	tk.Wait()
	assert.Empty(t, tr.Tokens())
	assert.Empty(t, ev.Updates())
	assert.Equal(t, tracker.StateIdle, tk.State())
}

func TestRelayWithoutFetcherIsRejected(t *testing.T) {
	tk := newTracker(true, &fakeTransfer{}, nil, schedule.NewManual())

	_, err := tk.Start(context.Background(), video(), tracker.Callbacks{})
	assert.Error(t, err)
}

func TestCancelDuringTransfer(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250}, release: make(chan struct{})}
	m := schedule.NewManual()
	tk := newTracker(true, tr, &scriptedFetcher{}, m)
	ev := &events{}

	_, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ev.Updates()) == 1 }, time.Second, time.Millisecond)

	tk.Cancel()
	close(tr.release)
	tk.Wait()

	assert.Len(t, ev.Updates(), 1)
	assert.Empty(t, ev.Outcomes())
	assert.Equal(t, tracker.StateCanceled, tk.State())
	assert.Zero(t, m.Pending())
	assert.False(t, m.FireNext())
}

func TestCancelDuringPoll(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fetch := jobstatus.FetcherFunc(func(ctx context.Context, token string) (jobstatus.Result, error) {
		entered <- struct{}{}
		<-release
		return jobstatus.Result{Class: jobstatus.ClassOK, Record: jobstatus.NewRecord(jobstatus.StatusCompleted, 100, nil)}, nil
	})
	m := schedule.NewManual()
	tk := newTracker(true, &fakeTransfer{steps: []int64{500}}, fetch, m)
	ev := &events{}

	_, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)
	tk.Wait()
	before := len(ev.Updates())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.FireNext()
	}()
	<-entered
	tk.Cancel()
	close(release)
	<-done

	assert.Len(t, ev.Updates(), before)
	assert.Empty(t, ev.Outcomes())
	assert.Zero(t, m.Pending())
}

func TestCancelFromProgressCallback(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250, 500, 750, 1000}}
	m := schedule.NewManual()
	tk := newTracker(true, tr, &scriptedFetcher{}, m)
	ev := &events{}
	cb := ev.callbacks()
	onProgress := cb.OnProgress
	cb.OnProgress = func(u tracker.Update) {
		onProgress(u)
		tk.Cancel()
	}

	_, err := tk.Start(context.Background(), video(), cb)
	require.NoError(t, err)
	tk.Wait()

	assert.Equal(t, []int{25}, ev.Percents())
	assert.Empty(t, ev.Outcomes())
	assert.Zero(t, m.Pending())
}

func TestCancelWhileFinalProgressIsDelivered(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250, 500, 750, 1000}, result: &transfer.Result{StatusCode: 201}}
	tk := newTracker(false, tr, nil, schedule.NewManual())
	ev := &events{}
	entered := make(chan struct{})
	release := make(chan struct{})
	cb := ev.callbacks()
	onProgress := cb.OnProgress
	cb.OnProgress = func(u tracker.Update) {
		onProgress(u)
		if u.Label == progress.LabelCompleted {
			close(entered)
			<-release
		}
	}

	_, err := tk.Start(context.Background(), video(), cb)
	require.NoError(t, err)
	<-entered
	tk.Cancel()
	close(release)
	tk.Wait()

	assert.Equal(t, []int{25, 50, 75, 100}, ev.Percents())
	assert.Empty(t, ev.Outcomes())
	assert.Equal(t, tracker.StateCompleted, tk.State())
}

func TestRejectedUploadNeverShowsCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"codec not allowed"}`))
	}))
	defer srv.Close()

	for _, relayed := range []bool{false, true} {
		t.Run(fmt.Sprintf("relay=%t", relayed), func(t *testing.T) {
			m := schedule.NewManual()
			driver := transfer.NewDriver(srv.Client(), srv.URL, "/api/v1/uploads/intro-video", zerolog.Nop())
			tk := newTracker(relayed, driver, &scriptedFetcher{}, m)
			ev := &events{}

			_, err := tk.Start(context.Background(), video(), ev.callbacks())
			require.NoError(t, err)
			tk.Wait()

			for _, u := range ev.Updates() {
				assert.NotEqual(t, progress.LabelCompleted, u.Label)
				assert.Equal(t, progress.PhaseTransfer, u.Phase)
				assert.Less(t, u.Percent, 100)
			}
			require.Len(t, ev.Outcomes(), 1)
			out := ev.Outcomes()[0]
			assert.False(t, out.Success)
			assert.Equal(t, tracker.StateFailed, out.State)
			assert.Equal(t, "codec not allowed", out.Message)
			assert.Equal(t, failure.CodeRejected, failure.CodeOf(out.Err))
			assert.Zero(t, m.Pending())
		})
	}
}

func TestStartReplacesPreviousAttempt(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250}, release: make(chan struct{}), result: &transfer.Result{StatusCode: 201}}
	tk := newTracker(false, tr, nil, schedule.NewManual())
	first, second := &events{}, &events{}

	tok1, err := tk.Start(context.Background(), video(), first.callbacks())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(first.Updates()) == 1 }, time.Second, time.Millisecond)

	tok2, err := tk.Start(context.Background(), video(), second.callbacks())
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)
	close(tr.release)
	tk.Wait()

	assert.Len(t, first.Updates(), 1)
	assert.Empty(t, first.Outcomes())
	require.Len(t, second.Outcomes(), 1)
	assert.True(t, second.Outcomes()[0].Success)
	assert.Equal(t, tok2, second.Outcomes()[0].Token)
	for _, u := range second.Updates() {
		assert.Equal(t, tok2, u.Token)
	}
}

func TestDisposeIsIdempotentAndFinal(t *testing.T) {
	tr := &fakeTransfer{steps: []int64{250}, release: make(chan struct{})}
	m := schedule.NewManual()
	tk := newTracker(true, tr, &scriptedFetcher{}, m)
	ev := &events{}

	_, err := tk.Start(context.Background(), video(), ev.callbacks())
	require.NoError(t, err)

	tk.Dispose()
	tk.Dispose()
	close(tr.release)
	tk.Wait()

	assert.Empty(t, ev.Outcomes())
	assert.Zero(t, m.Pending())
	assert.Equal(t, tracker.StateIdle, tk.State())

	_, err = tk.Start(context.Background(), video(), ev.callbacks())
	assert.ErrorIs(t, err, tracker.ErrDisposed)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	tk := newTracker(false, &fakeTransfer{}, nil, schedule.NewManual())

	tk.Cancel()
	tk.Dispose()

	assert.Equal(t, tracker.StateIdle, tk.State())
}
