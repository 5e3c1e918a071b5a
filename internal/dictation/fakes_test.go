package dictation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/speech"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	armed  int
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) dictation.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed++
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type fakeAudio struct {
	mu            sync.Mutex
	activateErr   error
	openErr       error
	closeErr      error
	deactivateErr error
	activations   int
	opens         int
	closes        int
	deactivations int
	frames        chan speech.Frame
}

func (a *fakeAudio) Activate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activateErr != nil {
		return a.activateErr
	}
	a.activations++
	return nil
}

func (a *fakeAudio) Open(speech.Format) (<-chan speech.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.opens++
	a.frames = make(chan speech.Frame, 16)
	return a.frames, nil
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	if a.frames != nil {
		close(a.frames)
		a.frames = nil
	}
	return a.closeErr
}

func (a *fakeAudio) Deactivate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivations++
	return a.deactivateErr
}

func (a *fakeAudio) push(t *testing.T, frame speech.Frame) {
	t.Helper()
	a.mu.Lock()
	frames := a.frames
	a.mu.Unlock()
	if frames == nil {
		t.Fatalf("audio input not open")
	}
	frames <- frame
}

func (a *fakeAudio) counts() (activations, opens, closes, deactivations int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activations, a.opens, a.closes, a.deactivations
}

type fakeRecognizer struct {
	mu          sync.Mutex
	unavailable bool
	taskErr     error
	tasks       []*fakeTask
	listeners   map[int]func(bool)
	nextID      int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{listeners: make(map[int]func(bool))}
}

func (r *fakeRecognizer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unavailable
}

func (r *fakeRecognizer) NewTask(_ context.Context, locale string, _ speech.Format) (speech.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taskErr != nil {
		return nil, r.taskErr
	}
	task := &fakeTask{locale: locale, results: make(chan speech.Result), cancelled: make(chan struct{})}
	r.tasks = append(r.tasks, task)
	return task, nil
}

func (r *fakeRecognizer) NotifyAvailability(fn func(bool)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *fakeRecognizer) SetAvailable(available bool) {
	r.mu.Lock()
	r.unavailable = !available
	var fns []func(bool)
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(available)
	}
}

func (r *fakeRecognizer) Backend() string { return "fake" }

func (r *fakeRecognizer) OnDevice() bool { return true }

func (r *fakeRecognizer) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *fakeRecognizer) task(t *testing.T, i int) *fakeTask {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.tasks) {
		t.Fatalf("expected task %d, have %d", i, len(r.tasks))
	}
	return r.tasks[i]
}

func (r *fakeRecognizer) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

type fakeTask struct {
	mu         sync.Mutex
	locale     string
	frames     []speech.Frame
	results    chan speech.Result
	cancelled  chan struct{}
	cancelOnce sync.Once
	cancels    int
	panicOn    bool
}

func (f *fakeTask) Append(frame speech.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.cancelled:
		return errors.New("task cancelled")
	default:
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTask) Results() <-chan speech.Result { return f.results }

func (f *fakeTask) Cancel() {
	f.mu.Lock()
	f.cancels++
	panicOn := f.panicOn
	f.mu.Unlock()
	f.cancelOnce.Do(func() { close(f.cancelled) })
	if panicOn {
		panic("recognizer exploded")
	}
}

func (f *fakeTask) emit(t *testing.T, res speech.Result) {
	t.Helper()
	select {
	case f.results <- res:
	case <-time.After(2 * time.Second):
		t.Fatalf("result %+v was not consumed", res)
	}
}

func (f *fakeTask) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTask) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type recorder struct {
	mu          sync.Mutex
	transcripts []string
	ended       []string
	errs        []error
	stopped     []dictation.Outcome
	changes     chan string
	stops       chan dictation.Outcome
}

func newRecorder() *recorder {
	return &recorder{
		changes: make(chan string, 32),
		stops:   make(chan dictation.Outcome, 8),
	}
}

func (r *recorder) listener() dictation.Listener {
	return dictation.Listener{
		OnTranscriptChanged: func(text string) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, text)
			r.mu.Unlock()
			r.changes <- text
		},
		OnSessionEnded: func(text string) {
			r.mu.Lock()
			r.ended = append(r.ended, text)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnStopped: func(out dictation.Outcome) {
			r.mu.Lock()
			r.stopped = append(r.stopped, out)
			r.mu.Unlock()
			r.stops <- out
		},
	}
}

func (r *recorder) waitChange(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.changes:
		if got != want {
			t.Fatalf("expected transcript %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript %q", want)
	}
}

func (r *recorder) waitStopped(t *testing.T) dictation.Outcome {
	t.Helper()
	select {
	case out := <-r.stops:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to stop")
	}
	return dictation.Outcome{}
}

func (r *recorder) endedCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ended...)
}

func (r *recorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stopped)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
