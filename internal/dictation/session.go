package dictation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/speech"
)

// Option configures a Session.
type Option func(*Session)

func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

func WithClock(c Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session owns one capture-to-transcript cycle at a time. Audio frames,
// recognition results, availability changes, the inactivity timer and
// callers all mutate state under mu; listener callbacks run outside it.
type Session struct {
	cfg        Config
	audio      speech.AudioCapture
	recognizer speech.Recognizer
	clock      Clock
	listener   Listener
	logger     *slog.Logger

	mu          sync.Mutex
	state       State
	reason      StopReason
	stopErr     error
	generation  uint64
	transcript  string
	lastText    string
	startedAt   time.Time
	timer       Timer
	timerID     uint64
	task        speech.Task
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds an idle session bound to the given capabilities.
func New(cfg Config, audio speech.AudioCapture, recognizer speech.Recognizer, opts ...Option) *Session {
	def := DefaultConfig()
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = def.Format
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.UnavailableMessage == "" {
		cfg.UnavailableMessage = def.UnavailableMessage
	}
	s := &Session{
		cfg:        cfg,
		audio:      audio,
		recognizer: recognizer,
		clock:      realClock{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start acquires the audio and recognition capabilities and begins capture.
// Failures wrap ErrCaptureUnavailable and leave the session idle with
// nothing held.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return ErrClosed
	case StateCapturing, StateStopping:
		return ErrSessionActive
	}

	if s.recognizer == nil || !s.recognizer.Available() {
		return fmt.Errorf("%w: recognizer for %s is not available", ErrCaptureUnavailable, s.cfg.Locale)
	}
	if err := safely(s.audio.Activate); err != nil {
		return fmt.Errorf("%w: activate audio session: %w", ErrCaptureUnavailable, err)
	}
	frames, err := s.audio.Open(s.cfg.Format)
	if err != nil {
		s.logRelease(safely(s.audio.Deactivate))
		return fmt.Errorf("%w: open audio input: %w", ErrCaptureUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task, err := s.recognizer.NewTask(ctx, s.cfg.Locale, s.cfg.Format)
	if err != nil {
		cancel()
		s.logRelease(errors.Join(safely(s.audio.Close), safely(s.audio.Deactivate)))
		return fmt.Errorf("%w: create recognition task: %w", ErrCaptureUnavailable, err)
	}

	s.generation++
	gen := s.generation
	s.state = StateCapturing
	s.reason = ReasonCancelled
	s.stopErr = nil
	s.transcript = ""
	s.lastText = ""
	s.startedAt = s.clock.Now()
	s.task = task
	s.cancel = cancel
	if notifier, ok := s.recognizer.(speech.AvailabilityNotifier); ok {
		s.unsubscribe = notifier.NotifyAvailability(func(available bool) {
			s.onAvailability(gen, available)
		})
	}
	s.armTimerLocked()

	s.wg.Add(2)
	go s.pumpFrames(ctx, frames, task)
	go s.pumpResults(ctx, gen, task.Results())

	attrs := []any{
		slog.String("locale", s.cfg.Locale),
		slog.Duration("inactivity_timeout", s.cfg.InactivityTimeout),
	}
	if d, ok := s.recognizer.(speech.Describer); ok {
		attrs = append(attrs, slog.String("backend", d.Backend()), slog.Bool("on_device", d.OnDevice()))
	}
	s.logger.Info("dictation session started", attrs...)
	return nil
}

// Stop tears down the current capture. It is safe from any state and from
// any goroutine, and repeated calls are no-ops. The transcript is left in
// place for the caller.
func (s *Session) Stop() {
	s.mu.Lock()
	s.beginStopLocked(ReasonCancelled, nil)
	if s.state != StateStopping {
		s.mu.Unlock()
		return
	}
	out := s.teardownLocked()
	s.mu.Unlock()
	s.notifyStopped(out)
}

// Close stops any capture, waits for the feed goroutines and rejects further
// Start calls. It must not be called from a Listener callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.beginStopLocked(ReasonClosed, nil)
	var out *Outcome
	if s.state == StateStopping {
		o := s.teardownLocked()
		out = &o
	}
	s.state = StateStopped
	s.mu.Unlock()

	if out != nil {
		s.notifyStopped(*out)
	}
	s.wg.Wait()
}

// HandleAvailabilityChange applies a recognizer availability notification to
// the current session.
func (s *Session) HandleAvailabilityChange(available bool) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.onAvailability(gen, available)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// ClearTranscript empties the exposed transcript once the caller has copied
// it. Change detection against the recognizer is unaffected.
func (s *Session) ClearTranscript() {
	s.mu.Lock()
	s.transcript = ""
	s.mu.Unlock()
}

func (s *Session) pumpFrames(ctx context.Context, frames <-chan speech.Frame, task speech.Task) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.onAudioFrame(ctx, task, frame)
		}
	}
}

func (s *Session) onAudioFrame(ctx context.Context, task speech.Task, frame speech.Frame) {
	if err := task.Append(frame); err != nil && ctx.Err() == nil {
		s.logger.Debug("recognizer rejected audio frame", slog.Int("sequence", frame.Sequence), slogError(err))
	}
}

func (s *Session) pumpResults(ctx context.Context, gen uint64, results <-chan speech.Result) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				// task ended without a final hypothesis
				s.onResult(gen, speech.Result{Final: true, Text: s.lastObserved(gen)})
				return
			}
			s.onResult(gen, res)
		}
	}
}

func (s *Session) lastObserved(gen uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ""
	}
	return s.lastText
}

func (s *Session) onResult(gen uint64, res speech.Result) {
	if res.Err != nil {
		s.fail(gen, ReasonRecognitionError, fmt.Errorf("%w: %w", ErrRecognition, res.Err))
		return
	}

	s.mu.Lock()
	if gen != s.generation || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	changed := res.Text != s.lastText
	if changed {
		s.lastText = res.Text
		s.transcript = res.Text
		s.armTimerLocked()
	}
	if res.Final {
		s.beginStopLocked(ReasonFinal, nil)
	}
	s.mu.Unlock()

	if changed {
		s.notifyTranscript(res.Text)
	}
	if res.Final {
		s.complete(gen)
	}
}

func (s *Session) fail(gen uint64, reason StopReason, err error) {
	s.mu.Lock()
	if gen != s.generation || !s.beginStopLocked(reason, err) {
		s.mu.Unlock()
		return
	}
	out := s.teardownLocked()
	s.mu.Unlock()

	s.logger.Warn("dictation session failed", slog.String("reason", reason.String()), slogError(err))
	s.notifyError(err)
	s.notifyStopped(out)
}

func (s *Session) onAvailability(gen uint64, available bool) {
	if available {
		s.logger.Debug("recognizer available", slog.String("locale", s.cfg.Locale))
		return
	}

	s.mu.Lock()
	if gen != s.generation || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	sentinel := s.cfg.UnavailableMessage
	s.transcript = sentinel
	s.lastText = sentinel
	s.beginStopLocked(ReasonUnavailable, ErrUnavailable)
	out := s.teardownLocked()
	s.mu.Unlock()

	s.logger.Warn("recognizer became unavailable", slog.String("locale", s.cfg.Locale))
	s.notifyTranscript(sentinel)
	s.notifyError(ErrUnavailable)
	s.notifyStopped(out)
}

func (s *Session) onTimer(gen, id uint64) {
	s.mu.Lock()
	if gen != s.generation || id != s.timerID || s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.beginStopLocked(ReasonInactivity, nil)
	text := s.transcript
	s.mu.Unlock()

	if s.listener.OnSessionEnded != nil {
		s.listener.OnSessionEnded(text)
	}
	s.complete(gen)
}

// complete finishes a teardown that was begun by a final result or the
// inactivity timer, unless Stop already did.
func (s *Session) complete(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateStopping {
		s.mu.Unlock()
		return
	}
	out := s.teardownLocked()
	s.mu.Unlock()
	s.notifyStopped(out)
}

func (s *Session) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerID++
	gen, id := s.generation, s.timerID
	s.timer = s.clock.AfterFunc(s.cfg.InactivityTimeout, func() {
		s.onTimer(gen, id)
	})
}

func (s *Session) beginStopLocked(reason StopReason, err error) bool {
	if s.state != StateCapturing {
		return false
	}
	s.state = StateStopping
	s.reason = reason
	s.stopErr = err
	return true
}

// teardownLocked releases every acquired resource. Release failures are
// logged and never block the transition back to idle.
func (s *Session) teardownLocked() Outcome {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerID++

	var errs []error
	if s.task != nil {
		task := s.task
		errs = append(errs, safely(func() error { task.Cancel(); return nil }))
		s.task = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.unsubscribe != nil {
		unsubscribe := s.unsubscribe
		errs = append(errs, safely(func() error { unsubscribe(); return nil }))
		s.unsubscribe = nil
	}
	if err := safely(s.audio.Close); err != nil {
		errs = append(errs, fmt.Errorf("close audio input: %w", err))
	}
	if err := safely(s.audio.Deactivate); err != nil {
		errs = append(errs, fmt.Errorf("deactivate audio session: %w", err))
	}
	s.logRelease(errors.Join(errs...))

	out := Outcome{
		Reason:     s.reason,
		Transcript: s.transcript,
		Err:        s.stopErr,
		Duration:   s.clock.Now().Sub(s.startedAt),
	}
	if s.reason == ReasonInactivity {
		s.transcript = ""
	}
	s.state = StateIdle
	s.stopErr = nil

	s.logger.Info("dictation session stopped",
		slog.String("reason", out.Reason.String()),
		slog.Int("transcript_length", len(out.Transcript)),
		slog.Duration("duration", out.Duration))
	return out
}

func (s *Session) logRelease(err error) {
	if err != nil {
		s.logger.Warn("dictation resources not fully released", slogError(err))
	}
}

func (s *Session) notifyTranscript(text string) {
	if s.listener.OnTranscriptChanged != nil {
		s.listener.OnTranscriptChanged(text)
	}
}

func (s *Session) notifyError(err error) {
	if s.listener.OnError != nil {
		s.listener.OnError(err)
	}
}

func (s *Session) notifyStopped(out Outcome) {
	if s.listener.OnStopped != nil {
		s.listener.OnStopped(out)
	}
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
