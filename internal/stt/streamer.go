package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/speech"
)

// Streamer turns a batch Transcriber into a streaming recognizer: each task
// buffers appended audio and re-transcribes it periodically, emitting the
// new hypothesis as a partial result. Once the audio limit is hit the task
// runs one final transcription and ends.
type Streamer struct {
	transcriber  Transcriber
	locale       string
	partialEvery time.Duration
	timeout      time.Duration
	maxAudio     time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	unavailable bool
	listeners   map[int]func(bool)
	nextID      int
}

// New builds the streamer for the configured backend.
func New(cfg config.STTConfig, locale string, logger *slog.Logger) (*Streamer, error) {
	var (
		transcriber Transcriber
		err         error
	)
	switch cfg.Mode {
	case "", "mock":
		transcriber = NewMockTranscriber(cfg.VoiceThreshold)
	case "exec":
		transcriber, err = NewExecTranscriber(cfg, locale)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	return NewStreamer(transcriber, locale, cfg, logger), nil
}

func NewStreamer(transcriber Transcriber, locale string, cfg config.STTConfig, logger *slog.Logger) *Streamer {
	s := &Streamer{
		transcriber:  transcriber,
		locale:       locale,
		partialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
		timeout:      time.Duration(cfg.TimeoutMS) * time.Millisecond,
		maxAudio:     time.Duration(cfg.MaxAudioSeconds) * time.Second,
		logger:       logger.With(slog.String("component", "stt-streamer")),
		listeners:    make(map[int]func(bool)),
	}
	if s.partialEvery <= 0 {
		s.partialEvery = 400 * time.Millisecond
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	if s.maxAudio <= 0 {
		s.maxAudio = time.Minute
	}
	return s
}

func (s *Streamer) Locale() string { return s.locale }

// Backend names the transcriber behind the streamer.
func (s *Streamer) Backend() string {
	if b, ok := s.transcriber.(localBackend); ok {
		return b.backend()
	}
	return "custom"
}

// OnDevice reports whether transcription runs on this host. Transcribers
// supplied through NewStreamer are not assumed to.
func (s *Streamer) OnDevice() bool {
	_, ok := s.transcriber.(localBackend)
	return ok
}

func (s *Streamer) Available() bool {
	s.mu.Lock()
	unavailable := s.unavailable
	s.mu.Unlock()
	if unavailable {
		return false
	}
	if checker, ok := s.transcriber.(availabilityChecker); ok {
		return checker.Available()
	}
	return true
}

// SetAvailable records an availability change and notifies subscribers when
// the value flips.
func (s *Streamer) SetAvailable(available bool) {
	s.mu.Lock()
	changed := s.unavailable == available
	s.unavailable = !available
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("recognizer availability changed", slog.Bool("available", available), slog.String("locale", s.locale))
	for _, fn := range fns {
		fn(available)
	}
}

func (s *Streamer) NotifyAvailability(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Streamer) NewTask(ctx context.Context, locale string, format speech.Format) (speech.Task, error) {
	if !strings.EqualFold(locale, s.locale) {
		return nil, fmt.Errorf("%w: %s (recognizer serves %s)", ErrUnsupportedLocale, locale, s.locale)
	}
	if !s.Available() {
		return nil, ErrUnavailable
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format %+v", format)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		streamer: s,
		format:   format,
		ctx:      taskCtx,
		cancel:   cancel,
		results:  make(chan speech.Result),
		maxBytes: int(s.maxAudio.Seconds() * float64(format.BytesPerSecond())),
	}
	go t.run()
	return t, nil
}

type task struct {
	streamer *Streamer
	format   speech.Format
	ctx      context.Context
	cancel   context.CancelFunc
	results  chan speech.Result
	maxBytes int

	mu     sync.Mutex
	buffer []byte
	dirty  bool
	// full is set once audio was rejected for the buffer limit. The next
	// tick runs the final transcription and ends the task.
	full bool
}

func (t *task) Append(frame speech.Frame) error {
	if t.ctx.Err() != nil {
		return ErrTaskCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer)+len(frame.PCM) > t.maxBytes {
		t.full = true
		return ErrAudioLimit
	}
	t.buffer = append(t.buffer, frame.PCM...)
	t.dirty = true
	return nil
}

func (t *task) Results() <-chan speech.Result { return t.results }

func (t *task) Cancel() { t.cancel() }

func (t *task) run() {
	defer close(t.results)
	ticker := time.NewTicker(t.streamer.partialEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			pcm, final, ok := t.snapshot()
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(t.ctx, t.streamer.timeout)
			res, err := t.streamer.transcriber.Transcribe(ctx, pcm, t.format.SampleRate, t.format.Channels, final)
			cancel()
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.send(speech.Result{Err: err})
				return
			}
			t.send(speech.Result{Text: strings.TrimSpace(res.Text), Final: final})
			if final {
				return
			}
		}
	}
}

// snapshot copies the buffered audio when it changed since the last pass.
// final reports that the buffer is full and no more audio will be accepted.
func (t *task) snapshot() (pcm []byte, final, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty && !t.full {
		return nil, false, false
	}
	t.dirty = false
	return append([]byte(nil), t.buffer...), t.full, true
}

func (t *task) send(res speech.Result) {
	select {
	case t.results <- res:
	case <-t.ctx.Done():
	}
}
