package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/speech"
	"github.com/nats-io/nats.go"
)

var (
	ErrBusUnavailable = errors.New("audio bus not connected")
	ErrAlreadyOpen    = errors.New("audio input already open")
	// ErrPortAudioUnavailable is returned when the binary was built without
	// the portaudio tag.
	ErrPortAudioUnavailable = errors.New("portaudio capture not compiled in")
)

// BusSource captures the audio frames a device streams to
// audio.frame.<device>. Frames are forwarded as-is; frames whose format
// differs from the requested one are dropped.
type BusSource struct {
	bus        *bus.Client
	deviceID   string
	queueDepth int
	logger     *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	frames  chan speech.Frame
	format  speech.Format
	dropped int
}

func NewBusSource(busClient *bus.Client, deviceID string, queueDepth int, logger *slog.Logger) *BusSource {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &BusSource{
		bus:        busClient,
		deviceID:   deviceID,
		queueDepth: queueDepth,
		logger:     logger.With(slog.String("component", "bus-capture"), slog.String("device_id", deviceID)),
	}
}

func (s *BusSource) Activate() error {
	if !s.bus.Healthy() {
		return ErrBusUnavailable
	}
	return nil
}

func (s *BusSource) Open(format speech.Format) (<-chan speech.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		return nil, ErrAlreadyOpen
	}
	s.frames = make(chan speech.Frame, s.queueDepth)
	s.format = format
	s.dropped = 0

	sub, err := s.bus.Conn().Subscribe(protocol.AudioFrameSubject(s.deviceID), s.handleFrame)
	if err != nil {
		s.frames = nil
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	return s.frames, nil
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
		if s.dropped > 0 {
			s.logger.Warn("audio frames dropped", slog.Int("count", s.dropped))
		}
	}
	return err
}

// Deactivate is a no-op: the bus connection outlives individual sessions.
func (s *BusSource) Deactivate() error { return nil }

func (s *BusSource) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *BusSource) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		return
	}
	if frame.SampleRate != s.format.SampleRate || frame.Channels != s.format.Channels {
		s.dropped++
		s.logger.Debug("audio frame format mismatch",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}
	select {
	case s.frames <- speech.Frame{Sequence: frame.Sequence, PCM: frame.PCM, Timestamp: time.Now()}:
	default:
		s.dropped++
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
