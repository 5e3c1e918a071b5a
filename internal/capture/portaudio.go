//go:build portaudio

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictation/internal/speech"
)

// PortAudio captures the default input device.
type PortAudio struct {
	framesPerBuffer int
	queueDepth      int
	logger          *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	frames chan speech.Frame
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewPortAudio(framesPerBuffer, queueDepth int, logger *slog.Logger) (speech.AudioCapture, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &PortAudio{
		framesPerBuffer: framesPerBuffer,
		queueDepth:      queueDepth,
		logger:          logger.With(slog.String("component", "portaudio-capture")),
	}, nil
}

func (p *PortAudio) Activate() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	return nil
}

func (p *PortAudio) Open(format speech.Format) (<-chan speech.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil, ErrAlreadyOpen
	}

	buf := make([]int16, p.framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), p.framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	p.stream = stream
	p.frames = make(chan speech.Frame, p.queueDepth)
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.readLoop(stream, buf, p.frames, p.done)
	return p.frames, nil
}

func (p *PortAudio) readLoop(stream *portaudio.Stream, buf []int16, frames chan<- speech.Frame, done <-chan struct{}) {
	defer p.wg.Done()
	defer close(frames)

	for seq := 0; ; seq++ {
		select {
		case <-done:
			return
		default:
		}
		if err := stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			p.logger.Warn("portaudio read failed", slog.String("error", err.Error()))
			return
		}
		pcm := make([]byte, len(buf)*2)
		for i, sample := range buf {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
		}
		select {
		case frames <- speech.Frame{Sequence: seq, PCM: pcm, Timestamp: time.Now()}:
		case <-done:
			return
		}
	}
}

func (p *PortAudio) Close() error {
	p.mu.Lock()
	stream, done := p.stream, p.done
	p.stream, p.done, p.frames = nil, nil, nil
	p.mu.Unlock()
	if stream == nil {
		return nil
	}

	close(done)
	p.wg.Wait()
	return errors.Join(stream.Stop(), stream.Close())
}

func (p *PortAudio) Deactivate() error {
	return portaudio.Terminate()
}
