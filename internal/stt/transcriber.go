package stt

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedLocale is returned when a task is requested for a locale
	// the recognizer was not built for.
	ErrUnsupportedLocale = errors.New("unsupported locale")
	// ErrUnavailable is returned when a task is requested while recognition
	// is unavailable.
	ErrUnavailable = errors.New("speech recognition unavailable")
	// ErrTaskCancelled is returned when audio is appended to a cancelled task.
	ErrTaskCancelled = errors.New("recognition task cancelled")
	// ErrAudioLimit is returned when a task's audio buffer is full.
	ErrAudioLimit = errors.New("recognition audio limit reached")
)

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber converts the audio buffered so far into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

type availabilityChecker interface {
	Available() bool
}

// localBackend is implemented by the built-in transcribers, which run on the
// local host without a network service.
type localBackend interface {
	backend() string
}
