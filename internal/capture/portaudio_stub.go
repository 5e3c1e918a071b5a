//go:build !portaudio

package capture

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictation/internal/speech"
)

// NewPortAudio reports ErrPortAudioUnavailable; build with -tags portaudio
// for microphone capture.
func NewPortAudio(int, int, *slog.Logger) (speech.AudioCapture, error) {
	return nil, ErrPortAudioUnavailable
}
