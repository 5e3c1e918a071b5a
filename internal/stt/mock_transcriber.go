package stt

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
)

var mockVocabulary = []string{"hola", "quiero", "dictar", "un", "mensaje", "para", "mi", "equipo"}

// chunks of voiced audio that make up one mock word
const mockChunksPerWord = 5

type mockTranscriber struct {
	threshold float64
}

// NewMockTranscriber returns a transcriber that emits one vocabulary word per
// half second of audio whose RMS level reaches threshold. Silence leaves the
// text unchanged.
func NewMockTranscriber(threshold float64) Transcriber {
	if threshold <= 0 {
		threshold = 0.02
	}
	return &mockTranscriber{threshold: threshold}
}

func (m *mockTranscriber) backend() string { return "mock" }

func (m *mockTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	chunkBytes := sampleRate * channels * 2 / 10
	if chunkBytes <= 0 {
		chunkBytes = 3200
	}
	voiced := 0
	for off := 0; off+chunkBytes <= len(pcm); off += chunkBytes {
		if rms(pcm[off:off+chunkBytes]) >= m.threshold {
			voiced++
		}
	}
	words := make([]string, 0, voiced/mockChunksPerWord)
	for i := 0; i < voiced/mockChunksPerWord; i++ {
		words = append(words, mockVocabulary[i%len(mockVocabulary)])
	}
	confidence := 0.0
	if len(words) > 0 {
		confidence = 0.5
	}
	return TranscriptResult{Text: strings.Join(words, " "), Confidence: confidence}, nil
}

// rms of 16-bit little endian samples, normalized to [0,1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
