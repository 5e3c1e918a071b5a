package main

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

func writeWAV(t *testing.T, samples []int, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestLoadWAVFramesSplitsByDuration(t *testing.T) {
	samples := make([]int, 2500)
	for i := range samples {
		samples[i] = i - 1000
	}
	path := writeWAV(t, samples, 16000)

	frames, err := loadWAVFrames(path, "kitchen", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("load frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[0].PCM) != 3200 || len(frames[1].PCM) != 1800 {
		t.Fatalf("unexpected frame sizes %d, %d", len(frames[0].PCM), len(frames[1].PCM))
	}
	if frames[1].Sequence != 1 || frames[0].SampleRate != 16000 || frames[0].Channels != 1 {
		t.Fatalf("unexpected frame metadata %+v", frames[1])
	}
	if got := int16(binary.LittleEndian.Uint16(frames[0].PCM)); got != -1000 {
		t.Fatalf("expected first sample -1000, got %d", got)
	}
}

func TestLoadWAVFramesRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := loadWAVFrames(path, "kitchen", 100*time.Millisecond); err == nil {
		t.Fatal("expected error for invalid wav")
	}
}

func TestFormatEventFiltersDevice(t *testing.T) {
	final, _ := json.Marshal(protocol.Transcript{DeviceID: "kitchen", Text: "hola", Reason: "inactivity"})
	line, ok := formatEvent(protocol.SubjectTranscriptFinal, final, "kitchen")
	if !ok || line != "[final:inactivity] hola" {
		t.Fatalf("unexpected line %q", line)
	}
	if _, ok := formatEvent(protocol.SubjectTranscriptFinal, final, "hallway"); ok {
		t.Fatal("expected other device filtered out")
	}

	status, _ := json.Marshal(protocol.SessionStatus{DeviceID: "kitchen", State: "idle", Reason: "unavailable", Error: "gone"})
	line, ok = formatEvent(protocol.SubjectSessionStatus, status, "kitchen")
	if !ok || line != "[status] idle reason=unavailable error=gone" {
		t.Fatalf("unexpected status line %q", line)
	}
}
