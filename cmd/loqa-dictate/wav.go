package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

// loadWAVFrames splits a 16-bit PCM WAV file into little endian frames of
// the given duration. The last frame may be shorter.
func loadWAVFrames(path, deviceID string, frameDur time.Duration) ([]protocol.AudioFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("%s: expected 16-bit samples, got %d", path, dec.BitDepth)
	}

	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	perFrame := int(frameDur.Seconds()*float64(sampleRate)) * channels
	if perFrame <= 0 {
		return nil, fmt.Errorf("%s: frame duration too short", path)
	}

	var frames []protocol.AudioFrame
	for start, seq := 0, 0; start < len(buf.Data); start, seq = start+perFrame, seq+1 {
		end := min(start+perFrame, len(buf.Data))
		pcm := make([]byte, (end-start)*2)
		for i, sample := range buf.Data[start:end] {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
		}
		frames = append(frames, protocol.AudioFrame{
			DeviceID:   deviceID,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm,
		})
	}
	return frames, nil
}
