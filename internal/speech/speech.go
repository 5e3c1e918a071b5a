package speech

import (
	"context"
	"time"
)

// Format describes the PCM layout an audio capture delivers. Samples are
// signed 16-bit little endian.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond is the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Frame is one captured audio buffer.
type Frame struct {
	Sequence  int
	PCM       []byte
	Timestamp time.Time
}

// Result is a recognition hypothesis emitted by a Task. A non-nil Err means
// the recognizer failed and the task will emit nothing further.
type Result struct {
	Text  string
	Final bool
	Err   error
}

// AudioCapture is the microphone side of a dictation session.
type AudioCapture interface {
	// Activate prepares the underlying audio session for recording.
	Activate() error
	// Open starts capture and returns the stream of buffers. The channel is
	// closed by Close.
	Open(format Format) (<-chan Frame, error)
	Close() error
	Deactivate() error
}

// Recognizer creates streaming recognition tasks.
type Recognizer interface {
	Available() bool
	NewTask(ctx context.Context, locale string, format Format) (Task, error)
}

// Task accepts streamed audio and emits hypotheses until cancelled. Results
// is closed when the task ends. Cancel must not wait for Results to be
// drained.
type Task interface {
	Append(frame Frame) error
	Results() <-chan Result
	Cancel()
}

// AvailabilityNotifier is implemented by recognizers that can report
// availability changes. Callbacks must not be invoked from within
// NotifyAvailability itself.
type AvailabilityNotifier interface {
	NotifyAvailability(fn func(available bool)) (cancel func())
}

// Describer is implemented by recognizers that can name their backend and
// report whether recognition stays on the device.
type Describer interface {
	Backend() string
	OnDevice() bool
}
