package dictation

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/speech"
)

var (
	// ErrCaptureUnavailable is returned by Start when the audio or recognition
	// capability could not be acquired.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrRecognition is reported when the recognizer fails mid-session.
	ErrRecognition = errors.New("recognition error")
	// ErrUnavailable is reported when the recognizer becomes unavailable
	// mid-session.
	ErrUnavailable = errors.New("recognition unavailable mid-session")
	// ErrSessionActive is returned by Start while a capture is in progress.
	ErrSessionActive = errors.New("dictation session already active")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("dictation session closed")
)

// DefaultUnavailableMessage replaces the transcript when recognition becomes
// unavailable during a session.
const DefaultUnavailableMessage = "Text recognition unavailable. Sorry!"

// State of a Session.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why a session was torn down.
type StopReason int

const (
	ReasonCancelled StopReason = iota
	ReasonInactivity
	ReasonFinal
	ReasonRecognitionError
	ReasonUnavailable
	ReasonClosed
)

func (r StopReason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonInactivity:
		return "inactivity"
	case ReasonFinal:
		return "final"
	case ReasonRecognitionError:
		return "recognition_error"
	case ReasonUnavailable:
		return "unavailable"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is delivered to Listener.OnStopped once per started session.
type Outcome struct {
	Reason     StopReason
	Transcript string
	Err        error
	Duration   time.Duration
}

// Listener receives session notifications. All callbacks run outside the
// session lock; they may call Stop, Start or ClearTranscript but not Close.
type Listener struct {
	OnTranscriptChanged func(text string)
	// OnSessionEnded fires only when the inactivity deadline elapses.
	OnSessionEnded func(text string)
	OnError        func(err error)
	OnStopped      func(outcome Outcome)
}

// Config fixes the per-session parameters.
type Config struct {
	Locale             string
	Format             speech.Format
	InactivityTimeout  time.Duration
	UnavailableMessage string
}

// DefaultConfig mirrors the stock dictation screen.
func DefaultConfig() Config {
	return Config{
		Locale:             "es-MX",
		Format:             speech.Format{SampleRate: 16000, Channels: 1},
		InactivityTimeout:  2 * time.Second,
		UnavailableMessage: DefaultUnavailableMessage,
	}
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules inactivity deadlines.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
