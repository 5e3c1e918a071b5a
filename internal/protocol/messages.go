package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// Transcript is published on every transcript change and once when a
// dictation completes.
type Transcript struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlCommand drives a device's dictation session.
type ControlCommand struct {
	Action string `json:"action"`
}

// ControlReply answers a ControlCommand request.
type ControlReply struct {
	OK        bool   `json:"ok"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// SessionStatus reports dictation lifecycle transitions.
type SessionStatus struct {
	SessionID  string    `json:"session_id"`
	DeviceID   string    `json:"device_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Availability toggles the recognizer on a node.
type Availability struct {
	Available bool `json:"available"`
}

const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionClear = "clear"
)

const (
	SubjectAudioFramePrefix       = "audio.frame"
	SubjectControlPrefix          = "dictation.control"
	SubjectTranscriptPartial      = "dictation.transcript.partial"
	SubjectTranscriptFinal        = "dictation.transcript.final"
	SubjectSessionStatus          = "dictation.session.status"
	SubjectRecognizerAvailability = "stt.availability"
)

func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}

func ControlSubject(deviceID string) string {
	return SubjectControlPrefix + "." + deviceID
}
