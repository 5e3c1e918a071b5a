// Package service exposes per-device dictation sessions on the bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTooManyDevices = errors.New("dictation device limit reached")
	ErrUnknownAction  = errors.New("unknown dictation action")
)

// Recognizer is the shared recognition backend. SetAvailable is driven by
// stt.availability announcements.
type Recognizer interface {
	speech.Recognizer
	SetAvailable(available bool)
}

// CaptureFactory builds the audio capture for a device.
type CaptureFactory func(deviceID string) (speech.AudioCapture, error)

// DeviceStatus is a point-in-time view of one device's session.
type DeviceStatus struct {
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"state"`
	Transcript int    `json:"transcript_chars"`
}

type Service struct {
	cfg        config.DictationConfig
	format     speech.Format
	bus        *bus.Client
	recognizer Recognizer
	store      *eventstore.Store
	newCapture CaptureFactory
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	devices map[string]*device
	subs    []*nats.Subscription
	ready   bool
}

func NewService(parent context.Context, cfg config.DictationConfig, audio config.AudioConfig, busClient *bus.Client, recognizer Recognizer, store *eventstore.Store, newCapture CaptureFactory, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "dictation"))
	m, err := newMetrics(otel.Meter("github.com/loqalabs/loqa-dictation/dictation"))
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return &Service{
		cfg:        cfg,
		format:     speech.Format{SampleRate: audio.SampleRate, Channels: audio.Channels},
		bus:        busClient,
		recognizer: recognizer,
		store:      store,
		newCapture: newCapture,
		logger:     logger,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-dictation/dictation"),
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		devices:    make(map[string]*device),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	controlSub, err := conn.Subscribe(protocol.SubjectControlPrefix+".*", s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	availabilitySub, err := conn.Subscribe(protocol.SubjectRecognizerAvailability, s.handleAvailability)
	if err != nil {
		_ = controlSub.Drain()
		return fmt.Errorf("subscribe availability: %w", err)
	}
	if err := conn.Flush(); err != nil {
		_ = controlSub.Drain()
		_ = availabilitySub.Drain()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, controlSub, availabilitySub)
	s.ready = true
	s.mu.Unlock()

	s.logger.Info("dictation service ready",
		slog.String("locale", s.cfg.Locale),
		slog.Int("inactivity_timeout_ms", s.cfg.InactivityTimeoutMS))
	return nil
}

// Close stops every session and releases the bus subscriptions.
func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	devices := make([]*device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	for _, dev := range devices {
		dev.session.Close()
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Devices lists known devices ordered by id.
func (s *Service) Devices() []DeviceStatus {
	s.mu.Lock()
	devices := make([]*device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev)
	}
	s.mu.Unlock()

	out := make([]DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Execute applies a control action to a device. It backs the bus control
// subject and is usable in-process.
func (s *Service) Execute(deviceID, action string) protocol.ControlReply {
	reply := protocol.ControlReply{DeviceID: deviceID, State: dictation.StateIdle.String()}
	if deviceID == "" {
		reply.Error = "missing device id"
		return reply
	}

	var err error
	switch action {
	case protocol.ActionStart:
		var dev *device
		dev, err = s.device(deviceID, true)
		if err == nil {
			reply.SessionID, err = dev.start()
		}
	case protocol.ActionStop:
		if dev, _ := s.device(deviceID, false); dev != nil {
			dev.session.Stop()
		}
	case protocol.ActionClear:
		if dev, _ := s.device(deviceID, false); dev != nil {
			dev.session.ClearTranscript()
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if dev, _ := s.device(deviceID, false); dev != nil {
		reply.State = dev.session.State().String()
		if reply.SessionID == "" {
			reply.SessionID = dev.currentID()
		}
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}

func (s *Service) handleControl(msg *nats.Msg) {
	deviceID := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")

	var cmd protocol.ControlCommand
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode control command", slog.String("device_id", deviceID), slogError(err))
		reply = protocol.ControlReply{DeviceID: deviceID, State: dictation.StateIdle.String(), Error: "invalid control command"}
	} else {
		reply = s.Execute(deviceID, cmd.Action)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to control command", slogError(err))
	}
}

func (s *Service) handleAvailability(msg *nats.Msg) {
	var avail protocol.Availability
	if err := json.Unmarshal(msg.Data, &avail); err != nil {
		s.logger.Warn("failed to decode availability", slogError(err))
		return
	}
	s.recognizer.SetAvailable(avail.Available)
}

// device returns the device entry, creating it when create is set.
func (s *Service) device(deviceID string, create bool) (*device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev, ok := s.devices[deviceID]; ok {
		return dev, nil
	}
	if !create {
		return nil, nil
	}
	if s.cfg.MaxDevices > 0 && len(s.devices) >= s.cfg.MaxDevices {
		return nil, ErrTooManyDevices
	}
	audio, err := s.newCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dictation.ErrCaptureUnavailable, err)
	}

	dev := &device{id: deviceID, svc: s, logger: s.logger.With(slog.String("device_id", deviceID))}
	dev.session = dictation.New(dictation.Config{
		Locale:             s.cfg.Locale,
		Format:             s.format,
		InactivityTimeout:  time.Duration(s.cfg.InactivityTimeoutMS) * time.Millisecond,
		UnavailableMessage: s.cfg.UnavailableMessage,
	}, audio, s.recognizer,
		dictation.WithListener(dev.listener()),
		dictation.WithLogger(dev.logger))
	s.devices[deviceID] = dev
	return dev, nil
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// run records one started session until its outcome arrives.
type run struct {
	id        string
	span      trace.Span
	startedAt time.Time
	// started is closed once the start has been recorded. Session callbacks
	// wait on it so nothing about a run is published before its start.
	started chan struct{}
}

func (r *run) wait() {
	<-r.started
}

type device struct {
	id      string
	svc     *Service
	logger  *slog.Logger
	session *dictation.Session

	mu sync.Mutex
	// runs holds started sessions whose OnStopped has not fired yet, oldest
	// first. Each started session produces exactly one OnStopped.
	runs []*run
}

func (d *device) start() (string, error) {
	s := d.svc
	_, span := s.tracer.Start(s.ctx, "dictation.session",
		trace.WithAttributes(
			attribute.String("device_id", d.id),
			attribute.String("locale", s.cfg.Locale)))
	r := &run{id: uuid.NewString(), span: span, startedAt: time.Now(), started: make(chan struct{})}
	defer close(r.started)

	d.mu.Lock()
	d.runs = append(d.runs, r)
	d.mu.Unlock()

	// Start launches the pumps, so a final result can reach onStopped before
	// this returns. onStopped blocks on r.started until the bookkeeping below
	// is done.
	if err := d.session.Start(); err != nil {
		d.mu.Lock()
		d.removeLocked(r)
		d.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return "", err
	}

	if err := s.store.BeginSession(s.ctx, r.id, d.id, s.cfg.Locale); err != nil {
		d.logger.Warn("failed to record session start", slogError(err))
	}
	s.metrics.started(s.ctx)
	s.publish(protocol.SubjectSessionStatus, protocol.SessionStatus{
		SessionID: r.id,
		DeviceID:  d.id,
		State:     dictation.StateCapturing.String(),
		Timestamp: time.Now().UTC(),
	})
	return r.id, nil
}

func (d *device) removeLocked(target *run) {
	for i, r := range d.runs {
		if r == target {
			d.runs = append(d.runs[:i], d.runs[i+1:]...)
			return
		}
	}
}

func (d *device) current() *run {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.runs) == 0 {
		return nil
	}
	return d.runs[len(d.runs)-1]
}

func (d *device) currentID() string {
	if r := d.current(); r != nil {
		return r.id
	}
	return ""
}

func (d *device) finish() *run {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.runs) == 0 {
		return nil
	}
	r := d.runs[0]
	d.runs = d.runs[1:]
	return r
}

func (d *device) status() DeviceStatus {
	return DeviceStatus{
		DeviceID:   d.id,
		SessionID:  d.currentID(),
		State:      d.session.State().String(),
		Transcript: len(d.session.Transcript()),
	}
}

func (d *device) listener() dictation.Listener {
	return dictation.Listener{
		OnTranscriptChanged: d.onTranscript,
		OnSessionEnded: func(text string) {
			var id string
			if r := d.current(); r != nil {
				r.wait()
				id = r.id
			}
			d.publishFinal(id, text, dictation.ReasonInactivity)
		},
		OnError: func(err error) {
			if r := d.current(); r != nil {
				r.span.RecordError(err)
			}
		},
		OnStopped: d.onStopped,
	}
}

func (d *device) onTranscript(text string) {
	s := d.svc
	var id string
	if r := d.current(); r != nil {
		r.wait()
		id = r.id
	}
	s.metrics.transcriptUpdated(s.ctx)
	s.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: id,
		DeviceID:  d.id,
		Text:      text,
		Partial:   true,
		Timestamp: time.Now().UTC(),
	})
}

func (d *device) publishFinal(sessionID, text string, reason dictation.StopReason) {
	d.svc.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: sessionID,
		DeviceID:  d.id,
		Text:      text,
		Reason:    reason.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (d *device) onStopped(out dictation.Outcome) {
	s := d.svc
	r := d.finish()
	if r == nil {
		d.logger.Warn("session stopped without a recorded start", slog.String("reason", out.Reason.String()))
		return
	}
	r.wait()

	if out.Reason == dictation.ReasonFinal {
		d.publishFinal(r.id, out.Transcript, out.Reason)
	}

	var errText string
	if out.Err != nil {
		errText = out.Err.Error()
		r.span.SetStatus(codes.Error, errText)
	}
	s.publish(protocol.SubjectSessionStatus, protocol.SessionStatus{
		SessionID:  r.id,
		DeviceID:   d.id,
		State:      dictation.StateIdle.String(),
		Reason:     out.Reason.String(),
		Error:      errText,
		DurationMS: out.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})

	// the service context may already be cancelled during Close
	if err := s.store.EndSession(context.WithoutCancel(s.ctx), r.id, out.Reason.String(), errText, out.Duration, len(out.Transcript)); err != nil {
		d.logger.Warn("failed to record session end", slogError(err))
	}
	s.metrics.stopped(s.ctx, out.Reason)

	r.span.SetAttributes(
		attribute.String("reason", out.Reason.String()),
		attribute.Int("transcript_chars", len(out.Transcript)))
	r.span.End()
}
