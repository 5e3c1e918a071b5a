package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation/service"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/speech"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	registry  *capability.Registry
	streamer  *stt.Streamer
	dictation *service.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/dictation/devices", r.handleDevices)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go r.runPrune(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if !r.cfg.Dictation.Enabled {
		r.logger.Info("dictation disabled")
		return nil
	}

	streamer, err := stt.New(r.cfg.STT, r.cfg.Dictation.Locale, r.logger)
	if err != nil {
		return fmt.Errorf("init recognizer: %w", err)
	}
	r.streamer = streamer

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, r.localCapabilities(streamer.Available()), r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	streamer.NotifyAvailability(func(available bool) {
		if err := registry.SetAttribute(capability.Recognition, "available", strconv.FormatBool(available)); err != nil {
			r.logger.Warn("failed to announce recognizer availability", slog.String("error", err.Error()))
		}
	})

	newCapture, err := captureFactory(r.cfg.Audio, client, r.logger)
	if err != nil {
		return err
	}

	r.dictation = service.NewService(ctx, r.cfg.Dictation, r.cfg.Audio, client, streamer, store, newCapture, r.logger)
	if err := r.dictation.Start(); err != nil {
		return fmt.Errorf("start dictation service: %w", err)
	}
	return nil
}

func (r *Runtime) localCapabilities(available bool) []capability.Capability {
	return []capability.Capability{
		{Name: capability.Dictation, Attributes: map[string]string{
			"locale":       r.cfg.Dictation.Locale,
			"audio_source": r.cfg.Audio.Source,
		}},
		{Name: capability.Recognition, Attributes: map[string]string{
			"locale":    r.cfg.Dictation.Locale,
			"mode":      r.cfg.STT.Mode,
			"available": strconv.FormatBool(available),
		}},
	}
}

// shutdown releases components in reverse start order. Nil components are
// skipped so it is safe after a partial start.
func (r *Runtime) shutdown() {
	if r.dictation != nil {
		r.dictation.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// captureFactory picks the capture backend for audio.source.
func captureFactory(cfg config.AudioConfig, client *bus.Client, logger *slog.Logger) (service.CaptureFactory, error) {
	switch cfg.Source {
	case "", "bus":
		return func(deviceID string) (speech.AudioCapture, error) {
			return capture.NewBusSource(client, deviceID, cfg.QueueDepth, logger), nil
		}, nil
	case "portaudio":
		if _, err := capture.NewPortAudio(cfg.FramesPerBuffer, cfg.QueueDepth, logger); err != nil {
			return nil, err
		}
		return func(string) (speech.AudioCapture, error) {
			return capture.NewPortAudio(cfg.FramesPerBuffer, cfg.QueueDepth, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() || !r.bus.Healthy() {
		return false
	}
	if r.dictation != nil && !r.dictation.Healthy() {
		return false
	}
	return r.registry == nil || r.registry.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := []service.DeviceStatus{}
	if r.dictation != nil {
		devices = r.dictation.Devices()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(devices); err != nil {
		r.logger.Warn("failed to encode devices", slog.String("error", err.Error()))
	}
}
