package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Dictation   DictationConfig  `yaml:"dictation"`
	STT         STTConfig        `yaml:"stt"`
	Audio       AudioConfig      `yaml:"audio"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DictationConfig controls the per-device dictation sessions.
type DictationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Locale              string `yaml:"locale"`
	InactivityTimeoutMS int    `yaml:"inactivity_timeout_ms"`
	UnavailableMessage  string `yaml:"unavailable_message"`
	MaxDevices          int    `yaml:"max_devices"`
}

type STTConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	ModelPath       string  `yaml:"model_path"`
	PartialEveryMS  int     `yaml:"partial_every_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	MaxAudioSeconds int     `yaml:"max_audio_seconds"`
	VoiceThreshold  float64 `yaml:"voice_threshold"`
}

type AudioConfig struct {
	Source          string `yaml:"source"` // bus, portaudio
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	QueueDepth      int    `yaml:"queue_depth"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictation-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Dictation: DictationConfig{
			Enabled:             true,
			Locale:              "es-MX",
			InactivityTimeoutMS: 2000,
			UnavailableMessage:  "Text recognition unavailable. Sorry!",
			MaxDevices:          64,
		},
		STT: STTConfig{
			Mode:            "mock",
			PartialEveryMS:  400,
			TimeoutMS:       15000,
			MaxAudioSeconds: 60,
			VoiceThreshold:  0.02,
		},
		Audio: AudioConfig{
			Source:          "bus",
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 1024,
			QueueDepth:      64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Dictation.Enabled, "LOQA_DICTATION_ENABLED")
	overrideString(&cfg.Dictation.Locale, "LOQA_DICTATION_LOCALE")
	overrideInt(&cfg.Dictation.InactivityTimeoutMS, "LOQA_DICTATION_INACTIVITY_TIMEOUT_MS")
	overrideString(&cfg.Dictation.UnavailableMessage, "LOQA_DICTATION_UNAVAILABLE_MESSAGE")
	overrideInt(&cfg.Dictation.MaxDevices, "LOQA_DICTATION_MAX_DEVICES")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxAudioSeconds, "LOQA_STT_MAX_AUDIO_SECONDS")
	overrideFloat(&cfg.STT.VoiceThreshold, "LOQA_STT_VOICE_THRESHOLD")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "LOQA_AUDIO_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Audio.QueueDepth, "LOQA_AUDIO_QUEUE_DEPTH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Dictation.Enabled {
		if strings.TrimSpace(cfg.Dictation.Locale) == "" {
			return errors.New("dictation.locale must not be empty")
		}
		if cfg.Dictation.InactivityTimeoutMS <= 0 {
			return errors.New("dictation.inactivity_timeout_ms must be positive")
		}
		if cfg.Dictation.MaxDevices <= 0 {
			return errors.New("dictation.max_devices must be >= 1")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.PartialEveryMS <= 0 {
			return errors.New("stt.partial_every_ms must be positive")
		}
		if cfg.STT.MaxAudioSeconds <= 0 {
			return errors.New("stt.max_audio_seconds must be positive")
		}
		switch cfg.Audio.Source {
		case "bus", "portaudio":
		default:
			return errors.New("audio.source must be one of bus|portaudio")
		}
		if cfg.Audio.SampleRate <= 0 {
			return errors.New("audio.sample_rate must be positive")
		}
		if cfg.Audio.Channels <= 0 {
			return errors.New("audio.channels must be positive")
		}
		if cfg.Audio.FramesPerBuffer <= 0 {
			return errors.New("audio.frames_per_buffer must be positive")
		}
		if cfg.Audio.QueueDepth <= 0 {
			return errors.New("audio.queue_depth must be positive")
		}
	}
	return nil
}
