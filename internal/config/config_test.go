package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Dictation.Locale != "es-MX" {
		t.Fatalf("expected es-MX locale, got %q", cfg.Dictation.Locale)
	}
	if cfg.Dictation.InactivityTimeoutMS != 2000 {
		t.Fatalf("expected 2s inactivity timeout, got %d", cfg.Dictation.InactivityTimeoutMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
dictation:
  locale: es-ES
  inactivity_timeout_ms: 1500
stt:
  mode: exec
  command: "whisper-stream --threads 2"
audio:
  source: portaudio
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dictation.Locale != "es-ES" || cfg.Dictation.InactivityTimeoutMS != 1500 {
		t.Fatalf("expected dictation overrides, got %+v", cfg.Dictation)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-stream --threads 2" {
		t.Fatalf("expected exec stt, got %+v", cfg.STT)
	}
	if cfg.Audio.Source != "portaudio" || cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected portaudio with default rate, got %+v", cfg.Audio)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_DICTATION_LOCALE", "es-AR")
	t.Setenv("LOQA_DICTATION_INACTIVITY_TIMEOUT_MS", "3000")
	t.Setenv("LOQA_DICTATION_UNAVAILABLE_MESSAGE", "sin reconocimiento")
	t.Setenv("LOQA_STT_PARTIAL_EVERY_MS", "250")
	t.Setenv("LOQA_STT_VOICE_THRESHOLD", "0.05")
	t.Setenv("LOQA_AUDIO_QUEUE_DEPTH", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Dictation.Locale != "es-AR" || cfg.Dictation.InactivityTimeoutMS != 3000 {
		t.Fatalf("expected dictation overrides, got %+v", cfg.Dictation)
	}
	if cfg.Dictation.UnavailableMessage != "sin reconocimiento" {
		t.Fatalf("expected unavailable message override")
	}
	if cfg.STT.PartialEveryMS != 250 || cfg.STT.VoiceThreshold != 0.05 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Audio.QueueDepth != 8 {
		t.Fatalf("expected queue depth override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	cfg := Default()
	cfg.STT.Mode = "exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsUnknownAudioSource(t *testing.T) {
	cfg := Default()
	cfg.Audio.Source = "alsa"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.Dictation.InactivityTimeoutMS = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateSkipsDictationWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Dictation.Enabled = false
	cfg.STT.Mode = "unknown"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
