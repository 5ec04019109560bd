package config

import (
	"os"
	"path/filepath"
	"strings"
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
	if cfg.STT.ChunkSeconds != 15 {
		t.Fatalf("expected 15s chunks, got %v", cfg.STT.ChunkSeconds)
	}
	if cfg.STT.MaxDecodeIterations != 1024 {
		t.Fatalf("expected decode cap 1024, got %d", cfg.STT.MaxDecodeIterations)
	}
	if cfg.STT.SilencePreroll != 2 {
		t.Fatalf("expected preroll 2, got %d", cfg.STT.SilencePreroll)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SCRIBE_STT_MODE", "mock-streaming")
	t.Setenv("SCRIBE_STT_CHUNK_SECONDS", "5.5")
	t.Setenv("SCRIBE_STT_VAD_ENABLED", "true")
	t.Setenv("SCRIBE_STT_VAD_THRESHOLD", "0.4")
	t.Setenv("SCRIBE_STT_THREADS", "8")
	t.Setenv("SCRIBE_NODE_ID", "kitchen")
	t.Setenv("SCRIBE_TELEMETRY_TRACE_EXPORTER", "stdout")
	t.Setenv("SCRIBE_BUS_MAX_PAYLOAD_KB", "4096")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.STT.Mode != "mock-streaming" {
		t.Fatalf("expected stt mode override, got %q", cfg.STT.Mode)
	}
	if cfg.STT.ChunkSeconds != 5.5 {
		t.Fatalf("expected chunk seconds 5.5, got %v", cfg.STT.ChunkSeconds)
	}
	if !cfg.STT.VADEnabled || cfg.STT.VADThreshold != 0.4 {
		t.Fatalf("expected vad overrides, got %v %v", cfg.STT.VADEnabled, cfg.STT.VADThreshold)
	}
	if cfg.STT.Threads != 8 {
		t.Fatalf("expected 8 threads, got %d", cfg.STT.Threads)
	}
	if cfg.Node.ID != "kitchen" || cfg.Telemetry.TraceExporter != "stdout" || cfg.Bus.MaxPayloadKB != 4096 {
		t.Fatalf("unexpected node/telemetry/bus overrides: %q %q %d", cfg.Node.ID, cfg.Telemetry.TraceExporter, cfg.Bus.MaxPayloadKB)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := `
runtime_name: scribe-test
stt:
  mode: exec
  command: "whisper-cli --json"
  model_path: /models/base.bin
  chunk_seconds: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-cli --json" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
	if cfg.STT.ChunkSeconds != 10 {
		t.Fatalf("expected chunk seconds 10, got %v", cfg.STT.ChunkSeconds)
	}
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default sample rate to survive, got %d", cfg.STT.SampleRate)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_STT_MODE", "exec")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "stt.command") {
		t.Fatalf("expected stt.command error, got %v", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Setenv("SCRIBE_STT_MODE", "whisper")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown stt mode")
	}
}

func TestValidateRejectsShortBuffer(t *testing.T) {
	t.Setenv("SCRIBE_STT_BUFFER_SECONDS", "5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when buffer is shorter than a chunk")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateTraceExporter(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TraceExporter = "otlp"
	if err := validate(cfg); err == nil {
		t.Fatal("expected otlp without endpoint to be rejected")
	}
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Telemetry.TraceExporter = "jaeger"
	if err := validate(cfg); err == nil {
		t.Fatal("expected unknown exporter to be rejected")
	}
}

func TestValidateNodeHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Node.HeartbeatTimeoutMS = cfg.Node.HeartbeatIntervalMS
	if err := validate(cfg); err == nil {
		t.Fatal("expected heartbeat timeout not exceeding interval to be rejected")
	}
}
