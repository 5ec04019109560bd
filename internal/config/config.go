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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is one of none, stdout or otlp. otlp requires
	// OTLPEndpoint.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
}

// NodeConfig identifies this process to other scribe nodes on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxPayloadKB   int      `yaml:"max_payload_kb"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig controls the recognizer backend and the inference loops.
type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, mock-streaming, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	ChunkSeconds   float64 `yaml:"chunk_seconds"`
	VADEnabled     bool    `yaml:"vad_enabled"`
	VADThreshold   float64 `yaml:"vad_threshold"`
	SilencePreroll int     `yaml:"silence_preroll"`
	BufferSeconds  float64 `yaml:"buffer_seconds"`

	PollIntervalMS      int `yaml:"poll_interval_ms"`
	DrainTimeoutMS      int `yaml:"drain_timeout_ms"`
	WorkerJoinTimeoutMS int `yaml:"worker_join_timeout_ms"`
	MaxDecodeIterations int `yaml:"max_decode_iterations"`

	PublishInterim bool `yaml:"publish_interim"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind:   ":9091",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
		},
		Node: NodeConfig{
			ID:                  "scribe-local",
			Role:                "transcriber",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			MaxPayloadKB:   2048,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:             true,
			Mode:                "mock",
			Threads:             4,
			SampleRate:          16000,
			Channels:            1,
			ChunkSeconds:        15,
			VADEnabled:          false,
			VADThreshold:        0.3,
			SilencePreroll:      2,
			BufferSeconds:       600,
			PollIntervalMS:      100,
			DrainTimeoutMS:      2000,
			WorkerJoinTimeoutMS: 3000,
			MaxDecodeIterations: 1024,
			PublishInterim:      true,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "SCRIBE_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SCRIBE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideInt(&cfg.Bus.MaxPayloadKB, "SCRIBE_BUS_MAX_PAYLOAD_KB")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "SCRIBE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "SCRIBE_STT_THREADS")
	overrideInt(&cfg.STT.SampleRate, "SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SCRIBE_STT_CHANNELS")
	overrideFloat(&cfg.STT.ChunkSeconds, "SCRIBE_STT_CHUNK_SECONDS")
	overrideBool(&cfg.STT.VADEnabled, "SCRIBE_STT_VAD_ENABLED")
	overrideFloat(&cfg.STT.VADThreshold, "SCRIBE_STT_VAD_THRESHOLD")
	overrideInt(&cfg.STT.SilencePreroll, "SCRIBE_STT_SILENCE_PREROLL")
	overrideFloat(&cfg.STT.BufferSeconds, "SCRIBE_STT_BUFFER_SECONDS")
	overrideInt(&cfg.STT.PollIntervalMS, "SCRIBE_STT_POLL_INTERVAL_MS")
	overrideInt(&cfg.STT.DrainTimeoutMS, "SCRIBE_STT_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.STT.WorkerJoinTimeoutMS, "SCRIBE_STT_WORKER_JOIN_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxDecodeIterations, "SCRIBE_STT_MAX_DECODE_ITERATIONS")
	overrideBool(&cfg.STT.PublishInterim, "SCRIBE_STT_PUBLISH_INTERIM")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxPayloadKB < 0 || cfg.Bus.MaxPayloadKB > 64*1024 {
				return errors.New("bus.max_payload_kb must be between 0 and 65536")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.STT.Enabled {
		if err := validateSTT(cfg.STT); err != nil {
			return err
		}
	}
	return nil
}

func validateSTT(cfg STTConfig) error {
	switch cfg.Mode {
	case "mock", "mock-streaming", "exec":
	default:
		return errors.New("stt.mode must be one of mock|mock-streaming|exec")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.Threads <= 0 {
		return errors.New("stt.threads must be positive")
	}
	if cfg.ChunkSeconds <= 0 {
		return errors.New("stt.chunk_seconds must be positive")
	}
	if cfg.BufferSeconds < cfg.ChunkSeconds {
		return errors.New("stt.buffer_seconds must be at least stt.chunk_seconds")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return errors.New("stt.vad_threshold must be between 0 and 1")
	}
	if cfg.SilencePreroll < 0 {
		return errors.New("stt.silence_preroll must be >= 0")
	}
	if cfg.PollIntervalMS <= 0 {
		return errors.New("stt.poll_interval_ms must be positive")
	}
	if cfg.DrainTimeoutMS <= 0 || cfg.WorkerJoinTimeoutMS <= 0 {
		return errors.New("stt.drain_timeout_ms and stt.worker_join_timeout_ms must be positive")
	}
	if cfg.MaxDecodeIterations <= 0 {
		return errors.New("stt.max_decode_iterations must be positive")
	}
	return nil
}
