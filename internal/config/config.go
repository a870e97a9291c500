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
	TraceExporter  string `yaml:"trace_exporter"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Capture     CaptureConfig     `yaml:"capture"`
	Conditioner ConditionerConfig `yaml:"conditioner"`
	Inference   InferenceConfig   `yaml:"inference"`
	Refine      RefineConfig      `yaml:"refine"`
	History     HistoryConfig     `yaml:"history"`
	Status      StatusConfig      `yaml:"status"`
	Dictation   DictationConfig   `yaml:"dictation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	JetStream      bool     `yaml:"jetstream"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int      `yaml:"max_payload_bytes"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig selects the microphone recorder.
type CaptureConfig struct {
	Mode       string `yaml:"mode"` // exec, portaudio
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// ConditionerConfig configures container decoding.
type ConditionerConfig struct {
	DecoderCommand string `yaml:"decoder_command"`
}

type InferenceConfig struct {
	Mode         string `yaml:"mode"`    // local, exec, wasm
	Backend      string `yaml:"backend"` // mock, exec, whisper (local mode)
	Command      string `yaml:"command"`
	Module       string `yaml:"module"`
	ModelPath    string `yaml:"model_path"`
	Language     string `yaml:"language"`
	Recognizer   string `yaml:"recognizer_command"`
	PreloadModel bool   `yaml:"preload_model"`
}

type RefineConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	BaseURL     string  `yaml:"base_url"` // openai-compatible servers
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Instruction string  `yaml:"instruction"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type HistoryConfig struct {
	Driver        string `yaml:"driver"` // sqlite, postgres
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StatusConfig struct {
	Enabled           bool   `yaml:"enabled"`
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type DictationConfig struct {
	SubscribeFrames  bool   `yaml:"subscribe_frames"`
	FrameSampleRate  int    `yaml:"frame_sample_rate"`
	FrameChannels    int    `yaml:"frame_channels"`
	MaxSessionBytes  int    `yaml:"max_session_bytes"`
	TranscribeTimeMS int    `yaml:"transcribe_timeout_ms"`
	RefineByDefault  bool   `yaml:"refine_by_default"`
	Source           string `yaml:"source"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "127.0.0.1",
			Port:           8090,
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 50 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			TraceExporter:  "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayload:     4 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:       "exec",
			Command:    "arecord -q -t raw -f S16_LE -r 48000 -c 1",
			SampleRate: 48000,
			Channels:   1,
		},
		Conditioner: ConditionerConfig{
			DecoderCommand: "ffmpeg -loglevel error -y",
		},
		Inference: InferenceConfig{
			Mode:         "local",
			Backend:      "mock",
			Command:      "dictate-worker -backend whisper",
			ModelPath:    "./models/whisper-base",
			Language:     "en",
			PreloadModel: true,
		},
		Refine: RefineConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			Instruction: "Fix punctuation and capitalization. Do not change the wording.",
			MaxTokens:   512,
			Temperature: 0.2,
			TimeoutMS:   15000,
		},
		History: HistoryConfig{
			Driver:        "sqlite",
			Path:          "./data/dictate-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Status: StatusConfig{
			Enabled:           true,
			NodeID:            "dictate-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Dictation: DictationConfig{
			SubscribeFrames:  true,
			FrameSampleRate:  16000,
			FrameChannels:    1,
			MaxSessionBytes:  16000 * 2 * 300,
			TranscribeTimeMS: 120000,
			Source:           "api",
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
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "DICTATE_HTTP_ALLOWED_ORIGINS")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "DICTATE_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "DICTATE_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Enabled, "DICTATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "DICTATE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideBool(&cfg.Bus.JetStream, "DICTATE_BUS_JETSTREAM")
	overrideString(&cfg.Bus.StoreDir, "DICTATE_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxPayload, "DICTATE_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "DICTATE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "DICTATE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "DICTATE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "DICTATE_CAPTURE_CHANNELS")
	overrideString(&cfg.Conditioner.DecoderCommand, "DICTATE_CONDITIONER_DECODER_COMMAND")
	overrideString(&cfg.Inference.Mode, "DICTATE_INFERENCE_MODE")
	overrideString(&cfg.Inference.Backend, "DICTATE_INFERENCE_BACKEND")
	overrideString(&cfg.Inference.Command, "DICTATE_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.Module, "DICTATE_INFERENCE_MODULE")
	overrideString(&cfg.Inference.ModelPath, "DICTATE_INFERENCE_MODEL_PATH")
	overrideString(&cfg.Inference.Language, "DICTATE_INFERENCE_LANGUAGE")
	overrideString(&cfg.Inference.Recognizer, "DICTATE_INFERENCE_RECOGNIZER_COMMAND")
	overrideBool(&cfg.Inference.PreloadModel, "DICTATE_INFERENCE_PRELOAD_MODEL")
	overrideBool(&cfg.Refine.Enabled, "DICTATE_REFINE_ENABLED")
	overrideString(&cfg.Refine.Mode, "DICTATE_REFINE_MODE")
	overrideString(&cfg.Refine.Endpoint, "DICTATE_REFINE_ENDPOINT")
	overrideString(&cfg.Refine.BaseURL, "DICTATE_REFINE_BASE_URL")
	overrideString(&cfg.Refine.Command, "DICTATE_REFINE_COMMAND")
	overrideString(&cfg.Refine.Model, "DICTATE_REFINE_MODEL")
	overrideString(&cfg.Refine.APIKey, "DICTATE_REFINE_API_KEY")
	overrideString(&cfg.Refine.Instruction, "DICTATE_REFINE_INSTRUCTION")
	overrideInt(&cfg.Refine.MaxTokens, "DICTATE_REFINE_MAX_TOKENS")
	overrideFloat(&cfg.Refine.Temperature, "DICTATE_REFINE_TEMPERATURE")
	overrideInt(&cfg.Refine.TimeoutMS, "DICTATE_REFINE_TIMEOUT_MS")
	overrideString(&cfg.History.Driver, "DICTATE_HISTORY_DRIVER")
	overrideString(&cfg.History.Path, "DICTATE_HISTORY_PATH")
	overrideString(&cfg.History.DSN, "DICTATE_HISTORY_DSN")
	overrideString(&cfg.History.RetentionMode, "DICTATE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "DICTATE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "DICTATE_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "DICTATE_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Status.Enabled, "DICTATE_STATUS_ENABLED")
	overrideString(&cfg.Status.NodeID, "DICTATE_STATUS_NODE_ID")
	overrideInt(&cfg.Status.HeartbeatInterval, "DICTATE_STATUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Status.HeartbeatTimeout, "DICTATE_STATUS_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Dictation.SubscribeFrames, "DICTATE_DICTATION_SUBSCRIBE_FRAMES")
	overrideInt(&cfg.Dictation.FrameSampleRate, "DICTATE_DICTATION_FRAME_SAMPLE_RATE")
	overrideInt(&cfg.Dictation.FrameChannels, "DICTATE_DICTATION_FRAME_CHANNELS")
	overrideInt(&cfg.Dictation.MaxSessionBytes, "DICTATE_DICTATION_MAX_SESSION_BYTES")
	overrideInt(&cfg.Dictation.TranscribeTimeMS, "DICTATE_DICTATION_TRANSCRIBE_TIMEOUT_MS")
	overrideBool(&cfg.Dictation.RefineByDefault, "DICTATE_DICTATION_REFINE_BY_DEFAULT")
	overrideString(&cfg.Dictation.Source, "DICTATE_DICTATION_SOURCE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Mode {
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "portaudio":
	default:
		return errors.New("capture.mode must be one of exec|portaudio")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Inference.Mode {
	case "local":
		switch cfg.Inference.Backend {
		case "mock", "exec", "whisper":
		default:
			return errors.New("inference.backend must be one of mock|exec|whisper")
		}
		if cfg.Inference.Backend == "exec" && cfg.Inference.Recognizer == "" {
			return errors.New("inference.recognizer_command must be set when backend=exec")
		}
	case "exec":
		if cfg.Inference.Command == "" {
			return errors.New("inference.command must be set when mode=exec")
		}
	case "wasm":
		if cfg.Inference.Module == "" {
			return errors.New("inference.module must be set when mode=wasm")
		}
	default:
		return errors.New("inference.mode must be one of local|exec|wasm")
	}
	if cfg.Refine.Enabled {
		switch cfg.Refine.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("refine.mode must be one of mock|ollama|openai|exec")
		}
		if cfg.Refine.Mode == "ollama" && cfg.Refine.Endpoint == "" {
			return errors.New("refine.endpoint must be set when mode=ollama")
		}
		if cfg.Refine.Mode == "openai" && cfg.Refine.APIKey == "" {
			return errors.New("refine.api_key must be set when mode=openai")
		}
		if cfg.Refine.Mode == "exec" && cfg.Refine.Command == "" {
			return errors.New("refine.command must be set when mode=exec")
		}
		if cfg.Refine.MaxTokens < 0 {
			return errors.New("refine.max_tokens must be >= 0")
		}
	}
	switch cfg.History.Driver {
	case "sqlite":
		if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
			return errors.New("history.path must not be empty")
		}
	case "postgres":
		if cfg.History.DSN == "" {
			return errors.New("history.dsn must be set when driver=postgres")
		}
	default:
		return errors.New("history.driver must be one of sqlite|postgres")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Status.Enabled {
		if cfg.Status.NodeID == "" {
			return errors.New("status.node_id must not be empty")
		}
		if cfg.Status.HeartbeatInterval <= 0 {
			return errors.New("status.heartbeat_interval_ms must be positive")
		}
		if cfg.Status.HeartbeatTimeout <= cfg.Status.HeartbeatInterval {
			return errors.New("status.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.Dictation.FrameSampleRate <= 0 {
		return errors.New("dictation.frame_sample_rate must be positive")
	}
	if cfg.Dictation.FrameChannels <= 0 {
		return errors.New("dictation.frame_channels must be positive")
	}
	if cfg.Dictation.MaxSessionBytes <= 0 {
		return errors.New("dictation.max_session_bytes must be positive")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	return nil
}
