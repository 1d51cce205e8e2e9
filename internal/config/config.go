package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces prints spans to stdout when no OTLP endpoint is set.
	StdoutTraces bool   `yaml:"stdout_traces"`
}

// Level maps LogLevel onto a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// AudioRoot, when set, confines audio_path in HTTP requests to this
	// directory.
	AudioRoot string `yaml:"audio_root"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	STT         STTConfig       `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // whispercpp, exec, mock
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Threads        int    `yaml:"thread_count"`
	UseGPU         bool   `yaml:"use_gpu"`
	FlashAttention bool   `yaml:"flash_attn"`
	GPUDevice      int    `yaml:"gpu_device"`
	ShareModel     bool   `yaml:"share_model"`
	WatchModel     bool   `yaml:"watch_model"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	QueueGroup     string `yaml:"queue_group"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcriber",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-stt-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.transcribe", Tier: "balanced"},
			},
		},
		STT: STTConfig{
			Enabled:        true,
			Mode:           "whispercpp",
			ModelPath:      "./models/ggml-base.en.bin",
			Language:       "en",
			Threads:        4,
			GPUDevice:      0,
			MaxConcurrency: 2,
			TimeoutMS:      120000,
			QueueGroup:     "stt-workers",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.AudioRoot, "LOQA_HTTP_AUDIO_ROOT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
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
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREAD_COUNT")
	overrideBool(&cfg.STT.UseGPU, "LOQA_STT_USE_GPU")
	overrideBool(&cfg.STT.FlashAttention, "LOQA_STT_FLASH_ATTN")
	overrideInt(&cfg.STT.GPUDevice, "LOQA_STT_GPU_DEVICE")
	overrideBool(&cfg.STT.ShareModel, "LOQA_STT_SHARE_MODEL")
	overrideBool(&cfg.STT.WatchModel, "LOQA_STT_WATCH_MODEL")
	overrideInt(&cfg.STT.MaxConcurrency, "LOQA_STT_MAX_CONCURRENCY")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.QueueGroup, "LOQA_STT_QUEUE_GROUP")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "whispercpp", "exec", "mock":
		default:
			return errors.New("stt.mode must be one of whispercpp|exec|mock")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must not be empty")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Threads <= 0 {
			return errors.New("stt.thread_count must be positive")
		}
		if cfg.STT.GPUDevice < 0 {
			return errors.New("stt.gpu_device must be >= 0")
		}
		if cfg.STT.MaxConcurrency <= 0 {
			return errors.New("stt.max_concurrency must be >= 1")
		}
		if cfg.STT.TimeoutMS < 0 {
			return errors.New("stt.timeout_ms must be >= 0")
		}
		if cfg.STT.WatchModel && !cfg.STT.ShareModel {
			return errors.New("stt.watch_model requires stt.share_model")
		}
	}
	return nil
}
