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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Capture     CaptureConfig     `yaml:"capture"`
	Listener    ListenerConfig    `yaml:"listener"`
	Refine      RefineConfig      `yaml:"refine"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	HistoryCap int    `yaml:"history_cap"`
}

type CoordinatorConfig struct {
	ReadyTimeoutMS int `yaml:"ready_timeout_ms"`
}

type CaptureConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Engine     string         `yaml:"engine"` // mock, deepgram
	Language   string         `yaml:"language"`
	SampleRate int            `yaml:"sample_rate"`
	Channels   int            `yaml:"channels"`
	Mic        MicConfig      `yaml:"mic"`
	RecordDir  string         `yaml:"record_dir"`
	Deepgram   DeepgramConfig `yaml:"deepgram"`
}

type MicConfig struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`
}

type DeepgramConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type ListenerConfig struct {
	Enabled           bool `yaml:"enabled"`
	StatusAutoClearMS int  `yaml:"status_auto_clear_ms"`
}

type RefineConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "sotto-runtime",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:       "./data/sotto.db",
			HistoryCap: 500,
		},
		Coordinator: CoordinatorConfig{
			ReadyTimeoutMS: 1500,
		},
		Capture: CaptureConfig{
			Enabled:    true,
			Engine:     "mock",
			Language:   "en-US",
			SampleRate: 16000,
			Channels:   1,
			Mic: MicConfig{
				Command:     "ffmpeg",
				InputFormat: "pulse",
			},
			Deepgram: DeepgramConfig{
				Endpoint: "wss://api.deepgram.com/v1/listen",
				Model:    "nova-2",
			},
		},
		Listener: ListenerConfig{
			Enabled:           true,
			StatusAutoClearMS: 3000,
		},
		Refine: RefineConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.3,
			TimeoutMS:   60000,
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
	overrideString(&cfg.RuntimeName, "SOTTO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SOTTO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SOTTO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SOTTO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SOTTO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SOTTO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SOTTO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SOTTO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SOTTO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SOTTO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SOTTO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SOTTO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SOTTO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SOTTO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SOTTO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SOTTO_STORE_PATH")
	overrideInt(&cfg.Store.HistoryCap, "SOTTO_STORE_HISTORY_CAP")
	overrideInt(&cfg.Coordinator.ReadyTimeoutMS, "SOTTO_COORDINATOR_READY_TIMEOUT_MS")
	overrideBool(&cfg.Capture.Enabled, "SOTTO_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Engine, "SOTTO_CAPTURE_ENGINE")
	overrideString(&cfg.Capture.Language, "SOTTO_CAPTURE_LANGUAGE")
	overrideInt(&cfg.Capture.SampleRate, "SOTTO_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SOTTO_CAPTURE_CHANNELS")
	overrideString(&cfg.Capture.Mic.Command, "SOTTO_CAPTURE_MIC_COMMAND")
	overrideString(&cfg.Capture.Mic.InputFormat, "SOTTO_CAPTURE_MIC_INPUT_FORMAT")
	overrideString(&cfg.Capture.Mic.Device, "SOTTO_CAPTURE_MIC_DEVICE")
	overrideString(&cfg.Capture.RecordDir, "SOTTO_CAPTURE_RECORD_DIR")
	overrideString(&cfg.Capture.Deepgram.APIKey, "SOTTO_CAPTURE_DEEPGRAM_API_KEY")
	overrideString(&cfg.Capture.Deepgram.Endpoint, "SOTTO_CAPTURE_DEEPGRAM_ENDPOINT")
	overrideString(&cfg.Capture.Deepgram.Model, "SOTTO_CAPTURE_DEEPGRAM_MODEL")
	overrideBool(&cfg.Listener.Enabled, "SOTTO_LISTENER_ENABLED")
	overrideInt(&cfg.Listener.StatusAutoClearMS, "SOTTO_LISTENER_STATUS_AUTO_CLEAR_MS")
	overrideBool(&cfg.Refine.Enabled, "SOTTO_REFINE_ENABLED")
	overrideString(&cfg.Refine.Mode, "SOTTO_REFINE_MODE")
	overrideString(&cfg.Refine.Endpoint, "SOTTO_REFINE_ENDPOINT")
	overrideString(&cfg.Refine.Command, "SOTTO_REFINE_COMMAND")
	overrideString(&cfg.Refine.Model, "SOTTO_REFINE_MODEL")
	overrideInt(&cfg.Refine.MaxTokens, "SOTTO_REFINE_MAX_TOKENS")
	overrideFloat(&cfg.Refine.Temperature, "SOTTO_REFINE_TEMPERATURE")
	overrideInt(&cfg.Refine.TimeoutMS, "SOTTO_REFINE_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.HistoryCap <= 0 {
		return errors.New("store.history_cap must be positive")
	}
	if cfg.Coordinator.ReadyTimeoutMS <= 0 {
		return errors.New("coordinator.ready_timeout_ms must be positive")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Engine {
		case "mock", "deepgram":
		default:
			return errors.New("capture.engine must be one of mock|deepgram")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.Engine == "deepgram" && cfg.Capture.Deepgram.APIKey == "" {
			return errors.New("capture.deepgram.api_key must be set when engine=deepgram")
		}
	}
	if cfg.Listener.Enabled && cfg.Listener.StatusAutoClearMS <= 0 {
		return errors.New("listener.status_auto_clear_ms must be positive")
	}
	if cfg.Refine.Enabled {
		switch cfg.Refine.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("refine.mode must be one of mock|ollama|exec")
		}
		if cfg.Refine.Mode == "ollama" && cfg.Refine.Endpoint == "" {
			return errors.New("refine.endpoint must be set when mode=ollama")
		}
		if cfg.Refine.Mode == "exec" && cfg.Refine.Command == "" {
			return errors.New("refine.command must be set when mode=exec")
		}
		if cfg.Refine.MaxTokens < 0 {
			return errors.New("refine.max_tokens must be >= 0")
		}
		if cfg.Refine.TimeoutMS <= 0 {
			return errors.New("refine.timeout_ms must be positive")
		}
	}
	return nil
}
