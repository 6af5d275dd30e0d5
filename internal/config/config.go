package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	StdoutTraces  bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// TriggerRatePerMinute limits POST /v1/batch per client IP. Zero disables.
	TriggerRatePerMinute int `yaml:"trigger_rate_per_minute"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	STT         STTConfig        `yaml:"stt"`
	Annotation  AnnotationConfig `yaml:"annotation"`
	Auth        AuthConfig       `yaml:"auth"`
	Batch       BatchConfig      `yaml:"batch"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// RetainBatchMessages keeps progress and completion messages in a
	// JetStream stream. Off by default: listeners get live events only.
	RetainBatchMessages bool `yaml:"retain_batch_messages"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, openai
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
}

type AnnotationConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"` // osm, mock
	BaseURL          string  `yaml:"base_url"`
	MaxTextLength    int     `yaml:"max_text_length"`
	PublishTimeoutMS int     `yaml:"publish_timeout_ms"`
	HTTPTimeoutMS    int     `yaml:"http_timeout_ms"`
	RatePerSecond    float64 `yaml:"rate_per_second"`
	RateBurst        int     `yaml:"rate_burst"`
}

type AuthConfig struct {
	Backend    string `yaml:"backend"` // sqlite, file
	FilePath   string `yaml:"file_path"`
	Passphrase string `yaml:"passphrase"`
	Provider   string `yaml:"provider"`
}

type BatchConfig struct {
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
	Schedule            string `yaml:"schedule"`
	QueueSize           int    `yaml:"queue_size"`
}

// TranscribeTimeout is the per-item ceiling for the transcription call.
func (c BatchConfig) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutMS) * time.Millisecond
}

func (c AnnotationConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

func (c AnnotationConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-notes",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                 "0.0.0.0",
			Port:                 8080,
			TriggerRatePerMinute: 30,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/loqa-notes.db",
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "en",
			Endpoint: "https://api.openai.com/v1",
			Model:    "whisper-1",
		},
		Annotation: AnnotationConfig{
			Enabled:          false,
			Mode:             "osm",
			BaseURL:          "https://api.openstreetmap.org",
			MaxTextLength:    2000,
			PublishTimeoutMS: 30000,
			HTTPTimeoutMS:    30000,
			RatePerSecond:    1,
			RateBurst:        1,
		},
		Auth: AuthConfig{
			Backend:  "sqlite",
			FilePath: "./data/credentials.json",
			Provider: "openstreetmap",
		},
		Batch: BatchConfig{
			TranscribeTimeoutMS: 120000,
			QueueSize:           16,
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
	overrideString(&cfg.RuntimeName, "LOQA_NOTES_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_NOTES_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_NOTES_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_NOTES_HTTP_PORT")
	overrideInt(&cfg.HTTP.TriggerRatePerMinute, "LOQA_NOTES_HTTP_TRIGGER_RATE_PER_MINUTE")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_NOTES_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_NOTES_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_NOTES_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_NOTES_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_NOTES_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_NOTES_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_NOTES_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_NOTES_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_NOTES_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_NOTES_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_NOTES_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_NOTES_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_NOTES_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_NOTES_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_NOTES_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.RetainBatchMessages, "LOQA_NOTES_BUS_RETAIN_BATCH_MESSAGES")
	overrideString(&cfg.Store.Path, "LOQA_NOTES_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_NOTES_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_NOTES_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_NOTES_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_NOTES_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_NOTES_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_NOTES_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_NOTES_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_NOTES_STT_MODEL")
	overrideBool(&cfg.Annotation.Enabled, "LOQA_NOTES_ANNOTATION_ENABLED")
	overrideString(&cfg.Annotation.Mode, "LOQA_NOTES_ANNOTATION_MODE")
	overrideString(&cfg.Annotation.BaseURL, "LOQA_NOTES_ANNOTATION_BASE_URL")
	overrideInt(&cfg.Annotation.MaxTextLength, "LOQA_NOTES_ANNOTATION_MAX_TEXT_LENGTH")
	overrideInt(&cfg.Annotation.PublishTimeoutMS, "LOQA_NOTES_ANNOTATION_PUBLISH_TIMEOUT_MS")
	overrideInt(&cfg.Annotation.HTTPTimeoutMS, "LOQA_NOTES_ANNOTATION_HTTP_TIMEOUT_MS")
	overrideFloat(&cfg.Annotation.RatePerSecond, "LOQA_NOTES_ANNOTATION_RATE_PER_SECOND")
	overrideInt(&cfg.Annotation.RateBurst, "LOQA_NOTES_ANNOTATION_RATE_BURST")
	overrideString(&cfg.Auth.Backend, "LOQA_NOTES_AUTH_BACKEND")
	overrideString(&cfg.Auth.FilePath, "LOQA_NOTES_AUTH_FILE_PATH")
	overrideString(&cfg.Auth.Passphrase, "LOQA_NOTES_AUTH_PASSPHRASE")
	overrideString(&cfg.Auth.Provider, "LOQA_NOTES_AUTH_PROVIDER")
	overrideInt(&cfg.Batch.TranscribeTimeoutMS, "LOQA_NOTES_BATCH_TRANSCRIBE_TIMEOUT_MS")
	overrideString(&cfg.Batch.Schedule, "LOQA_NOTES_BATCH_SCHEDULE")
	overrideInt(&cfg.Batch.QueueSize, "LOQA_NOTES_BATCH_QUEUE_SIZE")
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
	if cfg.HTTP.TriggerRatePerMinute < 0 {
		return errors.New("http.trigger_rate_per_minute must be >= 0")
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
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=openai")
		}
		if cfg.STT.Model == "" {
			return errors.New("stt.model must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	switch cfg.Annotation.Mode {
	case "osm":
		if cfg.Annotation.Enabled && cfg.Annotation.BaseURL == "" {
			return errors.New("annotation.base_url must be set when mode=osm")
		}
	case "mock":
	default:
		return errors.New("annotation.mode must be one of osm|mock")
	}
	if cfg.Annotation.MaxTextLength < 4 {
		return errors.New("annotation.max_text_length must be >= 4")
	}
	if cfg.Annotation.PublishTimeoutMS < 0 {
		return errors.New("annotation.publish_timeout_ms must be >= 0")
	}
	if cfg.Annotation.RatePerSecond < 0 {
		return errors.New("annotation.rate_per_second must be >= 0")
	}
	switch cfg.Auth.Backend {
	case "sqlite":
	case "file":
		if cfg.Auth.FilePath == "" {
			return errors.New("auth.file_path must be set when backend=file")
		}
	default:
		return errors.New("auth.backend must be one of sqlite|file")
	}
	if cfg.Batch.TranscribeTimeoutMS <= 0 {
		return errors.New("batch.transcribe_timeout_ms must be positive")
	}
	if cfg.Batch.QueueSize <= 0 {
		return errors.New("batch.queue_size must be >= 1")
	}
	return nil
}
