package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 3000
	DefaultWebhookPath     = "/webhook"
	DefaultEventTimeout    = "30s"
	DefaultReplyTimeout    = "10s"
	DefaultShutdownTimeout = "10s"
	DefaultDownloadTimeout = "2m"
	DefaultMaxImageBytes   = 10 << 20 // 10MB
	DefaultStatsSchedule   = "0 */5 * * * *"
	DefaultLogLevel        = "info"
	DefaultServiceName     = "freshbot"
)

type Config struct {
	Line    LineConfig    `json:"line"`
	Model   ModelConfig   `json:"model"`
	Gateway GatewayConfig `json:"gateway"`
	Stats   StatsConfig   `json:"stats"`
	Tracing TracingConfig `json:"tracing"`
	Log     LogConfig     `json:"log"`
}

type LineConfig struct {
	ChannelAccessToken string `json:"channelAccessToken"`
	ChannelSecret      string `json:"channelSecret"`
}

type ModelConfig struct {
	// URL of the ONNX artifact. file:// URLs and plain paths are used in place.
	URL             string `json:"url"`
	Dir             string `json:"dir,omitempty"`
	RuntimeLibrary  string `json:"runtimeLibrary,omitempty"`
	LabelsFile      string `json:"labelsFile,omitempty"`
	InputName       string `json:"inputName,omitempty"`
	OutputName      string `json:"outputName,omitempty"`
	IntraOpThreads  int    `json:"intraOpThreads,omitempty"`
	MaxImageBytes   int64  `json:"maxImageBytes,omitempty"`
	Refresh         bool   `json:"refresh,omitempty"`
	DownloadTimeout string `json:"downloadTimeout,omitempty"`
}

type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	WebhookPath     string `json:"webhookPath"`
	EventTimeout    string `json:"eventTimeout"`
	ReplyTimeout    string `json:"replyTimeout"`
	ShutdownTimeout string `json:"shutdownTimeout"`
}

type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

type TracingConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	SampleRate  float64           `json:"sampleRate,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"` // "json" (default) or "console"
}

func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Dir:             filepath.Join(ConfigDir(), "models"),
			MaxImageBytes:   DefaultMaxImageBytes,
			DownloadTimeout: DefaultDownloadTimeout,
		},
		Gateway: GatewayConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			WebhookPath:     DefaultWebhookPath,
			EventTimeout:    DefaultEventTimeout,
			ReplyTimeout:    DefaultReplyTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Stats: StatsConfig{
			Enabled:  true,
			Schedule: DefaultStatsSchedule,
		},
		Tracing: TracingConfig{
			ServiceName: DefaultServiceName,
			SampleRate:  1.0,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".freshbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("CHANNEL_ACCESS_TOKEN"); token != "" {
		cfg.Line.ChannelAccessToken = token
	}
	if secret := os.Getenv("CHANNEL_SECRET"); secret != "" {
		cfg.Line.ChannelSecret = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if url := os.Getenv("FRESHBOT_MODEL_URL"); url != "" {
		cfg.Model.URL = url
	}
	if dir := os.Getenv("FRESHBOT_MODEL_DIR"); dir != "" {
		cfg.Model.Dir = dir
	}
	if lib := os.Getenv("FRESHBOT_ORT_LIB"); lib != "" {
		cfg.Model.RuntimeLibrary = lib
	}
	if labels := os.Getenv("FRESHBOT_LABELS_FILE"); labels != "" {
		cfg.Model.LabelsFile = labels
	}
	if level := os.Getenv("FRESHBOT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if timeout := os.Getenv("FRESHBOT_EVENT_TIMEOUT"); timeout != "" {
		cfg.Gateway.EventTimeout = timeout
	}
	if endpoint := os.Getenv("FRESHBOT_TRACING_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Enabled = true
	}

	if cfg.Model.Dir == "" {
		cfg.Model.Dir = DefaultConfig().Model.Dir
	}
	if cfg.Model.MaxImageBytes <= 0 {
		cfg.Model.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.Gateway.WebhookPath) == "" {
		cfg.Gateway.WebhookPath = DefaultWebhookPath
	}
	if cfg.Stats.Schedule == "" {
		cfg.Stats.Schedule = DefaultStatsSchedule
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// Validate reports settings the gateway cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Line.ChannelAccessToken) == "" {
		return fmt.Errorf("channel access token not set (CHANNEL_ACCESS_TOKEN)")
	}
	if strings.TrimSpace(c.Line.ChannelSecret) == "" {
		return fmt.Errorf("channel secret not set (CHANNEL_SECRET)")
	}
	if strings.TrimSpace(c.Model.URL) == "" {
		return fmt.Errorf("model url not set (FRESHBOT_MODEL_URL)")
	}
	for name, value := range map[string]string{
		"gateway.eventTimeout":    c.Gateway.EventTimeout,
		"gateway.replyTimeout":    c.Gateway.ReplyTimeout,
		"gateway.shutdownTimeout": c.Gateway.ShutdownTimeout,
		"model.downloadTimeout":   c.Model.DownloadTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	return nil
}

// Duration parses value, falling back when it is empty, invalid or non-positive.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
