package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/rotator/core/format"
)

const DefaultPath = ".rotator/config.yaml"

const (
	DefaultMaxSessions           = 16
	DefaultCommitQueueDepth      = 4
	DefaultEnqueueTimeout        = time.Second
	DefaultFenceWaitTimeout      = time.Second
	DefaultFenceWaitRetryTimeout = 10 * time.Second
	DefaultIdlePowerDown         = time.Second
	DefaultHardwareRevision      = 2
	DefaultMaxDimension          = 4096
)

type Config struct {
	Pipeline PipelineDefaults `yaml:"pipeline"`
	Hardware HardwareDefaults `yaml:"hardware"`
	Log      LogDefaults      `yaml:"log"`
}

type PipelineDefaults struct {
	MaxSessions           int    `yaml:"max_sessions"`
	CommitQueueDepth      int    `yaml:"commit_queue_depth"`
	EnqueueTimeout        string `yaml:"enqueue_timeout"`
	FenceWaitTimeout      string `yaml:"fence_wait_timeout"`
	FenceWaitRetryTimeout string `yaml:"fence_wait_retry_timeout"`
	IdlePowerDown         string `yaml:"idle_power_down"`
}

type HardwareDefaults struct {
	Revision     int   `yaml:"revision"`
	MaxDimension int   `yaml:"max_dimension"`
	Imem         *bool `yaml:"imem"`
}

type LogDefaults struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Settings is the resolved, typed form of Config.
type Settings struct {
	MaxSessions           int
	CommitQueueDepth      int
	EnqueueTimeout        time.Duration
	FenceWaitTimeout      time.Duration
	FenceWaitRetryTimeout time.Duration
	IdlePowerDown         time.Duration
	HardwareRevision      int
	MaxDimension          int
	Imem                  bool
	LogLevel              slog.Level
	LogFormat             string
}

func Default() Config {
	imem := true
	return Config{
		Pipeline: PipelineDefaults{
			MaxSessions:           DefaultMaxSessions,
			CommitQueueDepth:      DefaultCommitQueueDepth,
			EnqueueTimeout:        DefaultEnqueueTimeout.String(),
			FenceWaitTimeout:      DefaultFenceWaitTimeout.String(),
			FenceWaitRetryTimeout: DefaultFenceWaitRetryTimeout.String(),
			IdlePowerDown:         DefaultIdlePowerDown.String(),
		},
		Hardware: HardwareDefaults{
			Revision:     DefaultHardwareRevision,
			MaxDimension: DefaultMaxDimension,
			Imem:         &imem,
		},
		Log: LogDefaults{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("rotator config path is required")
	}

	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read rotator config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse rotator config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

func (configuration *Config) normalize() {
	defaults := Default()
	if configuration.Pipeline.MaxSessions == 0 {
		configuration.Pipeline.MaxSessions = defaults.Pipeline.MaxSessions
	}
	if configuration.Pipeline.CommitQueueDepth == 0 {
		configuration.Pipeline.CommitQueueDepth = defaults.Pipeline.CommitQueueDepth
	}
	configuration.Pipeline.EnqueueTimeout = stringOrDefault(configuration.Pipeline.EnqueueTimeout, defaults.Pipeline.EnqueueTimeout)
	configuration.Pipeline.FenceWaitTimeout = stringOrDefault(configuration.Pipeline.FenceWaitTimeout, defaults.Pipeline.FenceWaitTimeout)
	configuration.Pipeline.FenceWaitRetryTimeout = stringOrDefault(configuration.Pipeline.FenceWaitRetryTimeout, defaults.Pipeline.FenceWaitRetryTimeout)
	configuration.Pipeline.IdlePowerDown = stringOrDefault(configuration.Pipeline.IdlePowerDown, defaults.Pipeline.IdlePowerDown)
	if configuration.Hardware.Revision == 0 {
		configuration.Hardware.Revision = defaults.Hardware.Revision
	}
	if configuration.Hardware.MaxDimension == 0 {
		configuration.Hardware.MaxDimension = defaults.Hardware.MaxDimension
	}
	if configuration.Hardware.Imem == nil {
		configuration.Hardware.Imem = defaults.Hardware.Imem
	}
	configuration.Log.Level = strings.ToLower(stringOrDefault(configuration.Log.Level, defaults.Log.Level))
	configuration.Log.Format = strings.ToLower(stringOrDefault(configuration.Log.Format, defaults.Log.Format))
}

func stringOrDefault(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// Resolve validates the configuration and converts it into Settings.
func (configuration Config) Resolve() (Settings, error) {
	configuration.normalize()
	settings := Settings{
		MaxSessions:      configuration.Pipeline.MaxSessions,
		CommitQueueDepth: configuration.Pipeline.CommitQueueDepth,
		HardwareRevision: configuration.Hardware.Revision,
		MaxDimension:     configuration.Hardware.MaxDimension,
		Imem:             *configuration.Hardware.Imem,
		LogFormat:        configuration.Log.Format,
	}
	if settings.MaxSessions < 0 {
		return Settings{}, fmt.Errorf("pipeline.max_sessions must be > 0")
	}
	if settings.CommitQueueDepth < 0 {
		return Settings{}, fmt.Errorf("pipeline.commit_queue_depth must be > 0")
	}
	if settings.HardwareRevision < 1 || settings.HardwareRevision > 2 {
		return Settings{}, fmt.Errorf("hardware.revision must be 1 or 2")
	}
	if settings.MaxDimension < 0 || settings.MaxDimension > format.MaxImageDimension {
		return Settings{}, fmt.Errorf("hardware.max_dimension must be in 1..%d", format.MaxImageDimension)
	}

	durations := []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{"pipeline.enqueue_timeout", configuration.Pipeline.EnqueueTimeout, &settings.EnqueueTimeout},
		{"pipeline.fence_wait_timeout", configuration.Pipeline.FenceWaitTimeout, &settings.FenceWaitTimeout},
		{"pipeline.fence_wait_retry_timeout", configuration.Pipeline.FenceWaitRetryTimeout, &settings.FenceWaitRetryTimeout},
		{"pipeline.idle_power_down", configuration.Pipeline.IdlePowerDown, &settings.IdlePowerDown},
	}
	for _, entry := range durations {
		parsed, err := time.ParseDuration(entry.value)
		if err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", entry.name, err)
		}
		if parsed <= 0 {
			return Settings{}, fmt.Errorf("%s must be > 0", entry.name)
		}
		*entry.out = parsed
	}

	switch configuration.Log.Level {
	case "debug":
		settings.LogLevel = slog.LevelDebug
	case "info":
		settings.LogLevel = slog.LevelInfo
	case "warn", "warning":
		settings.LogLevel = slog.LevelWarn
	case "error":
		settings.LogLevel = slog.LevelError
	default:
		return Settings{}, fmt.Errorf("unsupported log.level: %s", configuration.Log.Level)
	}
	switch settings.LogFormat {
	case "text", "json":
	default:
		return Settings{}, fmt.Errorf("unsupported log.format: %s", settings.LogFormat)
	}
	return settings, nil
}

// NewLogger builds the structured logger described by the log section.
func (settings Settings) NewLogger(w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: settings.LogLevel}
	if settings.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
