package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAllowMissingReturnsDefaults(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	configuration, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load allow missing: %v", err)
	}
	if configuration.Pipeline.MaxSessions != DefaultMaxSessions {
		t.Fatalf("expected default max sessions, got %d", configuration.Pipeline.MaxSessions)
	}
	if configuration.Pipeline.CommitQueueDepth != DefaultCommitQueueDepth {
		t.Fatalf("expected default queue depth, got %d", configuration.Pipeline.CommitQueueDepth)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	if _, err := Load(path, false); err == nil {
		t.Fatal("expected missing required config error")
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load("  ", true); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "config.yaml")
	content := []byte(`
pipeline:
  max_sessions: 8
  enqueue_timeout: " 250ms "
  idle_power_down: " 2s "
hardware:
  revision: 1
  imem: false
log:
  level: " DEBUG "
  format: " JSON "
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configuration, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load parse: %v", err)
	}
	if configuration.Pipeline.MaxSessions != 8 {
		t.Fatalf("unexpected max sessions: %d", configuration.Pipeline.MaxSessions)
	}
	if configuration.Pipeline.CommitQueueDepth != DefaultCommitQueueDepth {
		t.Fatalf("expected default queue depth, got %d", configuration.Pipeline.CommitQueueDepth)
	}
	if configuration.Pipeline.EnqueueTimeout != "250ms" {
		t.Fatalf("unexpected enqueue timeout: %q", configuration.Pipeline.EnqueueTimeout)
	}
	if configuration.Log.Level != "debug" || configuration.Log.Format != "json" {
		t.Fatalf("unexpected log section: %#v", configuration.Log)
	}

	settings, err := configuration.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settings.EnqueueTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected enqueue timeout: %s", settings.EnqueueTimeout)
	}
	if settings.IdlePowerDown != 2*time.Second {
		t.Fatalf("unexpected idle power down: %s", settings.IdlePowerDown)
	}
	if settings.FenceWaitRetryTimeout != DefaultFenceWaitRetryTimeout {
		t.Fatalf("unexpected fence retry timeout: %s", settings.FenceWaitRetryTimeout)
	}
	if settings.HardwareRevision != 1 {
		t.Fatalf("unexpected revision: %d", settings.HardwareRevision)
	}
	if settings.Imem {
		t.Fatal("expected imem disabled")
	}
	if settings.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected log level: %v", settings.LogLevel)
	}
}

func TestLoadEmptyFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("\n  \n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configuration, err := Load(path, false)
	if err != nil {
		t.Fatalf("load empty config: %v", err)
	}
	settings, err := configuration.Resolve()
	if err != nil {
		t.Fatalf("resolve defaults: %v", err)
	}
	if !settings.Imem || settings.HardwareRevision != DefaultHardwareRevision {
		t.Fatalf("unexpected default settings: %#v", settings)
	}
}

func TestResolveRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad duration",
			mutate: func(c *Config) { c.Pipeline.EnqueueTimeout = "soon" },
			want:   "pipeline.enqueue_timeout",
		},
		{
			name:   "negative duration",
			mutate: func(c *Config) { c.Pipeline.FenceWaitTimeout = "-1s" },
			want:   "pipeline.fence_wait_timeout",
		},
		{
			name:   "unknown revision",
			mutate: func(c *Config) { c.Hardware.Revision = 7 },
			want:   "hardware.revision",
		},
		{
			name:   "negative sessions",
			mutate: func(c *Config) { c.Pipeline.MaxSessions = -2 },
			want:   "pipeline.max_sessions",
		},
		{
			name:   "max dimension beyond register width",
			mutate: func(c *Config) { c.Hardware.MaxDimension = 65536 },
			want:   "hardware.max_dimension",
		},
		{
			name:   "negative max dimension",
			mutate: func(c *Config) { c.Hardware.MaxDimension = -1 },
			want:   "hardware.max_dimension",
		},
		{
			name:   "log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			want:   "log.level",
		},
		{
			name:   "log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			want:   "log.format",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			configuration := Default()
			test.mutate(&configuration)
			_, err := configuration.Resolve()
			if err == nil {
				t.Fatalf("expected resolve error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Fatalf("expected error mentioning %q, got %v", test.want, err)
			}
		})
	}
}

func TestNewLoggerHonorsFormat(t *testing.T) {
	settings, err := Default().Resolve()
	if err != nil {
		t.Fatalf("resolve defaults: %v", err)
	}
	settings.LogFormat = "json"
	var buffer bytes.Buffer
	settings.NewLogger(&buffer).Info("queue reset", "discarded", 3)
	if !strings.Contains(buffer.String(), `"discarded":3`) {
		t.Fatalf("expected json log line, got %q", buffer.String())
	}
}
