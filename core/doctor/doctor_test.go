package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunPassesWithValidConfig(t *testing.T) {
	workDir := t.TempDir()
	configPath := filepath.Join(workDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("pipeline:\n  commit_queue_depth: 8\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	result := Run(Options{ConfigPath: configPath, OutputDir: workDir, ProducerVersion: "test"})
	if result.Status != statusPass || result.NonFixable {
		t.Fatalf("expected pass, got %s: %#v", result.Summary, result.Checks)
	}
	if len(result.Checks) != 4 {
		t.Fatalf("unexpected checks count: %d", len(result.Checks))
	}
	if !checkStatus(result.Checks, "device_selftest", statusPass) {
		t.Fatalf("expected device_selftest pass check: %#v", result.Checks)
	}
	if !strings.Contains(checkMessage(result.Checks, "config"), "queue depth 8") {
		t.Fatalf("expected resolved settings in config message: %#v", result.Checks)
	}
	if result.ProducerVersion != "test" || result.SchemaID != "rotator.doctor.result" {
		t.Fatalf("unexpected result envelope: %#v", result)
	}
}

func TestRunWarnsOnMissingConfigAndOutputDir(t *testing.T) {
	workDir := t.TempDir()
	result := Run(Options{
		ConfigPath: filepath.Join(workDir, "missing.yaml"),
		OutputDir:  filepath.Join(workDir, "out"),
	})
	if result.Status != statusWarn {
		t.Fatalf("expected warn status, got %s: %#v", result.Status, result.Checks)
	}
	if !checkStatus(result.Checks, "config", statusWarn) || !checkStatus(result.Checks, "output_dir", statusWarn) {
		t.Fatalf("expected config and output_dir warnings: %#v", result.Checks)
	}
	if len(result.FixCommands) != 1 || !strings.HasPrefix(result.FixCommands[0], "mkdir -p ") {
		t.Fatalf("unexpected fix commands: %#v", result.FixCommands)
	}
	if !checkStatus(result.Checks, "device_selftest", statusPass) {
		t.Fatalf("expected defaults to pass the self test: %#v", result.Checks)
	}
	if result.ProducerVersion != "0.0.0-dev" {
		t.Fatalf("unexpected default producer version %q", result.ProducerVersion)
	}
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("hardware:\n  revision: 7\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	result := Run(Options{ConfigPath: configPath})
	if result.Status != statusFail || result.NonFixable {
		t.Fatalf("expected fixable failure, got %s", result.Summary)
	}
	if !checkStatus(result.Checks, "config", statusFail) {
		t.Fatalf("expected config fail check: %#v", result.Checks)
	}
	for _, check := range result.Checks {
		if check.Name == "device_selftest" {
			t.Fatalf("self test must not run without a resolved config")
		}
	}
}

func TestSelfTestRunsOnEveryRevision(t *testing.T) {
	for _, revision := range []string{"1", "2"} {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(configPath, []byte("hardware:\n  revision: "+revision+"\n"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		result := Run(Options{ConfigPath: configPath})
		if !checkStatus(result.Checks, "device_selftest", statusPass) {
			t.Fatalf("revision %s: expected device_selftest pass: %#v", revision, result.Checks)
		}
	}
}

func TestCheckOutputDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if check := checkOutputDir(path); check.Status != statusFail {
		t.Fatalf("expected fail for a file path, got %#v", check)
	}
}

func TestSchemasAcceptProbeDocuments(t *testing.T) {
	if check := checkSchemas(); check.Status != statusPass {
		t.Fatalf("expected embedded schemas to pass: %#v", check)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote(""); got != "''" {
		t.Fatalf("shellQuote empty mismatch: %s", got)
	}
	if got := shellQuote("a'b"); got != "'a'\\''b'" {
		t.Fatalf("shellQuote quote mismatch: %s", got)
	}
}

func checkStatus(checks []Check, name string, status string) bool {
	for _, check := range checks {
		if check.Name == name {
			return check.Status == status
		}
	}
	return false
}

func checkMessage(checks []Check, name string) string {
	for _, check := range checks {
		if check.Name == name {
			return check.Message
		}
	}
	return ""
}
