package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

func TestRepoRootHoldsModule(t *testing.T) {
	root := RepoRoot(t)
	for _, name := range []string{"go.mod", filepath.Join("cmd", "rotctl", "main.go")} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Fatalf("expected %s under the repo root: %v", name, err)
		}
	}
}

func TestBuildRotctlBinaryIsCached(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the rotctl binary")
	}
	root := RepoRoot(t)
	first := BuildRotctlBinary(t, root)
	second := BuildRotctlBinary(t, root)
	if first != second {
		t.Fatalf("expected one build per process: %s != %s", first, second)
	}
	out, code := RunRotctl(t, first, t.TempDir(), "version")
	if code != 0 || len(out) == 0 {
		t.Fatalf("rotctl version: code=%d output=%q", code, string(out))
	}
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "config.yaml")
	WriteFile(t, nested, []byte("pipeline:\n  commit_queue_depth: 4\n"))
	if got := string(MustReadFile(t, nested)); got != "pipeline:\n  commit_queue_depth: 4\n" {
		t.Fatalf("unexpected file content: %q", got)
	}

	jobs := filepath.Join(dir, "jobs.json")
	WriteJSON(t, jobs, map[string]int{"bus_errors": 1})
	if got := string(MustReadFile(t, jobs)); got != "{\n  \"bus_errors\": 1\n}\n" {
		t.Fatalf("unexpected json file: %q", got)
	}

	faults := filepath.Join(dir, "faults.jsonl")
	WriteFile(t, faults, []byte("{\"sequence\":1}\r\n\r\n{\"sequence\":2}\n"))
	lines := ReadJSONLines(t, faults)
	if len(lines) != 2 || string(lines[0]) != `{"sequence":1}` || string(lines[1]) != `{"sequence":2}` {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestFormatJSON(t *testing.T) {
	if got := FormatJSON([]byte(` {"ok":true} `)); got != "{\n  \"ok\": true\n}\n" {
		t.Fatalf("unexpected formatting: %q", got)
	}
	if got := FormatJSON([]byte("completed=1")); got != "completed=1" {
		t.Fatalf("expected text to pass through, got %q", got)
	}
}

func TestCommandExitCode(t *testing.T) {
	command := exec.Command("sh", "-c", "exit 3")
	if runtime.GOOS == "windows" {
		command = exec.Command("cmd", "/c", "exit 3")
	}
	if code := CommandExitCode(t, command.Run()); code != 3 {
		t.Fatalf("unexpected exit code: got=%d want=3", code)
	}
}
