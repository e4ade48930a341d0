package testutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var rotctlBuild struct {
	once sync.Once
	path string
	err  error
	out  []byte
}

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

// BuildRotctlBinary compiles cmd/rotctl once per test process and returns
// the binary path.
func BuildRotctlBinary(t *testing.T, root string) string {
	t.Helper()
	rotctlBuild.once.Do(func() {
		dir, err := os.MkdirTemp("", "rotctl-bin-")
		if err != nil {
			rotctlBuild.err = err
			return
		}
		name := "rotctl"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		rotctlBuild.path = filepath.Join(dir, name)
		// #nosec G204 -- fixed arguments, test binaries only.
		build := exec.Command("go", "build", "-o", rotctlBuild.path, "./cmd/rotctl")
		build.Dir = root
		rotctlBuild.out, rotctlBuild.err = build.CombinedOutput()
	})
	if rotctlBuild.err != nil {
		t.Fatalf("build rotctl binary: %v\n%s", rotctlBuild.err, string(rotctlBuild.out))
	}
	return rotctlBuild.path
}

// RunRotctl runs the binary in dir and returns its stdout and exit code.
func RunRotctl(t *testing.T, binPath string, dir string, arguments ...string) ([]byte, int) {
	t.Helper()
	// #nosec G204 -- binary and arguments come from the test itself.
	command := exec.Command(binPath, arguments...)
	command.Dir = dir
	out, err := command.Output()
	if err == nil {
		return out, 0
	}
	return out, CommandExitCode(t, err)
}

func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected an exit error, got: %v", err)
	}
	return exitErr.ExitCode()
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteJSON encodes value as indented JSON into path.
func WriteJSON(t *testing.T, path string, value any) {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	WriteFile(t, path, append(encoded, '\n'))
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	// #nosec G304 -- paths are chosen by the calling test.
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// ReadJSONLines returns the non-empty lines of a JSONL file.
func ReadJSONLines(t *testing.T, path string) [][]byte {
	t.Helper()
	var lines [][]byte
	for _, line := range bytes.Split(normalizeNewlines(MustReadFile(t, path)), []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

// FormatJSON pretty-prints raw for failure messages; anything that is not
// JSON comes back unchanged.
func FormatJSON(raw []byte) string {
	var indented bytes.Buffer
	if err := json.Indent(&indented, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	indented.WriteByte('\n')
	return indented.String()
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
