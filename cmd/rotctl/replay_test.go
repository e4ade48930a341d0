package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/schema/validate"
	"github.com/davidahmann/rotator/internal/testutil"
)

type decodedReplayOutput struct {
	OK        bool         `json:"ok"`
	Steps     []replayStep `json:"steps"`
	Faults    int          `json:"faults"`
	Error     string       `json:"error"`
	ErrorCode string       `json:"error_code"`
	Stats     struct {
		Completed      uint64 `json:"completed"`
		HardwareFaults uint64 `json:"hardware_faults"`
		Sessions       int    `json:"sessions"`
	} `json:"stats"`
}

func replayJSON(t *testing.T, script string, arguments ...string) (decodedReplayOutput, int) {
	t.Helper()
	scriptPath := filepath.Join(t.TempDir(), "script.txt")
	testutil.WriteFile(t, scriptPath, []byte(script))
	var code int
	raw := captureStdout(t, func() {
		code = run(append([]string{"rotctl", "replay", "--json", "--script", scriptPath}, arguments...))
	})
	var output decodedReplayOutput
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		t.Fatalf("decode replay output: %v\n%s", err, raw)
	}
	return output, code
}

func TestReplayScript(t *testing.T) {
	faultLog := filepath.Join(t.TempDir(), "faults.jsonl")
	script := strings.Join([]string{
		"# two sessions, one without a release timeline",
		"start a --format rgb565 --width 8 --height 8 --rotation 90",
		"start b --format rgb565 --width 8 --height 8 --no-timeline",
		"",
		"expect no_timeline sync b",
		"sync a",
		"submit a --wait",
		"wait a",
		"expect invalid_script finish ghost",
		"fault bus 1",
		"sync a",
		"submit a --wait",
		"wait a",
		"stats",
		"finish a",
		"expect invalid_session submit a",
		"expect unsupported_format start c --format bogus --width 8 --height 8",
		`expect invalid_geometry start c --format "rgb565" --width 8 --height 8 --rotation 45`,
	}, "\n")

	output, code := replayJSON(t, script, "--fault-log", faultLog)
	if code != exitOK || !output.OK {
		t.Fatalf("expected replay to pass, got code=%d output=%#v", code, output)
	}
	if len(output.Steps) != 16 {
		t.Fatalf("expected 16 steps, got %d", len(output.Steps))
	}
	if output.Steps[0].Line != 2 || output.Steps[0].Handle == "" {
		t.Fatalf("unexpected first step: %#v", output.Steps[0])
	}
	if output.Steps[3].Fence != 1 || output.Steps[8].Fence != 2 {
		t.Fatalf("expected release fences 1 and 2, got %d and %d", output.Steps[3].Fence, output.Steps[8].Fence)
	}
	if stats := output.Steps[11].Stats; stats == nil || stats.HardwareFaults != 1 || stats.Completed != 2 {
		t.Fatalf("unexpected stats step: %#v", output.Steps[11])
	}
	if output.Faults != 1 || output.Stats.Sessions != 0 {
		t.Fatalf("unexpected totals: faults=%d sessions=%d", output.Faults, output.Stats.Sessions)
	}
	if err := validate.ValidateJSONLFile(schemarotator.FaultRecordSchema, faultLog); err != nil {
		t.Fatalf("fault log does not match its schema: %v", err)
	}
}

func TestReplayReportsFirstFailingStep(t *testing.T) {
	output, code := replayJSON(t, "start a --format rgb565 --width 8 --height 8\nsubmit ghost\nsuspend\n")
	if code != exitInvalidInput || output.OK {
		t.Fatalf("expected invalid input, got code=%d output=%#v", code, output)
	}
	if len(output.Steps) != 3 || output.Steps[1].OK || !output.Steps[2].OK {
		t.Fatalf("expected the replay to continue past the failing step: %#v", output.Steps)
	}
	if !strings.HasPrefix(output.Error, "line 2:") || output.ErrorCode != "invalid_script" {
		t.Fatalf("unexpected error envelope: %q %q", output.Error, output.ErrorCode)
	}
}

func TestReplayUnmetExpectationFails(t *testing.T) {
	output, code := replayJSON(t, "start a --format rgb565 --width 8 --height 8\nexpect busy sync a\n")
	if code != exitInvalidInput || output.OK {
		t.Fatalf("expected unmet expectation to fail, got code=%d output=%#v", code, output)
	}
	step := output.Steps[1]
	if step.OK || step.Expect != "busy" || !strings.Contains(step.Error, `got ""`) {
		t.Fatalf("unexpected expectation step: %#v", step)
	}
}

func TestReplayReconfiguresKnownSession(t *testing.T) {
	script := strings.Join([]string{
		"start a --format rgb565 --width 8 --height 8",
		"start a --format nv12 --width 16 --height 16 --rotation 90 --downscale 1",
		"sync a",
		"submit a --wait",
		"wait a",
		"competitor acquire",
		"sync a",
		"submit a --wait",
		"competitor release",
		"suspend",
		"resume",
		"drain all",
		"stats",
	}, "\n")
	output, code := replayJSON(t, script)
	if code != exitOK || !output.OK {
		t.Fatalf("expected replay to pass, got code=%d output=%#v", code, output)
	}
	if output.Steps[0].Handle != output.Steps[1].Handle {
		t.Fatalf("re-configuration must keep the handle: %s != %s", output.Steps[0].Handle, output.Steps[1].Handle)
	}
	if output.Stats.Completed != 2 {
		t.Fatalf("expected two completed jobs, got %d", output.Stats.Completed)
	}
}

func TestReplayRequiresScript(t *testing.T) {
	if code := run([]string{"rotctl", "replay"}); code != exitInvalidInput {
		t.Fatalf("expected missing --script to be invalid input, got %d", code)
	}
	if code := run([]string{"rotctl", "replay", "--script", filepath.Join(t.TempDir(), "missing.txt")}); code != exitInvalidInput {
		t.Fatalf("expected unreadable script to be invalid input, got %d", code)
	}
}

func TestParseRect(t *testing.T) {
	rect, err := parseRect("2, 4,8,6")
	if err != nil {
		t.Fatalf("parseRect: %v", err)
	}
	if rect != (schemarotator.Rect{X: 2, Y: 4, Width: 8, Height: 6}) {
		t.Fatalf("unexpected rect: %#v", rect)
	}
	for _, bad := range []string{"1,2,3", "a,b,c,d"} {
		if _, err := parseRect(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
