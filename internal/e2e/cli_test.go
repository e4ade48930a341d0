package e2e

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/schema/validate"
	"github.com/davidahmann/rotator/internal/testutil"
)

func TestCLIRunJobFile(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the rotctl binary")
	}
	root := testutil.RepoRoot(t)
	binPath := testutil.BuildRotctlBinary(t, root)
	workDir := t.TempDir()
	faultLog := filepath.Join(workDir, "faults.jsonl")
	snapshot := filepath.Join(workDir, "snapshot.json")

	out, code := testutil.RunRotctl(t, binPath, workDir, "run",
		"--jobs", filepath.Join(root, "core", "schema", "testdata", "jobfile_valid.json"),
		"--fault-log", faultLog,
		"--snapshot", snapshot,
		"--json",
	)
	if code != 0 {
		t.Fatalf("rotctl run exited %d\n%s", code, testutil.FormatJSON(out))
	}
	var result struct {
		OK       bool                          `json:"ok"`
		Sessions []schemarotator.SessionReport `json:"sessions"`
		Faults   int                           `json:"faults"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, testutil.FormatJSON(out))
	}
	if !result.OK || len(result.Sessions) != 2 || result.Faults != 1 {
		t.Fatalf("unexpected run output:\n%s", testutil.FormatJSON(out))
	}
	camera, overlay := result.Sessions[0], result.Sessions[1]
	if !camera.TwoPass || camera.DstWidth != 24 || camera.DstHeight != 32 || camera.TimelineValue != 8 {
		t.Fatalf("unexpected camera report: %#v", camera)
	}
	if overlay.DstWidth != 20 || overlay.DstHeight != 20 || overlay.TimelineValue != 4 {
		t.Fatalf("unexpected overlay report: %#v", overlay)
	}
	if err := validate.ValidateJSONLFile(schemarotator.FaultRecordSchema, faultLog); err != nil {
		t.Fatalf("fault log does not match its schema: %v", err)
	}
	if len(testutil.ReadJSONLines(t, faultLog)) != 1 {
		t.Fatalf("expected one fault record")
	}
	if !strings.Contains(string(testutil.MustReadFile(t, snapshot)), `"schema_id": "rotator.snapshot"`) {
		t.Fatalf("unexpected snapshot file")
	}
}

func TestCLIExitCodes(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the rotctl binary")
	}
	root := testutil.RepoRoot(t)
	binPath := testutil.BuildRotctlBinary(t, root)

	workDir := t.TempDir()
	if _, code := testutil.RunRotctl(t, binPath, workDir, "unknown"); code != 2 {
		t.Fatalf("expected unknown command to exit 2, got %d", code)
	}

	out, code := testutil.RunRotctl(t, binPath, workDir, "run", "--json",
		"--jobs", filepath.Join(root, "core", "schema", "testdata", "jobfile_invalid.json"))
	if code != 2 {
		t.Fatalf("expected invalid job file to exit 2, got %d", code)
	}
	if !strings.Contains(string(out), `"error_code":"invalid_job_file"`) {
		t.Fatalf("unexpected invalid job file output: %s", string(out))
	}

	script := filepath.Join(workDir, "script.txt")
	testutil.WriteFile(t, script, []byte("start a --format rgb565 --width 8 --height 8\nsync a\nsubmit a --wait\nwait a\n"))
	replayOut, code := testutil.RunRotctl(t, binPath, workDir, "replay", "--script", script)
	if code != 0 {
		t.Fatalf("rotctl replay exited %d\n%s", code, string(replayOut))
	}
	if !strings.Contains(string(replayOut), "completed=1") {
		t.Fatalf("unexpected replay output: %s", string(replayOut))
	}
}
