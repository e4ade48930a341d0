package doctor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/rotator/core/config"
	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/pipeline"
	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/schema/validate"
	"github.com/davidahmann/rotator/core/session"
	"github.com/davidahmann/rotator/core/simhw"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

const selfTestTimeout = 5 * time.Second

type Options struct {
	ConfigPath      string
	OutputDir       string
	ProducerVersion string
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

var schemaProbes = []struct {
	name     string
	schema   []byte
	document string
}{
	{
		name:     schemarotator.JobFileSchemaID,
		schema:   schemarotator.JobFileSchema,
		document: `{"schema_id":"rotator.jobfile","schema_version":"1.0.0","sessions":[{"name":"probe","format":"rgb565","width":8,"height":8,"jobs":1}]}`,
	},
	{
		name:     schemarotator.FaultRecordSchemaID,
		schema:   schemarotator.FaultRecordSchema,
		document: `{"schema_id":"rotator.fault_record","schema_version":"1.0.0","created_at":"2026-01-01T00:00:00Z","producer_version":"probe","kind":"faulted","job_id":"6f1c0f8e-3f4e-4b7a-9d55-0d1f5b2f8c11","session":"s0.1","sequence":1,"passes":1}`,
	},
}

func Run(opts Options) Result {
	configPath := strings.TrimSpace(opts.ConfigPath)
	if configPath == "" {
		configPath = config.DefaultPath
	}
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}

	configCheck, settings, resolved := checkConfig(configPath)
	checks := []Check{configCheck}
	if outputDir := strings.TrimSpace(opts.OutputDir); outputDir != "" {
		checks = append(checks, checkOutputDir(outputDir))
	}
	checks = append(checks, checkSchemas())
	if resolved {
		checks = append(checks, checkDevice(settings))
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        "rotator.doctor.result",
		SchemaVersion:   schemarotator.SchemaVersion,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

// checkConfig loads and resolves the config. A missing file is a warning:
// the built-in defaults apply.
func checkConfig(path string) (Check, config.Settings, bool) {
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		settings, resolveErr := config.Default().Resolve()
		if resolveErr != nil {
			return Check{Name: "config", Status: statusFail, Message: resolveErr.Error(), NonFixable: true}, config.Settings{}, false
		}
		return Check{
			Name:    "config",
			Status:  statusWarn,
			Message: fmt.Sprintf("config %s not found, using defaults", path),
		}, settings, true
	}
	configuration, err := config.Load(path, false)
	if err != nil {
		return Check{
			Name:       "config",
			Status:     statusFail,
			Message:    err.Error(),
			FixCommand: fmt.Sprintf("fix or remove %s", shellQuote(path)),
		}, config.Settings{}, false
	}
	settings, err := configuration.Resolve()
	if err != nil {
		return Check{
			Name:       "config",
			Status:     statusFail,
			Message:    fmt.Sprintf("invalid config %s: %v", path, err),
			FixCommand: fmt.Sprintf("fix or remove %s", shellQuote(path)),
		}, config.Settings{}, false
	}
	return Check{
		Name:    "config",
		Status:  statusPass,
		Message: fmt.Sprintf("config %s is valid (hardware revision %d, queue depth %d)", path, settings.HardwareRevision, settings.CommitQueueDepth),
	}, settings, true
}

func checkOutputDir(outputDir string) Check {
	info, err := os.Stat(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       "output_dir",
				Status:     statusWarn,
				Message:    "output directory does not exist",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(outputDir)),
			}
		}
		return Check{
			Name:    "output_dir",
			Status:  statusFail,
			Message: fmt.Sprintf("output directory check failed: %v", err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    "output_dir",
			Status:  statusFail,
			Message: "output path is not a directory",
		}
	}
	testPath := filepath.Join(outputDir, ".rotator-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       "output_dir",
			Status:     statusFail,
			Message:    fmt.Sprintf("output directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(outputDir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{
		Name:    "output_dir",
		Status:  statusPass,
		Message: "output directory is writable",
	}
}

func checkSchemas() Check {
	broken := make([]string, 0, len(schemaProbes))
	for _, probe := range schemaProbes {
		if err := validate.ValidateJSON(probe.schema, []byte(probe.document)); err != nil {
			broken = append(broken, fmt.Sprintf("%s (%v)", probe.name, err))
		}
	}
	if len(broken) > 0 {
		return Check{
			Name:       "schemas",
			Status:     statusFail,
			Message:    fmt.Sprintf("embedded schemas reject known-good documents: %s", strings.Join(broken, ", ")),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "schemas",
		Status:  statusPass,
		Message: "embedded schemas compile and accept known-good documents",
	}
}

func checkDevice(settings config.Settings) Check {
	if err := deviceSelfTest(settings); err != nil {
		return Check{
			Name:       "device_selftest",
			Status:     statusFail,
			Message:    err.Error(),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "device_selftest",
		Status:  statusPass,
		Message: fmt.Sprintf("revision %d device rotated a probe image through the pipeline", settings.HardwareRevision),
	}
}

// deviceSelfTest runs one 2x2 RGBA8888 rotate-90 job on a fresh simulated
// device and compares the result pixel by pixel.
func deviceSelfTest(settings config.Settings) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), selfTestTimeout)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	memory := simhw.NewMemory()
	device := simhw.NewDevice(memory, simhw.DeviceOptions{Revision: settings.HardwareRevision, Logger: logger})
	p, err := pipeline.New(pipeline.Options{
		Settings: settings,
		Device:   device,
		Mapper:   memory,
		Scratch:  memory,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	p.Start()
	defer func() {
		closeErr := p.Close(ctx)
		device.Wait()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close pipeline: %w", closeErr)
		}
	}()

	const width, height, bytesPerPixel = 2, 2, 4
	current, err := p.StartSession(0, session.Config{Geometry: format.Geometry{
		SrcWidth:  width,
		SrcHeight: height,
		SrcFormat: format.RGBA8888,
		Rotation:  format.Rot90,
	}})
	if err != nil {
		return fmt.Errorf("start probe session: %w", err)
	}
	defer func() {
		_ = p.FinishSession(current.Handle)
	}()

	size := width * height * bytesPerPixel
	src, err := memory.Alloc(size, false)
	if err != nil {
		return fmt.Errorf("allocate probe source: %w", err)
	}
	dst, err := memory.Alloc(size, false)
	if err != nil {
		return fmt.Errorf("allocate probe destination: %w", err)
	}
	srcBytes, _ := memory.Bytes(src)
	for index := range srcBytes {
		srcBytes[index] = byte(0x10 + index)
	}

	release, err := p.SyncBuffer(ctx, current.Handle, nil, false)
	if err != nil {
		return fmt.Errorf("issue probe release fence: %w", err)
	}
	if _, err := p.SubmitJob(ctx, pipeline.JobRequest{
		Session:           current.Handle,
		Src:               hw.BufferRef{Handle: src},
		Dst:               hw.BufferRef{Handle: dst},
		WaitForCompletion: true,
	}); err != nil {
		return fmt.Errorf("submit probe job: %w", err)
	}
	if err := release.Wait(ctx); err != nil {
		return fmt.Errorf("wait for probe release fence: %w", err)
	}
	if stats := p.Stats(); stats.HardwareFaults != 0 {
		return errors.New("probe job faulted on the device")
	}

	dstBytes, _ := memory.Bytes(dst)
	// Rotating 90 degrees clockwise moves source (x, y) to destination
	// (height-1-y, x); the destination is height pixels wide.
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			from := (y*width + x) * bytesPerPixel
			to := (x*height + (height - 1 - y)) * bytesPerPixel
			if !bytes.Equal(srcBytes[from:from+bytesPerPixel], dstBytes[to:to+bytesPerPixel]) {
				return fmt.Errorf("probe pixel (%d,%d) landed wrong: got % x want % x", x, y, dstBytes[to:to+bytesPerPixel], srcBytes[from:from+bytesPerPixel])
			}
		}
	}
	return nil
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
