package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/rotator/core/commitq"
	"github.com/davidahmann/rotator/core/config"
	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/pipeline"
	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/schema/validate"
	"github.com/davidahmann/rotator/core/session"
)

// maxBusyRetries bounds how often one job is resubmitted after the queue was
// reset under it.
const maxBusyRetries = 8

type runOutput struct {
	OK             bool                          `json:"ok"`
	SchemaID       string                        `json:"schema_id,omitempty"`
	SchemaVersion  string                        `json:"schema_version,omitempty"`
	JobFile        string                        `json:"job_file,omitempty"`
	Sessions       []schemarotator.SessionReport `json:"sessions,omitempty"`
	Faults         int                           `json:"faults"`
	FaultLog       string                        `json:"fault_log,omitempty"`
	Snapshot       string                        `json:"snapshot,omitempty"`
	SnapshotDigest string                        `json:"snapshot_digest,omitempty"`
	Stats          *pipeline.Stats               `json:"stats,omitempty"`
	errorDetail
}

func runJobs(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("run")
	}
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var jobsPath string
	var configPath string
	var faultLogPath string
	var snapshotPath string
	var timeout time.Duration
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&jobsPath, "jobs", "", "path to the JSON job file")
	flagSet.StringVar(&configPath, "config", config.DefaultPath, "path to the rotator config")
	flagSet.StringVar(&faultLogPath, "fault-log", "", "append faulted and discarded jobs to this JSONL file")
	flagSet.StringVar(&snapshotPath, "snapshot", "", "write a pipeline snapshot to this path before sessions finish")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the run")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := parseInterspersed(flagSet, arguments); err != nil {
		return writeRunOutput(jsonOutput, runOutput{errorDetail: errorDetail{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}
	if strings.TrimSpace(jobsPath) == "" {
		return writeRunOutput(jsonOutput, runOutput{errorDetail: errorDetail{Error: "missing required --jobs <jobs.json>"}}, exitInvalidInput)
	}
	if len(flagSet.Args()) > 0 {
		return writeRunOutput(jsonOutput, runOutput{errorDetail: errorDetail{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	jobs, err := readJobFile(jobsPath)
	if err != nil {
		return writeRunOutput(jsonOutput, runOutput{JobFile: jobsPath, errorDetail: describeError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	h, err := newHarness(harnessOptions{ConfigPath: configPath, FaultLogPath: faultLogPath, LogOutput: os.Stderr})
	if err != nil {
		return writeRunOutput(jsonOutput, runOutput{JobFile: jobsPath, errorDetail: describeError(err)}, exitCodeForError(err, exitInternalFailure))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	output, runErr := executeJobFile(ctx, h, jobs, snapshotPath)
	closeErr := h.close(ctx)
	faults, faultLogErr := h.faultCount()
	stats := h.pipeline.Stats()

	output.SchemaID = schemarotator.RunReportSchemaID
	output.SchemaVersion = schemarotator.SchemaVersion
	output.JobFile = jobsPath
	output.Faults = faults
	output.FaultLog = faultLogPath
	output.Stats = &stats
	for _, err := range []error{runErr, closeErr, faultLogErr} {
		if err != nil {
			output.errorDetail = describeError(err)
			return writeRunOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
		}
	}
	output.OK = true
	return writeRunOutput(jsonOutput, output, exitOK)
}

func readJobFile(path string) (schemarotator.JobFile, error) {
	if err := validate.ValidateJSONFile(schemarotator.JobFileSchema, path); err != nil {
		return schemarotator.JobFile{}, coreerrors.Invalid(err, "invalid_job_file", "fix the job file to match the rotator.jobfile schema")
	}
	// #nosec G304 -- job file path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return schemarotator.JobFile{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "read_failed", "", false)
	}
	var jobs schemarotator.JobFile
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return schemarotator.JobFile{}, coreerrors.Invalid(err, "invalid_job_file", "")
	}
	return jobs, nil
}

type runSession struct {
	spec    schemarotator.SessionSpec
	session *session.Session
	buffers buffers
	report  schemarotator.SessionReport
}

// executeJobFile starts every session, submits their jobs concurrently and
// waits for every release fence. Sessions are finished before it returns.
func executeJobFile(ctx context.Context, h *harness, jobs schemarotator.JobFile, snapshotPath string) (runOutput, error) {
	output := runOutput{}
	sessions := make([]*runSession, 0, len(jobs.Sessions))
	defer func() {
		for _, current := range sessions {
			if !current.session.Finished() {
				_ = h.pipeline.FinishSession(current.session.Handle)
			}
			h.free(current.buffers)
		}
	}()

	for _, spec := range jobs.Sessions {
		configuration, err := sessionConfig(spec)
		if err != nil {
			return output, fmt.Errorf("session %s: %w", spec.Name, err)
		}
		current, err := h.pipeline.StartSession(0, configuration)
		if err != nil {
			return output, fmt.Errorf("start session %s: %w", spec.Name, err)
		}
		allocated, err := h.allocate(current, spec.Seed)
		if err != nil {
			_ = h.pipeline.FinishSession(current.Handle)
			return output, fmt.Errorf("allocate buffers of %s: %w", spec.Name, err)
		}
		sessions = append(sessions, &runSession{
			spec:    spec,
			session: current,
			buffers: allocated,
			report: schemarotator.SessionReport{
				Name:         spec.Name,
				Handle:       current.Handle.String(),
				ConfigDigest: current.Digest,
				FastPath:     current.Derived.FastPath,
				TwoPass:      current.Derived.TwoPass,
				DstFormat:    current.Derived.DstFormat.String(),
				DstWidth:     current.Derived.DstWidth,
				DstHeight:    current.Derived.DstHeight,
			},
		})
	}
	h.device.InjectBusErrors(jobs.BusErrors)

	group, groupCtx := errgroup.WithContext(ctx)
	if jobs.CompetitorHolds > 0 {
		group.Go(func() error {
			return holdImem(groupCtx, h.pipeline, jobs.CompetitorHolds)
		})
	}
	for _, current := range sessions {
		group.Go(func() error {
			return submitSessionJobs(groupCtx, h.pipeline, current)
		})
	}
	if err := group.Wait(); err != nil {
		return output, err
	}
	if err := h.pipeline.DrainWait(ctx, commitq.DrainAll); err != nil {
		return output, fmt.Errorf("drain pipeline: %w", err)
	}

	for _, current := range sessions {
		if timeline, err := current.session.Sync().Timeline(); err == nil {
			current.report.TimelineValue = timeline.Value()
		}
		current.report.OutputDigest = h.outputDigest(current.buffers)
		output.Sessions = append(output.Sessions, current.report)
	}
	if strings.TrimSpace(snapshotPath) != "" {
		digest, err := h.writeSnapshot(snapshotPath)
		if err != nil {
			return output, err
		}
		output.Snapshot = snapshotPath
		output.SnapshotDigest = digest
	}
	for _, current := range sessions {
		if err := h.pipeline.FinishSession(current.session.Handle); err != nil {
			return output, fmt.Errorf("finish session %s: %w", current.spec.Name, err)
		}
	}
	return output, nil
}

// submitSessionJobs submits the session's jobs in order, resubmitting a job
// whose enqueue hit a queue reset, then waits for every release fence.
func submitSessionJobs(ctx context.Context, p *pipeline.Pipeline, current *runSession) error {
	handle := current.session.Handle
	releases := make([]*fence.TimelineFence, 0, current.spec.Jobs)
	for n := 0; n < current.spec.Jobs; n++ {
		for attempt := 0; ; attempt++ {
			var release *fence.TimelineFence
			if !current.spec.NoTimeline {
				issued, err := p.SyncBuffer(ctx, handle, nil, false)
				if err != nil {
					return fmt.Errorf("sync buffer of %s: %w", current.spec.Name, err)
				}
				release = issued
			}
			_, err := p.SubmitJob(ctx, pipeline.JobRequest{
				Session: handle,
				Src:     hw.BufferRef{Handle: current.buffers.src},
				Dst:     hw.BufferRef{Handle: current.buffers.dst},
			})
			if err == nil {
				if release != nil {
					releases = append(releases, release)
				}
				current.report.JobsSubmitted++
				break
			}
			if !errors.Is(err, commitq.ErrBusy) || attempt >= maxBusyRetries {
				return fmt.Errorf("submit job %d of %s: %w", n+1, current.spec.Name, err)
			}
			current.report.BusyRetries++
			if err := p.DrainWait(ctx, commitq.DrainAny); err != nil {
				return fmt.Errorf("wait for queue room: %w", err)
			}
		}
	}
	for _, release := range releases {
		if err := release.Wait(ctx); err != nil {
			return fmt.Errorf("wait for release fence %d of %s: %w", release.Target(), current.spec.Name, err)
		}
	}
	return nil
}

// holdImem plays the competing imem user: it takes and returns the bank
// holds times while jobs run.
func holdImem(ctx context.Context, p *pipeline.Pipeline, holds int) error {
	for n := 0; n < holds; n++ {
		if err := p.Imem().AcquireCompetitor(ctx); err != nil {
			return fmt.Errorf("competitor acquire: %w", err)
		}
		time.Sleep(time.Millisecond)
		p.Imem().ReleaseCompetitor()
	}
	return nil
}

func writeRunOutput(jsonOutput bool, output runOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("run error: %s\n", output.Error)
		return exitCode
	}
	for _, current := range output.Sessions {
		fmt.Printf("session %s (%s): jobs=%d busy_retries=%d timeline=%d dst=%s %dx%d two_pass=%t\n",
			current.Name, current.Handle, current.JobsSubmitted, current.BusyRetries, current.TimelineValue,
			current.DstFormat, current.DstWidth, current.DstHeight, current.TwoPass)
	}
	if output.Stats != nil {
		fmt.Printf("completed=%d hardware_faults=%d discarded=%d busy_rejects=%d imem_misses=%d\n",
			output.Stats.Completed, output.Stats.HardwareFaults, output.Stats.Discarded, output.Stats.BusyRejects, output.Stats.ImemMisses)
	}
	if output.Snapshot != "" {
		fmt.Printf("snapshot: %s (%s)\n", output.Snapshot, output.SnapshotDigest)
	}
	return exitCode
}

func printRunUsage() {
	fmt.Println("Usage:")
	fmt.Println("  rotctl run --jobs <jobs.json> [--config .rotator/config.yaml] [--fault-log <faults.jsonl>] [--snapshot <snapshot.json>] [--timeout 30s] [--json] [--explain]")
}
