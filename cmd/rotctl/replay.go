package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/rotator/core/commitq"
	"github.com/davidahmann/rotator/core/config"
	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/pipeline"
	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/session"
)

var errUnknownSession = errors.New("unknown replay session")

type replayStep struct {
	Line    int             `json:"line"`
	Command string          `json:"command"`
	OK      bool            `json:"ok"`
	Expect  string          `json:"expect,omitempty"`
	Handle  string          `json:"handle,omitempty"`
	Fence   uint64          `json:"fence,omitempty"`
	Stats   *pipeline.Stats `json:"stats,omitempty"`
	errorDetail
}

type replayOutput struct {
	OK     bool            `json:"ok"`
	Script string          `json:"script,omitempty"`
	Steps  []replayStep    `json:"steps,omitempty"`
	Faults int             `json:"faults"`
	Stats  *pipeline.Stats `json:"stats,omitempty"`
	errorDetail
}

func runReplay(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("replay")
	}
	flagSet := flag.NewFlagSet("replay", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var scriptPath string
	var configPath string
	var faultLogPath string
	var timeout time.Duration
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&scriptPath, "script", "", "path to the replay script")
	flagSet.StringVar(&configPath, "config", config.DefaultPath, "path to the rotator config")
	flagSet.StringVar(&faultLogPath, "fault-log", "", "append faulted and discarded jobs to this JSONL file")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the replay")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := parseInterspersed(flagSet, arguments); err != nil {
		return writeReplayOutput(jsonOutput, replayOutput{errorDetail: errorDetail{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printReplayUsage()
		return exitOK
	}
	if strings.TrimSpace(scriptPath) == "" {
		return writeReplayOutput(jsonOutput, replayOutput{errorDetail: errorDetail{Error: "missing required --script <script.txt>"}}, exitInvalidInput)
	}
	// #nosec G304 -- script path is explicit local user input.
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return writeReplayOutput(jsonOutput, replayOutput{Script: scriptPath, errorDetail: errorDetail{Error: err.Error()}}, exitInvalidInput)
	}
	h, err := newHarness(harnessOptions{ConfigPath: configPath, FaultLogPath: faultLogPath, LogOutput: os.Stderr})
	if err != nil {
		return writeReplayOutput(jsonOutput, replayOutput{Script: scriptPath, errorDetail: describeError(err)}, exitCodeForError(err, exitInternalFailure))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	r := &replayer{harness: h, sessions: map[string]*replaySession{}}
	steps, scanErr := r.play(ctx, script)
	r.finishAll()
	closeErr := h.close(ctx)
	faults, faultLogErr := h.faultCount()
	stats := h.pipeline.Stats()

	output := replayOutput{OK: true, Script: scriptPath, Steps: steps, Faults: faults, Stats: &stats}
	exitCode := exitOK
	for _, step := range steps {
		if !step.OK {
			output.OK = false
			output.errorDetail = step.errorDetail
			output.Error = fmt.Sprintf("line %d: %s", step.Line, step.Error)
			exitCode = exitInvalidInput
			if step.Expect == "" {
				exitCode = exitCodeForError(r.errs[step.Line], exitInvalidInput)
			}
			break
		}
	}
	for _, err := range []error{scanErr, closeErr, faultLogErr} {
		if err != nil && output.OK {
			output.OK = false
			output.errorDetail = describeError(err)
			exitCode = exitCodeForError(err, exitInternalFailure)
		}
	}
	return writeReplayOutput(jsonOutput, output, exitCode)
}

type replaySession struct {
	session *session.Session
	buffers buffers
	release *fence.TimelineFence
}

type replayer struct {
	harness  *harness
	sessions map[string]*replaySession
	errs     map[int]error
}

func (r *replayer) play(ctx context.Context, script []byte) ([]replayStep, error) {
	r.errs = map[int]error{}
	steps := []replayStep{}
	scanner := bufio.NewScanner(bytes.NewReader(script))
	line := 0
	for scanner.Scan() {
		line++
		words, err := splitScriptLine(scanner.Text())
		if err == nil && len(words) == 0 {
			continue
		}
		step := replayStep{Line: line, Command: strings.TrimSpace(scanner.Text())}
		if err == nil && words[0] == "expect" {
			if len(words) < 3 {
				err = coreerrors.Invalid(errors.New("expect needs an error code and a command"), "invalid_script", "")
			} else {
				step.Expect = words[1]
				words = words[2:]
			}
		}
		if err == nil {
			err = r.execute(ctx, words, &step)
		}
		switch {
		case step.Expect != "":
			got := coreerrors.CodeOf(err)
			step.OK = got == step.Expect
			if !step.OK {
				step.errorDetail = describeError(err)
				step.Error = fmt.Sprintf("expected error code %s, got %q", step.Expect, got)
				if err != nil {
					step.Error += ": " + err.Error()
				}
			}
		case err != nil:
			step.errorDetail = describeError(err)
			r.errs[line] = err
		default:
			step.OK = true
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return steps, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "read_failed", "", false)
	}
	return steps, nil
}

func (r *replayer) execute(ctx context.Context, words []string, step *replayStep) error {
	p := r.harness.pipeline
	command, arguments := words[0], words[1:]
	switch command {
	case "start":
		return r.start(arguments, step)
	case "sync":
		return r.sync(ctx, arguments, step)
	case "submit":
		return r.submit(ctx, arguments, step)
	case "wait":
		current, err := r.lookup(arguments)
		if err != nil {
			return err
		}
		if current.release == nil {
			return coreerrors.Invalid(errors.New("no release fence issued"), "invalid_script", "run sync first")
		}
		step.Fence = current.release.Target()
		return current.release.Wait(ctx)
	case "drain":
		mode := commitq.DrainAll
		if len(arguments) > 0 && arguments[0] == "any" {
			mode = commitq.DrainAny
		}
		return p.DrainWait(ctx, mode)
	case "finish":
		current, err := r.lookup(arguments)
		if err != nil {
			return err
		}
		step.Handle = current.session.Handle.String()
		return p.FinishSession(current.session.Handle)
	case "suspend":
		p.Suspend()
		return nil
	case "resume":
		p.Resume()
		return nil
	case "fault":
		return r.fault(arguments)
	case "competitor":
		if len(arguments) == 1 && arguments[0] == "acquire" {
			return p.Imem().AcquireCompetitor(ctx)
		}
		if len(arguments) == 1 && arguments[0] == "release" {
			p.Imem().ReleaseCompetitor()
			return nil
		}
		return coreerrors.Invalid(fmt.Errorf("competitor %v", arguments), "invalid_script", "use competitor acquire|release")
	case "stats":
		stats := p.Stats()
		step.Stats = &stats
		return nil
	default:
		return coreerrors.Invalid(fmt.Errorf("unknown command %q", command), "invalid_script", "see rotctl replay --help")
	}
}

func (r *replayer) lookup(arguments []string) (*replaySession, error) {
	if len(arguments) == 0 {
		return nil, coreerrors.Invalid(errors.New("missing session name"), "invalid_script", "")
	}
	current, ok := r.sessions[arguments[0]]
	if !ok {
		return nil, coreerrors.Invalid(fmt.Errorf("%w: %s", errUnknownSession, arguments[0]), "invalid_script", "start the session first")
	}
	return current, nil
}

// start starts a named session, or re-configures it when the name is known.
func (r *replayer) start(arguments []string, step *replayStep) error {
	flagSet := flag.NewFlagSet("start", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var spec schemarotator.SessionSpec
	var rect string
	flagSet.StringVar(&spec.Format, "format", "", "source pixel format")
	flagSet.IntVar(&spec.Width, "width", 0, "source width")
	flagSet.IntVar(&spec.Height, "height", 0, "source height")
	flagSet.StringVar(&rect, "rect", "", "source rectangle x,y,w,h")
	flagSet.IntVar(&spec.DstX, "dst-x", 0, "destination x offset")
	flagSet.IntVar(&spec.DstY, "dst-y", 0, "destination y offset")
	flagSet.IntVar(&spec.Rotation, "rotation", 0, "clockwise rotation in degrees")
	flagSet.BoolVar(&spec.FlipLR, "flip-lr", false, "mirror left to right")
	flagSet.BoolVar(&spec.FlipUD, "flip-ud", false, "mirror top to bottom")
	flagSet.IntVar(&spec.Downscale, "downscale", 0, "downscale ratio 0..3")
	flagSet.BoolVar(&spec.Secure, "secure", false, "require secure buffers")
	flagSet.BoolVar(&spec.NoTimeline, "no-timeline", false, "start without release fences")
	flagSet.IntVar(&spec.Seed, "seed", 0, "source pattern seed")
	if err := parseInterspersed(flagSet, arguments); err != nil {
		return coreerrors.Invalid(err, "invalid_script", "")
	}
	if flagSet.NArg() != 1 {
		return coreerrors.Invalid(errors.New("start needs exactly one session name"), "invalid_script", "")
	}
	name := flagSet.Arg(0)
	if rect != "" {
		parsed, err := parseRect(rect)
		if err != nil {
			return err
		}
		spec.Rect = &parsed
	}
	configuration, err := sessionConfig(spec)
	if err != nil {
		return err
	}

	previous := r.sessions[name]
	var handle session.Handle
	if previous != nil {
		handle = previous.session.Handle
	}
	current, err := r.harness.pipeline.StartSession(handle, configuration)
	if err != nil {
		return err
	}
	allocated, err := r.harness.allocate(current, spec.Seed)
	if err != nil {
		return err
	}
	if previous != nil {
		r.harness.free(previous.buffers)
	}
	r.sessions[name] = &replaySession{session: current, buffers: allocated}
	step.Handle = current.Handle.String()
	return nil
}

func (r *replayer) sync(ctx context.Context, arguments []string, step *replayStep) error {
	flagSet := flag.NewFlagSet("sync", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var acquireFrom string
	var waitNow bool
	flagSet.StringVar(&acquireFrom, "acquire", "", "use the last release fence of this session as acquire fence")
	flagSet.BoolVar(&waitNow, "wait-now", false, "wait for the acquire fence before returning")
	if err := parseInterspersed(flagSet, arguments); err != nil {
		return coreerrors.Invalid(err, "invalid_script", "")
	}
	current, err := r.lookup(flagSet.Args())
	if err != nil {
		return err
	}
	var acquire fence.Fence
	if acquireFrom != "" {
		producer, err := r.lookup([]string{acquireFrom})
		if err != nil {
			return err
		}
		if producer.release == nil {
			return coreerrors.Invalid(fmt.Errorf("session %s has no release fence", acquireFrom), "invalid_script", "")
		}
		acquire = producer.release
	}
	release, err := r.harness.pipeline.SyncBuffer(ctx, current.session.Handle, acquire, waitNow)
	if err != nil {
		return err
	}
	current.release = release
	step.Fence = release.Target()
	return nil
}

func (r *replayer) submit(ctx context.Context, arguments []string, step *replayStep) error {
	flagSet := flag.NewFlagSet("submit", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var wait bool
	var srcOffset int
	flagSet.BoolVar(&wait, "wait", false, "return once every submitted job is retired")
	flagSet.IntVar(&srcOffset, "src-offset", 0, "byte offset into the source buffer")
	if err := parseInterspersed(flagSet, arguments); err != nil {
		return coreerrors.Invalid(err, "invalid_script", "")
	}
	current, err := r.lookup(flagSet.Args())
	if err != nil {
		return err
	}
	step.Handle = current.session.Handle.String()
	_, err = r.harness.pipeline.SubmitJob(ctx, pipeline.JobRequest{
		Session:           current.session.Handle,
		Src:               hw.BufferRef{Handle: current.buffers.src, Offset: srcOffset},
		Dst:               hw.BufferRef{Handle: current.buffers.dst},
		WaitForCompletion: wait,
	})
	return err
}

func (r *replayer) fault(arguments []string) error {
	device := r.harness.device
	switch {
	case len(arguments) == 2 && arguments[0] == "bus":
		n, err := strconv.Atoi(arguments[1])
		if err != nil || n < 0 {
			return coreerrors.Invalid(fmt.Errorf("bus error count %q", arguments[1]), "invalid_script", "")
		}
		device.InjectBusErrors(n)
	case len(arguments) == 1 && arguments[0] == "stall":
		device.Stall()
	case len(arguments) == 1 && arguments[0] == "unstall":
		device.Unstall()
	default:
		return coreerrors.Invalid(fmt.Errorf("fault %v", arguments), "invalid_script", "use fault bus <n>|stall|unstall")
	}
	return nil
}

// finishAll finishes the sessions the script left running and frees every
// buffer.
func (r *replayer) finishAll() {
	for _, current := range r.sessions {
		if !current.session.Finished() {
			_ = r.harness.pipeline.FinishSession(current.session.Handle)
		}
		r.harness.free(current.buffers)
	}
}

func parseRect(value string) (schemarotator.Rect, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return schemarotator.Rect{}, coreerrors.Invalid(fmt.Errorf("rect %q is not x,y,w,h", value), "invalid_script", "")
	}
	numbers := make([]int, 4)
	for index, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return schemarotator.Rect{}, coreerrors.Invalid(fmt.Errorf("rect %q: %w", value, err), "invalid_script", "")
		}
		numbers[index] = n
	}
	return schemarotator.Rect{X: numbers[0], Y: numbers[1], Width: numbers[2], Height: numbers[3]}, nil
}

func writeReplayOutput(jsonOutput bool, output replayOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	for _, step := range output.Steps {
		status := "ok"
		if !step.OK {
			status = "FAIL " + step.Error
		}
		fmt.Printf("%4d %-40s %s\n", step.Line, step.Command, status)
	}
	if output.Error != "" {
		fmt.Printf("replay error: %s\n", output.Error)
		return exitCode
	}
	if output.Stats != nil {
		fmt.Printf("completed=%d hardware_faults=%d discarded=%d skipped=%d busy_rejects=%d\n",
			output.Stats.Completed, output.Stats.HardwareFaults, output.Stats.Discarded, output.Stats.Skipped, output.Stats.BusyRejects)
	}
	return exitCode
}

func printReplayUsage() {
	fmt.Println("Usage:")
	fmt.Println("  rotctl replay --script <script.txt> [--config .rotator/config.yaml] [--fault-log <faults.jsonl>] [--timeout 30s] [--json] [--explain]")
	fmt.Println("Script commands:")
	fmt.Println("  start <name> --format <fmt> --width <w> --height <h> [--rect x,y,w,h] [--dst-x n] [--dst-y n] [--rotation 0|90|180|270] [--flip-lr] [--flip-ud] [--downscale 0..3] [--secure] [--no-timeline] [--seed n]")
	fmt.Println("  sync <name> [--acquire <other>] [--wait-now]")
	fmt.Println("  submit <name> [--wait] [--src-offset n]")
	fmt.Println("  wait <name> | drain any|all | finish <name> | suspend | resume | stats")
	fmt.Println("  fault bus <n>|stall|unstall | competitor acquire|release")
	fmt.Println("  expect <error_code> <command...>")
}
