package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/davidahmann/rotator/core/config"
	"github.com/davidahmann/rotator/core/doctor"
	coreerrors "github.com/davidahmann/rotator/core/errors"
)

type doctorOutput struct {
	OK bool `json:"ok"`
	*doctor.Result
	errorDetail
}

func runDoctor(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("doctor")
	}
	var (
		configPath string
		outputDir  string
		jsonOutput bool
		helpFlag   bool
	)
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&configPath, "config", config.DefaultPath, "path to the rotator config")
	flagSet.StringVar(&outputDir, "output-dir", "", "directory fault logs and snapshots are written to")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := parseInterspersed(flagSet, arguments); err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorDetail: describeError(err)}, exitInvalidInput)
	}
	if helpFlag {
		printDoctorUsage()
		return exitOK
	}
	if flagSet.NArg() > 0 {
		err := coreerrors.Invalid(errors.New("unexpected positional arguments"), "invalid_arguments", "doctor takes flags only")
		return writeDoctorOutput(jsonOutput, doctorOutput{errorDetail: describeError(err)}, exitInvalidInput)
	}

	result := doctor.Run(doctor.Options{
		ConfigPath:      configPath,
		OutputDir:       outputDir,
		ProducerVersion: version,
	})
	return writeDoctorOutput(jsonOutput, doctorOutput{OK: result.Status != "fail", Result: &result}, doctorExitCode(result))
}

// doctorExitCode fails with invalid input when a fix command can repair the
// environment and with an internal failure when none can.
func doctorExitCode(result doctor.Result) int {
	switch {
	case result.Status != "fail":
		return exitOK
	case result.NonFixable:
		return exitInternalFailure
	default:
		return exitInvalidInput
	}
}

func writeDoctorOutput(jsonOutput bool, output doctorOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Result == nil {
		fmt.Printf("doctor error: %s\n", output.Error)
		return exitCode
	}
	fmt.Println(output.Summary)
	for _, check := range output.Checks {
		fmt.Printf("  [%s] %s: %s\n", check.Status, check.Name, check.Message)
		if check.FixCommand != "" {
			fmt.Printf("        fix: %s\n", check.FixCommand)
		}
	}
	return exitCode
}

func printDoctorUsage() {
	fmt.Println("Usage:")
	fmt.Println("  rotctl doctor [--config .rotator/config.yaml] [--output-dir <path>] [--json] [--explain]")
}
