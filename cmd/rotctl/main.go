package main

import (
	"fmt"
	"os"
	"strings"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitInvalidInput    = 2
	exitContention      = 3
	exitHardwareFault   = 4
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	setCurrentCorrelationID(newCorrelationID(arguments))
	exitCode := runDispatch(arguments)
	setCurrentCorrelationID("")
	return exitCode
}

func runDispatch(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("rotctl", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("rotctl")
	}

	switch strings.TrimSpace(arguments[1]) {
	case "run":
		return runJobs(arguments[2:])
	case "replay":
		return runReplay(arguments[2:])
	case "doctor":
		return runDoctor(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("version")
		}
		fmt.Println("rotctl", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  rotctl run --jobs <jobs.json> [--config .rotator/config.yaml] [--fault-log <faults.jsonl>] [--snapshot <snapshot.json>] [--timeout 30s] [--json] [--explain]")
	fmt.Println("  rotctl replay --script <script.txt> [--config .rotator/config.yaml] [--fault-log <faults.jsonl>] [--timeout 30s] [--json] [--explain]")
	fmt.Println("  rotctl doctor [--config .rotator/config.yaml] [--output-dir <path>] [--json] [--explain]")
	fmt.Println("  rotctl version")
}
