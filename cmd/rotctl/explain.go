package main

import (
	"fmt"
	"strings"
)

var explanations = map[string]string{
	"rotctl":  "rotctl drives the rotator job pipeline against a simulated rotator device: it starts sessions, submits rotate and downscale jobs, and reports fences, faults and pipeline counters.",
	"run":     "Run a JSON job file: every session is started, its jobs are submitted concurrently with the other sessions, and a report with per-session output digests and pipeline stats is printed.",
	"replay":  "Replay a line-oriented script of pipeline operations (start, sync, submit, wait, drain, finish, suspend, resume, fault, competitor, stats) and report the outcome of every line.",
	"doctor":  "Check the rotator config, the output directory and the embedded schemas, then run a probe job through a fresh simulated device.",
	"version": "Print the CLI version.",
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(command string) int {
	fmt.Println(explanations[command])
	return exitOK
}
