package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/buildkite/shellwords"
)

// parseInterspersed parses arguments with flags and positionals in any order.
// Whether a flag consumes the next argument is read from the flag set.
func parseInterspersed(flagSet *flag.FlagSet, arguments []string) error {
	return flagSet.Parse(reorderInterspersedFlags(flagSet, arguments))
}

func reorderInterspersedFlags(flagSet *flag.FlagSet, arguments []string) []string {
	if len(arguments) == 0 {
		return arguments
	}

	flags := make([]string, 0, len(arguments))
	positionals := make([]string, 0, len(arguments))

	for index := 0; index < len(arguments); index++ {
		argument := arguments[index]
		if argument == "--" {
			positionals = append(positionals, arguments[index+1:]...)
			break
		}
		if !isFlagToken(argument) {
			positionals = append(positionals, argument)
			continue
		}

		flags = append(flags, argument)
		if strings.Contains(argument, "=") || !flagRequiresValue(flagSet, argument) {
			continue
		}
		if index+1 >= len(arguments) {
			continue
		}
		index++
		flags = append(flags, arguments[index])
	}

	return append(flags, positionals...)
}

func isFlagToken(argument string) bool {
	return len(argument) > 1 && strings.HasPrefix(argument, "-")
}

func flagRequiresValue(flagSet *flag.FlagSet, argument string) bool {
	defined := flagSet.Lookup(strings.TrimLeft(argument, "-"))
	if defined == nil {
		return false
	}
	if boolean, ok := defined.Value.(interface{ IsBoolFlag() bool }); ok && boolean.IsBoolFlag() {
		return false
	}
	return true
}

// splitScriptLine splits one replay line into words. Blank lines and lines
// starting with # yield no words.
func splitScriptLine(line string) ([]string, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}
	words, err := shellwords.Split(trimmed)
	if err != nil {
		return nil, fmt.Errorf("split script line: %w", err)
	}
	return words, nil
}
