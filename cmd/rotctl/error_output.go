package main

import (
	"encoding/json"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/rotator/core/errors"
)

// errorDetail carries the classification of a failed command into its JSON
// output. Empty fields are filled from the exit code by the error envelope.
type errorDetail struct {
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func describeError(err error) errorDetail {
	if err == nil {
		return errorDetail{}
	}
	detail := errorDetail{Error: err.Error()}
	if code := coreerrors.CodeOf(err); code != "" {
		detail.ErrorCode = code
		detail.ErrorCategory = string(coreerrors.CategoryOf(err))
		retryable := coreerrors.RetryableOf(err)
		detail.Retryable = &retryable
		detail.Hint = coreerrors.HintOf(err)
	}
	return detail
}

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitCode
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(asString(result["correlation_id"])) == "" {
		if correlationID := currentCorrelationID(); correlationID != "" {
			result["correlation_id"] = correlationID
		}
	}
	if strings.TrimSpace(asString(result["error"])) == "" {
		return json.Marshal(result)
	}
	fallback := exitDefaultsFor(exitCode)
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		result["error_category"] = string(fallback.category)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = string(fallback.category)
	}
	if _, exists := result["retryable"]; !exists {
		result["retryable"] = coreerrors.Category(asString(result["error_category"])) == coreerrors.CategoryStateContention
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = fallback.hint
	}
	return json.Marshal(result)
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryStateContention:
		return exitContention
	case coreerrors.CategoryHardwareFault:
		return exitHardwareFault
	case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

type exitDefaults struct {
	category coreerrors.Category
	hint     string
}

// envelopeDefaults classifies failures that carry no classified error of
// their own, keyed by exit code.
var envelopeDefaults = map[int]exitDefaults{
	exitInvalidInput:  {coreerrors.CategoryInvalidInput, "check command usage and the job file schema"},
	exitContention:    {coreerrors.CategoryStateContention, "finish idle sessions or wait for the queue to drain, then retry"},
	exitHardwareFault: {coreerrors.CategoryHardwareFault, "inspect the fault log for the failing jobs"},
}

func exitDefaultsFor(exitCode int) exitDefaults {
	if defaults, ok := envelopeDefaults[exitCode]; ok {
		return defaults
	}
	return exitDefaults{coreerrors.CategoryInternalFailure, "retry after checking local environment and logs"}
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}
