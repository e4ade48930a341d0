package errors

import (
	stderrors "errors"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("queue full")
	err := Wrap(base, CategoryStateContention, CodeBusy, "back off and resubmit", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryStateContention {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != CodeBusy {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "back off and resubmit" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestInvalidIsNeverRetryable(t *testing.T) {
	base := stderrors.New("width out of range")
	err := Invalid(base, CodeInvalidGeometry, "fix the session geometry")
	if CategoryOf(err) != CategoryInvalidInput {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if RetryableOf(err) {
		t.Fatal("validation errors must not be retryable")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected cause to be preserved")
	}
}

func TestContentionKeepsRetryableFlag(t *testing.T) {
	err := Contention(stderrors.New("all slots used"), CodeNoFreeSessions, "finish a session first", false)
	if CategoryOf(err) != CategoryStateContention {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if RetryableOf(err) {
		t.Fatal("expected retryable false")
	}
	if CodeOf(err) != CodeNoFreeSessions {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if RetryableOf(err) {
		t.Fatal("unexpected retryable true")
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternalFailure, "internal_failure", "retry later", false); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
	if got := Invalid(nil, CodeInvalidSession, ""); got != nil {
		t.Fatalf("expected nil invalid error, got=%v", got)
	}
}

func TestClassifiedErrorNilCauseDefaults(t *testing.T) {
	err := &classifiedError{
		category:  CategoryHardwareFault,
		code:      CodeBusError,
		hint:      "inspect the fault log",
		retryable: false,
	}
	if err.Error() != "unknown error" {
		t.Fatalf("unexpected nil-cause error text: %s", err.Error())
	}
	if err.Unwrap() != nil {
		t.Fatalf("expected unwrap nil for nil cause")
	}
	if err.Category() != CategoryHardwareFault {
		t.Fatalf("unexpected category: %s", err.Category())
	}
	if err.Code() != CodeBusError {
		t.Fatalf("unexpected code: %s", err.Code())
	}
	if err.Hint() != "inspect the fault log" {
		t.Fatalf("unexpected hint: %s", err.Hint())
	}
	if err.Retryable() {
		t.Fatalf("expected retryable=false")
	}
}

func TestCategorySetIsStableAndUnique(t *testing.T) {
	categories := []Category{
		CategoryInvalidInput,
		CategoryStateContention,
		CategoryHardwareFault,
		CategoryIOFailure,
		CategoryInternalFailure,
	}
	seen := map[Category]struct{}{}
	for _, category := range categories {
		if category == "" {
			t.Fatalf("category must not be empty")
		}
		if _, exists := seen[category]; exists {
			t.Fatalf("duplicate category: %s", category)
		}
		seen[category] = struct{}{}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 categories, got %d", len(seen))
	}
}
