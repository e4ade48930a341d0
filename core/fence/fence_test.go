package fence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func TestReleaseFenceNeedsNthCompletion(t *testing.T) {
	timeline := NewTimeline("s1", quietLogger())
	fences := make([]*TimelineFence, 0, 4)
	for i := 0; i < 4; i++ {
		fences = append(fences, timeline.IssueReleaseFence())
	}
	for done := 1; done <= 4; done++ {
		if err := timeline.SignalJobDone(); err != nil {
			t.Fatalf("signal job %d: %v", done, err)
		}
		for index, f := range fences {
			want := index < done
			if f.Signaled() != want {
				t.Fatalf("after %d completions fence %d signaled=%v", done, index+1, f.Signaled())
			}
		}
	}
	if timeline.Outstanding() != 0 || timeline.Value() != 4 {
		t.Fatalf("unexpected timeline value=%d outstanding=%d", timeline.Value(), timeline.Outstanding())
	}
}

func TestSignalJobDoneWithoutOutstandingIsAccountingFault(t *testing.T) {
	logs := &lockedBuffer{}
	timeline := NewTimeline("s1", slog.New(slog.NewTextHandler(logs, nil)))
	if err := timeline.SignalJobDone(); !errors.Is(err, ErrNoOutstanding) {
		t.Fatalf("expected accounting fault, got %v", err)
	}
	if timeline.Value() != 0 {
		t.Fatalf("timeline must not advance, value %d", timeline.Value())
	}
	if !strings.Contains(logs.String(), "level=ERROR") {
		t.Fatalf("expected error log, got %q", logs.String())
	}
}

func TestSignalProgressKeepsOutstanding(t *testing.T) {
	timeline := NewTimeline("s1", quietLogger())
	f := timeline.IssueReleaseFence()
	timeline.SignalProgress()
	if !f.Signaled() {
		t.Fatal("expected progress to satisfy the fence")
	}
	if timeline.Outstanding() != 1 {
		t.Fatalf("expected outstanding 1, got %d", timeline.Outstanding())
	}
}

func TestWaitReturnsWhenSignaled(t *testing.T) {
	timeline := NewTimeline("s1", quietLogger())
	f := timeline.IssueReleaseFence()
	errs := make(chan error, 1)
	go func() {
		errs <- f.Wait(context.Background())
	}()
	time.Sleep(5 * time.Millisecond)
	if err := timeline.SignalJobDone(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSignalAllReleasesWaitersAndAbsorbsLateCompletions(t *testing.T) {
	timeline := NewTimeline("s1", quietLogger())
	first := timeline.IssueReleaseFence()
	second := timeline.IssueReleaseFence()
	timeline.JobSubmitted()
	timeline.JobSubmitted()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- second.Wait(context.Background())
	}()
	if n := timeline.SignalAll(); n != 2 {
		t.Fatalf("expected two fences signaled, got %d", n)
	}
	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after SignalAll")
	}
	if !first.Signaled() || timeline.Outstanding() != 0 {
		t.Fatalf("unexpected state outstanding=%d", timeline.Outstanding())
	}

	next := timeline.IssueReleaseFence()
	for i := 0; i < 2; i++ {
		if err := timeline.SignalJobDone(); err != nil {
			t.Fatalf("late completion %d: %v", i, err)
		}
	}
	if next.Signaled() {
		t.Fatal("late completions of drained jobs must not satisfy a newer fence")
	}
	timeline.JobSubmitted()
	if err := timeline.SignalJobDone(); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if !next.Signaled() {
		t.Fatal("expected the newer fence to be satisfied by its own job")
	}
}

func TestWaitForFenceRetriesThenProceeds(t *testing.T) {
	logs := &lockedBuffer{}
	options := WaitOptions{Timeout: 5 * time.Millisecond, RetryTimeout: 10 * time.Millisecond, Logger: slog.New(slog.NewTextHandler(logs, nil))}
	if !WaitForFence(context.Background(), nil, options) {
		t.Fatal("nil fence must be satisfied")
	}
	if !WaitForFence(context.Background(), Signaled(), options) {
		t.Fatal("signaled fence must be satisfied")
	}

	timeline := NewTimeline("producer", quietLogger())
	stuck := timeline.IssueReleaseFence()
	start := time.Now()
	if WaitForFence(context.Background(), stuck, options) {
		t.Fatal("stuck fence must report unsatisfied")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected both timeouts to elapse, took %s", elapsed)
	}
	if strings.Count(logs.String(), "level=WARN") != 2 {
		t.Fatalf("expected a retry warning and a proceed warning, got %q", logs.String())
	}

	late := timeline.IssueReleaseFence()
	options.RetryTimeout = 2 * time.Second
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = timeline.SignalJobDone()
		_ = timeline.SignalJobDone()
	}()
	if !WaitForFence(context.Background(), late, options) {
		t.Fatal("fence signaled during the retry must be satisfied")
	}
}

func TestSyncStateAcquireSlot(t *testing.T) {
	logs := &lockedBuffer{}
	state := NewSyncState("s1", true, slog.New(slog.NewTextHandler(logs, nil)))
	state.Acquire(Signaled())
	state.Acquire(Signaled())
	if !strings.Contains(logs.String(), "acquire fence overwritten") {
		t.Fatalf("expected overwrite warning, got %q", logs.String())
	}
	if !state.HasAcquire() {
		t.Fatal("expected pending acquire fence")
	}
	if state.TakeAcquire() == nil || state.TakeAcquire() != nil {
		t.Fatal("take must hand out the fence exactly once")
	}

	timeline, err := state.Timeline()
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	f := timeline.IssueReleaseFence()
	state.Acquire(Signaled())
	if n := state.Reset(); n != 1 {
		t.Fatalf("expected reset to signal one fence, got %d", n)
	}
	if !f.Signaled() || state.HasAcquire() {
		t.Fatal("reset must signal outstanding fences and drop the acquire fence")
	}
}

func TestSyncStateWithoutTimeline(t *testing.T) {
	state := NewSyncState("s1", false, quietLogger())
	if _, err := state.Timeline(); !errors.Is(err, ErrNoTimeline) {
		t.Fatalf("expected no timeline, got %v", err)
	}
	if n := state.Reset(); n != 0 {
		t.Fatalf("expected nothing signaled, got %d", n)
	}
}
