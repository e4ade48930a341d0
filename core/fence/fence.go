package fence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNoOutstanding = errors.New("job done signaled with no outstanding job")
	ErrNoTimeline    = errors.New("session has no release timeline")
)

// Fence is a single point on some timeline.
type Fence interface {
	Wait(ctx context.Context) error
	Signaled() bool
}

// Timeline is a per-session counter. A fence issued while n jobs are
// outstanding is satisfied by the n+1-th job completion from then on.
type Timeline struct {
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	value       uint64
	outstanding uint64
	// inflight counts submitted jobs that will still report completion;
	// credits are those whose fences a forced drain already satisfied.
	inflight uint64
	credits  uint64
	changed  chan struct{}
}

func NewTimeline(name string, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		name:    name,
		logger:  logger,
		changed: make(chan struct{}),
	}
}

func (t *Timeline) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *Timeline) Outstanding() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// IssueReleaseFence returns a fence for the next job and counts it as
// outstanding.
func (t *Timeline) IssueReleaseFence() *TimelineFence {
	t.mu.Lock()
	defer t.mu.Unlock()
	target := t.value + t.outstanding + 1
	t.outstanding++
	return &TimelineFence{timeline: t, target: target}
}

// JobSubmitted records a job that will later call SignalJobDone.
func (t *Timeline) JobSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight++
}

// SignalProgress advances the timeline by one without touching the
// outstanding count.
func (t *Timeline) SignalProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value++
	t.broadcastLocked()
}

// SignalJobDone advances the timeline for one completed job. With no
// outstanding job it logs and returns ErrNoOutstanding; the timeline is left
// unchanged.
func (t *Timeline) SignalJobDone() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight > 0 {
		t.inflight--
	}
	if t.credits > 0 {
		t.credits--
		return nil
	}
	if t.outstanding == 0 {
		t.logger.Error("job done with no outstanding job", "timeline", t.name, "value", t.value)
		return ErrNoOutstanding
	}
	t.value++
	t.outstanding--
	t.broadcastLocked()
	return nil
}

// SignalAll satisfies every outstanding fence now. Completions of jobs that
// were already submitted are absorbed afterwards instead of advancing the
// timeline again. It returns how many fences were signaled.
func (t *Timeline) SignalAll() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	signaled := t.outstanding
	if signaled == 0 {
		return 0
	}
	t.value += signaled
	t.credits += min(signaled, t.inflight-min(t.inflight, t.credits))
	t.outstanding = 0
	t.broadcastLocked()
	return signaled
}

func (t *Timeline) reached(target uint64) (bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value >= target, t.changed
}

// TimelineFence is satisfied once its timeline reaches Target.
type TimelineFence struct {
	timeline *Timeline
	target   uint64
}

func (f *TimelineFence) Target() uint64 {
	return f.target
}

func (f *TimelineFence) Signaled() bool {
	done, _ := f.timeline.reached(f.target)
	return done
}

func (f *TimelineFence) Wait(ctx context.Context) error {
	for {
		done, changed := f.timeline.reached(f.target)
		if done {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type signaledFence struct{}

func (signaledFence) Wait(context.Context) error { return nil }
func (signaledFence) Signaled() bool             { return true }

// Signaled returns a fence that is already satisfied.
func Signaled() Fence {
	return signaledFence{}
}

type WaitOptions struct {
	Timeout      time.Duration
	RetryTimeout time.Duration
	Logger       *slog.Logger
}

// WaitForFence waits for f with a short timeout, then once more with the
// retry timeout. If the fence is still pending it logs and reports false; the
// caller proceeds anyway. A nil fence is satisfied.
func WaitForFence(ctx context.Context, f Fence, options WaitOptions) bool {
	if f == nil || f.Signaled() {
		return true
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for attempt, timeout := range []time.Duration{options.Timeout, options.RetryTimeout} {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := f.Wait(waitCtx)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			logger.Warn("fence wait interrupted", "error", ctx.Err())
			return false
		}
		if attempt == 0 {
			logger.Warn("fence wait timed out, retrying", "timeout", timeout, "retry_timeout", options.RetryTimeout)
		}
	}
	logger.Warn("fence still pending, proceeding", "waited", options.Timeout+options.RetryTimeout)
	return false
}

// SyncState is one session's synchronization state.
type SyncState struct {
	logger   *slog.Logger
	timeline *Timeline

	mu      sync.Mutex
	acquire Fence
}

// NewSyncState creates the state for a session; withTimeline false makes
// release fences unavailable.
func NewSyncState(name string, withTimeline bool, logger *slog.Logger) *SyncState {
	if logger == nil {
		logger = slog.Default()
	}
	state := &SyncState{logger: logger}
	if withTimeline {
		state.timeline = NewTimeline(name, logger)
	}
	return state
}

func (s *SyncState) Timeline() (*Timeline, error) {
	if s.timeline == nil {
		return nil, ErrNoTimeline
	}
	return s.timeline, nil
}

// Acquire stores the fence the next job waits on. An unconsumed fence is
// replaced with a warning.
func (s *SyncState) Acquire(f Fence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquire != nil && f != nil {
		s.logger.Warn("acquire fence overwritten before use")
	}
	s.acquire = f
}

// TakeAcquire hands the pending acquire fence to a job and clears the slot.
func (s *SyncState) TakeAcquire() Fence {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.acquire
	s.acquire = nil
	return f
}

func (s *SyncState) HasAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquire != nil
}

// Reset drops the acquire fence and signals every outstanding release fence,
// leaving the outstanding count at zero.
func (s *SyncState) Reset() uint64 {
	s.mu.Lock()
	s.acquire = nil
	s.mu.Unlock()
	if s.timeline == nil {
		return 0
	}
	return s.timeline.SignalAll()
}
