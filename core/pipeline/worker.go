package pipeline

import (
	"errors"
	"fmt"
	"time"

	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/hw"
)

type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateFenceWait
	StateDispatching
	StateAwaitingHardware
	StateRecovering
	StateCompleting
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFenceWait:
		return "fence_wait"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingHardware:
		return "awaiting_hardware"
	case StateRecovering:
		return "recovering"
	case StateCompleting:
		return "completing"
	default:
		return fmt.Sprintf("worker_state(%d)", int32(s))
	}
}

var errAborted = errors.New("dispatch aborted by close")

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		p.setState(StateIdle)
		if p.workerCtx.Err() != nil {
			return
		}
		item, err := p.queue.Dequeue(p.workerCtx)
		if err != nil {
			return
		}
		if item.Discarded {
			p.retire(item.Value)
		} else {
			p.process(item.Value)
		}
		p.queue.Done(item)
	}
}

// process runs one entry through fence wait, dispatch, hardware completion
// and completion bookkeeping. A bus error is recovered with a soft reset and
// recorded on the job; the worker carries on with the next entry.
func (p *Pipeline) process(e *entry) {
	completion := e.completion()
	if e.session.Finished() {
		p.releaseBuffers(e)
		completion.Skipped = true
		p.count(func(stats *Stats) { stats.Skipped++ })
		p.logger.Debug("skipping job of finished session", "job_id", e.id, "session", completion.Session)
		p.deliver(e, completion)
		return
	}

	p.setState(StateFenceWait)
	if !fence.WaitForFence(p.workerCtx, e.acquire, p.waitOptions) {
		completion.FenceTimedOut = true
	}

	p.setState(StateDispatching)
	p.power.Enable(hw.DomainCore)
	completion.ImemUsed = p.imem.TryAcquireRotator()

	for index, pass := range e.passes(completion.ImemUsed) {
		if index > 0 {
			p.setState(StateDispatching)
		}
		status, err := p.dispatch(pass)
		completion.Passes++
		if err != nil {
			completion.Faulted = true
			completion.Error = err.Error()
			if errors.Is(err, errAborted) {
				break
			}
			p.logger.Error("dispatch failed", "job_id", e.id, "session", completion.Session, "pass", index+1, "error", err)
			p.softReset()
			break
		}
		if status.BusError() {
			completion.Faulted = true
			completion.Status = status.String()
			completion.ErrorCode = coreerrors.CodeBusError
			p.logger.Error("hardware bus error", "job_id", e.id, "session", completion.Session, "pass", index+1, "status", status.String())
			p.softReset()
			break
		}
	}

	p.setState(StateCompleting)
	if completion.ImemUsed {
		p.imem.ReleaseRotator()
	}
	p.power.DisableAfter(hw.DomainCore)
	p.releaseBuffers(e)
	p.signalDone(e)
	p.count(func(stats *Stats) {
		stats.Completed++
		if completion.Faulted {
			stats.HardwareFaults++
		}
		if completion.TwoPass {
			stats.TwoPassJobs++
		}
		if !completion.ImemUsed {
			stats.ImemMisses++
		}
		if completion.FenceTimedOut {
			stats.FenceTimeouts++
		}
	})
	p.deliver(e, completion)
}

// dispatch programs one pass, starts it and blocks on the completion wake.
// Register access goes through the clock controller, so a suspend that
// lands while the pass runs holds the status read until Resume.
func (p *Pipeline) dispatch(pass hw.PassConfig) (hw.Status, error) {
	err := p.power.Access(p.workerCtx, hw.DomainCore, func() error {
		if err := p.programmer.Program(p.device, pass); err != nil {
			return fmt.Errorf("program pass: %w", err)
		}
		if err := p.device.Start(); err != nil {
			return fmt.Errorf("start pass: %w", err)
		}
		return nil
	})
	if err != nil {
		if p.workerCtx.Err() != nil {
			return 0, errAborted
		}
		return 0, err
	}
	p.setState(StateAwaitingHardware)
	select {
	case <-p.device.Completion():
	case <-p.workerCtx.Done():
		return 0, errAborted
	}
	var status hw.Status
	if err := p.power.Access(p.workerCtx, hw.DomainCore, func() error {
		status = p.device.Status()
		return nil
	}); err != nil {
		return 0, errAborted
	}
	return status, nil
}

func (p *Pipeline) softReset() {
	p.setState(StateRecovering)
	err := p.power.Access(p.workerCtx, hw.DomainCore, func() error {
		p.device.SoftReset()
		return nil
	})
	if err != nil {
		p.logger.Warn("soft reset skipped", "error", err)
	}
}

// retire finishes an entry that was never dispatched: its buffers are
// released and its release fence is signaled.
func (p *Pipeline) retire(e *entry) {
	p.releaseBuffers(e)
	p.signalDone(e)
	completion := e.completion()
	completion.Discarded = true
	p.count(func(stats *Stats) { stats.Discarded++ })
	p.deliver(e, completion)
}

func (p *Pipeline) retireAll(entries []*entry) {
	for _, e := range entries {
		p.retire(e)
	}
}

func (p *Pipeline) releaseBuffers(e *entry) {
	if err := hw.ReleaseAll(e.src, e.dst, e.scratch); err != nil {
		p.logger.Warn("release job buffers", "job_id", e.id, "error", err)
	}
}

// signalDone advances the session timeline for a retired job. The timeline of
// a finished session was drained by FinishSession and is left alone.
func (p *Pipeline) signalDone(e *entry) {
	if e.timeline == nil || e.session.Finished() {
		return
	}
	if err := e.timeline.SignalJobDone(); err != nil {
		p.count(func(stats *Stats) { stats.AccountingFaults++ })
	}
}

func (p *Pipeline) deliver(e *entry, completion Completion) {
	completion.DurationMS = time.Since(e.submitted).Milliseconds()
	if p.onComplete != nil {
		p.onComplete(completion)
	}
}
