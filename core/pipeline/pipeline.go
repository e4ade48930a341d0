package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/davidahmann/rotator/core/commitq"
	"github.com/davidahmann/rotator/core/config"
	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/imem"
	"github.com/davidahmann/rotator/core/power"
	"github.com/davidahmann/rotator/core/session"
)

var ErrClosed = errors.New("pipeline closed")

type Options struct {
	// Settings supplies limits and timeouts; the zero value means
	// config.Default().
	Settings config.Settings
	Device   hw.Device
	// Gate switches the device clocks. It defaults to Device when the device
	// implements hw.ClockGate.
	Gate   hw.ClockGate
	Mapper hw.BufferMapper
	// Scratch allocates the intermediate buffers of two-pass sessions. Its
	// handles must be resolvable through Mapper.
	Scratch    hw.ScratchAllocator
	Programmer hw.FormatProgrammer
	// OnComplete receives one record per retired job. It runs on the worker
	// goroutine, except for jobs discarded by Close or by a SubmitJob racing
	// Close, which are delivered on that caller's goroutine before it returns.
	// It must not block on the pipeline.
	OnComplete func(Completion)
	Logger     *slog.Logger
}

type Pipeline struct {
	settings    config.Settings
	logger      *slog.Logger
	device      hw.Device
	mapper      hw.BufferMapper
	programmer  hw.FormatProgrammer
	onComplete  func(Completion)
	waitOptions fence.WaitOptions

	power    *power.Controller
	imem     *imem.Arbiter
	sessions *session.Table
	queue    *commitq.Queue[*entry]

	state      atomic.Int32
	closed     atomic.Bool
	started    atomic.Bool
	workerCtx  context.Context
	stopWorker context.CancelFunc
	done       chan struct{}

	mu    sync.Mutex
	stats Stats
}

func New(options Options) (*Pipeline, error) {
	if options.Device == nil {
		return nil, fmt.Errorf("pipeline requires a device")
	}
	if options.Mapper == nil {
		return nil, fmt.Errorf("pipeline requires a buffer mapper")
	}
	settings := options.Settings
	if settings == (config.Settings{}) {
		resolved, err := config.Default().Resolve()
		if err != nil {
			return nil, fmt.Errorf("resolve default settings: %w", err)
		}
		settings = resolved
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := options.Gate
	if gate == nil {
		if deviceGate, ok := options.Device.(hw.ClockGate); ok {
			gate = deviceGate
		}
	}
	programmer := options.Programmer
	if programmer == nil {
		programmer = hw.RegisterProgrammer{}
	}

	controller := power.New(power.Options{
		IdleTimeout: settings.IdlePowerDown,
		Gate:        gate,
		Logger:      logger,
	})
	arbiter := imem.New(imem.Options{
		Clock:    controller,
		Disabled: !settings.Imem,
		Logger:   logger,
	})
	table, err := session.NewTable(session.Options{
		Capacity: settings.MaxSessions,
		Limits: format.Limits{
			MaxDimension: settings.MaxDimension,
			Revision:     options.Device.Revision(),
		},
		Scratch: options.Scratch,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	queue, err := commitq.New[*entry](commitq.Options{
		Capacity:       settings.CommitQueueDepth,
		EnqueueTimeout: settings.EnqueueTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	p := &Pipeline{
		settings:   settings,
		logger:     logger,
		device:     options.Device,
		mapper:     options.Mapper,
		programmer: programmer,
		onComplete: options.OnComplete,
		waitOptions: fence.WaitOptions{
			Timeout:      settings.FenceWaitTimeout,
			RetryTimeout: settings.FenceWaitRetryTimeout,
			Logger:       logger,
		},
		power:      controller,
		imem:       arbiter,
		sessions:   table,
		queue:      queue,
		workerCtx:  workerCtx,
		stopWorker: stopWorker,
		done:       make(chan struct{}),
	}
	controller.OnSuspend(p.signalAllTimelines)
	return p, nil
}

// Start launches the worker. Calls after the first, or after Close, do
// nothing.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Close stops accepting jobs and waits for the worker to finish what is
// queued. When ctx ends first the worker is stopped, entries it never reached
// are retired as discarded, and ctx's error is returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.queue.Close()
	if p.started.CompareAndSwap(false, true) {
		close(p.done)
		p.retireAll(p.queue.Flush())
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	p.stopWorker()
	<-p.done
	if flushed := p.queue.Flush(); len(flushed) > 0 {
		p.logger.Warn("pipeline closed with queued jobs", "discarded", len(flushed))
		p.retireAll(flushed)
	}
	return ctx.Err()
}

func closedError() error {
	return coreerrors.Wrap(ErrClosed, coreerrors.CategoryStateContention, coreerrors.CodeClosed, "the pipeline is shutting down", false)
}

// StartSession configures a session. A zero handle allocates a new one;
// any other handle re-configures that live session.
func (p *Pipeline) StartSession(handle session.Handle, config session.Config) (*session.Session, error) {
	return p.sessions.Start(handle, config)
}

// FinishSession destroys a session. Jobs of the session that are still queued
// are skipped; a job already on the hardware runs to completion. Callers that
// need the latter finished call DrainWait(DrainAll) first.
func (p *Pipeline) FinishSession(handle session.Handle) error {
	return p.sessions.Finish(handle)
}

// Session returns the live session for handle.
func (p *Pipeline) Session(handle session.Handle) (*session.Session, error) {
	return p.sessions.Lookup(handle)
}

// SyncBuffer stores acquire as the fence the session's next job waits on and
// returns the release fence of that job. With waitNow the acquire fence is
// waited here instead, using the worker's timeouts.
func (p *Pipeline) SyncBuffer(ctx context.Context, handle session.Handle, acquire fence.Fence, waitNow bool) (*fence.TimelineFence, error) {
	current, err := p.sessions.Lookup(handle)
	if err != nil {
		return nil, err
	}
	state := current.Sync()
	timeline, err := state.Timeline()
	if err != nil {
		return nil, coreerrors.Invalid(
			fmt.Errorf("%w: %s", err, handle),
			coreerrors.CodeNoTimeline,
			"start the session with a release timeline",
		)
	}
	if acquire != nil {
		state.Acquire(acquire)
		if waitNow {
			fence.WaitForFence(ctx, state.TakeAcquire(), p.waitOptions)
		}
	}
	return timeline.IssueReleaseFence(), nil
}

// DrainWait blocks until the commit queue has room (DrainAny) or every
// submitted job is retired (DrainAll).
func (p *Pipeline) DrainWait(ctx context.Context, mode commitq.DrainMode) error {
	return p.queue.DrainWait(ctx, mode)
}

// Suspend gates every running clock and signals every outstanding release
// fence of every session.
func (p *Pipeline) Suspend() {
	p.power.Suspend()
}

func (p *Pipeline) Resume() {
	p.power.Resume()
}

func (p *Pipeline) signalAllTimelines() {
	if signaled := p.sessions.SignalAllTimelines(); signaled > 0 {
		p.logger.Info("suspend signaled outstanding release fences", "fences", signaled)
	}
}

// Imem exposes the scratch memory arbiter to the competing subsystem.
func (p *Pipeline) Imem() *imem.Arbiter {
	return p.imem
}

func (p *Pipeline) Power() *power.Controller {
	return p.power
}

func (p *Pipeline) WorkerState() WorkerState {
	return WorkerState(p.state.Load())
}

func (p *Pipeline) setState(state WorkerState) {
	if previous := WorkerState(p.state.Swap(int32(state))); previous != state {
		p.logger.Debug("worker state", "from", previous.String(), "to", state.String())
	}
}
