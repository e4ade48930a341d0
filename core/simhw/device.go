package simhw

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/davidahmann/rotator/core/hw"
)

var (
	ErrDeviceBusy    = errors.New("rotator device busy")
	ErrNotProgrammed = errors.New("rotator device not programmed")
)

type DeviceOptions struct {
	Revision int
	Logger   *slog.Logger
}

// Device is a simulated rotator. It implements hw.Device and hw.ClockGate.
// Each Start runs the programmed pass on its own goroutine and posts one
// completion wake.
type Device struct {
	memory   *Memory
	revision int
	logger   *slog.Logger

	completion chan struct{}

	mu            sync.Mutex
	clocks        [hw.DomainCount]bool
	block         hw.RegisterBlock
	programmed    bool
	running       bool
	status        hw.Status
	stall         chan struct{}
	injectBusErr  int
	gatedAccesses int
	starts        int
	completed     int
	resets        int
	lastPass      hw.Pass
	wg            sync.WaitGroup
}

func NewDevice(memory *Memory, options DeviceOptions) *Device {
	revision := options.Revision
	if revision == 0 {
		revision = 2
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		memory:     memory,
		revision:   revision,
		logger:     logger,
		completion: make(chan struct{}, 1),
	}
}

func (d *Device) Revision() int {
	return d.revision
}

func (d *Device) SetClock(domain hw.ClockDomain, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if domain < 0 || int(domain) >= hw.DomainCount {
		return
	}
	d.clocks[domain] = enabled
}

// Clock reports whether a clock domain is currently running.
func (d *Device) Clock(domain hw.ClockDomain) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clocks[domain]
}

func (d *Device) touchLocked(register string) {
	if d.clocks[hw.DomainCore] {
		return
	}
	d.gatedAccesses++
	d.logger.Error("register access with core clock gated", "register", register)
}

func (d *Device) WriteRegisters(block hw.RegisterBlock) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touchLocked("config")
	if d.running {
		return ErrDeviceBusy
	}
	d.block = block
	d.programmed = true
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touchLocked("start")
	if d.running {
		return ErrDeviceBusy
	}
	if !d.programmed {
		return ErrNotProgrammed
	}
	if pass, err := hw.DecodePass(d.block); err == nil && pass.Imem && !d.clocks[hw.DomainImem] {
		d.gatedAccesses++
		d.logger.Error("pass uses imem with its clock gated", "tag", pass.Tag)
	}
	d.running = true
	d.status = 0
	d.starts++
	block := d.block
	stall := d.stall
	d.wg.Add(1)
	go d.run(block, stall)
	return nil
}

func (d *Device) run(block hw.RegisterBlock, stall chan struct{}) {
	defer d.wg.Done()
	if stall != nil {
		<-stall
	}
	status := hw.StatusDone
	pass, err := hw.DecodePass(block)
	if err != nil {
		d.logger.Error("rejecting register block", "error", err)
		status |= hw.StatusBusErrorRead
	}

	d.mu.Lock()
	inject := d.injectBusErr > 0
	if inject {
		d.injectBusErr--
	}
	d.mu.Unlock()

	switch {
	case status.BusError():
	case inject:
		status |= hw.StatusBusErrorWrite
	default:
		if err := d.execute(pass); err != nil {
			d.logger.Error("pass failed", "tag", pass.Tag, "error", err)
			status |= hw.StatusBusErrorRead
		}
	}

	d.mu.Lock()
	d.status = status
	d.running = false
	d.completed++
	d.lastPass = pass
	d.mu.Unlock()
	d.completion <- struct{}{}
}

func (d *Device) Completion() <-chan struct{} {
	return d.completion
}

func (d *Device) Status() hw.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touchLocked("status")
	return d.status
}

func (d *Device) SoftReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touchLocked("reset")
	d.status = 0
	d.programmed = false
	d.resets++
}

// Stall holds every pass started from now on until Unstall.
func (d *Device) Stall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stall == nil {
		d.stall = make(chan struct{})
	}
}

func (d *Device) Unstall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stall != nil {
		close(d.stall)
		d.stall = nil
	}
}

// InjectBusErrors makes the next n passes complete with a write bus error
// without touching memory.
func (d *Device) InjectBusErrors(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectBusErr += n
}

// Wait blocks until no pass goroutine is running.
func (d *Device) Wait() {
	d.wg.Wait()
}

type DeviceStats struct {
	Starts        int     `json:"starts"`
	Completed     int     `json:"completed"`
	SoftResets    int     `json:"soft_resets"`
	GatedAccesses int     `json:"gated_accesses"`
	LastPass      hw.Pass `json:"-"`
}

func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStats{
		Starts:        d.starts,
		Completed:     d.completed,
		SoftResets:    d.resets,
		GatedAccesses: d.gatedAccesses,
		LastPass:      d.lastPass,
	}
}
