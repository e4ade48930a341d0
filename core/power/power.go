package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidahmann/rotator/core/hw"
)

type State int

const (
	Disabled State = iota
	Enabled
	Suspended
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type Options struct {
	// IdleTimeout delays DisableAfter. Zero or less powers down immediately.
	IdleTimeout time.Duration
	Gate        hw.ClockGate
	Logger      *slog.Logger
}

type domain struct {
	state      State
	timer      *time.Timer
	timerGen   uint64
	scheduled  uint64
	powerDowns uint64
	// idleOnResume marks a domain whose power-down was pending or requested
	// while suspended; Resume schedules it again.
	idleOnResume bool
}

// Controller owns the clock state. Its mutex is a leaf: the gate is called
// with it held, suspend hooks are called without it.
type Controller struct {
	idle   time.Duration
	gate   hw.ClockGate
	logger *slog.Logger

	mu        sync.Mutex
	domains   [hw.DomainCount]domain
	hooks     []func()
	suspended bool
	resumed   chan struct{}
}

type DomainStats struct {
	State      string `json:"state"`
	Scheduled  uint64 `json:"scheduled_power_downs"`
	PowerDowns uint64 `json:"power_downs"`
	Pending    bool   `json:"pending"`
}

func New(options Options) *Controller {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		idle:   options.IdleTimeout,
		gate:   options.Gate,
		logger: logger,
	}
}

func valid(d hw.ClockDomain) bool {
	return d >= 0 && int(d) < hw.DomainCount
}

func (c *Controller) setGateLocked(d hw.ClockDomain, enabled bool) {
	if c.gate != nil {
		c.gate.SetClock(d, enabled)
	}
}

func (c *Controller) cancelLocked(d hw.ClockDomain) {
	dom := &c.domains[d]
	if dom.timer == nil {
		return
	}
	dom.timer.Stop()
	dom.timer = nil
	dom.timerGen++
}

// Enable turns the domain on and cancels a pending idle power-down. It is
// idempotent. While the controller is suspended the domain is marked
// Suspended and its clock starts on Resume.
func (c *Controller) Enable(d hw.ClockDomain) {
	if !valid(d) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableLocked(d)
}

func (c *Controller) enableLocked(d hw.ClockDomain) {
	c.cancelLocked(d)
	dom := &c.domains[d]
	dom.idleOnResume = false
	switch {
	case c.suspended:
		dom.state = Suspended
	case dom.state != Enabled:
		dom.state = Enabled
		c.setGateLocked(d, true)
	}
}

// Access runs fn with the domain's clock running and no state change
// possible until fn returns. While the controller is suspended it waits for
// Resume or for ctx to end. fn must not block or call back into c.
func (c *Controller) Access(ctx context.Context, d hw.ClockDomain, fn func() error) error {
	if !valid(d) {
		return fmt.Errorf("unknown clock domain %d", int(d))
	}
	for {
		c.mu.Lock()
		if !c.suspended {
			c.enableLocked(d)
			err := fn()
			c.mu.Unlock()
			return err
		}
		resumed := c.resumed
		c.mu.Unlock()
		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disable turns the domain off now. A suspended domain becomes Disabled and
// is not restored by Resume.
func (c *Controller) Disable(d hw.ClockDomain) {
	if !valid(d) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(d)
	c.domains[d].idleOnResume = false
	c.disableLocked(d)
}

func (c *Controller) disableLocked(d hw.ClockDomain) {
	dom := &c.domains[d]
	switch dom.state {
	case Disabled:
		return
	case Enabled:
		c.setGateLocked(d, false)
		dom.powerDowns++
	}
	dom.state = Disabled
}

// DisableAfter schedules a deferred power-down of an enabled domain,
// replacing any earlier one. For a suspended domain the power-down is
// scheduled when Resume restarts its clock.
func (c *Controller) DisableAfter(d hw.ClockDomain) {
	if !valid(d) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.domains[d].state {
	case Enabled:
		c.scheduleLocked(d)
	case Suspended:
		c.domains[d].idleOnResume = true
	}
}

func (c *Controller) scheduleLocked(d hw.ClockDomain) {
	dom := &c.domains[d]
	c.cancelLocked(d)
	dom.scheduled++
	if c.idle <= 0 {
		c.disableLocked(d)
		return
	}
	dom.timerGen++
	gen := dom.timerGen
	dom.timer = time.AfterFunc(c.idle, func() { c.expire(d, gen) })
	c.logger.Debug("power down scheduled", "domain", d.String(), "after", c.idle)
}

func (c *Controller) expire(d hw.ClockDomain, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom := &c.domains[d]
	if dom.timer == nil || dom.timerGen != gen {
		return
	}
	dom.timer = nil
	if dom.state == Enabled {
		c.disableLocked(d)
		c.logger.Debug("idle power down", "domain", d.String())
	}
}

func (c *Controller) State(d hw.ClockDomain) State {
	if !valid(d) {
		return Disabled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domains[d].state
}

// OnSuspend registers a hook run by Suspend after the clocks are gated.
func (c *Controller) OnSuspend(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Suspend forces every enabled domain to Suspended, then runs the suspend
// hooks. A pending idle power-down is dropped and rescheduled by Resume.
func (c *Controller) Suspend() {
	c.mu.Lock()
	c.suspended = true
	if c.resumed == nil {
		c.resumed = make(chan struct{})
	}
	for index := range c.domains {
		d := hw.ClockDomain(index)
		if c.domains[index].timer != nil {
			c.domains[index].idleOnResume = true
		}
		c.cancelLocked(d)
		if c.domains[index].state == Enabled {
			c.domains[index].state = Suspended
			c.setGateLocked(d, false)
		}
	}
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	c.logger.Info("clocks suspended")
	for _, hook := range hooks {
		hook()
	}
}

// Resume re-enables only the suspended domains and releases callers blocked
// in Access.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return
	}
	c.suspended = false
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
	for index := range c.domains {
		d := hw.ClockDomain(index)
		dom := &c.domains[index]
		if dom.state != Suspended {
			dom.idleOnResume = false
			continue
		}
		dom.state = Enabled
		c.setGateLocked(d, true)
		if dom.idleOnResume {
			dom.idleOnResume = false
			c.scheduleLocked(d)
		}
	}
	c.logger.Info("clocks resumed")
}

func (c *Controller) Stats(d hw.ClockDomain) DomainStats {
	if !valid(d) {
		return DomainStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dom := c.domains[d]
	return DomainStats{
		State:      dom.state.String(),
		Scheduled:  dom.scheduled,
		PowerDowns: dom.powerDowns,
		Pending:    dom.timer != nil,
	}
}
