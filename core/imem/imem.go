package imem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/davidahmann/rotator/core/hw"
)

type Owner int

const (
	OwnerNone Owner = iota
	OwnerRotator
	OwnerCompetitor
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerRotator:
		return "rotator"
	case OwnerCompetitor:
		return "competitor"
	default:
		return "unknown"
	}
}

// Clock is the part of the power controller the arbiter drives.
type Clock interface {
	Enable(d hw.ClockDomain)
	DisableAfter(d hw.ClockDomain)
}

type Options struct {
	Clock Clock
	// Disabled makes every rotator acquisition miss, for hardware without a
	// usable scratch bank.
	Disabled bool
	Logger   *slog.Logger
}

type Stats struct {
	Owner              string `json:"owner"`
	RotatorAcquired    uint64 `json:"rotator_acquired"`
	RotatorMisses      uint64 `json:"rotator_misses"`
	CompetitorAcquired uint64 `json:"competitor_acquired"`
}

type Arbiter struct {
	clock    Clock
	disabled bool
	logger   *slog.Logger

	mu       sync.Mutex
	owner    Owner
	released chan struct{}
	stats    Stats
}

func New(options Options) *Arbiter {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		clock:    options.Clock,
		disabled: options.Disabled,
		logger:   logger,
		released: make(chan struct{}),
	}
}

// TryAcquireRotator takes the bank for the rotator if nobody owns it. It never
// blocks.
func (a *Arbiter) TryAcquireRotator() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disabled || a.owner != OwnerNone {
		a.stats.RotatorMisses++
		a.logger.Debug("imem busy", "owner", a.owner.String())
		return false
	}
	a.owner = OwnerRotator
	a.stats.RotatorAcquired++
	if a.clock != nil {
		a.clock.Enable(hw.DomainImem)
	}
	return true
}

// ReleaseRotator gives the bank back only if the rotator owns it.
func (a *Arbiter) ReleaseRotator() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != OwnerRotator {
		return
	}
	a.releaseLocked()
}

// AcquireCompetitor blocks until the bank is free and takes it.
func (a *Arbiter) AcquireCompetitor(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.owner == OwnerNone {
			a.owner = OwnerCompetitor
			a.stats.CompetitorAcquired++
			if a.clock != nil {
				a.clock.Enable(hw.DomainImem)
			}
			a.mu.Unlock()
			return nil
		}
		released := a.released
		a.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Arbiter) ReleaseCompetitor() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *Arbiter) releaseLocked() {
	a.owner = OwnerNone
	if a.clock != nil {
		a.clock.DisableAfter(hw.DomainImem)
	}
	close(a.released)
	a.released = make(chan struct{})
}

func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.stats
	stats.Owner = a.owner.String()
	return stats
}
