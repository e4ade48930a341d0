package hw

import "strings"

// Status is the completion status register.
type Status uint32

const (
	StatusDone Status = 1 << iota
	StatusBusErrorRead
	StatusBusErrorWrite

	StatusBusError = StatusBusErrorRead | StatusBusErrorWrite
)

func (s Status) BusError() bool {
	return s&StatusBusError != 0
}

func (s Status) String() string {
	if s == 0 {
		return "idle"
	}
	parts := make([]string, 0, 3)
	if s&StatusDone != 0 {
		parts = append(parts, "done")
	}
	if s&StatusBusErrorRead != 0 {
		parts = append(parts, "bus_error_read")
	}
	if s&StatusBusErrorWrite != 0 {
		parts = append(parts, "bus_error_write")
	}
	return strings.Join(parts, "|")
}

type ClockDomain int

const (
	DomainCore ClockDomain = iota
	DomainImem

	DomainCount = 2
)

func (d ClockDomain) String() string {
	switch d {
	case DomainCore:
		return "core"
	case DomainImem:
		return "imem"
	default:
		return "unknown"
	}
}

// ClockGate switches the functional clocks of a device.
type ClockGate interface {
	SetClock(domain ClockDomain, enabled bool)
}

// Device is one rotator engine. Register access is only legal while the core
// clock is enabled. Completion delivers one wake per started job; the status
// register tells whether the job faulted.
type Device interface {
	Revision() int
	WriteRegisters(block RegisterBlock) error
	Start() error
	Completion() <-chan struct{}
	Status() Status
	SoftReset()
}
