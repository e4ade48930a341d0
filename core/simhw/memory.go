package simhw

import (
	"errors"
	"fmt"
	"sync"

	"github.com/davidahmann/rotator/core/hw"
)

const (
	memoryBase  hw.Addr = 0x1000
	memoryAlign         = 0x1000
)

var (
	ErrSecureMismatch = errors.New("secure session requires a secure buffer")
	ErrUnmapped       = errors.New("address not mapped")
	ErrOutOfMemory    = errors.New("simulated address space exhausted")
)

type buffer struct {
	handle  hw.MemoryHandle
	addr    hw.Addr
	data    []byte
	secure  bool
	scratch bool
	pins    int
	freed   bool
}

// Memory implements hw.BufferMapper and hw.ScratchAllocator. Freed buffers
// stay addressable until their last mapping is released.
type Memory struct {
	mu         sync.Mutex
	next       uint64
	nextHandle hw.MemoryHandle
	nextToken  hw.MappingToken
	buffers    map[hw.MemoryHandle]*buffer
	mappings   map[hw.MappingToken]*buffer
	scratch    int
}

func NewMemory() *Memory {
	return &Memory{
		next:     uint64(memoryBase),
		buffers:  map[hw.MemoryHandle]*buffer{},
		mappings: map[hw.MappingToken]*buffer{},
	}
}

func (m *Memory) Alloc(size int, secure bool) (hw.MemoryHandle, error) {
	return m.alloc(size, secure, false)
}

func (m *Memory) alloc(size int, secure bool, scratch bool) (hw.MemoryHandle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("allocate %d bytes: size must be positive", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.next + uint64(size)
	if end > 1<<32 {
		return 0, ErrOutOfMemory
	}
	m.nextHandle++
	buf := &buffer{
		handle:  m.nextHandle,
		addr:    hw.Addr(m.next),
		data:    make([]byte, size),
		secure:  secure,
		scratch: scratch,
	}
	m.next = (end + memoryAlign - 1) &^ (memoryAlign - 1)
	m.buffers[buf.handle] = buf
	if scratch {
		m.scratch++
	}
	return buf.handle, nil
}

// Free drops the handle. Memory still pinned by a mapping is reclaimed when
// the mapping is released.
func (m *Memory) Free(handle hw.MemoryHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[handle]
	if !ok || buf.freed {
		return fmt.Errorf("%w: %d", hw.ErrUnknownHandle, handle)
	}
	buf.freed = true
	if buf.scratch {
		m.scratch--
	}
	if buf.pins == 0 {
		delete(m.buffers, handle)
	}
	return nil
}

func (m *Memory) AllocScratch(size int, secure bool) (hw.MemoryHandle, error) {
	return m.alloc(size, secure, true)
}

func (m *Memory) FreeScratch(handle hw.MemoryHandle) error {
	return m.Free(handle)
}

func (m *Memory) Resolve(handle hw.MemoryHandle, secure bool) (hw.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[handle]
	if !ok || buf.freed {
		return hw.Mapping{}, fmt.Errorf("%w: %d", hw.ErrUnknownHandle, handle)
	}
	if secure && !buf.secure {
		return hw.Mapping{}, fmt.Errorf("%w: handle %d", ErrSecureMismatch, handle)
	}
	buf.pins++
	m.nextToken++
	m.mappings[m.nextToken] = buf
	return hw.Mapping{Addr: buf.addr, Length: len(buf.data), Token: m.nextToken}, nil
}

func (m *Memory) Release(token hw.MappingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.mappings[token]
	if !ok {
		return fmt.Errorf("release unknown mapping token %d", token)
	}
	delete(m.mappings, token)
	buf.pins--
	if buf.pins == 0 && buf.freed {
		delete(m.buffers, buf.handle)
	}
	return nil
}

// Bytes returns the live contents of a buffer for filling and inspection.
func (m *Memory) Bytes(handle hw.MemoryHandle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[handle]
	if !ok || buf.freed {
		return nil, fmt.Errorf("%w: %d", hw.ErrUnknownHandle, handle)
	}
	return buf.data, nil
}

// Pinned is the number of mappings not yet released.
func (m *Memory) Pinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}

// ScratchBuffers is the number of live scratch allocations.
func (m *Memory) ScratchBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scratch
}

// slice is the device view of memory: size bytes at addr, which must lie in
// one pinned buffer.
func (m *Memory) slice(addr hw.Addr, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, buf := range m.buffers {
		if buf.pins == 0 {
			continue
		}
		start := uint64(buf.addr)
		if uint64(addr) < start || uint64(addr)+uint64(size) > start+uint64(len(buf.data)) {
			continue
		}
		offset := int(uint64(addr) - start)
		return buf.data[offset : offset+size], nil
	}
	return nil, fmt.Errorf("%w: 0x%x+%d", ErrUnmapped, addr, size)
}
