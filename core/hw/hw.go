package hw

import (
	"errors"
	"fmt"
	"sync"
)

// MemoryHandle names caller-owned memory, the way a shared DMA buffer file
// descriptor would.
type MemoryHandle uint32

// Addr is a device-visible DMA address.
type Addr uint32

type MappingToken uint64

type Mapping struct {
	Addr   Addr
	Length int
	Token  MappingToken
}

// BufferRef points a job at memory: the handle plus a byte offset into it.
type BufferRef struct {
	Handle MemoryHandle `json:"handle"`
	Offset int          `json:"offset"`
}

type BufferMapper interface {
	// Resolve pins the memory behind handle and returns its device address.
	Resolve(handle MemoryHandle, secure bool) (Mapping, error)
	Release(token MappingToken) error
}

type ScratchAllocator interface {
	AllocScratch(size int, secure bool) (MemoryHandle, error)
	FreeScratch(handle MemoryHandle) error
}

var (
	ErrBufferRange   = errors.New("buffer range")
	ErrUnknownHandle = errors.New("unknown memory handle")
)

// MappedBuffer is a resolved buffer. Release returns it to the mapper and is
// safe to call more than once, so every exit path can simply defer it.
type MappedBuffer struct {
	mapper  BufferMapper
	mapping Mapping
	offset  int
	size    int

	once       sync.Once
	releaseErr error
}

// Map resolves ref and checks that size bytes starting at ref.Offset fit in
// the mapping. The mapping is released again when the check fails.
func Map(mapper BufferMapper, ref BufferRef, secure bool, size int) (*MappedBuffer, error) {
	if ref.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrBufferRange, ref.Offset)
	}
	mapping, err := mapper.Resolve(ref.Handle, secure)
	if err != nil {
		return nil, fmt.Errorf("resolve handle %d: %w", ref.Handle, err)
	}
	buffer := &MappedBuffer{
		mapper:  mapper,
		mapping: mapping,
		offset:  ref.Offset,
		size:    size,
	}
	if ref.Offset+size > mapping.Length {
		_ = buffer.Release()
		return nil, fmt.Errorf("%w: handle %d needs %d bytes at offset %d, has %d", ErrBufferRange, ref.Handle, size, ref.Offset, mapping.Length)
	}
	return buffer, nil
}

// Addr is the device address of the first byte the job uses.
func (b *MappedBuffer) Addr() Addr {
	return b.mapping.Addr + Addr(b.offset)
}

func (b *MappedBuffer) Size() int {
	return b.size
}

func (b *MappedBuffer) Token() MappingToken {
	return b.mapping.Token
}

func (b *MappedBuffer) Release() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		b.releaseErr = b.mapper.Release(b.mapping.Token)
	})
	return b.releaseErr
}

// ReleaseAll releases every non-nil buffer and returns the first error.
func ReleaseAll(buffers ...*MappedBuffer) error {
	var first error
	for _, buffer := range buffers {
		if err := buffer.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
