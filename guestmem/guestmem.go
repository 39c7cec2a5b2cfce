// SPDX-License-Identifier: Unlicense OR MIT

// Package guestmem implements guest physical memory as seen by an
// emulated device: a flat, bounds-checked address space backed by
// anonymous host mappings.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Guest pages are 4 KiB regardless of the host page size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

var ErrOutOfRange = errors.New("guestmem: access outside guest memory")

// Memory is guest physical memory. Implementations must tolerate
// concurrent access from the guest; callers copy before interpreting.
type Memory interface {
	ReadPhys(addr uint64, p []byte) error
	WritePhys(addr uint64, p []byte) error
}

// Mapping is a host mapping of a contiguous range of guest physical
// memory starting at Base.
type Mapping struct {
	Base uint64
	mem  []byte
	raw  []byte
}

// Map allocates size bytes of zeroed memory mapped at guest physical
// address base. The size is rounded up to the host page size.
func Map(base uint64, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guestmem: invalid mapping size %d", size)
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return nil, fmt.Errorf("guestmem: mapping size %#x overflows", size)
	}
	if base+uint64(rounded) < base {
		return nil, fmt.Errorf("guestmem: mapping at %#x wraps the address space", base)
	}
	mem, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %#x bytes: %w", rounded, err)
	}
	return &Mapping{
		Base: base,
		mem:  mem[:size:size],
		raw:  mem,
	}, nil
}

// Close unmaps the memory. The mapping must not be used afterwards.
func (m *Mapping) Close() error {
	if m.raw == nil {
		return nil
	}
	raw := m.raw
	m.mem, m.raw = nil, nil
	return unix.Munmap(raw)
}

// Size returns the number of mapped bytes.
func (m *Mapping) Size() uint64 {
	return uint64(len(m.mem))
}

// Bytes returns the host view of the whole mapping.
func (m *Mapping) Bytes() []byte {
	return m.mem
}

// Slice returns the host view of [addr, addr+n) in guest physical
// address space.
func (m *Mapping) Slice(addr uint64, n int) ([]byte, error) {
	off, err := m.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return m.mem[off : off+uint64(n) : off+uint64(n)], nil
}

func (m *Mapping) offset(addr uint64, n int) (uint64, error) {
	if n < 0 || addr < m.Base {
		return 0, ErrOutOfRange
	}
	off := addr - m.Base
	if off > m.Size() || uint64(n) > m.Size()-off {
		return 0, ErrOutOfRange
	}
	return off, nil
}

func (m *Mapping) ReadPhys(addr uint64, p []byte) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return fmt.Errorf("read %#x+%#x: %w", addr, len(p), err)
	}
	copy(p, m.mem[off:])
	return nil
}

func (m *Mapping) WritePhys(addr uint64, p []byte) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return fmt.Errorf("write %#x+%#x: %w", addr, len(p), err)
	}
	copy(m.mem[off:], p)
	return nil
}

// ReadUint32 reads a little endian word from guest memory.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadPhys(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteUint32 writes a little endian word to guest memory.
func WriteUint32(m Memory, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WritePhys(addr, b[:])
}

// Words is a guest-shared array of 32-bit words, such as a device
// register block mapped into guest memory. Every access is atomic since
// the guest may read or write any word concurrently.
type Words struct {
	mem []byte
}

// NewWords returns a word view of mem. The length of mem is truncated
// to a multiple of 4.
func NewWords(mem []byte) Words {
	return Words{mem: mem[:len(mem)&^3]}
}

// Len returns the number of words.
func (w Words) Len() int {
	return len(w.mem) / 4
}

func (w Words) word(idx int) *uint32 {
	if idx < 0 || idx >= w.Len() {
		panic(fmt.Sprintf("guestmem: word index %d out of range [0,%d)", idx, w.Len()))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[idx*4]))
}

func (w Words) Load(idx int) uint32 {
	return atomic.LoadUint32(w.word(idx))
}

func (w Words) Store(idx int, v uint32) {
	atomic.StoreUint32(w.word(idx), v)
}
