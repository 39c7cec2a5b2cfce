// SPDX-License-Identifier: Unlicense OR MIT

// Package guest drives an svga.Device the way a guest driver does: it
// programs registers through the I/O ports, writes commands into the FIFO
// ring and submits command buffers from guest memory.
package guest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"eliasnaur.com/svga/guestmem"
	"eliasnaur.com/svga/svga"
)

// FIFO register words used by the driver.
const (
	fifoMin     = 0
	fifoMax     = 1
	fifoNextCmd = 2
	fifoStop    = 3
	fifoFence   = 6
	fifoNumRegs = 291

	svgaID2 = 0x90000002

	cbHeaderSize  = 64
	cbHeaderAlign = 64
)

// Device context commands.
const (
	dcStartStopContext = 1
	dcPreempt          = 2
	dcStartQueue       = 3
	dcAsyncStopQueue   = 4
	dcEmptyQueue       = 5
)

// maxSyncPolls bounds the number of blocking BUSY reads in Sync.
const maxSyncPolls = 500

var (
	ErrUnsupported = errors.New("guest: device does not support SVGA II")
	ErrNoSpace     = errors.New("guest: out of arena memory")
	ErrTooLarge    = errors.New("guest: commands larger than the FIFO")
	ErrBusy        = errors.New("guest: device stayed busy")
	ErrFence       = errors.New("guest: fence not reached")
)

// Arena is a range of guest RAM the driver may use for command buffers,
// descriptor pages and blit sources.
type Arena struct {
	Base uint64
	Size uint64
}

// Driver is a minimal SVGA II guest driver.
type Driver struct {
	// Encoder holds commands not yet written to the FIFO.
	Encoder

	dev  *svga.Device
	ram  guestmem.Memory
	fifo []byte
	reg  guestmem.Words

	lo, hi uint32

	arena Arena
	off   uint64

	fence uint32
	// err is the first error from Flush.
	err error
}

// New identifies the device, sets up the FIFO and enables SVGA mode.
func New(dev *svga.Device, ram guestmem.Memory, arena Arena) (*Driver, error) {
	d := &Driver{
		dev:   dev,
		ram:   ram,
		arena: arena,
	}
	d.writeReg(svga.RegID, svgaID2)
	if id := d.readReg(svga.RegID); id != svgaID2 {
		return nil, fmt.Errorf("%w: id %#x", ErrUnsupported, id)
	}
	d.fifo = dev.FIFO()
	d.reg = guestmem.NewWords(d.fifo[:4*fifoNumRegs])
	d.lo = 4 * fifoNumRegs
	d.hi = d.readReg(svga.RegMemSize)
	if d.hi > uint32(len(d.fifo)) || d.hi <= d.lo {
		return nil, fmt.Errorf("%w: FIFO size %#x", ErrUnsupported, d.hi)
	}
	d.reg.Store(fifoMin, d.lo)
	d.reg.Store(fifoMax, d.hi)
	d.reg.Store(fifoNextCmd, d.lo)
	d.reg.Store(fifoStop, d.lo)
	d.writeReg(svga.RegEnable, 1)
	d.writeReg(svga.RegConfigDone, 1)
	return d, nil
}

func (d *Driver) readReg(reg uint32) uint32 {
	return d.dev.ReadReg(reg, svga.AccessBlocking).Value
}

func (d *Driver) writeReg(reg, v uint32) {
	d.dev.WriteReg(reg, v)
}

// SetMode programs the legacy display mode and returns the line pitch.
func (d *Driver) SetMode(width, height, bitsPerPixel uint32) uint32 {
	d.writeReg(svga.RegWidth, width)
	d.writeReg(svga.RegHeight, height)
	d.writeReg(svga.RegBitsPerPixel, bitsPerPixel)
	return d.readReg(svga.RegBytesPerLine)
}

// SetIRQMask unmasks the interrupts in mask.
func (d *Driver) SetIRQMask(mask uint32) {
	d.writeReg(svga.RegIRQMask, mask)
}

// AckIRQ clears and returns the pending interrupts.
func (d *Driver) AckIRQ() uint32 {
	pending := d.dev.ReadPort(svga.PortIRQStatus, svga.AccessNonBlocking).Value
	d.dev.WritePort(svga.PortIRQStatus, pending)
	return pending
}

// Alloc reserves n bytes of arena memory aligned to align, which must be
// a power of two.
func (d *Driver) Alloc(n int, align uint64) (uint64, error) {
	off := (d.off + align - 1) &^ (align - 1)
	if off+uint64(n) > d.arena.Size {
		return 0, fmt.Errorf("%d bytes: %w", n, ErrNoSpace)
	}
	d.off = off + uint64(n)
	return d.arena.Base + off, nil
}

// AllocPages reserves n guest pages and returns their page numbers.
func (d *Driver) AllocPages(n int) ([]uint64, error) {
	size, ok := hostarch.Addr(n * guestmem.PageSize).RoundUp()
	if !ok {
		return nil, fmt.Errorf("%d pages: %w", n, ErrNoSpace)
	}
	addr, err := d.Alloc(int(size), guestmem.PageSize)
	if err != nil {
		return nil, err
	}
	ppns := make([]uint64, n)
	for i := range ppns {
		ppns[i] = addr>>guestmem.PageShift + uint64(i)
	}
	return ppns, nil
}

// ResetArena frees all arena allocations.
func (d *Driver) ResetArena() {
	d.off = 0
}

// InsertFence encodes a fence command and returns its value.
func (d *Driver) InsertFence() uint32 {
	d.fence++
	if d.fence == 0 {
		d.fence++
	}
	d.Encoder.Fence(d.fence)
	return d.fence
}

// Flush copies the encoded commands into the FIFO ring and publishes
// them. If the ring is too full, Flush waits for the device first.
func (d *Driver) Flush() error {
	if d.err != nil {
		return d.err
	}
	b := d.Bytes()
	if len(b) == 0 {
		return nil
	}
	size := d.hi - d.lo
	if uint64(len(b)) >= uint64(size) {
		d.err = fmt.Errorf("%d bytes: %w", len(b), ErrTooLarge)
		return d.err
	}
	if d.free() < uint32(len(b)) {
		if err := d.Sync(); err != nil {
			d.err = err
			return err
		}
		if d.free() < uint32(len(b)) {
			d.err = fmt.Errorf("FIFO not drained: %w", ErrBusy)
			return d.err
		}
	}
	next := d.reg.Load(fifoNextCmd)
	n := copy(d.fifo[next:d.hi], b)
	copy(d.fifo[d.lo:], b[n:])
	next += uint32(len(b))
	if next >= d.hi {
		next -= size
	}
	d.reg.Store(fifoNextCmd, next)
	d.Reset()
	return nil
}

// free returns the number of ring bytes the driver may write. One word
// stays unused so that a full ring is distinguishable from an empty one.
func (d *Driver) free() uint32 {
	next := d.reg.Load(fifoNextCmd)
	stop := d.reg.Load(fifoStop)
	used := next - stop
	if next < stop {
		used = (d.hi - d.lo) - (stop - next)
	}
	return d.hi - d.lo - used - 4
}

// Sync asks the device to process everything written so far and waits
// until it is idle.
func (d *Driver) Sync() error {
	d.writeReg(svga.RegSync, 1)
	for i := 0; i < maxSyncPolls; i++ {
		r := d.dev.ReadReg(svga.RegBusy, svga.AccessBlocking)
		if r.Outcome == svga.OK && r.Value == 0 {
			return nil
		}
	}
	return ErrBusy
}

// Finish flushes pending commands and waits for a fence following them.
func (d *Driver) Finish() error {
	f := d.InsertFence()
	if err := d.Flush(); err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		return err
	}
	if got := d.reg.Load(fifoFence); int32(got-f) < 0 {
		return fmt.Errorf("fence %d, device at %d: %w", f, got, ErrFence)
	}
	return nil
}

// DefineGMR defines region id through the legacy descriptor register
// interface, mapping the guest pages ppns in order.
func (d *Driver) DefineGMR(id uint32, ppns []uint64) error {
	type desc struct {
		ppn   uint32
		pages uint32
	}
	var descs []desc
	for _, p := range ppns {
		if n := len(descs); n > 0 && uint64(descs[n-1].ppn)+uint64(descs[n-1].pages) == p {
			descs[n-1].pages++
			continue
		}
		descs = append(descs, desc{ppn: uint32(p), pages: 1})
	}
	// Each page holds perPage-1 descriptors and a continuation or
	// terminator.
	const perPage = guestmem.PageSize / 8
	npages := len(descs)/(perPage-1) + 1
	pages, err := d.AllocPages(npages)
	if err != nil {
		return err
	}
	bo := binary.LittleEndian
	for i, ppn := range pages {
		var page [guestmem.PageSize]byte
		start := i * (perPage - 1)
		end := min(start+perPage-1, len(descs))
		for j, dc := range descs[start:end] {
			bo.PutUint32(page[j*8:], dc.ppn)
			bo.PutUint32(page[j*8+4:], dc.pages)
		}
		if i+1 < len(pages) {
			bo.PutUint32(page[(end-start)*8:], uint32(pages[i+1]))
		}
		if err := d.ram.WritePhys(ppn<<guestmem.PageShift, page[:]); err != nil {
			return err
		}
	}
	d.writeReg(svga.RegGMRID, id)
	d.writeReg(svga.RegGMRDescriptor, uint32(pages[0]))
	return nil
}

// FreeGMR frees region id through the legacy register interface.
func (d *Driver) FreeGMR(id uint32) {
	d.writeReg(svga.RegGMRID, id)
	d.writeReg(svga.RegGMRDescriptor, 0)
}

// WriteRAM copies p to guest physical address addr.
func (d *Driver) WriteRAM(addr uint64, p []byte) error {
	return d.ram.WritePhys(addr, p)
}

func (d *Driver) ReadRAM(addr uint64, p []byte) error {
	return d.ram.ReadPhys(addr, p)
}
