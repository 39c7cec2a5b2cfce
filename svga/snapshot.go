// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"eliasnaur.com/svga/gmr"
)

var ErrBadSnapshot = errors.New("svga: invalid snapshot")

// Snapshot is the saved state of a device. Guest RAM is not included.
type Snapshot struct {
	Registers Registers
	Index     uint32
	FBBackup  []byte

	IRQMask    uint32
	IRQPending uint32

	Busy       bool
	Fence      uint32
	FIFOBad    bool
	FIFOHalted bool

	Regions  []gmr.Entry
	Contexts []ContextSnapshot

	VRAM []byte
	FIFO []byte
}

type ContextSnapshot struct {
	Started bool
	Queue   []QueuedBuffer
}

// QueuedBuffer is a submitted command buffer that has not run.
type QueuedBuffer struct {
	PA        uint64
	ID        uint64
	Flags     uint32
	Offset    uint32
	DXContext uint32
	Data      []byte
}

// save captures the device state. The caller holds the work lock.
func (d *Device) save() *Snapshot {
	s := &Snapshot{
		Index:      d.index.Load(),
		Busy:       d.busy.Load(),
		Fence:      d.fence.Load(),
		FIFOBad:    d.fifo.bad.Load(),
		FIFOHalted: d.fifo.halted.Load(),
		Regions:    d.regions.Snapshot(),
		VRAM:       slices.Clone(d.vram.Bytes()),
		FIFO:       slices.Clone(d.fifoMem.Bytes()),
	}

	d.regs.mu.Lock()
	s.Registers = d.regs.r
	s.Registers.Scratch = slices.Clone(d.regs.r.Scratch)
	s.FBBackup = slices.Clone(d.regs.fbBackup)
	d.regs.mu.Unlock()

	d.irq.mu.Lock()
	s.IRQMask = d.irq.mask
	s.IRQPending = d.irq.pending
	d.irq.mu.Unlock()

	d.cb.mu.Lock()
	for _, c := range d.cb.ctx {
		cs := ContextSnapshot{Started: c.started}
		for _, e := range c.queue {
			cs.Queue = append(cs.Queue, QueuedBuffer{
				PA:        e.pa,
				ID:        e.hdr.id,
				Flags:     e.hdr.flags,
				Offset:    e.hdr.offset,
				DXContext: e.hdr.dxContext,
				Data:      slices.Clone(e.data),
			})
		}
		s.Contexts = append(s.Contexts, cs)
	}
	d.cb.mu.Unlock()
	return s
}

func (d *Device) validateSnapshot(s *Snapshot) error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBadSnapshot)
	}
	switch {
	case s == nil:
		return bad("nil snapshot")
	case len(s.VRAM) != len(d.vram.Bytes()):
		return bad("%d bytes of VRAM", len(s.VRAM))
	case len(s.FIFO) != len(d.fifoMem.Bytes()):
		return bad("%d bytes of FIFO", len(s.FIFO))
	case len(s.Registers.Scratch) != int(d.cfg.ScratchRegs):
		return bad("%d scratch registers", len(s.Registers.Scratch))
	case s.FBBackup != nil && len(s.FBBackup) != int(d.cfg.LegacyFBSize):
		return bad("%d byte framebuffer backup", len(s.FBBackup))
	case len(s.Contexts) > cbContexts:
		return bad("%d contexts", len(s.Contexts))
	}
	for i, c := range s.Contexts {
		if len(c.Queue) > _SVGA_CB_MAX_QUEUED_PER_CONTEXT {
			return bad("context %d: %d queued buffers", i, len(c.Queue))
		}
		for _, b := range c.Queue {
			h := cbHeader{
				flags:     b.Flags,
				length:    uint32(len(b.Data)),
				offset:    b.Offset,
				dxContext: b.DXContext,
			}
			if len(b.Data) > _SVGA_CB_MAX_SIZE {
				return bad("context %d: %d byte buffer", i, len(b.Data))
			}
			if err := validateCB(&h, uint32(i)); err != nil {
				return fmt.Errorf("context %d: %v: %w", i, err, ErrBadSnapshot)
			}
		}
	}
	return nil
}

// restore replaces the device state with s. The caller holds the work
// lock. An invalid snapshot leaves the device untouched, except that a
// snapshot with invalid regions resets the device.
func (d *Device) restore(s *Snapshot) error {
	if err := d.validateSnapshot(s); err != nil {
		return err
	}
	if err := d.regions.Restore(s.Regions); err != nil {
		d.reset()
		return fmt.Errorf("%v: %w", err, ErrBadSnapshot)
	}

	copy(d.vram.Bytes(), s.VRAM)
	copy(d.fifoMem.Bytes(), s.FIFO)

	d.regs.mu.Lock()
	wasEnabled := d.regs.r.Enable != 0
	d.regs.r = s.Registers
	d.regs.r.Scratch = slices.Clone(s.Registers.Scratch)
	d.regs.fbBackup = slices.Clone(s.FBBackup)
	enabled := d.regs.r.Enable != 0
	d.regs.mu.Unlock()
	if wasEnabled != enabled && d.dirty != nil {
		d.dirty.TrackDirty(enabled)
	}

	d.index.Store(s.Index)
	d.fence.Store(s.Fence)
	d.fifo.bad.Store(s.FIFOBad)
	d.fifo.halted.Store(s.FIFOHalted)

	d.cb.mu.Lock()
	d.cb.ctx = [cbContexts]cbContext{}
	for i, c := range s.Contexts {
		d.cb.ctx[i].started = c.Started
		for _, b := range c.Queue {
			d.cb.ctx[i].queue = append(d.cb.ctx[i].queue, &cbEntry{
				pa: b.PA,
				hdr: cbHeader{
					id:        b.ID,
					flags:     b.Flags,
					length:    uint32(len(b.Data)),
					offset:    b.Offset,
					dxContext: b.DXContext,
				},
				data: slices.Clone(b.Data),
			})
		}
	}
	d.cb.mu.Unlock()

	d.irq.mu.Lock()
	d.irq.mask = s.IRQMask
	d.irq.pending = s.IRQPending
	d.updateIRQLocked()
	d.irq.mu.Unlock()

	d.worker.poweredOff.Store(false)
	d.setBusy(s.Busy)
	if enabled {
		d.worker.modePending.Store(true)
	}
	d.worker.kick()
	return nil
}
