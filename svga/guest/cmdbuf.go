// SPDX-License-Identifier: Unlicense OR MIT

package guest

import (
	"encoding/binary"

	"eliasnaur.com/svga/svga"
)

// CommandBuffer is a command buffer under construction.
type CommandBuffer struct {
	Encoder
	ID    uint64
	Flags uint32
	// Offset is where execution starts.
	Offset uint32
}

// Submission is a submitted command buffer.
type Submission struct {
	d  *Driver
	pa uint64
}

// Submit copies cb into arena memory and submits it to context ctx.
func (d *Driver) Submit(ctx uint32, cb *CommandBuffer) (*Submission, error) {
	return d.submit(ctx, cb.Bytes(), cb.ID, cb.Flags, cb.Offset)
}

func (d *Driver) submit(ctx uint32, data []byte, id uint64, flags, offset uint32) (*Submission, error) {
	hdr, err := d.Alloc(cbHeaderSize, cbHeaderAlign)
	if err != nil {
		return nil, err
	}
	pa, err := d.Alloc(len(data), 4)
	if err != nil {
		return nil, err
	}
	if err := d.ram.WritePhys(pa, data); err != nil {
		return nil, err
	}
	var h [cbHeaderSize]byte
	bo := binary.LittleEndian
	bo.PutUint64(h[8:], id)
	bo.PutUint32(h[16:], flags)
	bo.PutUint32(h[20:], uint32(len(data)))
	bo.PutUint64(h[24:], pa)
	bo.PutUint32(h[32:], offset)
	if err := d.ram.WritePhys(hdr, h[:]); err != nil {
		return nil, err
	}
	d.writeReg(svga.RegCommandHigh, uint32(hdr>>32))
	d.writeReg(svga.RegCommandLow, uint32(hdr)|ctx)
	return &Submission{d: d, pa: hdr}, nil
}

// Status reads the status and error offset the device wrote back.
func (s *Submission) Status() (svga.CBStatus, uint32, error) {
	var b [8]byte
	if err := s.d.ram.ReadPhys(s.pa, b[:]); err != nil {
		return 0, 0, err
	}
	bo := binary.LittleEndian
	return svga.CBStatus(bo.Uint32(b[:])), bo.Uint32(b[4:]), nil
}

func (d *Driver) deviceCmd(words ...uint32) (*Submission, error) {
	var e Encoder
	e.Raw(words...)
	return d.submit(svga.ContextDevice, e.Bytes(), 0, 0, 0)
}

// StartContext lets the device run the buffers queued in ctx.
func (d *Driver) StartContext(ctx uint32) (*Submission, error) {
	return d.deviceCmd(dcStartStopContext, 1, ctx)
}

func (d *Driver) StopContext(ctx uint32) (*Submission, error) {
	return d.deviceCmd(dcStartStopContext, 0, ctx)
}

// Preempt completes the queued buffers of ctx as preempted. Buffers with
// id 0 stay queued if keepIDZero is set.
func (d *Driver) Preempt(ctx uint32, keepIDZero bool) (*Submission, error) {
	keep := uint32(0)
	if keepIDZero {
		keep = 1
	}
	return d.deviceCmd(dcPreempt, ctx, keep)
}

func (d *Driver) StartQueue(ctx uint32) (*Submission, error) {
	return d.deviceCmd(dcStartQueue, ctx)
}

func (d *Driver) AsyncStopQueue(ctx uint32) (*Submission, error) {
	return d.deviceCmd(dcAsyncStopQueue, ctx)
}

func (d *Driver) EmptyQueue(ctx uint32) (*Submission, error) {
	return d.deviceCmd(dcEmptyQueue, ctx)
}
