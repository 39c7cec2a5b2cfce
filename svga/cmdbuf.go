// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

const (
	_SVGA_CB_MAX_SIZE               = 512 << 10
	_SVGA_CB_MAX_QUEUED_PER_CONTEXT = 32

	_SVGA_CB_CONTEXT_MASK = 0x3f

	cbHeaderSize = 64
)

// Command buffer contexts. ContextDevice is processed synchronously at
// submission.
const (
	Context0      = 0
	Context1      = 1
	cbContexts    = 2
	ContextDevice = 0x3f
)

type CBStatus uint32

const (
	CBStatusNone            CBStatus = 0
	CBStatusCompleted       CBStatus = 1
	CBStatusQueueFull       CBStatus = 2
	CBStatusCommandError    CBStatus = 3
	CBStatusHeaderError     CBStatus = 4
	CBStatusPreempted       CBStatus = 5
	CBStatusSubmissionError CBStatus = 6
	CBStatusPartialComplete CBStatus = 7
)

const (
	CBFlagNoIRQ     = 1 << 0
	CBFlagDXContext = 1 << 1
	CBFlagMOB       = 1 << 2
)

// Device context commands.
const (
	_SVGA_DC_CMD_NOP                = 0
	_SVGA_DC_CMD_START_STOP_CONTEXT = 1
	_SVGA_DC_CMD_PREEMPT            = 2
	_SVGA_DC_CMD_START_QUEUE        = 3
	_SVGA_DC_CMD_ASYNC_STOP_QUEUE   = 4
	_SVGA_DC_CMD_EMPTY_QUEUE        = 5
)

var (
	ErrBadCBHeader = errors.New("svga: invalid command buffer header")
	ErrBadDCCmd    = errors.New("svga: invalid device context command")
)

// cbHeader is the guest's SVGACBHeader.
type cbHeader struct {
	status      CBStatus
	errorOffset uint32
	id          uint64
	flags       uint32
	length      uint32
	pa          uint64
	offset      uint32
	dxContext   uint32
	mustBeZero  [6]uint32
}

func parseCBHeader(b []byte) cbHeader {
	w := words(b)
	h := cbHeader{
		status:      CBStatus(w.u32()),
		errorOffset: w.u32(),
		id:          w.u64(),
		flags:       w.u32(),
		length:      w.u32(),
		pa:          w.u64(),
		offset:      w.u32(),
		dxContext:   w.u32(),
	}
	for i := range h.mustBeZero {
		h.mustBeZero[i] = w.u32()
	}
	return h
}

// cbEntry is a submitted command buffer. It is owned by exactly one of
// the submitter, a context queue or the worker.
type cbEntry struct {
	pa   uint64
	hdr  cbHeader
	data []byte
}

type cbContext struct {
	started bool
	queue   []*cbEntry
}

type cbQueues struct {
	mu  sync.Mutex
	ctx [cbContexts]cbContext
}

// reset empties every queue and stops all contexts. It returns the
// dropped buffers.
func (q *cbQueues) reset() []*cbEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped []*cbEntry
	for i := range q.ctx {
		dropped = append(dropped, q.ctx[i].queue...)
	}
	q.ctx = [cbContexts]cbContext{}
	return dropped
}

// dequeue removes the oldest buffer of a started context.
func (q *cbQueues) dequeue(ctx int) *cbEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := &q.ctx[ctx]
	if !c.started || len(c.queue) == 0 {
		return nil
	}
	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return e
}

// preempt removes the queued buffers of ctx, keeping those with id 0
// if keepIDZero is set.
func (q *cbQueues) preempt(ctx int, keepIDZero bool) []*cbEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*cbEntry
	c := &q.ctx[ctx]
	c.queue = slices.DeleteFunc(c.queue, func(e *cbEntry) bool {
		if keepIDZero && e.hdr.id == 0 {
			return false
		}
		removed = append(removed, e)
		return true
	})
	return removed
}

func (q *cbQueues) setStarted(ctx int, started bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx[ctx].started = started
}

// Queued returns the number of buffers waiting in context ctx.
func (d *Device) Queued(ctx int) int {
	d.cb.mu.Lock()
	defer d.cb.mu.Unlock()
	if ctx < 0 || ctx >= cbContexts {
		return 0
	}
	return len(d.cb.ctx[ctx].queue)
}

// submitCB handles a write to RegCommandLow: the command buffer header at
// guest physical address pa is validated, copied and either run (device
// context) or queued.
func (d *Device) submitCB(pa uint64, ctxID uint32) {
	d.stats.CBSubmitted.Add(1)
	var raw [cbHeaderSize]byte
	if err := d.space.ReadPhys(pa, raw[:]); err != nil {
		d.stats.CBHeaderErrors.Add(1)
		d.warn.Warningf("svga: command buffer header at %#x unreadable: %v", pa, err)
		d.raiseIRQ(IRQError)
		return
	}
	e := &cbEntry{pa: pa, hdr: parseCBHeader(raw[:])}
	err := validateCB(&e.hdr, ctxID)
	if err == nil {
		e.data = make([]byte, e.hdr.length)
		err = d.space.ReadPhys(e.hdr.pa, e.data)
	}
	if err != nil {
		d.stats.CBHeaderErrors.Add(1)
		d.warn.Warningf("svga: command buffer %#x for context %#x: %v", pa, ctxID, err)
		d.completeCB(e, CBStatusHeaderError, 0)
		return
	}
	if ctxID == ContextDevice {
		d.runDeviceCB(e)
		return
	}
	q := &d.cb.ctx[ctxID]
	d.cb.mu.Lock()
	if len(q.queue) >= _SVGA_CB_MAX_QUEUED_PER_CONTEXT {
		d.cb.mu.Unlock()
		d.stats.CBQueueFull.Add(1)
		d.completeCB(e, CBStatusQueueFull, 0)
		return
	}
	q.queue = append(q.queue, e)
	d.cb.mu.Unlock()
	d.worker.kick()
}

func validateCB(h *cbHeader, ctxID uint32) error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBadCBHeader)
	}
	switch {
	case ctxID != ContextDevice && ctxID >= cbContexts:
		return bad("context %#x", ctxID)
	case h.status != CBStatusNone:
		return bad("status %d", h.status)
	case h.flags&^(CBFlagNoIRQ|CBFlagDXContext) != 0:
		return bad("flags %#x", h.flags)
	case h.length > _SVGA_CB_MAX_SIZE:
		return bad("length %#x", h.length)
	case h.offset >= h.length && !(h.offset == 0 && h.length == 0):
		return bad("offset %#x past length %#x", h.offset, h.length)
	case h.dxContext != 0 && h.flags&CBFlagDXContext == 0:
		return bad("DX context %#x without flag", h.dxContext)
	}
	for _, v := range h.mustBeZero {
		if v != 0 {
			return bad("reserved field %#x", v)
		}
	}
	return nil
}

// completeCB writes the final status of a buffer and raises its
// interrupts. It is called once per buffer.
func (d *Device) completeCB(e *cbEntry, status CBStatus, errOffset uint32) {
	if !d.writeCBStatus(e, status, errOffset) {
		return
	}
	var irq uint32
	if e.hdr.flags&CBFlagNoIRQ == 0 {
		irq |= IRQCommandBuffer
	}
	if status != CBStatusCompleted {
		irq |= IRQError
	}
	d.raiseIRQ(irq)
}

// dropCBs empties the queues, marking every queued buffer preempted
// without raising interrupts.
func (d *Device) dropCBs() {
	for _, e := range d.cb.reset() {
		d.writeCBStatus(e, CBStatusPreempted, 0)
	}
}

func (d *Device) writeCBStatus(e *cbEntry, status CBStatus, errOffset uint32) bool {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(status))
	binary.LittleEndian.PutUint32(b[4:], errOffset)
	// Status last, so the guest never sees a final status with a stale
	// error offset.
	if err := d.space.WritePhys(e.pa+4, b[4:]); err != nil {
		d.warn.Warningf("svga: command buffer %#x status: %v", e.pa, err)
		return false
	}
	if err := d.space.WritePhys(e.pa, b[:4]); err != nil {
		d.warn.Warningf("svga: command buffer %#x status: %v", e.pa, err)
		return false
	}
	return true
}

// processCommandBuffers runs at most one buffer from each started
// context, highest context first. It returns the number of buffers run.
func (d *Device) processCommandBuffers() int {
	n := 0
	for ctx := cbContexts - 1; ctx >= 0; ctx-- {
		if d.worker.extPending() || d.worker.stopping() {
			break
		}
		e := d.cb.dequeue(ctx)
		if e == nil {
			continue
		}
		d.markBusy()
		d.runCB(e, uint32(ctx))
		n++
	}
	return n
}

func (d *Device) runCB(e *cbEntry, ctxID uint32) {
	src := &flatSource{}
	off := int(e.hdr.offset)
	for off < len(e.data) {
		src.buf = e.data[off:]
		cmd, n, err := decode(src, d.cfg.Enable3D)
		if err != nil {
			d.stats.MalformedCommands.Add(1)
		} else {
			err = d.execute(cmd, ctxID)
		}
		if err != nil {
			d.stats.CBCommandError.Add(1)
			d.warn.Warningf("svga: command buffer %#x at offset %#x: %v", e.pa, off, err)
			d.completeCB(e, CBStatusCommandError, uint32(off))
			return
		}
		off += n
	}
	d.stats.CBCompleted.Add(1)
	d.completeCB(e, CBStatusCompleted, 0)
}

// runDeviceCB executes a device context buffer.
func (d *Device) runDeviceCB(e *cbEntry) {
	off := int(e.hdr.offset)
	for off < len(e.data) {
		n, err := d.deviceCommand(e.data[off:])
		if err != nil {
			d.stats.CBCommandError.Add(1)
			d.warn.Warningf("svga: device context buffer %#x at offset %#x: %v", e.pa, off, err)
			d.completeCB(e, CBStatusCommandError, uint32(off))
			return
		}
		off += n
	}
	d.stats.CBCompleted.Add(1)
	d.completeCB(e, CBStatusCompleted, 0)
}

// deviceCommand executes the device context command at the start of b
// and returns its length.
func (d *Device) deviceCommand(b []byte) (int, error) {
	src := &flatSource{buf: b}
	hdr, err := src.fetch(4)
	if err != nil {
		return 0, err
	}
	d.stats.CBDeviceCmds.Add(1)
	cmd := binary.LittleEndian.Uint32(hdr)
	var size int
	switch cmd {
	case _SVGA_DC_CMD_NOP:
		return 4, nil
	case _SVGA_DC_CMD_START_STOP_CONTEXT, _SVGA_DC_CMD_PREEMPT:
		size = 8
	case _SVGA_DC_CMD_START_QUEUE, _SVGA_DC_CMD_ASYNC_STOP_QUEUE, _SVGA_DC_CMD_EMPTY_QUEUE:
		size = 4
	default:
		return 0, fmt.Errorf("command %d: %w", cmd, ErrBadDCCmd)
	}
	body, err := src.fetch(4 + size)
	if err != nil {
		return 0, err
	}
	w := words(body[4:])
	switch cmd {
	case _SVGA_DC_CMD_START_STOP_CONTEXT:
		enable := w.u32()
		ctx, err := dcContext(w.u32())
		if err != nil {
			return 0, err
		}
		d.cb.setStarted(ctx, enable != 0)
		if enable != 0 {
			d.worker.kick()
		}
	case _SVGA_DC_CMD_PREEMPT:
		ctx, err := dcContext(w.u32())
		if err != nil {
			return 0, err
		}
		d.preemptCB(ctx, w.u32() != 0)
	case _SVGA_DC_CMD_START_QUEUE:
		ctx, err := dcContext(w.u32())
		if err != nil {
			return 0, err
		}
		d.cb.setStarted(ctx, true)
		d.worker.kick()
	case _SVGA_DC_CMD_ASYNC_STOP_QUEUE:
		ctx, err := dcContext(w.u32())
		if err != nil {
			return 0, err
		}
		d.cb.setStarted(ctx, false)
	case _SVGA_DC_CMD_EMPTY_QUEUE:
		ctx, err := dcContext(w.u32())
		if err != nil {
			return 0, err
		}
		d.preemptCB(ctx, false)
	}
	return 4 + size, nil
}

func dcContext(ctx uint32) (int, error) {
	if ctx >= cbContexts {
		return 0, fmt.Errorf("context %#x: %w", ctx, ErrBadDCCmd)
	}
	return int(ctx), nil
}

func (d *Device) preemptCB(ctx int, keepIDZero bool) {
	for _, e := range d.cb.preempt(ctx, keepIDZero) {
		d.stats.CBPreempted.Add(1)
		d.completeCB(e, CBStatusPreempted, 0)
	}
}
