// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"encoding/binary"
	"testing"
)

func encodeCBHeader(h cbHeader) []byte {
	bo := binary.LittleEndian
	b := make([]byte, cbHeaderSize)
	bo.PutUint32(b[0:], uint32(h.status))
	bo.PutUint32(b[4:], h.errorOffset)
	bo.PutUint64(b[8:], h.id)
	bo.PutUint32(b[16:], h.flags)
	bo.PutUint32(b[20:], h.length)
	bo.PutUint64(b[24:], h.pa)
	bo.PutUint32(b[32:], h.offset)
	bo.PutUint32(b[36:], h.dxContext)
	for i, v := range h.mustBeZero {
		bo.PutUint32(b[40+4*i:], v)
	}
	return b
}

func cmdWords(words ...uint32) []byte {
	var b []byte
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// cbAddr returns the guest address of the i'th test command buffer.
func cbAddr(i int) uint64 {
	return uint64(i+1) * 0x1000
}

// submit writes a command buffer with header h and commands data at pa
// and submits it to context ctx. A zero length in h is replaced by the
// length of data.
func (td *testDevice) submit(t *testing.T, pa uint64, ctx uint32, h cbHeader, data []byte) {
	t.Helper()
	h.pa = pa + cbHeaderSize
	if h.length == 0 {
		h.length = uint32(len(data))
	}
	if err := td.ram.WritePhys(pa, encodeCBHeader(h)); err != nil {
		t.Fatal(err)
	}
	if err := td.ram.WritePhys(h.pa, data); err != nil {
		t.Fatal(err)
	}
	td.WriteReg(RegCommandHigh, uint32(pa>>32))
	td.WriteReg(RegCommandLow, uint32(pa)|ctx)
}

func (td *testDevice) cbStatus(t *testing.T, pa uint64) (CBStatus, uint32) {
	t.Helper()
	var b [8]byte
	if err := td.ram.ReadPhys(pa, b[:]); err != nil {
		t.Fatal(err)
	}
	return CBStatus(binary.LittleEndian.Uint32(b[0:])), binary.LittleEndian.Uint32(b[4:])
}

func TestCBHeaderErrors(t *testing.T) {
	nop := cmdWords(uint32(OpNop))
	tests := []struct {
		name string
		ctx  uint32
		hdr  cbHeader
	}{
		{"too long", Context0, cbHeader{length: _SVGA_CB_MAX_SIZE + 1}},
		{"bad context", 5, cbHeader{}},
		{"status set", Context0, cbHeader{status: CBStatusCompleted}},
		{"unknown flag", Context0, cbHeader{flags: CBFlagMOB}},
		{"offset past end", Context1, cbHeader{offset: 4}},
		{"dx context without flag", Context0, cbHeader{dxContext: 3}},
		{"reserved field", ContextDevice, cbHeader{mustBeZero: [6]uint32{0, 0, 1}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			td := newTestDevice(t, nil)
			td.WriteReg(RegIRQMask, IRQError|IRQCommandBuffer)
			pa := cbAddr(0)
			td.submit(t, pa, test.ctx, test.hdr, nop)
			if status, _ := td.cbStatus(t, pa); status != CBStatusHeaderError {
				t.Errorf("status = %d, want %d", status, CBStatusHeaderError)
			}
			if got := td.pending(); got != IRQError|IRQCommandBuffer {
				t.Errorf("pending = %#x", got)
			}
			if td.Queued(Context0)+td.Queued(Context1) != 0 {
				t.Error("invalid buffer queued")
			}
			if got := td.Stats().CBHeaderErrors.Load(); got != 1 {
				t.Errorf("header errors = %d, want 1", got)
			}
		})
	}
}

func TestCBUnreadableHeader(t *testing.T) {
	td := newTestDevice(t, nil)
	td.WriteReg(RegIRQMask, IRQError)
	td.WriteReg(RegCommandHigh, 1)
	td.WriteReg(RegCommandLow, Context0)
	if got := td.Stats().CBHeaderErrors.Load(); got != 1 {
		t.Errorf("header errors = %d, want 1", got)
	}
	if got := td.pending(); got != IRQError {
		t.Errorf("pending = %#x, want %#x", got, IRQError)
	}
}

func TestCBQueueFull(t *testing.T) {
	td := newTestDevice(t, nil)
	nop := cmdWords(uint32(OpNop))
	for i := 0; i <= _SVGA_CB_MAX_QUEUED_PER_CONTEXT; i++ {
		td.submit(t, cbAddr(i), Context0, cbHeader{id: uint64(i)}, nop)
	}
	if got := td.Queued(Context0); got != _SVGA_CB_MAX_QUEUED_PER_CONTEXT {
		t.Errorf("queued = %d, want %d", got, _SVGA_CB_MAX_QUEUED_PER_CONTEXT)
	}
	last := cbAddr(_SVGA_CB_MAX_QUEUED_PER_CONTEXT)
	if status, _ := td.cbStatus(t, last); status != CBStatusQueueFull {
		t.Errorf("status = %d, want %d", status, CBStatusQueueFull)
	}
	if status, _ := td.cbStatus(t, cbAddr(0)); status != CBStatusNone {
		t.Errorf("queued buffer status = %d", status)
	}

	// Other contexts still accept buffers.
	other := cbAddr(_SVGA_CB_MAX_QUEUED_PER_CONTEXT + 1)
	td.submit(t, other, Context1, cbHeader{}, nop)
	if got := td.Queued(Context1); got != 1 {
		t.Errorf("queued in context 1 = %d, want 1", got)
	}
	if status, _ := td.cbStatus(t, other); status != CBStatusNone {
		t.Errorf("context 1 buffer status = %d", status)
	}
}

func TestResetPreemptsQueued(t *testing.T) {
	for _, cmd := range []ExtCmd{ExtReset, ExtPowerOff} {
		td := newTestDevice(t, nil)
		td.WriteReg(RegIRQMask, IRQCommandBuffer|IRQError)
		nop := cmdWords(uint32(OpNop))
		for i, ctx := range []uint32{Context0, Context0, Context1} {
			td.submit(t, cbAddr(i), ctx, cbHeader{}, nop)
		}
		if err := td.External(cmd); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if status, _ := td.cbStatus(t, cbAddr(i)); status != CBStatusPreempted {
				t.Errorf("ext %d: buffer %d status = %d, want %d", cmd, i, status, CBStatusPreempted)
			}
		}
		if n := td.Queued(Context0) + td.Queued(Context1); n != 0 {
			t.Errorf("ext %d: %d buffers still queued", cmd, n)
		}
		if cmd == ExtPowerOff {
			if got := td.pending(); got != 0 {
				t.Errorf("power off raised %#x", got)
			}
		}
	}
}

func TestCBFairness(t *testing.T) {
	td := newTestDevice(t, nil)
	td.cb.setStarted(Context0, true)
	td.cb.setStarted(Context1, true)
	for i := 0; i < 4; i++ {
		ctx := uint32(i % 2)
		td.submit(t, cbAddr(i), ctx, cbHeader{}, cmdWords(uint32(OpUpdate), uint32(i), 0, 1, 1))
	}
	td.Drain()
	cmds, ctxs := td.rec.commands()
	wantCtx := []uint32{1, 0, 1, 0}
	wantX := []uint32{1, 0, 3, 2}
	if len(cmds) != len(wantCtx) {
		t.Fatalf("commands = %+v", cmds)
	}
	for i, c := range cmds {
		if x := c.(CmdUpdate).X; x != wantX[i] || ctxs[i] != wantCtx[i] {
			t.Errorf("command %d: x %d context %d, want x %d context %d", i, x, ctxs[i], wantX[i], wantCtx[i])
		}
	}
	for i := 0; i < 4; i++ {
		if status, _ := td.cbStatus(t, cbAddr(i)); status != CBStatusCompleted {
			t.Errorf("buffer %d status = %d", i, status)
		}
	}
	if got := td.Stats().CBCompleted.Load(); got != 4 {
		t.Errorf("completed = %d, want 4", got)
	}
}

func TestCBStoppedContext(t *testing.T) {
	td := newTestDevice(t, nil)
	pa := cbAddr(0)
	td.submit(t, pa, Context1, cbHeader{}, cmdWords(uint32(OpFence), 4))
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusNone || td.Fence() != 0 {
		t.Fatalf("stopped context ran a buffer: status %d", status)
	}
	td.cb.setStarted(Context1, true)
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusCompleted || td.Fence() != 4 {
		t.Errorf("status %d fence %d", status, td.Fence())
	}
}

func TestCBCommandError(t *testing.T) {
	td := newTestDevice(t, nil)
	td.WriteReg(RegIRQMask, IRQError|IRQCommandBuffer)
	td.cb.setStarted(Context0, true)
	pa := cbAddr(0)
	data := cmdWords(
		uint32(OpNop),
		uint32(OpUpdate), 0, 0, 1, 1,
		uint32(OpNopError),
		uint32(OpFence), 9,
	)
	td.submit(t, pa, Context0, cbHeader{}, data)
	td.Drain()
	status, off := td.cbStatus(t, pa)
	if status != CBStatusCommandError || off != 24 {
		t.Errorf("status %d offset %d, want %d offset 24", status, off, CBStatusCommandError)
	}
	if got := td.Fence(); got != 0 {
		t.Errorf("fence after error = %d", got)
	}
	if got := td.pending(); got != IRQError|IRQCommandBuffer {
		t.Errorf("pending = %#x", got)
	}
	td.Drain()
	if got := td.Stats().IRQsRaised.Load(); got != 1 {
		t.Errorf("interrupts raised = %d, want 1", got)
	}
}

func TestCBNoIRQ(t *testing.T) {
	td := newTestDevice(t, nil)
	td.WriteReg(RegIRQMask, IRQError|IRQCommandBuffer)
	td.cb.setStarted(Context0, true)
	pa := cbAddr(0)
	td.submit(t, pa, Context0, cbHeader{flags: CBFlagNoIRQ}, cmdWords(uint32(OpNop)))
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusCompleted {
		t.Errorf("status = %d", status)
	}
	if got := td.pending(); got != 0 {
		t.Errorf("pending = %#x, want 0", got)
	}
}

func TestCBOffset(t *testing.T) {
	td := newTestDevice(t, nil)
	td.cb.setStarted(Context0, true)
	data := cmdWords(
		uint32(OpUpdate), 1, 0, 1, 1,
		uint32(OpUpdate), 2, 0, 1, 1,
	)
	td.submit(t, cbAddr(0), Context0, cbHeader{offset: 20}, data)
	td.Drain()
	cmds, ctxs := td.rec.commands()
	if len(cmds) != 1 || cmds[0].(CmdUpdate).X != 2 {
		t.Fatalf("commands = %+v", cmds)
	}
	if ctxs[0] != Context0 {
		t.Errorf("context = %d, want %d", ctxs[0], Context0)
	}
}

func TestDeviceContext(t *testing.T) {
	td := newTestDevice(t, nil)
	next := 0
	dc := func(words ...uint32) (CBStatus, uint32) {
		t.Helper()
		pa := cbAddr(next)
		next++
		td.submit(t, pa, ContextDevice, cbHeader{}, cmdWords(words...))
		return td.cbStatus(t, pa)
	}
	queue := func(ctx uint32, id uint64) uint64 {
		t.Helper()
		pa := cbAddr(next)
		next++
		td.submit(t, pa, ctx, cbHeader{id: id}, cmdWords(uint32(OpNop)))
		return pa
	}

	if status, _ := dc(_SVGA_DC_CMD_NOP, _SVGA_DC_CMD_START_STOP_CONTEXT, 1, Context0); status != CBStatusCompleted {
		t.Fatalf("start context status = %d", status)
	}
	pa := queue(Context0, 1)
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusCompleted {
		t.Errorf("buffer in started context: status %d", status)
	}

	dc(_SVGA_DC_CMD_START_STOP_CONTEXT, 0, Context0)
	keep := queue(Context0, 0)
	drop := queue(Context0, 5)
	if status, _ := dc(_SVGA_DC_CMD_PREEMPT, Context0, 1); status != CBStatusCompleted {
		t.Fatalf("preempt status = %d", status)
	}
	if status, _ := td.cbStatus(t, drop); status != CBStatusPreempted {
		t.Errorf("preempted buffer status = %d", status)
	}
	if status, _ := td.cbStatus(t, keep); status != CBStatusNone {
		t.Errorf("kept buffer status = %d", status)
	}
	if got := td.Queued(Context0); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
	dc(_SVGA_DC_CMD_EMPTY_QUEUE, Context0)
	if status, _ := td.cbStatus(t, keep); status != CBStatusPreempted {
		t.Errorf("emptied buffer status = %d", status)
	}
	if got := td.Stats().CBPreempted.Load(); got != 2 {
		t.Errorf("preempted = %d, want 2", got)
	}

	pa = queue(Context1, 1)
	dc(_SVGA_DC_CMD_START_QUEUE, Context1)
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusCompleted {
		t.Errorf("buffer after start queue: status %d", status)
	}
	dc(_SVGA_DC_CMD_ASYNC_STOP_QUEUE, Context1)
	pa = queue(Context1, 2)
	td.Drain()
	if status, _ := td.cbStatus(t, pa); status != CBStatusNone {
		t.Errorf("buffer after stop queue: status %d", status)
	}

	if status, off := dc(_SVGA_DC_CMD_NOP, 9); status != CBStatusCommandError || off != 4 {
		t.Errorf("unknown command: status %d offset %d", status, off)
	}
	if status, off := dc(_SVGA_DC_CMD_START_QUEUE, 7); status != CBStatusCommandError || off != 0 {
		t.Errorf("bad context: status %d offset %d", status, off)
	}
}
