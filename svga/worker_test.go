// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"eliasnaur.com/svga/gmr"
	"eliasnaur.com/svga/guestmem"
)

type memPersister struct {
	s *Snapshot
}

var errNoSnapshot = errors.New("no snapshot")

func (p *memPersister) Save(s *Snapshot) error {
	p.s = s
	return nil
}

func (p *memPersister) Load() (*Snapshot, error) {
	if p.s == nil {
		return nil, errNoSnapshot
	}
	return p.s, nil
}

// waitFor polls cond until it holds or a generous deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNextSleep(t *testing.T) {
	td := newTestDevice(t, nil)
	ms := time.Millisecond
	tests := []struct {
		cur    time.Duration
		active bool
		want   time.Duration
	}{
		{4 * ms, true, 1 * ms},
		{1 * ms, false, 2 * ms},
		{2 * ms, false, 4 * ms},
		{3 * ms, false, 4 * ms},
		{4 * ms, false, 8 * ms},
		{8 * ms, false, 8 * ms},
	}
	for _, test := range tests {
		if got := td.nextSleep(test.cur, test.active); got != test.want {
			t.Errorf("nextSleep(%v, %v) = %v, want %v", test.cur, test.active, got, test.want)
		}
	}
}

func TestExternalErrors(t *testing.T) {
	td := newTestDevice(t, nil)
	if err := td.External(ExtSave); !errors.Is(err, ErrNoPersister) {
		t.Errorf("save without persister: %v", err)
	}
	if err := td.External(extDefineGMR); !errors.Is(err, ErrBadExtCmd) {
		t.Errorf("internal command: %v", err)
	}
	if err := td.External(0); !errors.Is(err, ErrBadExtCmd) {
		t.Errorf("zero command: %v", err)
	}
	p := new(memPersister)
	td = newTestDevice(t, p)
	if err := td.External(ExtLoad); !errors.Is(err, errNoSnapshot) {
		t.Errorf("load without snapshot: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	p := new(memPersister)
	td := newTestDevice(t, p)
	td.enableFIFO(256)
	td.WriteReg(RegIRQMask, IRQCommandBuffer)
	td.WriteReg(RegScratchBase+2, 0xcafe)
	td.WriteReg(_SVGA_PALETTE_BASE, 0x80)
	if err := td.regions.Reserve(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := td.regions.Remap(1, 0, []uint64{0x40, 0x41}); err != nil {
		t.Fatal(err)
	}
	cb := cbAddr(0)
	td.submit(t, cb, Context0, cbHeader{id: 7}, cmdWords(uint32(OpFence), 8))
	td.push(uint32(OpFence), 5)
	td.VRAM()[100] = 0x42

	if err := td.External(ExtSave); err != nil {
		t.Fatal(err)
	}
	if err := td.External(ExtReset); err != nil {
		t.Fatal(err)
	}
	if td.Queued(Context0) != 0 || td.regions.Lookup(1) != nil {
		t.Fatal("reset kept queued buffers or regions")
	}
	if got := td.ReadReg(RegScratchBase+2, AccessNonBlocking).Value; got != 0 {
		t.Fatalf("scratch after reset = %#x", got)
	}
	td.VRAM()[100] = 0

	if err := td.External(ExtLoad); err != nil {
		t.Fatal(err)
	}
	if got := td.ReadReg(RegScratchBase+2, AccessNonBlocking).Value; got != 0xcafe {
		t.Errorf("scratch = %#x, want 0xcafe", got)
	}
	if got := td.ReadReg(_SVGA_PALETTE_BASE, AccessNonBlocking).Value; got != 0x80 {
		t.Errorf("palette = %#x, want 0x80", got)
	}
	if got := td.ReadReg(RegIRQMask, AccessNonBlocking).Value; got != IRQCommandBuffer {
		t.Errorf("IRQ mask = %#x", got)
	}
	want := []gmr.Descriptor{{Addr: 0x40000, Pages: 2}}
	if got := td.regions.Resolve(1); !slices.Equal(got, want) {
		t.Errorf("Resolve(1) = %v, want %v", got, want)
	}
	if got := td.VRAM()[100]; got != 0x42 {
		t.Errorf("VRAM byte = %#x, want 0x42", got)
	}
	if got := td.Queued(Context0); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}

	td.Drain()
	if got := td.Fence(); got != 5 {
		t.Errorf("fence from restored FIFO = %d, want 5", got)
	}
	td.cb.setStarted(Context0, true)
	td.Drain()
	if status, _ := td.cbStatus(t, cb); status != CBStatusCompleted {
		t.Errorf("restored buffer status = %d", status)
	}
	if got := td.Fence(); got != 8 {
		t.Errorf("fence from restored buffer = %d, want 8", got)
	}
	if got := td.pending(); got != IRQCommandBuffer {
		t.Errorf("pending = %#x, want %#x", got, IRQCommandBuffer)
	}
}

func TestLoadInvalid(t *testing.T) {
	p := new(memPersister)
	td := newTestDevice(t, p)
	if err := td.External(ExtSave); err != nil {
		t.Fatal(err)
	}
	td.WriteReg(RegScratchBase, 1)
	good := p.s
	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"short VRAM", func(s *Snapshot) { s.VRAM = s.VRAM[:10] }},
		{"scratch count", func(s *Snapshot) { s.Registers.Scratch = nil }},
		{"backup size", func(s *Snapshot) { s.FBBackup = make([]byte, 3) }},
		{"contexts", func(s *Snapshot) { s.Contexts = make([]ContextSnapshot, 3) }},
		{"buffer offset", func(s *Snapshot) {
			s.Contexts[0].Queue = []QueuedBuffer{{Offset: 8, Data: make([]byte, 4)}}
		}},
	}
	for _, test := range tests {
		s := *good
		s.Registers.Scratch = slices.Clone(good.Registers.Scratch)
		s.Contexts = slices.Clone(good.Contexts)
		test.mutate(&s)
		p.s = &s
		if err := td.External(ExtLoad); !errors.Is(err, ErrBadSnapshot) {
			t.Errorf("%s: %v, want %v", test.name, err, ErrBadSnapshot)
		}
		if got := td.ReadReg(RegScratchBase, AccessNonBlocking).Value; got != 1 {
			t.Errorf("%s: invalid snapshot changed scratch to %d", test.name, got)
		}
	}
}

func TestWorkerLifecycle(t *testing.T) {
	td := newTestDevice(t, nil)
	if got := td.State(); got != StateIdle {
		t.Errorf("state = %v, want %v", got, StateIdle)
	}
	td.Start()
	td.enableFIFO(256)
	td.push(uint32(OpFence), 1)
	waitFor(t, "fence", func() bool { return td.Fence() == 1 })
	if err := td.External(ExtReset); err != nil {
		t.Fatal(err)
	}
	if got := td.Stats().ExtCommands.Load(); got != 1 {
		t.Errorf("external commands = %d, want 1", got)
	}
	if got := td.Fence(); got != 0 {
		t.Errorf("fence after reset = %d", got)
	}
	td.Close()
	if got := td.State(); got != StateStopped {
		t.Errorf("state after close = %v, want %v", got, StateStopped)
	}
}

func TestSuspend(t *testing.T) {
	td := newTestDevice(t, nil)
	td.Start()
	td.enableFIFO(256)
	td.Suspend()
	td.push(uint32(OpFence), 3)
	td.WriteReg(RegSync, 1)
	time.Sleep(20 * time.Millisecond)
	if got := td.Fence(); got != 0 {
		t.Fatalf("suspended device passed fence %d", got)
	}
	if !td.Busy() {
		t.Error("suspended device not busy")
	}
	td.Resume()
	waitFor(t, "busy to clear", func() bool { return !td.Busy() })
	if got := td.Fence(); got != 3 {
		t.Errorf("fence = %d, want 3", got)
	}
}

func TestSuspendPartialCommand(t *testing.T) {
	td := newTestDevice(t, nil)
	td.Start()
	td.enableFIFO(256)
	td.push(uint32(OpRectFill), 0xff)
	waitFor(t, "the worker to wait for the command", func() bool {
		return td.Stats().FIFOWaits.Load() > 0
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		td.Suspend()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Suspend blocked on an incomplete command")
	}
	if got := td.fifoReg.Load(_SVGA_FIFO_STOP); got != ringLo {
		t.Errorf("STOP = %d, want %d", got, ringLo)
	}
	td.push(1, 2, 3, 4)
	time.Sleep(20 * time.Millisecond)
	if cmds, _ := td.rec.commands(); len(cmds) != 0 {
		t.Fatalf("suspended device executed %+v", cmds)
	}
	td.Resume()
	waitFor(t, "the command", func() bool {
		cmds, _ := td.rec.commands()
		return len(cmds) == 1
	})
	cmds, _ := td.rec.commands()
	if want := (CmdRectFill{Color: 0xff, X: 1, Y: 2, Width: 3, Height: 4}); cmds[0] != want {
		t.Errorf("command = %+v, want %+v", cmds[0], want)
	}
}

func TestPowerOff(t *testing.T) {
	td := newTestDevice(t, nil)
	td.Start()
	td.enableFIFO(256)
	td.submit(t, cbAddr(0), Context0, cbHeader{}, cmdWords(uint32(OpNop)))
	if err := td.External(ExtPowerOff); err != nil {
		t.Fatal(err)
	}
	if got := td.Queued(Context0); got != 0 {
		t.Errorf("queued after power off = %d", got)
	}
	td.push(uint32(OpFence), 6)
	td.WriteReg(RegSync, 1)
	waitFor(t, "busy to clear", func() bool { return !td.Busy() })
	if got := td.Fence(); got != 0 {
		t.Errorf("powered off device passed fence %d", got)
	}
	if err := td.External(ExtReset); err != nil {
		t.Fatal(err)
	}
	td.enableFIFO(256)
	td.push(uint32(OpFence), 7)
	waitFor(t, "fence after reset", func() bool { return td.Fence() == 7 })
}

func TestLegacyGMRDescriptor(t *testing.T) {
	for _, started := range []bool{false, true} {
		td := newTestDevice(t, nil)
		if started {
			td.Start()
		}
		var chain []byte
		for _, w := range []uint32{0x20, 2, 0x30, 1, 0, 0} {
			chain = binary.LittleEndian.AppendUint32(chain, w)
		}
		if err := td.ram.WritePhys(0x10<<guestmem.PageShift, chain); err != nil {
			t.Fatal(err)
		}
		td.WriteReg(RegGMRID, 3)
		td.WriteReg(RegGMRDescriptor, 0x10)
		want := []gmr.Descriptor{{Addr: 0x20000, Pages: 2}, {Addr: 0x30000, Pages: 1}}
		if got := td.regions.Resolve(3); !slices.Equal(got, want) {
			t.Errorf("worker %v: Resolve(3) = %v, want %v", started, got, want)
		}
		td.WriteReg(RegGMRDescriptor, 0)
		if r := td.regions.Lookup(3); r != nil {
			t.Errorf("worker %v: region not freed", started)
		}
	}
}
