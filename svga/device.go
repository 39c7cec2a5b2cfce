// SPDX-License-Identifier: Unlicense OR MIT

// Package svga implements the command processing core of an emulated
// VMware SVGA II device: the register file, the FIFO command ring, the
// command buffer queues and the worker that drains them.
package svga

import (
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"

	"eliasnaur.com/svga/gmr"
	"eliasnaur.com/svga/guestmem"
)

// FIFOContext is the context id passed to Renderer.Execute for commands
// read from the FIFO.
const FIFOContext = ^uint32(0)

// Renderer executes drawing and screen commands. It is called from the
// worker goroutine only.
type Renderer interface {
	Execute(cmd Command, ctxID uint32) error
}

// ModeSetter is implemented by renderers that track the legacy display
// mode.
type ModeSetter interface {
	SetMode(m Mode)
}

type Mode struct {
	Width, Height uint32
	BitsPerPixel  uint32
	BytesPerLine  uint32
}

// Interrupter drives the device's interrupt line.
type Interrupter interface {
	SetIRQ(level bool)
}

// Persister stores device snapshots. It is called from the worker while
// it runs an external command.
type Persister interface {
	Save(s *Snapshot) error
	Load() (*Snapshot, error)
}

// DirtyTracker enables host tracking of guest writes to VRAM while the
// device is in SVGA mode.
type DirtyTracker interface {
	TrackDirty(enable bool)
}

type Options struct {
	// NewRenderer creates the renderer given the device's region table
	// and VRAM. A nil NewRenderer discards rendering commands.
	NewRenderer  func(regions *gmr.Table, vram []byte) Renderer
	Interrupter  Interrupter
	Persister    Persister
	DirtyTracker DirtyTracker
}

type Device struct {
	cfg Config

	space   *guestmem.Space
	vram    *guestmem.Mapping
	fifoMem *guestmem.Mapping
	fifoReg guestmem.Words
	regions *gmr.Table

	renderer  Renderer
	irqLine   Interrupter
	persister Persister
	dirty     DirtyTracker

	index atomicbitops.Uint32
	regs  struct {
		mu       sync.Mutex
		r        Registers
		fbBackup []byte
	}

	irq struct {
		mu      sync.Mutex
		mask    uint32
		pending uint32
		level   bool
	}

	busy atomicbitops.Bool
	// syncReq counts SYNC writes. Busy is cleared only by a drain that
	// started after the latest one.
	syncReq struct {
		mu  sync.Mutex
		gen uint64
	}
	fence atomicbitops.Uint32
	// progress is broadcast whenever busy or the fence changes.
	progress signal

	fifo struct {
		// bad is set on invalid ring bounds; halted on a malformed
		// command. Both stop FIFO processing until reset.
		bad     atomicbitops.Bool
		halted  atomicbitops.Bool
		scratch []byte
	}

	cb cbQueues

	// work serializes draining and external commands.
	work   sync.Mutex
	worker worker

	stats Stats
	warn  log.Logger

	closeOnce sync.Once
	release   func()
}

type nopRenderer struct{}

func (nopRenderer) Execute(Command, uint32) error { return nil }

// New creates a device backed by guest memory ram. The device maps its
// own VRAM and FIFO memory as described by cfg.
func New(cfg Config, ram guestmem.Memory, opts Options) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	vram, err := guestmem.Map(cfg.VRAMBase, int(cfg.VRAMSize))
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { vram.Close() })
	defer cu.Clean()
	fifo, err := guestmem.Map(cfg.FIFOBase, int(cfg.FIFOSize))
	if err != nil {
		return nil, err
	}
	cu.Add(func() { fifo.Close() })

	d := &Device{
		cfg:       cfg,
		space:     guestmem.NewSpace(ram, vram, fifo),
		vram:      vram,
		fifoMem:   fifo,
		fifoReg:   guestmem.NewWords(fifo.Bytes()[:4*_SVGA_FIFO_NUM_REGS]),
		renderer:  nopRenderer{},
		irqLine:   opts.Interrupter,
		persister: opts.Persister,
		dirty:     opts.DirtyTracker,
		warn:      log.BasicRateLimitedLogger(time.Second),
	}
	d.regions = gmr.New(d.space, cfg.MaxRegions, cfg.MaxRegionPages)
	d.regions.SetFramebuffer(cfg.VRAMBase, uint64(cfg.VRAMSize))
	if opts.NewRenderer != nil {
		d.renderer = opts.NewRenderer(d.regions, vram.Bytes())
	}
	d.worker.init()
	d.reset()
	d.release = cu.Release()
	log.Infof("svga: device with %d MiB VRAM at %#x, %d KiB FIFO at %#x", cfg.VRAMSize>>20, cfg.VRAMBase, cfg.FIFOSize>>10, cfg.FIFOBase)
	return d, nil
}

// Close stops the worker and releases device memory. Pending external
// commands complete first.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.worker.stop()
		d.work.Lock()
		defer d.work.Unlock()
		d.release()
	})
	return nil
}

// VRAM returns the host view of device memory.
func (d *Device) VRAM() []byte {
	return d.vram.Bytes()
}

// FIFO returns the host view of the FIFO memory.
func (d *Device) FIFO() []byte {
	return d.fifoMem.Bytes()
}

func (d *Device) Regions() *gmr.Table {
	return d.regions
}

func (d *Device) Stats() *Stats {
	return &d.stats
}

// Config returns the configuration the device was created with.
func (d *Device) Config() Config {
	return d.cfg
}

// reset returns the device to its power-on state. The caller holds the
// work lock or the worker is not running.
func (d *Device) reset() {
	d.regs.mu.Lock()
	wasEnabled := d.regs.r.Enable != 0
	d.regs.r = Registers{
		ID:           _SVGA_ID_2,
		BitsPerPixel: 32,
		Scratch:      make([]uint32, d.cfg.ScratchRegs),
	}
	d.regs.fbBackup = nil
	d.regs.mu.Unlock()
	if wasEnabled && d.dirty != nil {
		d.dirty.TrackDirty(false)
	}

	d.irq.mu.Lock()
	d.irq.mask = 0
	d.irq.pending = 0
	d.updateIRQLocked()
	d.irq.mu.Unlock()

	d.index.Store(0)
	d.fence.Store(0)
	d.fifo.bad.Store(false)
	d.fifo.halted.Store(false)
	d.dropCBs()
	d.regions.Reset()

	for i := 0; i < d.fifoReg.Len(); i++ {
		d.fifoReg.Store(i, 0)
	}
	d.fifoReg.Store(_SVGA_FIFO_CAPABILITIES, d.cfg.fifoCapabilities())
	if d.cfg.Enable3D {
		d.fifoReg.Store(_SVGA_FIFO_3D_HWVERSION, _SVGA3D_HWVERSION_CURRENT)
		d.fifoReg.Store(_SVGA_FIFO_3D_HWVERSION_REVISED, _SVGA3D_HWVERSION_CURRENT)
	}
	d.setBusy(false)
}

// raiseIRQ sets the unmasked subset of flags pending and asserts the
// interrupt line.
func (d *Device) raiseIRQ(flags uint32) {
	d.irq.mu.Lock()
	defer d.irq.mu.Unlock()
	flags &= d.irq.mask
	if flags == 0 {
		return
	}
	d.stats.IRQsRaised.Add(1)
	d.irq.pending |= flags
	d.updateIRQLocked()
}

func (d *Device) ackIRQ(flags uint32) {
	d.irq.mu.Lock()
	defer d.irq.mu.Unlock()
	d.irq.pending &^= flags
	d.updateIRQLocked()
}

func (d *Device) setIRQMask(mask uint32) {
	d.irq.mu.Lock()
	defer d.irq.mu.Unlock()
	d.irq.mask = mask
	d.updateIRQLocked()
}

func (d *Device) updateIRQLocked() {
	level := d.irq.pending&d.irq.mask != 0
	if level == d.irq.level {
		return
	}
	d.irq.level = level
	if d.irqLine != nil {
		d.irqLine.SetIRQ(level)
	}
}

func (d *Device) setBusy(busy bool) {
	d.busy.Store(busy)
	v := uint32(0)
	if busy {
		v = 1
	}
	if d.fifoRegValid(_SVGA_FIFO_BUSY) {
		d.fifoReg.Store(_SVGA_FIFO_BUSY, v)
	}
	d.progress.broadcast()
}

// markBusy sets busy when draining finds work. The next drain pass that
// finds none clears it.
func (d *Device) markBusy() {
	if !d.busy.Load() {
		d.setBusy(true)
	}
}

// Busy reports whether the device is draining work or has a SYNC
// outstanding.
func (d *Device) Busy() bool {
	return d.busy.Load()
}

// Fence returns the last fence the device passed.
func (d *Device) Fence() uint32 {
	return d.fence.Load()
}

// passFence records a fence and raises the fence interrupts.
func (d *Device) passFence(fence uint32) {
	d.stats.Fences.Add(1)
	d.fence.Store(fence)
	if d.fifoRegValid(_SVGA_FIFO_FENCE) {
		d.fifoReg.Store(_SVGA_FIFO_FENCE, fence)
	}
	d.irq.mu.Lock()
	mask := d.irq.mask
	d.irq.mu.Unlock()
	switch {
	case mask&IRQAnyFence != 0:
		d.raiseIRQ(IRQAnyFence)
	case mask&IRQFenceGoal != 0 && d.fifoRegValid(_SVGA_FIFO_FENCE_GOAL) &&
		d.fifoReg.Load(_SVGA_FIFO_FENCE_GOAL) == fence:
		d.raiseIRQ(IRQFenceGoal)
	}
	d.progress.broadcast()
}

// modeLocked returns the legacy display mode. The caller holds regs.mu.
func (d *Device) modeLocked() Mode {
	r := &d.regs.r
	return Mode{
		Width:        r.Width,
		Height:       r.Height,
		BitsPerPixel: r.BitsPerPixel,
		BytesPerLine: d.bytesPerLineLocked(),
	}
}

func (d *Device) bytesPerLineLocked() uint32 {
	r := &d.regs.r
	if r.Pitchlock != 0 {
		return r.Pitchlock
	}
	return r.Width * ((r.BitsPerPixel + 7) / 8)
}
