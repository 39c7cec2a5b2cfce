// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"time"

	"golang.org/x/exp/slices"

	"eliasnaur.com/svga/gmr"
)

// Registers holds the guest writable scalar registers.
type Registers struct {
	ID           uint32
	Enable       uint32
	Width        uint32
	Height       uint32
	BitsPerPixel uint32
	ConfigDone   uint32
	Sync         uint32
	GuestID      uint32
	Pitchlock    uint32
	Traces       uint32

	CursorID uint32
	CursorX  uint32
	CursorY  uint32
	CursorOn uint32

	NumGuestDisplays uint32
	DisplayID        uint32
	DisplayIsPrimary uint32
	DisplayX         uint32
	DisplayY         uint32
	DisplayWidth     uint32
	DisplayHeight    uint32

	GMRID       uint32
	CommandHigh uint32

	DevCap             uint32
	CmdPrependLow      uint32
	CmdPrependHigh     uint32
	BlankScreenTargets uint32

	Scratch []uint32
	// Palette holds red, green and blue for each of the 256 entries of
	// the 8 bit pseudocolor mode.
	Palette [3 * 256]uint8
}

func colorMasks(bpp uint32) (red, green, blue uint32) {
	switch bpp {
	case 8:
		return 0xe0, 0x1c, 0x03
	case 15:
		return 0x7c00, 0x03e0, 0x001f
	case 16:
		return 0xf800, 0x07e0, 0x001f
	default:
		return 0xff0000, 0x00ff00, 0x0000ff
	}
}

func validBitsPerPixel(bpp uint32) bool {
	switch bpp {
	case 8, 15, 16, 24, 32:
		return true
	}
	return false
}

func (d *Device) readReg(idx uint32, access Access) Result {
	switch idx {
	case RegBusy:
		return d.readBusy(access)
	case RegIRQMask:
		d.irq.mu.Lock()
		defer d.irq.mu.Unlock()
		return ok(d.irq.mask)
	}
	d.regs.mu.Lock()
	defer d.regs.mu.Unlock()
	r := &d.regs.r
	switch idx {
	case RegID:
		return ok(r.ID)
	case RegEnable:
		return ok(r.Enable)
	case RegWidth:
		return ok(r.Width)
	case RegHeight:
		return ok(r.Height)
	case RegMaxWidth:
		return ok(d.cfg.MaxWidth)
	case RegMaxHeight:
		return ok(d.cfg.MaxHeight)
	case RegDepth:
		if r.BitsPerPixel == 32 {
			return ok(24)
		}
		return ok(r.BitsPerPixel)
	case RegBitsPerPixel:
		return ok(r.BitsPerPixel)
	case RegHostBitsPerPixel:
		return ok(d.cfg.HostBitsPerPixel)
	case RegPseudoColor:
		if r.BitsPerPixel == 8 {
			return ok(1)
		}
		return ok(0)
	case RegRedMask, RegGreenMask, RegBlueMask:
		red, green, blue := colorMasks(r.BitsPerPixel)
		return ok([]uint32{red, green, blue}[idx-RegRedMask])
	case RegBytesPerLine:
		return ok(d.bytesPerLineLocked())
	case RegFBStart:
		return ok(uint32(d.cfg.VRAMBase))
	case RegFBOffset:
		return ok(0)
	case RegVRAMSize, RegMaxPrimaryBoundingBoxMem:
		return ok(d.cfg.VRAMSize)
	case RegFBSize:
		size := uint64(d.bytesPerLineLocked()) * uint64(r.Height)
		if size == 0 || size > uint64(d.cfg.VRAMSize) {
			size = uint64(d.cfg.VRAMSize)
		}
		return ok(uint32(size))
	case RegCapabilities:
		return ok(d.cfg.capabilities())
	case RegMemStart:
		return ok(uint32(d.cfg.FIFOBase))
	case RegMemSize:
		return ok(d.cfg.FIFOSize)
	case RegConfigDone:
		return ok(r.ConfigDone)
	case RegSync:
		return ok(r.Sync)
	case RegGuestID:
		return ok(r.GuestID)
	case RegCursorID:
		return ok(r.CursorID)
	case RegCursorX:
		return ok(r.CursorX)
	case RegCursorY:
		return ok(r.CursorY)
	case RegCursorOn:
		return ok(r.CursorOn)
	case RegScratchSize:
		return ok(uint32(len(r.Scratch)))
	case RegMemRegs:
		return ok(_SVGA_FIFO_NUM_REGS)
	case RegNumDisplays:
		return ok(d.cfg.NumDisplays)
	case RegPitchlock:
		return ok(r.Pitchlock)
	case RegNumGuestDisplays:
		return ok(r.NumGuestDisplays)
	case RegDisplayID:
		return ok(r.DisplayID)
	case RegDisplayIsPrimary:
		return ok(r.DisplayIsPrimary)
	case RegDisplayPositionX:
		return ok(r.DisplayX)
	case RegDisplayPositionY:
		return ok(r.DisplayY)
	case RegDisplayWidth:
		return ok(r.DisplayWidth)
	case RegDisplayHeight:
		return ok(r.DisplayHeight)
	case RegGMRID:
		return ok(r.GMRID)
	case RegGMRDescriptor:
		return ok(0)
	case RegGMRMaxIDs:
		return ok(d.regions.Len())
	case RegGMRMaxDescriptorLength:
		return ok(gmr.MaxDescriptorPages)
	case RegGMRsMaxPages:
		return ok(d.regions.MaxPages())
	case RegMemorySize:
		return ok(d.cfg.MemorySize)
	case RegTraces:
		return ok(r.Traces)
	case RegCommandHigh:
		return ok(r.CommandHigh)
	case RegCommandLow:
		return ok(0)
	case RegDevCap, RegSuggestedGBObjectMemSizeKB, RegScreenTargetMaxWidth,
		RegScreenTargetMaxHeight, RegMOBMaxSize, RegCap2:
		// Guest backed objects and the DX capability set are not
		// supported.
		return ok(0)
	case RegCmdPrependLow:
		return ok(r.CmdPrependLow)
	case RegCmdPrependHigh:
		return ok(r.CmdPrependHigh)
	case RegBlankScreenTargets:
		return ok(r.BlankScreenTargets)
	}
	if s := idx - RegScratchBase; idx >= RegScratchBase && s < uint32(len(r.Scratch)) {
		return ok(r.Scratch[s])
	}
	if p := idx - _SVGA_PALETTE_BASE; idx >= _SVGA_PALETTE_BASE && p < uint32(len(r.Palette)) {
		return ok(uint32(r.Palette[p]))
	}
	d.stats.UnknownRegReads.Add(1)
	return ok(0)
}

// readBusy reads RegBusy. A non-blocking caller is told to retry while
// the device is busy; a blocking caller waits for at most
// BusyWaitTimeout.
func (d *Device) readBusy(access Access) Result {
	if !d.busy.Load() {
		return ok(0)
	}
	d.worker.kick()
	if access == AccessNonBlocking {
		d.stats.BusyRetries.Add(1)
		return Result{Outcome: Retry}
	}
	t := time.NewTimer(d.cfg.BusyWaitTimeout)
	defer t.Stop()
	for {
		ch := d.progress.wait()
		if !d.busy.Load() {
			return ok(0)
		}
		select {
		case <-ch:
		case <-t.C:
			d.stats.BusyTimeouts.Add(1)
			return Result{Value: 1, Outcome: WouldBlock}
		}
	}
}

func (d *Device) writeReg(idx, v uint32) {
	switch idx {
	case RegEnable:
		d.setEnable(v)
		return
	case RegIRQMask:
		d.setIRQMask(v)
		return
	case RegSync:
		d.regs.mu.Lock()
		d.regs.r.Sync = v
		d.regs.mu.Unlock()
		d.requestSync()
		return
	case RegGMRDescriptor:
		d.regs.mu.Lock()
		id := d.regs.r.GMRID
		d.regs.mu.Unlock()
		if err := d.postExt(&extRequest{cmd: extDefineGMR, handle: id, ppn: v}); err != nil {
			d.warn.Warningf("svga: %v", err)
		}
		return
	case RegCommandLow:
		if !d.cfg.CommandBuffers {
			d.stats.UnknownRegWrites.Add(1)
			return
		}
		d.regs.mu.Lock()
		high := d.regs.r.CommandHigh
		d.regs.mu.Unlock()
		d.submitCB(uint64(high)<<32|uint64(v&^_SVGA_CB_CONTEXT_MASK), v&_SVGA_CB_CONTEXT_MASK)
		return
	}

	d.regs.mu.Lock()
	r := &d.regs.r
	modeChanged := false
	kick := false
	switch idx {
	case RegID:
		if v >= _SVGA_ID_0 && v <= _SVGA_ID_2 {
			r.ID = v
		}
	case RegWidth:
		if v <= d.cfg.MaxWidth && v != r.Width {
			r.Width = v
			modeChanged = true
		}
	case RegHeight:
		if v <= d.cfg.MaxHeight && v != r.Height {
			r.Height = v
			modeChanged = true
		}
	case RegBitsPerPixel:
		if validBitsPerPixel(v) && v != r.BitsPerPixel {
			r.BitsPerPixel = v
			modeChanged = true
		}
	case RegPitchlock:
		if v != r.Pitchlock {
			r.Pitchlock = v
			modeChanged = true
		}
	case RegConfigDone:
		if r.ConfigDone == 0 && v != 0 {
			// The guest (re)initialized the FIFO.
			d.fifo.halted.Store(false)
		}
		r.ConfigDone = v
		kick = true
	case RegGuestID:
		r.GuestID = v
	case RegCursorID:
		r.CursorID = v
	case RegCursorX:
		r.CursorX = v
	case RegCursorY:
		r.CursorY = v
	case RegCursorOn:
		r.CursorOn = v
	case RegNumGuestDisplays:
		r.NumGuestDisplays = v
	case RegDisplayID:
		r.DisplayID = v
	case RegDisplayIsPrimary:
		r.DisplayIsPrimary = v
	case RegDisplayPositionX:
		r.DisplayX = v
	case RegDisplayPositionY:
		r.DisplayY = v
	case RegDisplayWidth:
		r.DisplayWidth = v
	case RegDisplayHeight:
		r.DisplayHeight = v
	case RegGMRID:
		r.GMRID = v
	case RegTraces:
		r.Traces = v
	case RegCommandHigh:
		r.CommandHigh = v
	case RegDevCap:
		r.DevCap = v
	case RegCmdPrependLow:
		r.CmdPrependLow = v
	case RegCmdPrependHigh:
		r.CmdPrependHigh = v
	case RegBlankScreenTargets:
		r.BlankScreenTargets = v
	case RegMaxWidth, RegMaxHeight, RegDepth, RegPseudoColor, RegRedMask,
		RegGreenMask, RegBlueMask, RegBytesPerLine, RegFBStart, RegFBOffset,
		RegVRAMSize, RegFBSize, RegCapabilities, RegMemStart, RegMemSize,
		RegBusy, RegHostBitsPerPixel, RegScratchSize, RegMemRegs,
		RegNumDisplays, RegGMRMaxIDs, RegGMRMaxDescriptorLength,
		RegGMRsMaxPages, RegMemorySize, RegMaxPrimaryBoundingBoxMem,
		RegSuggestedGBObjectMemSizeKB, RegScreenTargetMaxWidth,
		RegScreenTargetMaxHeight, RegMOBMaxSize, RegCap2:
		// Read only.
	default:
		s := idx - RegScratchBase
		p := idx - _SVGA_PALETTE_BASE
		switch {
		case idx >= RegScratchBase && s < uint32(len(r.Scratch)):
			r.Scratch[s] = v
		case idx >= _SVGA_PALETTE_BASE && p < uint32(len(r.Palette)):
			r.Palette[p] = uint8(v)
		default:
			d.stats.UnknownRegWrites.Add(1)
		}
	}
	if modeChanged && r.Enable != 0 {
		d.worker.modePending.Store(true)
		kick = true
	}
	d.regs.mu.Unlock()
	if kick {
		d.worker.kick()
	}
}

// setEnable switches between legacy VGA and SVGA mode. The legacy
// framebuffer area of VRAM is saved on entry and restored on exit.
func (d *Device) setEnable(v uint32) {
	d.regs.mu.Lock()
	r := &d.regs.r
	was, now := r.Enable != 0, v != 0
	r.Enable = v
	vram := d.vram.Bytes()
	switch {
	case !was && now:
		d.regs.fbBackup = slices.Clone(vram[:d.cfg.LegacyFBSize])
	case was && !now:
		if d.regs.fbBackup != nil {
			copy(vram, d.regs.fbBackup)
			d.regs.fbBackup = nil
		}
	}
	d.regs.mu.Unlock()
	if was != now && d.dirty != nil {
		d.dirty.TrackDirty(now)
	}
	if now {
		d.worker.modePending.Store(true)
		d.worker.kick()
	}
}

// applyMode passes a changed display mode to the renderer. It runs on
// the worker.
func (d *Device) applyMode() {
	if !d.worker.modePending.Swap(false) {
		return
	}
	ms, ok := d.renderer.(ModeSetter)
	if !ok {
		return
	}
	d.regs.mu.Lock()
	m := d.modeLocked()
	d.regs.mu.Unlock()
	ms.SetMode(m)
}
