// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"errors"
	"fmt"
	"time"

	"eliasnaur.com/svga/gmr"
	"eliasnaur.com/svga/guestmem"
)

// Config describes the emulated device. Zero fields are not filled in;
// start from DefaultConfig.
type Config struct {
	// VRAMBase and VRAMSize place device memory in guest physical
	// address space. The legacy framebuffer lives at its start.
	VRAMBase uint64
	VRAMSize uint32
	// LegacyFBSize is the amount of VRAM saved when the guest enables
	// SVGA mode and restored when it disables it.
	LegacyFBSize uint32

	// FIFOBase and FIFOSize place the FIFO memory.
	FIFOBase uint64
	FIFOSize uint32

	MaxWidth         uint32
	MaxHeight        uint32
	HostBitsPerPixel uint32
	NumDisplays      uint32
	ScratchRegs      uint32
	// MemorySize is reported in RegMemorySize.
	MemorySize uint32

	MaxRegions     uint32
	MaxRegionPages uint32

	Enable3D       bool
	CommandBuffers bool

	// BusyWaitTimeout bounds a blocking read of RegBusy.
	BusyWaitTimeout time.Duration

	// The worker sleeps MinSleep after doing work, doubling up to
	// MaxSleep while idle, and then sleeps ExtendedSleep.
	MinSleep      time.Duration
	MaxSleep      time.Duration
	ExtendedSleep time.Duration
}

func DefaultConfig() Config {
	return Config{
		VRAMBase:         0xe0000000,
		VRAMSize:         16 << 20,
		LegacyFBSize:     512 << 10,
		FIFOBase:         0xfe000000,
		FIFOSize:         2 << 20,
		MaxWidth:         8192,
		MaxHeight:        8192,
		HostBitsPerPixel: 32,
		NumDisplays:      1,
		ScratchRegs:      64,
		MemorySize:       512 << 20,
		MaxRegions:       gmr.DefaultMaxRegions,
		MaxRegionPages:   gmr.DefaultMaxPages,
		Enable3D:         false,
		CommandBuffers:   true,
		BusyWaitTimeout:  20 * time.Millisecond,
		MinSleep:         16 * time.Millisecond,
		MaxSleep:         250 * time.Millisecond,
		ExtendedSleep:    time.Second,
	}
}

var ErrInvalidConfig = errors.New("svga: invalid configuration")

func (c *Config) validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.VRAMSize == 0 || c.VRAMSize%guestmem.PageSize != 0:
		return bad("VRAM size %#x is not a non-zero multiple of the page size", c.VRAMSize)
	case c.LegacyFBSize > c.VRAMSize:
		return bad("legacy framebuffer size %#x exceeds VRAM", c.LegacyFBSize)
	case c.FIFOSize < 4*_SVGA_FIFO_NUM_REGS+guestmem.PageSize || c.FIFOSize%guestmem.PageSize != 0:
		return bad("FIFO size %#x too small or unaligned", c.FIFOSize)
	case c.VRAMBase%guestmem.PageSize != 0 || c.FIFOBase%guestmem.PageSize != 0:
		return bad("VRAM base %#x or FIFO base %#x unaligned", c.VRAMBase, c.FIFOBase)
	case c.VRAMBase < c.FIFOBase+uint64(c.FIFOSize) && c.FIFOBase < c.VRAMBase+uint64(c.VRAMSize):
		return bad("VRAM and FIFO overlap")
	case RegScratchBase+uint64(c.ScratchRegs) > _SVGA_PALETTE_BASE:
		return bad("%d scratch registers overlap the palette", c.ScratchRegs)
	case c.MaxRegions == 0 || c.MaxRegionPages == 0:
		return bad("no region table")
	case c.MaxRegionPages > gmr.DefaultMaxPages:
		return bad("region page limit %#x above %#x", c.MaxRegionPages, gmr.DefaultMaxPages)
	case c.MinSleep <= 0 || c.MaxSleep < c.MinSleep || c.ExtendedSleep < c.MaxSleep:
		return bad("sleep intervals %v/%v/%v out of order", c.MinSleep, c.MaxSleep, c.ExtendedSleep)
	case c.BusyWaitTimeout <= 0:
		return bad("busy wait timeout %v", c.BusyWaitTimeout)
	}
	return nil
}

// capabilities returns the value of RegCapabilities.
func (c *Config) capabilities() uint32 {
	caps := uint32(CapRectCopy | CapCursor | CapCursorBypass | CapCursorBypass2 |
		Cap8BitEmulation | CapAlphaCursor | CapExtendedFIFO | CapMultimon |
		CapPitchlock | CapIRQMask | CapDisplayTopo | CapGMR | CapTraces |
		CapGMR2 | CapScreenObject2)
	if c.Enable3D {
		caps |= Cap3D
	}
	if c.CommandBuffers {
		caps |= CapCommandBuffers | CapCmdBuffers2
	}
	return caps
}

// fifoCapabilities returns the value published in the FIFO capability
// word.
func (c *Config) fifoCapabilities() uint32 {
	return FIFOCapFence | FIFOCapCursorBypass3 | FIFOCapEscape | FIFOCapPitchlock |
		FIFOCapScreenObject | FIFOCapScreenObject2 | FIFOCapGMR2
}
