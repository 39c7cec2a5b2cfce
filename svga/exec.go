// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"errors"
	"fmt"
)

var ErrNopError = errors.New("svga: NOP_ERROR command")

// execute runs a decoded command. Fences, region management and no-ops
// are handled by the device; everything else goes to the renderer.
func (d *Device) execute(cmd Command, ctxID uint32) error {
	d.stats.countCommand(cmd.Opcode())
	switch c := cmd.(type) {
	case CmdFence:
		d.passFence(c.Fence)
		return nil
	case CmdDefineGMR2:
		return d.regions.Reserve(c.GMRID, c.NumPages)
	case CmdRemapGMR2:
		return d.regions.Remap(c.GMRID, c.OffsetPages, c.PPNs)
	case CmdNop:
		return nil
	case CmdNopError:
		return ErrNopError
	case CmdDefineScreen:
		if err := d.checkScreen(c.Screen); err != nil {
			return err
		}
	}
	if err := d.renderer.Execute(cmd, ctxID); err != nil {
		d.stats.RendererErrors.Add(1)
		return fmt.Errorf("svga: render command %d: %w", cmd.Opcode(), err)
	}
	return nil
}

// checkScreen bounds a screen by the mode limits and by VRAM at 32 bits
// per pixel.
func (d *Device) checkScreen(obj ScreenObject) error {
	if obj.Width > d.cfg.MaxWidth || obj.Height > d.cfg.MaxHeight {
		return fmt.Errorf("screen %d is %dx%d: %w", obj.ID, obj.Width, obj.Height, ErrBadCommand)
	}
	if uint64(obj.Width)*uint64(obj.Height)*4 > uint64(d.cfg.VRAMSize) {
		return fmt.Errorf("screen %d of %dx%d does not fit in VRAM: %w", obj.ID, obj.Width, obj.Height, ErrBadCommand)
	}
	return nil
}
