// SPDX-License-Identifier: Unlicense OR MIT

// Command svgareplay runs a scripted guest session against an emulated
// SVGA device and writes the resulting screens as PNG files.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	glog "gvisor.dev/gvisor/pkg/log"

	"eliasnaur.com/svga/gmr"
	"eliasnaur.com/svga/guestmem"
	"eliasnaur.com/svga/softrender"
	"eliasnaur.com/svga/svga"
	"eliasnaur.com/svga/svga/guest"
)

var (
	width   = flag.Uint("width", 640, "display width")
	height  = flag.Uint("height", 480, "display height")
	ramMiB  = flag.Uint("ram", 64, "guest RAM in MiB")
	vramMiB = flag.Uint("vram", 16, "VRAM in MiB")
	primary = flag.String("o", "primary.png", "output file for the legacy framebuffer")
	screen  = flag.String("screen", "screen.png", "output file for screen 0")
	verbose = flag.Bool("v", false, "enable debug logging")
)

const cbTimeout = 2 * time.Second

var errTimeout = errors.New("svgareplay: command buffer did not complete")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if *verbose {
		glog.SetLevel(glog.Debug)
	}
	ram, err := guestmem.Map(0, int(*ramMiB)<<20)
	if err != nil {
		return err
	}
	defer ram.Close()

	cfg := svga.DefaultConfig()
	cfg.VRAMSize = uint32(*vramMiB) << 20
	var r *softrender.Renderer
	dev, err := svga.New(cfg, ram, svga.Options{
		NewRenderer: func(regions *gmr.Table, vram []byte) svga.Renderer {
			r = softrender.New(regions, vram)
			return r
		},
	})
	if err != nil {
		return err
	}
	defer dev.Close()
	dev.Start()

	// The upper half of RAM belongs to the driver.
	drv, err := guest.New(dev, ram, guest.Arena{Base: ram.Size() / 2, Size: ram.Size() / 2})
	if err != nil {
		return err
	}
	w, h := uint32(*width), uint32(*height)
	drv.SetMode(w, h, 32)
	if err := drawLegacy(drv, w, h); err != nil {
		return fmt.Errorf("legacy framebuffer: %w", err)
	}
	if err := drawScreen(drv, w, h); err != nil {
		return fmt.Errorf("screen object: %w", err)
	}
	if err := r.SavePNG(*primary, softrender.PrimaryScreen); err != nil {
		return err
	}
	if err := r.SavePNG(*screen, 0); err != nil {
		return err
	}
	s := dev.Stats()
	log.Printf("fifo passes %d, command buffers %d, fences %d, renderer errors %d",
		s.FIFOPasses.Load(), s.CBCompleted.Load(), s.Fences.Load(), s.RendererErrors.Load())
	return nil
}

// drawLegacy draws a pattern of fills and copies through the FIFO.
func drawLegacy(drv *guest.Driver, w, h uint32) error {
	drv.RectFill(0x202040, 0, 0, w, h)
	const tile = 32
	for y := uint32(0); y+tile <= h/2; y += tile {
		for x := uint32(0); x+tile <= w/2; x += tile {
			if (x/tile+y/tile)%2 == 0 {
				drv.RectFill(0xe0e0e0, x, y, tile, tile)
			}
		}
	}
	drv.RectCopy(0, 0, w/2, h/2, w/2, h/2)
	drv.MoveCursor(int32(w/2), int32(h/2))
	drv.DisplayCursor(1, true)
	drv.Update(0, 0, w, h)
	return drv.Finish()
}

// drawScreen defines screen 0 and fills it from a region with a
// gradient, using a command buffer.
func drawScreen(drv *guest.Driver, w, h uint32) error {
	const gmrID = 1
	pitch := w * 4
	npages := int((pitch*h + guestmem.PageSize - 1) / guestmem.PageSize)
	ppns, err := drv.AllocPages(npages)
	if err != nil {
		return err
	}
	img := make([]byte, pitch*h)
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			c := (x*255/w)<<16 | (y*255/h)<<8 | 0x80
			binary.LittleEndian.PutUint32(img[y*pitch+x*4:], c)
		}
	}
	if err := drv.WriteRAM(ppns[0]<<guestmem.PageShift, img); err != nil {
		return err
	}
	if _, err := drv.StartContext(svga.Context0); err != nil {
		return err
	}
	cb := new(guest.CommandBuffer)
	cb.DefineScreen(svga.ScreenObject{ID: 0, Flags: 1, Width: w, Height: h})
	cb.DefineGMR2(gmrID, uint32(npages))
	cb.RemapGMR2(gmrID, 0, ppns)
	cb.DefineGMRFB(svga.GuestPtr{GMR: gmrID}, pitch, svga.ImageFormat{BitsPerPixel: 32, ColorDepth: 24})
	cb.BlitGMRFBToScreen(svga.SignedPoint{}, svga.SignedRect{Right: int32(w), Bottom: int32(h)}, 0)
	sub, err := drv.Submit(svga.Context0, cb)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(cbTimeout)
	for time.Now().Before(deadline) {
		status, off, err := sub.Status()
		if err != nil {
			return err
		}
		switch status {
		case svga.CBStatusNone:
			time.Sleep(time.Millisecond)
		case svga.CBStatusCompleted:
			return nil
		default:
			return fmt.Errorf("command buffer status %d at offset %d", status, off)
		}
	}
	return errTimeout
}
