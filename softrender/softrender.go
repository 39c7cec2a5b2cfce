// SPDX-License-Identifier: Unlicense OR MIT

// Package softrender is a software renderer for the 2D commands of an SVGA
// device. The legacy framebuffer and every screen object are backed by a
// gg drawing context.
package softrender

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/fogleman/gg"
	"gvisor.dev/gvisor/pkg/log"

	"eliasnaur.com/svga/gmr"
	"eliasnaur.com/svga/svga"
)

var (
	ErrNo3D        = errors.New("softrender: 3D commands are not supported")
	ErrFormat      = errors.New("softrender: unsupported pixel format")
	ErrRop         = errors.New("softrender: unsupported raster operation")
	ErrNoScreen    = errors.New("softrender: no such screen")
	ErrNoGMRFB     = errors.New("softrender: no GMRFB defined")
	ErrOutsideVRAM = errors.New("softrender: rectangle outside VRAM")
	ErrScreenSize  = errors.New("softrender: screen larger than VRAM")
)

// PrimaryScreen names the legacy framebuffer in Image and SavePNG.
const PrimaryScreen = ^uint32(0)

type Cursor struct {
	Image   *image.RGBA
	Hotspot image.Point
	Pos     image.Point
	Visible bool
}

type screen struct {
	obj svga.ScreenObject
	dc  *gg.Context
}

type gmrfb struct {
	ptr          svga.GuestPtr
	bytesPerLine uint32
	format       svga.ImageFormat
}

// annotation applies to the next GMRFB to screen blit.
type annotation struct {
	op    svga.Opcode
	color uint32
	src   image.Point
	srcID uint32
}

// Renderer implements svga.Renderer and svga.ModeSetter.
type Renderer struct {
	regions *gmr.Table
	vram    []byte

	mu         sync.Mutex
	mode       svga.Mode
	primary    *gg.Context
	screens    map[uint32]*screen
	fb         *gmrfb
	annotation *annotation
	cursor     Cursor
}

func New(regions *gmr.Table, vram []byte) *Renderer {
	return &Renderer{
		regions: regions,
		vram:    vram,
		screens: make(map[uint32]*screen),
	}
}

func (r *Renderer) SetMode(m svga.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
	r.primary = nil
	if m.Width > 0 && m.Height > 0 {
		r.primary = gg.NewContext(int(m.Width), int(m.Height))
	}
	log.Debugf("softrender: mode %dx%d@%d pitch %d", m.Width, m.Height, m.BitsPerPixel, m.BytesPerLine)
}

func (r *Renderer) Execute(cmd svga.Command, ctxID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c := cmd.(type) {
	case svga.CmdUpdate:
		return r.update(rect(c.X, c.Y, c.Width, c.Height))
	case svga.CmdUpdateVerbose:
		return r.update(rect(c.X, c.Y, c.Width, c.Height))
	case svga.CmdRectFill:
		return r.fill(c.Color, rect(c.X, c.Y, c.Width, c.Height))
	case svga.CmdFrontRopFill:
		if c.Rop != svga.RopCopy {
			return fmt.Errorf("rop %#x: %w", c.Rop, ErrRop)
		}
		return r.fill(c.Color, rect(c.X, c.Y, c.Width, c.Height))
	case svga.CmdRectCopy:
		return r.copyRect(c)
	case svga.CmdRectRopCopy:
		if c.Rop != svga.RopCopy {
			return fmt.Errorf("rop %#x: %w", c.Rop, ErrRop)
		}
		return r.copyRect(c.CmdRectCopy)
	case svga.CmdDefineCursor:
		return r.defineCursor(c)
	case svga.CmdDefineAlphaCursor:
		r.defineAlphaCursor(c)
	case svga.CmdDisplayCursor:
		r.cursor.Visible = c.State != 0
	case svga.CmdMoveCursor:
		r.cursor.Pos = image.Pt(int(c.Pos.X), int(c.Pos.Y))
	case svga.CmdEscape:
		// Video overlay escapes are not rendered.
	case svga.CmdDefineScreen:
		return r.defineScreen(c.Screen)
	case svga.CmdDestroyScreen:
		if _, ok := r.screens[c.ID]; !ok {
			return fmt.Errorf("destroy %d: %w", c.ID, ErrNoScreen)
		}
		delete(r.screens, c.ID)
	case svga.CmdDefineGMRFB:
		if c.Format.BitsPerPixel != 32 {
			return fmt.Errorf("GMRFB with %d bits per pixel: %w", c.Format.BitsPerPixel, ErrFormat)
		}
		r.fb = &gmrfb{ptr: c.Ptr, bytesPerLine: c.BytesPerLine, format: c.Format}
	case svga.CmdBlitGMRFBToScreen:
		return r.blitToScreen(c)
	case svga.CmdBlitScreenToGMRFB:
		return r.blitFromScreen(c)
	case svga.CmdAnnotationFill:
		r.annotation = &annotation{op: svga.OpAnnotationFill, color: c.Color}
	case svga.CmdAnnotationCopy:
		r.annotation = &annotation{
			op:    svga.OpAnnotationCopy,
			src:   image.Pt(int(c.SrcOrigin.X), int(c.SrcOrigin.Y)),
			srcID: c.SrcScreenID,
		}
	case svga.Cmd3D:
		return fmt.Errorf("command %d: %w", c.ID, ErrNo3D)
	default:
		return fmt.Errorf("softrender: unexpected command %d", cmd.Opcode())
	}
	return nil
}

func rect(x, y, w, h uint32) image.Rectangle {
	return image.Rect(int(x), int(y), int(x)+int(w), int(y)+int(h))
}

func signedRect(r svga.SignedRect) image.Rectangle {
	return image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom))
}

func rgb(c uint32) (r, g, b int) {
	return int(c >> 16 & 0xff), int(c >> 8 & 0xff), int(c & 0xff)
}

// vramRect returns the primary image, r clipped to it and the bytes
// per pixel of the current mode.
func (r *Renderer) vramRect(rc image.Rectangle) (*image.RGBA, image.Rectangle, int, error) {
	if r.primary == nil {
		return nil, image.Rectangle{}, 0, nil
	}
	im := r.primary.Image().(*image.RGBA)
	rc = rc.Intersect(im.Bounds())
	bpp := int(r.mode.BitsPerPixel+7) / 8
	switch r.mode.BitsPerPixel {
	case 32, 24, 16, 15:
	default:
		return nil, image.Rectangle{}, 0, fmt.Errorf("%d bits per pixel: %w", r.mode.BitsPerPixel, ErrFormat)
	}
	if rc.Empty() {
		return im, rc, bpp, nil
	}
	end := (rc.Max.Y-1)*int(r.mode.BytesPerLine) + rc.Max.X*bpp
	if end > len(r.vram) {
		return nil, image.Rectangle{}, 0, fmt.Errorf("%v: %w", rc, ErrOutsideVRAM)
	}
	return im, rc, bpp, nil
}

// update copies the VRAM pixels of rc into the primary image.
func (r *Renderer) update(rc image.Rectangle) error {
	im, rc, bpp, err := r.vramRect(rc)
	if err != nil || im == nil {
		return err
	}
	pitch := int(r.mode.BytesPerLine)
	for y := rc.Min.Y; y < rc.Max.Y; y++ {
		row := r.vram[y*pitch:]
		for x := rc.Min.X; x < rc.Max.X; x++ {
			im.SetRGBA(x, y, decodePixel(row[x*bpp:], r.mode.BitsPerPixel))
		}
	}
	return nil
}

// flush writes the primary image pixels of rc back to VRAM.
func (r *Renderer) flush(rc image.Rectangle) error {
	im, rc, bpp, err := r.vramRect(rc)
	if err != nil || im == nil {
		return err
	}
	pitch := int(r.mode.BytesPerLine)
	for y := rc.Min.Y; y < rc.Max.Y; y++ {
		row := r.vram[y*pitch:]
		for x := rc.Min.X; x < rc.Max.X; x++ {
			encodePixel(row[x*bpp:], r.mode.BitsPerPixel, im.RGBAAt(x, y))
		}
	}
	return nil
}

func (r *Renderer) fill(c uint32, rc image.Rectangle) error {
	if r.primary == nil {
		return nil
	}
	if err := r.update(rc); err != nil {
		return err
	}
	col := decodeColor(c, r.mode.BitsPerPixel)
	r.primary.SetRGB255(int(col.R), int(col.G), int(col.B))
	r.primary.DrawRectangle(float64(rc.Min.X), float64(rc.Min.Y), float64(rc.Dx()), float64(rc.Dy()))
	r.primary.Fill()
	return r.flush(rc)
}

func (r *Renderer) copyRect(c svga.CmdRectCopy) error {
	src := rect(c.SrcX, c.SrcY, c.Width, c.Height)
	dst := rect(c.DestX, c.DestY, c.Width, c.Height)
	im, srcClip, bpp, err := r.vramRect(src)
	if err != nil || im == nil {
		return err
	}
	_, dstClip, _, err := r.vramRect(dst)
	if err != nil {
		return err
	}
	// Only copy what is inside the mode on both sides.
	delta := dst.Min.Sub(src.Min)
	rc := srcClip.Intersect(dstClip.Sub(delta))
	if rc.Empty() {
		return nil
	}
	pitch := int(r.mode.BytesPerLine)
	n := rc.Dx() * bpp
	copyRow := func(y int) {
		s := y*pitch + rc.Min.X*bpp
		d := (y+delta.Y)*pitch + (rc.Min.X+delta.X)*bpp
		copy(r.vram[d:d+n], r.vram[s:s+n])
	}
	// Overlapping rows are copied away from the destination.
	if delta.Y > 0 {
		for y := rc.Max.Y - 1; y >= rc.Min.Y; y-- {
			copyRow(y)
		}
	} else {
		for y := rc.Min.Y; y < rc.Max.Y; y++ {
			copyRow(y)
		}
	}
	return r.update(rc.Add(delta))
}

func (r *Renderer) defineScreen(obj svga.ScreenObject) error {
	if uint64(obj.Width)*uint64(obj.Height)*4 > uint64(len(r.vram)) {
		return fmt.Errorf("screen %d of %dx%d: %w", obj.ID, obj.Width, obj.Height, ErrScreenSize)
	}
	s, ok := r.screens[obj.ID]
	if !ok || s.obj.Width != obj.Width || s.obj.Height != obj.Height {
		s = &screen{dc: gg.NewContext(int(obj.Width), int(obj.Height))}
		r.screens[obj.ID] = s
	}
	s.obj = obj
	log.Debugf("softrender: screen %d %dx%d at (%d,%d)", obj.ID, obj.Width, obj.Height, obj.RootX, obj.RootY)
	return nil
}

// blitRows clips dst against the screen and calls fn for each row of
// the clipped rectangle with the matching GMRFB byte offset.
func (r *Renderer) blitRows(s *screen, origin image.Point, dst image.Rectangle, fn func(y int, xs image.Rectangle, off uint64) error) error {
	if r.fb == nil {
		return ErrNoGMRFB
	}
	im := s.dc.Image().(*image.RGBA)
	clipped := dst.Intersect(im.Bounds())
	// Source pixels left or above the GMRFB origin do not exist.
	delta := origin.Sub(dst.Min)
	clipped = clipped.Intersect(image.Rectangle{Min: delta.Mul(-1), Max: image.Pt(1<<30, 1<<30)})
	for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
		sx := uint64(clipped.Min.X + delta.X)
		sy := uint64(y + delta.Y)
		off := uint64(r.fb.ptr.Offset) + sy*uint64(r.fb.bytesPerLine) + sx*4
		if err := fn(y, clipped, off); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) blitToScreen(c svga.CmdBlitGMRFBToScreen) error {
	s, ok := r.screens[c.DestScreenID]
	if !ok {
		return fmt.Errorf("blit to %d: %w", c.DestScreenID, ErrNoScreen)
	}
	dst := signedRect(c.DestRect)
	if a := r.annotation; a != nil {
		r.annotation = nil
		return r.annotate(s, a, dst)
	}
	im := s.dc.Image().(*image.RGBA)
	var row []byte
	return r.blitRows(s, image.Pt(int(c.SrcOrigin.X), int(c.SrcOrigin.Y)), dst, func(y int, xs image.Rectangle, off uint64) error {
		if len(row) != xs.Dx()*4 {
			row = make([]byte, xs.Dx()*4)
		}
		if err := r.regions.ReadAt(r.fb.ptr.GMR, off, row); err != nil {
			return err
		}
		for i := 0; i < xs.Dx(); i++ {
			im.SetRGBA(xs.Min.X+i, y, decodePixel(row[i*4:], 32))
		}
		return nil
	})
}

func (r *Renderer) blitFromScreen(c svga.CmdBlitScreenToGMRFB) error {
	s, ok := r.screens[c.SrcScreenID]
	if !ok {
		return fmt.Errorf("blit from %d: %w", c.SrcScreenID, ErrNoScreen)
	}
	im := s.dc.Image().(*image.RGBA)
	var row []byte
	return r.blitRows(s, image.Pt(int(c.DestOrigin.X), int(c.DestOrigin.Y)), signedRect(c.SrcRect), func(y int, xs image.Rectangle, off uint64) error {
		if len(row) != xs.Dx()*4 {
			row = make([]byte, xs.Dx()*4)
		}
		for i := 0; i < xs.Dx(); i++ {
			encodePixel(row[i*4:], 32, im.RGBAAt(xs.Min.X+i, y))
		}
		return r.regions.WriteAt(r.fb.ptr.GMR, off, row)
	})
}

// annotate replaces a blit by a fill or a screen to screen copy.
func (r *Renderer) annotate(s *screen, a *annotation, dst image.Rectangle) error {
	dc := s.dc
	switch a.op {
	case svga.OpAnnotationFill:
		red, green, blue := rgb(a.color)
		dc.SetRGB255(red, green, blue)
		dc.DrawRectangle(float64(dst.Min.X), float64(dst.Min.Y), float64(dst.Dx()), float64(dst.Dy()))
		dc.Fill()
	case svga.OpAnnotationCopy:
		src, ok := r.screens[a.srcID]
		if !ok {
			return fmt.Errorf("annotation source %d: %w", a.srcID, ErrNoScreen)
		}
		im := dc.Image().(*image.RGBA)
		draw.Draw(im, dst, src.dc.Image(), a.src, draw.Src)
	}
	return nil
}

func (r *Renderer) defineAlphaCursor(c svga.CmdDefineAlphaCursor) {
	im := image.NewRGBA(image.Rect(0, 0, int(c.Width), int(c.Height)))
	for i := 0; i < int(c.Width*c.Height); i++ {
		p := c.Pixels[i*4:]
		im.Pix[i*4+0] = p[2]
		im.Pix[i*4+1] = p[1]
		im.Pix[i*4+2] = p[0]
		im.Pix[i*4+3] = p[3]
	}
	r.cursor.Image = im
	r.cursor.Hotspot = image.Pt(int(c.HotspotX), int(c.HotspotY))
}

// defineCursor converts a monochrome or 32 bit AND/XOR cursor. Pixels
// with the AND bit set are transparent.
func (r *Renderer) defineCursor(c svga.CmdDefineCursor) error {
	if c.AndMaskDepth != 1 || (c.XorMaskDepth != 1 && c.XorMaskDepth != 32) {
		return fmt.Errorf("cursor masks of depth %d/%d: %w", c.AndMaskDepth, c.XorMaskDepth, ErrFormat)
	}
	w, h := int(c.Width), int(c.Height)
	andPitch := (w + 31) / 32 * 4
	xorPitch := (w*int(c.XorMaskDepth) + 31) / 32 * 4
	im := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if c.AndMask[y*andPitch+x/8]&(0x80>>(x%8)) != 0 {
				continue
			}
			var col color.RGBA
			if c.XorMaskDepth == 1 {
				if c.XorMask[y*xorPitch+x/8]&(0x80>>(x%8)) != 0 {
					col = color.RGBA{R: 0xff, G: 0xff, B: 0xff}
				}
			} else {
				col = decodePixel(c.XorMask[y*xorPitch+x*4:], 32)
			}
			col.A = 0xff
			im.SetRGBA(x, y, col)
		}
	}
	r.cursor.Image = im
	r.cursor.Hotspot = image.Pt(int(c.HotspotX), int(c.HotspotY))
	return nil
}

// Image returns a copy of screen id, or of the legacy framebuffer for
// PrimaryScreen, with the cursor drawn on top.
func (r *Renderer) Image(id uint32) (*image.RGBA, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var src *gg.Context
	if id == PrimaryScreen {
		src = r.primary
	} else if s, ok := r.screens[id]; ok {
		src = s.dc
	}
	if src == nil {
		return nil, fmt.Errorf("image of %d: %w", id, ErrNoScreen)
	}
	dc := gg.NewContextForImage(src.Image())
	if c := r.cursor; c.Visible && c.Image != nil {
		at := c.Pos.Sub(c.Hotspot)
		dc.DrawImage(c.Image, at.X, at.Y)
	}
	return dc.Image().(*image.RGBA), nil
}

// SavePNG writes the image of screen id to path.
func (r *Renderer) SavePNG(path string, id uint32) error {
	im, err := r.Image(id)
	if err != nil {
		return err
	}
	return gg.SavePNG(path, im)
}

// Cursor returns the current cursor state.
func (r *Renderer) Cursor() Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Screens returns the defined screen objects.
func (r *Renderer) Screens() []svga.ScreenObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	var objs []svga.ScreenObject
	for _, s := range r.screens {
		objs = append(objs, s.obj)
	}
	return objs
}
