// SPDX-License-Identifier: Unlicense OR MIT

package guest

import (
	"encoding/binary"

	"eliasnaur.com/svga/svga"
)

const (
	remapPPN64 = 1 << 1

	screenObjectSize = 11 * 4
)

// Encoder accumulates encoded commands.
type Encoder struct {
	buf []byte
}

// Bytes returns the commands encoded since the last Reset.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) cmd(op svga.Opcode, args ...uint32) {
	bo := binary.LittleEndian
	e.buf = bo.AppendUint32(e.buf, uint32(op))
	for _, a := range args {
		e.buf = bo.AppendUint32(e.buf, a)
	}
}

// data appends p padded to a multiple of 4 bytes.
func (e *Encoder) data(p []byte) {
	e.buf = append(e.buf, p...)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Update(x, y, width, height uint32) {
	e.cmd(svga.OpUpdate, x, y, width, height)
}

func (e *Encoder) RectFill(color, x, y, width, height uint32) {
	e.cmd(svga.OpRectFill, color, x, y, width, height)
}

func (e *Encoder) RectCopy(srcX, srcY, destX, destY, width, height uint32) {
	e.cmd(svga.OpRectCopy, srcX, srcY, destX, destY, width, height)
}

func (e *Encoder) RectRopCopy(srcX, srcY, destX, destY, width, height, rop uint32) {
	e.cmd(svga.OpRectRopCopy, srcX, srcY, destX, destY, width, height, rop)
}

func (e *Encoder) MoveCursor(x, y int32) {
	e.cmd(svga.OpMoveCursor, uint32(x), uint32(y))
}

func (e *Encoder) DisplayCursor(id uint32, visible bool) {
	state := uint32(0)
	if visible {
		state = 1
	}
	e.cmd(svga.OpDisplayCursor, id, state)
}

// DefineAlphaCursor defines a cursor from width*height premultiplied
// BGRA pixels.
func (e *Encoder) DefineAlphaCursor(id, hotX, hotY, width, height uint32, pixels []byte) {
	e.cmd(svga.OpDefineAlphaCursor, id, hotX, hotY, width, height)
	e.data(pixels)
}

func (e *Encoder) Fence(fence uint32) {
	e.cmd(svga.OpFence, fence)
}

func (e *Encoder) Escape(nsid uint32, payload []byte) {
	e.cmd(svga.OpEscape, nsid, uint32(len(payload)))
	e.data(payload)
}

func (e *Encoder) DefineScreen(s svga.ScreenObject) {
	e.cmd(svga.OpDefineScreen,
		screenObjectSize,
		s.ID,
		s.Flags,
		s.Width,
		s.Height,
		uint32(s.RootX),
		uint32(s.RootY),
		s.Backing.GMR,
		s.Backing.Offset,
		s.BackingPitch,
		s.CloneCount,
	)
}

func (e *Encoder) DestroyScreen(id uint32) {
	e.cmd(svga.OpDestroyScreen, id)
}

func (e *Encoder) DefineGMRFB(ptr svga.GuestPtr, bytesPerLine uint32, f svga.ImageFormat) {
	format := uint32(f.BitsPerPixel) | uint32(f.ColorDepth)<<8
	e.cmd(svga.OpDefineGMRFB, ptr.GMR, ptr.Offset, bytesPerLine, format)
}

func (e *Encoder) BlitGMRFBToScreen(src svga.SignedPoint, dst svga.SignedRect, screenID uint32) {
	e.cmd(svga.OpBlitGMRFBToScreen,
		uint32(src.X), uint32(src.Y),
		uint32(dst.Left), uint32(dst.Top), uint32(dst.Right), uint32(dst.Bottom),
		screenID,
	)
}

func (e *Encoder) BlitScreenToGMRFB(dst svga.SignedPoint, src svga.SignedRect, screenID uint32) {
	e.cmd(svga.OpBlitScreenToGMRFB,
		uint32(dst.X), uint32(dst.Y),
		uint32(src.Left), uint32(src.Top), uint32(src.Right), uint32(src.Bottom),
		screenID,
	)
}

func (e *Encoder) AnnotationFill(color uint32) {
	e.cmd(svga.OpAnnotationFill, color)
}

func (e *Encoder) DefineGMR2(id, numPages uint32) {
	e.cmd(svga.OpDefineGMR2, id, numPages)
}

// RemapGMR2 maps pages [offset, offset+len(ppns)) of region id.
func (e *Encoder) RemapGMR2(id, offset uint32, ppns []uint64) {
	e.cmd(svga.OpRemapGMR2, id, remapPPN64, offset, uint32(len(ppns)))
	for _, p := range ppns {
		e.buf = binary.LittleEndian.AppendUint64(e.buf, p)
	}
}

func (e *Encoder) Nop() {
	e.cmd(svga.OpNop)
}

func (e *Encoder) NopError() {
	e.cmd(svga.OpNopError)
}

// Raw appends pre-encoded command words.
func (e *Encoder) Raw(words ...uint32) {
	for _, w := range words {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, w)
	}
}
