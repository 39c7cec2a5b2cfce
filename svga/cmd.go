// SPDX-License-Identifier: Unlicense OR MIT

package svga

import (
	"encoding/binary"
	"errors"
	"fmt"

	"eliasnaur.com/svga/gmr"
)

// Opcode identifies a command record.
type Opcode uint32

const (
	OpInvalid           Opcode = 0
	OpUpdate            Opcode = 1
	OpRectFill          Opcode = 2
	OpRectCopy          Opcode = 3
	OpRectRopCopy       Opcode = 14
	OpDefineCursor      Opcode = 19
	OpDisplayCursor     Opcode = 20
	OpMoveCursor        Opcode = 21
	OpDefineAlphaCursor Opcode = 22
	OpUpdateVerbose     Opcode = 25
	OpFrontRopFill      Opcode = 29
	OpFence             Opcode = 30
	OpEscape            Opcode = 33
	OpDefineScreen      Opcode = 34
	OpDestroyScreen     Opcode = 35
	OpDefineGMRFB       Opcode = 36
	OpBlitGMRFBToScreen Opcode = 37
	OpBlitScreenToGMRFB Opcode = 38
	OpAnnotationFill    Opcode = 39
	OpAnnotationCopy    Opcode = 40
	OpDefineGMR2        Opcode = 41
	OpRemapGMR2         Opcode = 42
	OpDead              Opcode = 43
	OpDead2             Opcode = 44
	OpNop               Opcode = 45
	OpNopError          Opcode = 46
	OpMax               Opcode = 47

	// 3D commands occupy [Op3DBase, Op3DMax) and carry a size word.
	Op3DBase Opcode = 1040
	Op3DMax  Opcode = 1304
)

// Raster operation of RECT_ROP_COPY and FRONT_ROP_FILL that plainly
// copies the source.
const RopCopy = 0x03

const (
	maxCursorSize = 2048

	// Screen objects are at least {structSize, id, flags, size, root}.
	minScreenObjectSize = 28
	maxScreenObjectSize = 1024
)

var (
	ErrUnknownCommand  = errors.New("svga: unknown command")
	ErrCommandTooLarge = errors.New("svga: command too large")
	ErrTruncated       = errors.New("svga: truncated command")
	Err3DDisabled      = errors.New("svga: 3D command with 3D disabled")
	ErrBadCommand      = errors.New("svga: invalid command parameters")
)

// Command is a decoded command record. Byte slices in commands alias a
// scratch buffer and are only valid during Renderer.Execute.
type Command interface {
	Opcode() Opcode
}

type SignedPoint struct {
	X, Y int32
}

// SignedRect is a rectangle given by its edges; Right and Bottom are
// exclusive.
type SignedRect struct {
	Left, Top, Right, Bottom int32
}

// GuestPtr addresses a byte in a region, or in VRAM for
// gmr.FramebufferHandle.
type GuestPtr struct {
	GMR    uint32
	Offset uint32
}

type ImageFormat struct {
	BitsPerPixel uint8
	ColorDepth   uint8
}

type ScreenObject struct {
	ID           uint32
	Flags        uint32
	Width        uint32
	Height       uint32
	RootX        int32
	RootY        int32
	Backing      GuestPtr
	BackingPitch uint32
	CloneCount   uint32
}

type (
	CmdUpdate struct {
		X, Y, Width, Height uint32
	}
	CmdUpdateVerbose struct {
		X, Y, Width, Height uint32
		Reason              uint32
	}
	CmdRectFill struct {
		Color               uint32
		X, Y, Width, Height uint32
	}
	CmdRectCopy struct {
		SrcX, SrcY    uint32
		DestX, DestY  uint32
		Width, Height uint32
	}
	CmdRectRopCopy struct {
		CmdRectCopy
		Rop uint32
	}
	CmdFrontRopFill struct {
		Color               uint32
		X, Y, Width, Height uint32
		Rop                 uint32
	}
	CmdDefineCursor struct {
		ID                 uint32
		HotspotX, HotspotY uint32
		Width, Height      uint32
		AndMaskDepth       uint32
		XorMaskDepth       uint32
		AndMask, XorMask   []byte
	}
	CmdDisplayCursor struct {
		ID    uint32
		State uint32
	}
	CmdMoveCursor struct {
		Pos SignedPoint
	}
	CmdDefineAlphaCursor struct {
		ID                 uint32
		HotspotX, HotspotY uint32
		Width, Height      uint32
		// Pixels holds Width*Height premultiplied BGRA pixels.
		Pixels []byte
	}
	CmdFence struct {
		Fence uint32
	}
	CmdEscape struct {
		NSID uint32
		Data []byte
	}
	CmdDefineScreen struct {
		Screen ScreenObject
	}
	CmdDestroyScreen struct {
		ID uint32
	}
	CmdDefineGMRFB struct {
		Ptr          GuestPtr
		BytesPerLine uint32
		Format       ImageFormat
	}
	CmdBlitGMRFBToScreen struct {
		SrcOrigin    SignedPoint
		DestRect     SignedRect
		DestScreenID uint32
	}
	CmdBlitScreenToGMRFB struct {
		DestOrigin  SignedPoint
		SrcRect     SignedRect
		SrcScreenID uint32
	}
	CmdAnnotationFill struct {
		Color uint32
	}
	CmdAnnotationCopy struct {
		SrcOrigin   SignedPoint
		SrcScreenID uint32
	}
	CmdDefineGMR2 struct {
		GMRID    uint32
		NumPages uint32
	}
	CmdRemapGMR2 struct {
		GMRID       uint32
		Flags       uint32
		OffsetPages uint32
		// PPNs has one page number per remapped page.
		PPNs []uint64
	}
	CmdNop      struct{}
	CmdNopError struct{}
	Cmd3D       struct {
		ID   Opcode
		Body []byte
	}
)

func (CmdUpdate) Opcode() Opcode            { return OpUpdate }
func (CmdUpdateVerbose) Opcode() Opcode     { return OpUpdateVerbose }
func (CmdRectFill) Opcode() Opcode          { return OpRectFill }
func (CmdRectCopy) Opcode() Opcode          { return OpRectCopy }
func (CmdRectRopCopy) Opcode() Opcode       { return OpRectRopCopy }
func (CmdFrontRopFill) Opcode() Opcode      { return OpFrontRopFill }
func (CmdDefineCursor) Opcode() Opcode      { return OpDefineCursor }
func (CmdDisplayCursor) Opcode() Opcode     { return OpDisplayCursor }
func (CmdMoveCursor) Opcode() Opcode        { return OpMoveCursor }
func (CmdDefineAlphaCursor) Opcode() Opcode { return OpDefineAlphaCursor }
func (CmdFence) Opcode() Opcode             { return OpFence }
func (CmdEscape) Opcode() Opcode            { return OpEscape }
func (CmdDefineScreen) Opcode() Opcode      { return OpDefineScreen }
func (CmdDestroyScreen) Opcode() Opcode     { return OpDestroyScreen }
func (CmdDefineGMRFB) Opcode() Opcode       { return OpDefineGMRFB }
func (CmdBlitGMRFBToScreen) Opcode() Opcode { return OpBlitGMRFBToScreen }
func (CmdBlitScreenToGMRFB) Opcode() Opcode { return OpBlitScreenToGMRFB }
func (CmdAnnotationFill) Opcode() Opcode    { return OpAnnotationFill }
func (CmdAnnotationCopy) Opcode() Opcode    { return OpAnnotationCopy }
func (CmdDefineGMR2) Opcode() Opcode        { return OpDefineGMR2 }
func (CmdRemapGMR2) Opcode() Opcode         { return OpRemapGMR2 }
func (CmdNop) Opcode() Opcode               { return OpNop }
func (CmdNopError) Opcode() Opcode          { return OpNopError }
func (c Cmd3D) Opcode() Opcode              { return c.ID }

// cmdSource supplies the bytes of the command being decoded. fetch
// returns the first n bytes of the command; successive calls extend the
// same prefix.
type cmdSource interface {
	fetch(n int) ([]byte, error)
}

// flatSource is a command stream in a contiguous buffer.
type flatSource struct {
	buf []byte
}

func (s *flatSource) fetch(n int) ([]byte, error) {
	if n > len(s.buf) {
		return nil, fmt.Errorf("%d bytes needed, %d left: %w", n, len(s.buf), ErrTruncated)
	}
	return s.buf[:n], nil
}

// words reads consecutive little endian words.
type words []byte

func (w *words) u32() uint32 {
	v := binary.LittleEndian.Uint32(*w)
	*w = (*w)[4:]
	return v
}

func (w *words) i32() int32 {
	return int32(w.u32())
}

func (w *words) u64() uint64 {
	v := binary.LittleEndian.Uint64(*w)
	*w = (*w)[8:]
	return v
}

func (w *words) point() SignedPoint {
	return SignedPoint{X: w.i32(), Y: w.i32()}
}

func (w *words) rect() SignedRect {
	return SignedRect{Left: w.i32(), Top: w.i32(), Right: w.i32(), Bottom: w.i32()}
}

func (w *words) ptr() GuestPtr {
	return GuestPtr{GMR: w.u32(), Offset: w.u32()}
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// pixmapSize is the size of a w×h image of depth bits per pixel with
// rows padded to 32 bits.
func pixmapSize(w, h, depth uint32) uint64 {
	return (uint64(w)*uint64(depth) + 31) / 32 * 4 * uint64(h)
}

// decode decodes the command at the start of src and returns it along
// with its aligned length in bytes.
func decode(src cmdSource, enable3D bool) (Command, int, error) {
	b, err := src.fetch(4)
	if err != nil {
		return nil, 0, err
	}
	op := Opcode(binary.LittleEndian.Uint32(b))
	if op >= Op3DBase && op < Op3DMax {
		if !enable3D {
			return nil, 0, fmt.Errorf("opcode %d: %w", op, Err3DDisabled)
		}
		b, err := src.fetch(8)
		if err != nil {
			return nil, 0, err
		}
		size := uint64(binary.LittleEndian.Uint32(b[4:]))
		n, err := fetchLen(8 + size)
		if err != nil {
			return nil, 0, err
		}
		b, err = src.fetch(n)
		if err != nil {
			return nil, 0, err
		}
		return Cmd3D{ID: op, Body: b[8:]}, int(align4(uint64(n))), nil
	}

	// fixed fetches the opcode and a body of n bytes.
	var total uint64
	fixed := func(n uint64) (words, error) {
		total = 4 + n
		b, err := src.fetch(int(total))
		if err != nil {
			return nil, err
		}
		return words(b[4:]), nil
	}
	var cmd Command
	switch op {
	case OpUpdate:
		w, err := fixed(16)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdUpdate{X: w.u32(), Y: w.u32(), Width: w.u32(), Height: w.u32()}
	case OpUpdateVerbose:
		w, err := fixed(20)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdUpdateVerbose{X: w.u32(), Y: w.u32(), Width: w.u32(), Height: w.u32(), Reason: w.u32()}
	case OpRectFill:
		w, err := fixed(20)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdRectFill{Color: w.u32(), X: w.u32(), Y: w.u32(), Width: w.u32(), Height: w.u32()}
	case OpRectCopy:
		w, err := fixed(24)
		if err != nil {
			return nil, 0, err
		}
		cmd = decodeRectCopy(&w)
	case OpRectRopCopy:
		w, err := fixed(28)
		if err != nil {
			return nil, 0, err
		}
		c := decodeRectCopy(&w)
		cmd = CmdRectRopCopy{CmdRectCopy: c, Rop: w.u32()}
	case OpFrontRopFill:
		w, err := fixed(24)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdFrontRopFill{Color: w.u32(), X: w.u32(), Y: w.u32(), Width: w.u32(), Height: w.u32(), Rop: w.u32()}
	case OpDefineCursor:
		w, err := fixed(28)
		if err != nil {
			return nil, 0, err
		}
		c := CmdDefineCursor{
			ID:           w.u32(),
			HotspotX:     w.u32(),
			HotspotY:     w.u32(),
			Width:        w.u32(),
			Height:       w.u32(),
			AndMaskDepth: w.u32(),
			XorMaskDepth: w.u32(),
		}
		if c.Width >= maxCursorSize || c.Height >= maxCursorSize || c.AndMaskDepth > 32 || c.XorMaskDepth > 32 {
			return nil, 0, fmt.Errorf("cursor %dx%d depth %d/%d: %w", c.Width, c.Height, c.AndMaskDepth, c.XorMaskDepth, ErrBadCommand)
		}
		andSize := pixmapSize(c.Width, c.Height, c.AndMaskDepth)
		xorSize := pixmapSize(c.Width, c.Height, c.XorMaskDepth)
		if andSize+xorSize > _SVGA_CMD_MAX_DATASIZE {
			return nil, 0, fmt.Errorf("cursor masks of %d bytes: %w", andSize+xorSize, ErrCommandTooLarge)
		}
		w, err = fixed(28 + andSize + xorSize)
		if err != nil {
			return nil, 0, err
		}
		c.AndMask = w[28 : 28+andSize]
		c.XorMask = w[28+andSize:]
		cmd = c
	case OpDisplayCursor:
		w, err := fixed(8)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdDisplayCursor{ID: w.u32(), State: w.u32()}
	case OpMoveCursor:
		w, err := fixed(8)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdMoveCursor{Pos: w.point()}
	case OpDefineAlphaCursor:
		w, err := fixed(20)
		if err != nil {
			return nil, 0, err
		}
		c := CmdDefineAlphaCursor{
			ID:       w.u32(),
			HotspotX: w.u32(),
			HotspotY: w.u32(),
			Width:    w.u32(),
			Height:   w.u32(),
		}
		if c.Width >= maxCursorSize || c.Height >= maxCursorSize {
			return nil, 0, fmt.Errorf("alpha cursor %dx%d: %w", c.Width, c.Height, ErrBadCommand)
		}
		size := uint64(c.Width) * uint64(c.Height) * 4
		if size > _SVGA_CMD_MAX_DATASIZE {
			return nil, 0, fmt.Errorf("alpha cursor of %d bytes: %w", size, ErrCommandTooLarge)
		}
		w, err = fixed(20 + size)
		if err != nil {
			return nil, 0, err
		}
		c.Pixels = w[20:]
		cmd = c
	case OpFence:
		w, err := fixed(4)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdFence{Fence: w.u32()}
	case OpEscape:
		w, err := fixed(8)
		if err != nil {
			return nil, 0, err
		}
		c := CmdEscape{NSID: w.u32()}
		size := uint64(w.u32())
		if size > _SVGA_CMD_MAX_DATASIZE {
			return nil, 0, fmt.Errorf("escape of %d bytes: %w", size, ErrCommandTooLarge)
		}
		w, err = fixed(8 + size)
		if err != nil {
			return nil, 0, err
		}
		c.Data = w[8:]
		cmd = c
	case OpDefineScreen:
		w, err := fixed(4)
		if err != nil {
			return nil, 0, err
		}
		size := uint64(w.u32())
		if size < minScreenObjectSize || size > maxScreenObjectSize {
			return nil, 0, fmt.Errorf("screen object of %d bytes: %w", size, ErrBadCommand)
		}
		w, err = fixed(size)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdDefineScreen{Screen: decodeScreen(w)}
	case OpDestroyScreen:
		w, err := fixed(4)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdDestroyScreen{ID: w.u32()}
	case OpDefineGMRFB:
		w, err := fixed(16)
		if err != nil {
			return nil, 0, err
		}
		c := CmdDefineGMRFB{Ptr: w.ptr(), BytesPerLine: w.u32()}
		format := w.u32()
		c.Format = ImageFormat{BitsPerPixel: uint8(format), ColorDepth: uint8(format >> 8)}
		cmd = c
	case OpBlitGMRFBToScreen:
		w, err := fixed(28)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdBlitGMRFBToScreen{SrcOrigin: w.point(), DestRect: w.rect(), DestScreenID: w.u32()}
	case OpBlitScreenToGMRFB:
		w, err := fixed(28)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdBlitScreenToGMRFB{DestOrigin: w.point(), SrcRect: w.rect(), SrcScreenID: w.u32()}
	case OpAnnotationFill:
		w, err := fixed(4)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdAnnotationFill{Color: w.u32()}
	case OpAnnotationCopy:
		w, err := fixed(12)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdAnnotationCopy{SrcOrigin: w.point(), SrcScreenID: w.u32()}
	case OpDefineGMR2:
		w, err := fixed(8)
		if err != nil {
			return nil, 0, err
		}
		cmd = CmdDefineGMR2{GMRID: w.u32(), NumPages: w.u32()}
	case OpRemapGMR2:
		w, err := fixed(16)
		if err != nil {
			return nil, 0, err
		}
		c, err := decodeRemap(w, fixed)
		if err != nil {
			return nil, 0, err
		}
		cmd = c
	case OpNop:
		if _, err := fixed(0); err != nil {
			return nil, 0, err
		}
		cmd = CmdNop{}
	case OpNopError:
		if _, err := fixed(0); err != nil {
			return nil, 0, err
		}
		cmd = CmdNopError{}
	default:
		return nil, 0, fmt.Errorf("opcode %d: %w", op, ErrUnknownCommand)
	}
	return cmd, int(align4(total)), nil
}

// fetchLen converts a guest supplied command length to a fetch size.
func fetchLen(n uint64) (int, error) {
	if n > 1<<30 {
		return 0, fmt.Errorf("%d bytes: %w", n, ErrCommandTooLarge)
	}
	return int(n), nil
}

func decodeRectCopy(w *words) CmdRectCopy {
	return CmdRectCopy{
		SrcX:   w.u32(),
		SrcY:   w.u32(),
		DestX:  w.u32(),
		DestY:  w.u32(),
		Width:  w.u32(),
		Height: w.u32(),
	}
}

// decodeScreen decodes a screen object of len(w) bytes. Fields past the
// end of an older, shorter structure are zero.
func decodeScreen(w words) ScreenObject {
	var full [maxScreenObjectSize]byte
	copy(full[:], w)
	f := words(full[4:])
	s := ScreenObject{
		ID:     f.u32(),
		Flags:  f.u32(),
		Width:  f.u32(),
		Height: f.u32(),
		RootX:  f.i32(),
		RootY:  f.i32(),
	}
	s.Backing = f.ptr()
	s.BackingPitch = f.u32()
	s.CloneCount = f.u32()
	return s
}

func decodeRemap(w words, fixed func(uint64) (words, error)) (CmdRemapGMR2, error) {
	c := CmdRemapGMR2{GMRID: w.u32(), Flags: w.u32(), OffsetPages: w.u32()}
	numPages := uint64(w.u32())
	if c.Flags&_SVGA_REMAP_GMR2_VIA_GMR != 0 {
		return c, fmt.Errorf("remap through a region: %w", ErrBadCommand)
	}
	if numPages > gmr.DefaultMaxPages {
		return c, fmt.Errorf("remap of %d pages: %w", numPages, ErrCommandTooLarge)
	}
	entrySize := uint64(4)
	if c.Flags&_SVGA_REMAP_GMR2_PPN64 != 0 {
		entrySize = 8
	}
	entries := numPages
	if c.Flags&_SVGA_REMAP_GMR2_SINGLE_PPN != 0 && numPages > 0 {
		entries = 1
	}
	w, err := fixed(16 + entries*entrySize)
	if err != nil {
		return c, err
	}
	w = w[16:]
	c.PPNs = make([]uint64, numPages)
	for i := range c.PPNs {
		if uint64(i) < entries {
			if entrySize == 8 {
				c.PPNs[i] = w.u64()
			} else {
				c.PPNs[i] = uint64(w.u32())
			}
		} else {
			c.PPNs[i] = c.PPNs[0]
		}
	}
	return c, nil
}
