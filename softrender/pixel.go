// SPDX-License-Identifier: Unlicense OR MIT

package softrender

import (
	"encoding/binary"
	"image/color"
)

// decodeColor converts a pixel value of the given depth to RGBA.
func decodeColor(v uint32, bitsPerPixel uint32) color.RGBA {
	switch bitsPerPixel {
	case 16:
		r, g, b := v>>11&0x1f, v>>5&0x3f, v&0x1f
		return color.RGBA{R: uint8(r<<3 | r>>2), G: uint8(g<<2 | g>>4), B: uint8(b<<3 | b>>2), A: 0xff}
	case 15:
		r, g, b := v>>10&0x1f, v>>5&0x1f, v&0x1f
		return color.RGBA{R: uint8(r<<3 | r>>2), G: uint8(g<<3 | g>>2), B: uint8(b<<3 | b>>2), A: 0xff}
	default:
		return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
	}
}

func encodeColor(c color.RGBA, bitsPerPixel uint32) uint32 {
	r, g, b := uint32(c.R), uint32(c.G), uint32(c.B)
	switch bitsPerPixel {
	case 16:
		return r>>3<<11 | g>>2<<5 | b>>3
	case 15:
		return r>>3<<10 | g>>3<<5 | b>>3
	default:
		return r<<16 | g<<8 | b
	}
}

// decodePixel reads a little endian pixel. 32 and 24 bit pixels are
// stored as BGR(X) bytes.
func decodePixel(p []byte, bitsPerPixel uint32) color.RGBA {
	switch bitsPerPixel {
	case 16, 15:
		return decodeColor(uint32(binary.LittleEndian.Uint16(p)), bitsPerPixel)
	default:
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
	}
}

func encodePixel(p []byte, bitsPerPixel uint32, c color.RGBA) {
	switch bitsPerPixel {
	case 16, 15:
		binary.LittleEndian.PutUint16(p, uint16(encodeColor(c, bitsPerPixel)))
	case 24:
		p[0], p[1], p[2] = c.B, c.G, c.R
	default:
		p[0], p[1], p[2], p[3] = c.B, c.G, c.R, 0
	}
}
