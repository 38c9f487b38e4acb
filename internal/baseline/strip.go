// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package baseline

import (
	"image/color"

	"github.com/pkg/errors"
)

// StripHeight is the number of pixel rows in a strip, one block row.
const StripHeight = 8

// div returns a/b rounded to the nearest integer, instead of rounded to zero.
func div(a, b int32) int32 {
	if a >= 0 {
		return (a + (b >> 1)) / b
	}
	return -((-a + (b >> 1)) / b)
}

// bitCount counts the number of bits needed to hold an integer.
var bitCount = [256]byte{
	0, 1, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
}

// Tables are the luminance and chrominance quantization tables, in zig-zag
// order.
type Tables struct {
	Luma, Chroma [blockSize]byte
}

// stripEncoder accumulates the entropy coded bytes of one strip.
type stripEncoder struct {
	out []byte
	// bits and nBits are accumulated bits to write to out.
	bits, nBits uint32
	quant       *Tables
}

// emit emits the least significant nBits bits of bits to the bit-stream.
// The precondition is bits < 1<<nBits && nBits <= 16.
func (e *stripEncoder) emit(bits, nBits uint32) {
	nBits += e.nBits
	bits <<= 32 - nBits
	bits |= e.bits
	for nBits >= 8 {
		b := uint8(bits >> 24)
		e.out = append(e.out, b)
		if b == 0xff {
			e.out = append(e.out, 0x00)
		}
		bits <<= 8
		nBits -= 8
	}
	e.bits, e.nBits = bits, nBits
}

// emitHuff emits the given value with the given Huffman encoder.
func (e *stripEncoder) emitHuff(h Table, value int32) {
	x := theHuffmanLUT[h][value]
	e.emit(x&(1<<24-1), x>>24)
}

// emitHuffRLE emits a run of runLength copies of value encoded with the given
// Huffman encoder.
func (e *stripEncoder) emitHuffRLE(h Table, runLength, value int32) {
	a, b := value, value
	if a < 0 {
		a, b = -value, value-1
	}
	var nBits uint32
	if a < 0x100 {
		nBits = uint32(bitCount[a])
	} else {
		nBits = 8 + uint32(bitCount[a>>8])
	}
	e.emitHuff(h, runLength<<4|int32(nBits))
	if nBits > 0 {
		e.emit(uint32(b)&(1<<nBits-1), nBits)
	}
}

func (e *stripEncoder) table(chroma bool) *[blockSize]byte {
	if chroma {
		return &e.quant.Chroma
	}
	return &e.quant.Luma
}

// writeBlock writes a block of pixel data using the luma or chroma tables,
// returning the post-quantized DC value of the DCT-transformed block. b is in
// natural (not zig-zag) order.
func (e *stripEncoder) writeBlock(b *block, chroma bool, prevDC int32) int32 {
	fdct(b)
	q := e.table(chroma)
	dcTable, acTable := LuminanceDC, LuminanceAC
	if chroma {
		dcTable, acTable = ChrominanceDC, ChrominanceAC
	}
	// Emit the DC delta.
	dc := div(b[0], 8*int32(q[0]))
	e.emitHuffRLE(dcTable, 0, dc-prevDC)
	// Emit the AC components.
	runLength := int32(0)
	for zig := 1; zig < blockSize; zig++ {
		ac := div(b[unzig[zig]], 8*int32(q[zig]))
		if ac == 0 {
			runLength++
		} else {
			for runLength > 15 {
				e.emitHuff(acTable, 0xf0)
				runLength -= 16
			}
			e.emitHuffRLE(acTable, runLength, ac)
			runLength = 0
		}
	}
	if runLength > 0 {
		e.emitHuff(acTable, 0x00)
	}
	return dc
}

// rgbaToYCbCr converts the 8x8 region of the strip whose left edge is x0 to
// its YCbCr values. Columns past the right edge repeat the last column.
func rgbaToYCbCr(pix []byte, width, x0 int, yBlock, cbBlock, crBlock *block) {
	xmax := width - 1
	stride := width * 4
	for j := 0; j < StripHeight; j++ {
		offset := j * stride
		for i := 0; i < 8; i++ {
			sx := min(x0+i, xmax)
			p := pix[offset+sx*4:]
			yy, cb, cr := color.RGBToYCbCr(p[0], p[1], p[2])
			yBlock[8*j+i] = int32(yy)
			cbBlock[8*j+i] = int32(cb)
			crBlock[8*j+i] = int32(cr)
		}
	}
}

// EncodeStrip appends the entropy coded scan data of an 8-row RGBA strip to
// dst. DC prediction starts from zero and the final byte is padded with 1s, so
// each strip is an independently decodable restart interval of
// ceil(width/8) MCUs.
func EncodeStrip(dst, pix []byte, width int, quant *Tables) ([]byte, error) {
	if width <= 0 {
		return dst, errors.Errorf("baseline: invalid strip width %d", width)
	}
	if want := width * StripHeight * 4; len(pix) != want {
		return dst, errors.Errorf("baseline: strip has %d bytes, want %d for width %d", len(pix), want, width)
	}
	if quant == nil {
		return dst, errors.New("baseline: missing quantization tables")
	}
	for i := 0; i < blockSize; i++ {
		if quant.Luma[i] == 0 || quant.Chroma[i] == 0 {
			return dst, errors.Errorf("baseline: zero quantization step at index %d", i)
		}
	}
	e := stripEncoder{out: dst, quant: quant}
	var (
		// The blocks are in natural (not zig-zag) order.
		y, cb, cr                   block
		prevDCY, prevDCCb, prevDCCr int32
	)
	for x := 0; x < width; x += 8 {
		rgbaToYCbCr(pix, width, x, &y, &cb, &cr)
		prevDCY = e.writeBlock(&y, false, prevDCY)
		prevDCCb = e.writeBlock(&cb, true, prevDCCb)
		prevDCCr = e.writeBlock(&cr, true, prevDCCr)
	}
	// Pad the last byte with 1's.
	e.emit(0x7f, 7)
	return e.out, nil
}

// MCUsPerStrip returns the number of 8x8 MCUs in one strip of the given width.
func MCUsPerStrip(width int) int {
	return (width + 7) / 8
}
