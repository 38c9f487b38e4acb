// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stripjpeg

// QuantTable is a quantization table in zig-zag order, the order in which it
// is written to the DQT segment.
type QuantTable [64]byte

// LuminanceQuant and ChrominanceQuant are the unscaled quantization tables.
// Each encode scales them according to its quality parameter. The values are
// derived from section K.1 of the JPEG standard, after converting from
// natural to zig-zag order.
var (
	LuminanceQuant = QuantTable{
		16, 11, 12, 14, 12, 10, 16, 14,
		13, 14, 18, 17, 16, 19, 24, 40,
		26, 24, 22, 22, 24, 49, 35, 37,
		29, 40, 58, 51, 61, 60, 57, 51,
		56, 55, 64, 72, 92, 78, 64, 68,
		87, 69, 55, 56, 80, 109, 81, 87,
		95, 98, 103, 104, 103, 62, 77, 113,
		121, 112, 100, 120, 92, 101, 103, 99,
	}
	ChrominanceQuant = QuantTable{
		17, 18, 18, 24, 21, 24, 47, 26,
		26, 47, 99, 66, 56, 66, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
	}
)

// unitQuant is the table used at quality 100.
var unitQuant = func() (t QuantTable) {
	for i := range t {
		t[i] = 1
	}
	return t
}()

// Scale returns t scaled for the given quality, clipped to [1, 100]. The
// result only depends on t and quality.
func (t QuantTable) Scale(quality int) QuantTable {
	if quality < 1 {
		quality = 1
	} else if quality >= 100 {
		return unitQuant
	}
	// Convert from a quality rating to a scaling factor.
	var scale int
	if quality < 50 {
		scale = 5000 / quality
	} else {
		scale = 200 - quality*2
	}
	var out QuantTable
	for i, v := range t {
		x := (int(v)*scale + 50) / 100
		if x < 1 {
			x = 1
		} else if x > 255 {
			x = 255
		}
		out[i] = uint8(x)
	}
	return out
}
