// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stripjpeg

import (
	"fmt"

	"github.com/dlecorfec/stripjpeg/internal/baseline"
)

// Marker is the second byte of a JPEG marker code; the first is always 0xff.
type Marker uint8

const (
	SOF0 Marker = 0xc0 // Start Of Frame (Baseline Sequential).
	DHT  Marker = 0xc4 // Define Huffman Table.
	RST0 Marker = 0xd0 // ReSTart (0-7).
	SOI  Marker = 0xd8 // Start Of Image.
	EOI  Marker = 0xd9 // End Of Image.
	SOS  Marker = 0xda // Start Of Scan.
	DQT  Marker = 0xdb // Define Quantization Table.
	DRI  Marker = 0xdd // Define Restart Interval.
	APP0 Marker = 0xe0 // Application specific (JFIF).
	COM  Marker = 0xfe // COMment.
)

// Name returns the conventional name of m.
func (m Marker) Name() string {
	switch {
	case m == SOF0:
		return "SOF0"
	case m == DHT:
		return "DHT"
	case m >= RST0 && m <= RST0+7:
		return fmt.Sprintf("RST%d", m-RST0)
	case m == SOI:
		return "SOI"
	case m == EOI:
		return "EOI"
	case m == SOS:
		return "SOS"
	case m == DQT:
		return "DQT"
	case m == DRI:
		return "DRI"
	case m >= APP0 && m <= APP0+0xf:
		return fmt.Sprintf("APP%d", m-APP0)
	case m == COM:
		return "COM"
	default:
		return fmt.Sprintf("0x%02X", uint8(m))
	}
}

// Standalone reports whether m is written without a length field.
func (m Marker) Standalone() bool {
	return m == SOI || m == EOI || (m >= RST0 && m <= RST0+7)
}

// Segment is a marker followed, unless the marker is standalone, by a
// big-endian length that counts itself and the payload.
type Segment struct {
	Marker  Marker
	Payload []byte
}

// Len returns the encoded size of s in bytes.
func (s Segment) Len() int {
	if s.Marker.Standalone() {
		return 2
	}
	return 4 + len(s.Payload)
}

// AppendTo appends the encoded segment to dst.
func (s Segment) AppendTo(dst []byte) []byte {
	dst = append(dst, 0xff, byte(s.Marker))
	if s.Marker.Standalone() {
		return dst
	}
	markerlen := 2 + len(s.Payload)
	dst = append(dst, uint8(markerlen>>8), uint8(markerlen&0xff))
	return append(dst, s.Payload...)
}

// SOISegment returns the Start Of Image marker.
func SOISegment() Segment { return Segment{Marker: SOI} }

// EOISegment returns the End Of Image marker.
func EOISegment() Segment { return Segment{Marker: EOI} }

// RSTSegment returns the restart marker that follows the i'th restart
// interval.
func RSTSegment(i int) Segment { return Segment{Marker: RST0 + Marker(i&7)} }

// jfifPayload is the APP0 payload:
//   - the identifier "JFIF\x00",
//   - version 1.1 "\x01\x01",
//   - density units 0 (aspect ratio only) "\x00",
//   - X and Y density 1 "\x00\x01\x00\x01",
//   - no thumbnail "\x00\x00".
var jfifPayload = []byte{
	'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00,
	0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
}

// JFIFSegment returns the APP0 segment that identifies the stream as JFIF.
func JFIFSegment() Segment {
	return Segment{Marker: APP0, Payload: jfifPayload}
}

// DQTSegment returns the Define Quantization Table segment holding the
// luminance table as table 0 and the chrominance table as table 1.
func DQTSegment(luma, chroma *QuantTable) Segment {
	p := make([]byte, 0, 2*(1+len(luma)))
	p = append(p, 0)
	p = append(p, luma[:]...)
	p = append(p, 1)
	p = append(p, chroma[:]...)
	return Segment{Marker: DQT, Payload: p}
}

// SOF0Segment returns the Start Of Frame (Baseline Sequential) segment for a
// three component image without chroma subsampling.
func SOF0Segment(width, height int) Segment {
	const nComponent = 3
	p := make([]byte, 6+3*nComponent)
	p[0] = 8 // 8-bit color.
	p[1] = uint8(height >> 8)
	p[2] = uint8(height & 0xff)
	p[3] = uint8(width >> 8)
	p[4] = uint8(width & 0xff)
	p[5] = nComponent
	for i := 0; i < nComponent; i++ {
		p[3*i+6] = uint8(i + 1)
		// 4:4:4, no subsampling.
		p[3*i+7] = 0x11
		p[3*i+8] = "\x00\x01\x01"[i]
	}
	return Segment{Marker: SOF0, Payload: p}
}

// dhtPayload holds the four standard Huffman tables, in the order luminance
// DC, luminance AC, chrominance DC, chrominance AC.
var dhtPayload = func() []byte {
	var p []byte
	for i, s := range baseline.Specs {
		p = append(p, baseline.Table(i).Class())
		p = append(p, s.Count[:]...)
		p = append(p, s.Value...)
	}
	return p
}()

// DHTSegment returns the Define Huffman Table segment. The tables are the
// ones the in-process engine codes with.
func DHTSegment() Segment {
	return Segment{Marker: DHT, Payload: dhtPayload}
}

// sosPayload is the SOS payload:
//   - the number of components "\x03",
//   - component 1 uses DC table 0 and AC table 0 "\x01\x00",
//   - component 2 uses DC table 1 and AC table 1 "\x02\x11",
//   - component 3 uses DC table 1 and AC table 1 "\x03\x11",
//   - the bytes "\x00\x3f\x00". Section B.2.3 of the JPEG standard says that
//     for sequential DCTs, those bytes (8-bit Ss, 8-bit Se, 4-bit Ah, 4-bit Al)
//     should be 0x00, 0x3f, 0x00<<4 | 0x00.
var sosPayload = []byte{
	0x03, 0x01, 0x00, 0x02, 0x11, 0x03, 0x11, 0x00, 0x3f, 0x00,
}

// SOSSegment returns the Start Of Scan segment.
func SOSSegment() Segment {
	return Segment{Marker: SOS, Payload: sosPayload}
}

// DRISegment returns the Define Restart Interval segment for an interval of n
// MCUs.
func DRISegment(n int) Segment {
	return Segment{Marker: DRI, Payload: []byte{uint8(n >> 8), uint8(n & 0xff)}}
}
