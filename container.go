// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stripjpeg

// assembler writes the container around the compressed strips. A non-zero
// restartInterval adds a DRI segment and separates strips with RSTn markers.
type assembler struct {
	restartInterval int
}

// headers returns the segments written before the scan data.
func (a assembler) headers(width, height int, luma, chroma *QuantTable) []Segment {
	segs := []Segment{
		SOISegment(),
		JFIFSegment(),
		DQTSegment(luma, chroma),
		SOF0Segment(width, height),
		DHTSegment(),
	}
	if a.restartInterval > 0 {
		segs = append(segs, DRISegment(a.restartInterval))
	}
	return append(segs, SOSSegment())
}

// assemble concatenates the headers, the chunks in index order and the EOI
// marker into a single exactly sized buffer.
func (a assembler) assemble(width, height int, luma, chroma *QuantTable, chunks [][]byte) []byte {
	segs := a.headers(width, height, luma, chroma)
	size := EOISegment().Len()
	for _, s := range segs {
		size += s.Len()
	}
	for i, c := range chunks {
		size += len(c)
		if a.restartInterval > 0 && i > 0 {
			size += RSTSegment(i - 1).Len()
		}
	}
	buf := make([]byte, 0, size)
	for _, s := range segs {
		buf = s.AppendTo(buf)
	}
	for i, c := range chunks {
		if a.restartInterval > 0 && i > 0 {
			buf = RSTSegment(i - 1).AppendTo(buf)
		}
		buf = append(buf, c...)
	}
	return EOISegment().AppendTo(buf)
}

// Assemble returns the JPEG stream made of the header segments, the
// compressed chunks in slice order and the EOI marker. Chunks must already be
// in strip order.
func Assemble(width, height int, luma, chroma *QuantTable, chunks [][]byte) []byte {
	return assembler{}.assemble(width, height, luma, chroma, chunks)
}

// HeaderLen returns the number of bytes Assemble writes before the scan data.
func HeaderLen() int {
	n := 0
	for _, s := range (assembler{}).headers(0, 0, &unitQuant, &unitQuant) {
		n += s.Len()
	}
	return n
}
