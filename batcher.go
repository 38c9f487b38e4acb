package stripjpeg

import (
	"io"

	"github.com/dlecorfec/stripjpeg/internal/baseline"
)

// StripHeight is the number of scanlines in a strip.
const StripHeight = baseline.StripHeight

// Strip is StripHeight scanlines of RGBA, top to bottom. Index counts strips
// from the top of the image.
type Strip struct {
	Index int
	Pix   []byte
}

// StripBatcher groups the scanlines of a RowReader into strips. A final
// partial strip is completed by repeating its last scanline.
type StripBatcher struct {
	rows   RowReader
	stride int
	read   int // scanlines read so far
	index  int
	done   bool
}

// NewStripBatcher returns a batcher over rows.
func NewStripBatcher(rows RowReader) *StripBatcher {
	return &StripBatcher{rows: rows, stride: rows.Width() * 4}
}

// Next returns the next strip, or io.EOF when the source is exhausted. Each
// strip owns a freshly allocated buffer.
func (b *StripBatcher) Next() (Strip, error) {
	if b.done {
		return Strip{}, io.EOF
	}
	var (
		pix []byte
		n   int
	)
	for n < StripHeight {
		row, err := b.rows.ReadRow()
		if err == io.EOF {
			b.done = true
			if b.read != b.rows.Height() {
				return Strip{}, validationErrorf("source ended after %d of %d scanlines", b.read, b.rows.Height())
			}
			break
		}
		if err != nil {
			b.done = true
			if KindOf(err) != 0 {
				return Strip{}, err
			}
			return Strip{}, resourceError(err, "reading pixel source")
		}
		if len(row) != b.stride {
			b.done = true
			return Strip{}, validationErrorf("scanline %d has %d bytes, want %d", b.read, len(row), b.stride)
		}
		if b.read >= b.rows.Height() {
			b.done = true
			return Strip{}, validationErrorf("source has more than %d scanlines", b.rows.Height())
		}
		if pix == nil {
			pix = make([]byte, StripHeight*b.stride)
		}
		copy(pix[n*b.stride:], row)
		b.read++
		n++
	}
	if n == 0 {
		return Strip{}, io.EOF
	}
	// Pad with copies of the last scanline.
	last := pix[(n-1)*b.stride : n*b.stride]
	for ; n < StripHeight; n++ {
		copy(pix[n*b.stride:], last)
	}
	s := Strip{Index: b.index, Pix: pix}
	b.index++
	return s, nil
}

// StripCount returns the number of strips of an image of the given height.
func StripCount(height int) int {
	return (height + StripHeight - 1) / StripHeight
}
