package stripjpeg

import (
	"image"
	_ "image/gif" // register decoders for FileSource
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	_ "github.com/xfmoulet/qoi"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// RowReader yields the scanlines of an image top to bottom. Each scanline
// holds Width()*4 bytes of RGBA. The slice returned by ReadRow is only valid
// until the next call and must not be modified. ReadRow returns io.EOF after
// the last row.
type RowReader interface {
	Width() int
	Height() int
	ReadRow() ([]byte, error)
	Close() error
}

// Source is one of BufferSource, StreamSource, FileSource or CanvasSource.
type Source interface {
	open() (RowReader, error)
}

// OpenRows returns the scanline reader of src.
func OpenRows(src Source) (RowReader, error) {
	if src == nil {
		return nil, validationErrorf("no pixel source")
	}
	return src.open()
}

func checkDims(width, height int) error {
	if width <= 0 {
		return validationErrorf("width must be positive, got %d", width)
	}
	if height < 0 {
		return validationErrorf("height must not be negative, got %d", height)
	}
	if width >= 1<<16 || height >= 1<<16 {
		return validationErrorf("image of %dx%d is too large to encode", width, height)
	}
	return nil
}

// BufferSource is an in-memory RGBA image with rows packed without padding.
type BufferSource struct {
	Pix           []byte
	Width, Height int
}

func (s BufferSource) open() (RowReader, error) {
	if err := checkDims(s.Width, s.Height); err != nil {
		return nil, err
	}
	if want := s.Width * s.Height * 4; len(s.Pix) != want {
		return nil, validationErrorf("buffer has %d bytes, want %d for %dx%d", len(s.Pix), want, s.Width, s.Height)
	}
	return &sliceRows{pix: s.Pix, stride: s.Width * 4, width: s.Width, height: s.Height}, nil
}

// sliceRows reads rows in place from a pixel slice.
type sliceRows struct {
	pix              []byte
	offset, stride   int
	width, height, y int
}

func (r *sliceRows) Width() int  { return r.width }
func (r *sliceRows) Height() int { return r.height }

func (r *sliceRows) ReadRow() ([]byte, error) {
	if r.y >= r.height {
		return nil, io.EOF
	}
	start := r.offset + r.y*r.stride
	r.y++
	return r.pix[start : start+r.width*4 : start+r.width*4], nil
}

func (r *sliceRows) Close() error { return nil }

// StreamCompression is the framing of a raw RGBA stream.
type StreamCompression int

const (
	CompressionNone StreamCompression = iota
	CompressionZstd
	CompressionLZ4
)

// StreamSource reads Height rows of Width*4 RGBA bytes from R.
type StreamSource struct {
	R             io.Reader
	Width, Height int
	Compression   StreamCompression
}

func (s StreamSource) open() (RowReader, error) {
	if err := checkDims(s.Width, s.Height); err != nil {
		return nil, err
	}
	if s.R == nil {
		return nil, validationErrorf("stream source has no reader")
	}
	rows := &streamRows{
		row:    make([]byte, s.Width*4),
		width:  s.Width,
		height: s.Height,
	}
	switch s.Compression {
	case CompressionNone:
		rows.r = s.R
	case CompressionZstd:
		dec, err := zstd.NewReader(s.R)
		if err != nil {
			return nil, resourceError(err, "opening zstd stream")
		}
		rows.r = dec
		rows.closers = append(rows.closers, func() error { dec.Close(); return nil })
	case CompressionLZ4:
		rows.r = lz4.NewReader(s.R)
	default:
		return nil, validationErrorf("unknown stream compression %d", s.Compression)
	}
	return rows, nil
}

type streamRows struct {
	r             io.Reader
	row           []byte
	width, height int
	y             int
	closers       []func() error
}

func (r *streamRows) Width() int  { return r.width }
func (r *streamRows) Height() int { return r.height }

func (r *streamRows) ReadRow() ([]byte, error) {
	if r.y >= r.height {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(r.r, r.row); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "reading scanline %d", r.y)
	}
	r.y++
	return r.row, nil
}

func (r *streamRows) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// FileSource reads an image file. With a positive Width the file holds raw
// RGBA rows, optionally zstd or lz4 compressed as told by a ".zst" or ".lz4"
// extension. Otherwise it is decoded as a PNG, JPEG, GIF, BMP, TIFF, WebP or
// QOI image, honoring the EXIF orientation.
type FileSource struct {
	Path          string
	Width, Height int
}

func (s FileSource) open() (RowReader, error) {
	if s.Width > 0 {
		return s.openRaw()
	}
	img, err := imaging.Open(s.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, resourceError(err, "decoding "+s.Path)
	}
	return CanvasSource{Image: img}.open()
}

func (s FileSource) openRaw() (RowReader, error) {
	if err := checkDims(s.Width, s.Height); err != nil {
		return nil, err
	}
	var compression StreamCompression
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".zst", ".zstd":
		compression = CompressionZstd
	case ".lz4":
		compression = CompressionLZ4
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, resourceError(err, "opening "+s.Path)
	}
	rr, err := StreamSource{R: f, Width: s.Width, Height: s.Height, Compression: compression}.open()
	if err != nil {
		f.Close()
		return nil, err
	}
	rows := rr.(*streamRows)
	rows.closers = append([]func() error{f.Close}, rows.closers...)
	return rows, nil
}

// CanvasSource reads the pixels of an in-memory image. RGBA and NRGBA images
// are read in place; other color models are converted once up front.
type CanvasSource struct {
	Image image.Image
}

func (s CanvasSource) open() (RowReader, error) {
	if s.Image == nil {
		return nil, validationErrorf("canvas source has no image")
	}
	b := s.Image.Bounds()
	if err := checkDims(b.Dx(), b.Dy()); err != nil {
		return nil, err
	}
	var (
		pix    []byte
		stride int
		offset int
	)
	switch m := s.Image.(type) {
	case *image.RGBA:
		pix, stride, offset = m.Pix, m.Stride, m.PixOffset(b.Min.X, b.Min.Y)
	case *image.NRGBA:
		pix, stride, offset = m.Pix, m.Stride, m.PixOffset(b.Min.X, b.Min.Y)
	default:
		n := imaging.Clone(m)
		pix, stride, offset = n.Pix, n.Stride, 0
	}
	return &sliceRows{
		pix:    pix,
		offset: offset,
		stride: stride,
		width:  b.Dx(),
		height: b.Dy(),
	}, nil
}
