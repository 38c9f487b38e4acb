// Package agentproto defines the messages exchanged between a process-backed
// agent pool and its agent processes. Each message is one CBOR item; a
// process handles requests strictly one at a time over stdin/stdout.
package agentproto

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Request asks an agent to compress one strip.
type Request struct {
	Index  int    `cbor:"1,keyasint"`
	Width  int    `cbor:"2,keyasint"`
	Luma   []byte `cbor:"3,keyasint"`
	Chroma []byte `cbor:"4,keyasint"`
	Pix    []byte `cbor:"5,keyasint"`
}

// Response carries the compressed strip, or Err when the agent failed.
type Response struct {
	Index int    `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
	Err   string `cbor:"3,keyasint,omitempty"`
}

// Conn reads and writes framed messages on a byte stream pair.
type Conn struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

// NewConn returns a Conn that reads from r and writes to w.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		enc: cbor.NewEncoder(w),
		dec: cbor.NewDecoder(r),
	}
}

// WriteRequest sends a request.
func (c *Conn) WriteRequest(req *Request) error {
	return errors.Wrap(c.enc.Encode(req), "agentproto: writing request")
}

// ReadRequest receives a request. It returns io.EOF when the peer closed the
// stream between messages.
func (c *Conn) ReadRequest(req *Request) error {
	if err := c.dec.Decode(req); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return errors.Wrap(err, "agentproto: reading request")
	}
	return nil
}

// WriteResponse sends a response.
func (c *Conn) WriteResponse(resp *Response) error {
	return errors.Wrap(c.enc.Encode(resp), "agentproto: writing response")
}

// ReadResponse receives a response.
func (c *Conn) ReadResponse(resp *Response) error {
	return errors.Wrap(c.dec.Decode(resp), "agentproto: reading response")
}

// Handler compresses the strip described by a request.
type Handler func(req *Request) ([]byte, error)

// Serve answers requests read from r on w until r reaches EOF. Handler
// failures are reported to the peer and do not stop the loop.
func Serve(r io.Reader, w io.Writer, h Handler) error {
	conn := NewConn(r, w)
	for {
		var req Request
		if err := conn.ReadRequest(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp := Response{Index: req.Index}
		data, err := h(&req)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Data = data
		}
		if err := conn.WriteResponse(&resp); err != nil {
			return err
		}
	}
}
