// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stripjpeg writes baseline JPEG images from a stream of scanlines
// while holding only a few strips of raw pixels in memory. The image is cut
// into 8-row strips that a pool of agents compresses in parallel; the
// compressed strips are then written in order between the JPEG headers.
package stripjpeg

import (
	"bufio"
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dlecorfec/stripjpeg/internal/baseline"
)

// DefaultQuality is the default quality encoding parameter.
const DefaultQuality = 100

// Options are the encoding parameters. The zero value of each field selects
// its default.
type Options struct {
	// Quality ranges from 1 to 100 inclusive, higher is better. Zero means
	// DefaultQuality.
	Quality int
	// Workers is the number of compression agents, runtime.GOMAXPROCS(0)
	// when zero.
	Workers int
	// StripTimeout bounds the compression of a single strip.
	StripTimeout time.Duration
	// Retries is how many times a timed out strip is retried on a fresh agent.
	Retries int
	// DisableRestartMarkers drops the DRI segment and the RSTn markers that
	// separate strips. Strips are coded independently, so without them only
	// single-strip images decode with a standard decoder.
	DisableRestartMarkers bool
	// Agents starts the compression agents, InProcessAgents() when nil.
	Agents AgentFactory
	// Pool, when set, is used instead of a Dispatcher built from Workers and
	// Agents. The encoder shuts it down when it is done.
	Pool   AgentPool
	Logger *zap.Logger
	Clock  clock.Clock
}

func (o *Options) withDefaults() (Options, error) {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return opts, validationErrorf("quality must be in [1, 100], got %d", opts.Quality)
	}
	if opts.Workers < 0 {
		return opts, validationErrorf("workers must not be negative, got %d", opts.Workers)
	}
	if opts.StripTimeout < 0 {
		return opts, validationErrorf("strip timeout must not be negative, got %s", opts.StripTimeout)
	}
	if opts.Retries < 0 {
		return opts, validationErrorf("retries must not be negative, got %d", opts.Retries)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts, nil
}

// State is the progress of an Encoder.
type State int

const (
	StateIdle State = iota
	StateBatching
	StateDispatching
	StateAssembling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBatching:
		return "batching"
	case StateDispatching:
		return "dispatching"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Encoder encodes one image. Its agents are started by NewEncoder and
// released when Encode returns, or by Close if Encode is never called.
type Encoder struct {
	opts   Options
	pool   AgentPool
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	closed bool
}

// NewEncoder validates o and starts the agent pool. A nil o selects the
// defaults. A caller supplied Options.Pool is shut down if o is invalid.
func NewEncoder(o *Options) (*Encoder, error) {
	opts, err := o.withDefaults()
	if err != nil {
		if o != nil && o.Pool != nil {
			err = multierr.Append(err, o.Pool.Shutdown())
		}
		return nil, err
	}
	pool := opts.Pool
	if pool == nil {
		d, err := NewDispatcher(context.Background(), DispatcherConfig{
			Size:         opts.Workers,
			Agents:       opts.Agents,
			StripTimeout: opts.StripTimeout,
			Retries:      opts.Retries,
			Clock:        opts.Clock,
			Logger:       opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		pool = d
	}
	return &Encoder{opts: opts, pool: pool, logger: opts.Logger}, nil
}

// State returns the encoder's current state.
func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close releases the agents of an encoder that will not encode. It is safe to
// call after Encode and more than once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.pool.Shutdown()
}

func (e *Encoder) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Encode reads every scanline of src and returns the JPEG stream. An Encoder
// encodes a single image; the pool is shut down before Encode returns, on
// success as on failure. No bytes are returned on failure.
func (e *Encoder) Encode(ctx context.Context, src Source) (out []byte, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, validationErrorf("encoder is closed")
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, validationErrorf("encoder already used (state %s)", e.state)
	}
	e.state = StateBatching
	e.mu.Unlock()

	start := e.opts.Clock.Now()
	logger := e.logger.With(zap.String("job", uuid.NewString()))
	defer func() {
		if shutdownErr := e.pool.Shutdown(); shutdownErr != nil {
			logger.Warn("releasing agents", zap.Error(shutdownErr))
		}
		if err != nil {
			out = nil
			e.setState(StateFailed)
			logger.Info("encode failed", zap.Error(err))
			return
		}
		e.setState(StateDone)
		logger.Info("encode done",
			zap.Int("bytes", len(out)),
			zap.Duration("elapsed", e.opts.Clock.Since(start)))
	}()

	rows, err := OpenRows(src)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = resourceError(closeErr, "closing pixel source")
		}
	}()
	width, height := rows.Width(), rows.Height()
	if err := checkDims(width, height); err != nil {
		return nil, err
	}
	logger.Debug("encode started",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("strips", StripCount(height)),
		zap.Int("quality", e.opts.Quality),
		zap.Int("agents", e.pool.Size()))

	luma := LuminanceQuant.Scale(e.opts.Quality)
	chroma := ChrominanceQuant.Scale(e.opts.Quality)

	e.setState(StateDispatching)
	chunks, err := e.dispatch(ctx, rows, &luma, &chroma)
	if err != nil {
		return nil, err
	}

	e.setState(StateAssembling)
	// A single strip decodes without restart markers.
	var a assembler
	if !e.opts.DisableRestartMarkers && len(chunks) > 1 {
		a.restartInterval = baseline.MCUsPerStrip(width)
	}
	return a.assemble(width, height, &luma, &chroma, chunks), nil
}

// dispatch submits every strip as soon as it is batched and collects the
// results in strip order. At most twice the pool size strips are
// outstanding; results that complete early wait in their tickets.
func (e *Encoder) dispatch(ctx context.Context, rows RowReader, luma, chroma *QuantTable) ([][]byte, error) {
	window := 2 * e.pool.Size()
	if window < 1 {
		window = 1
	}
	tickets := make(chan *Ticket, window)
	chunks := make([][]byte, 0, StripCount(rows.Height()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tickets)
		batcher := NewStripBatcher(rows)
		for {
			s, err := batcher.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			t := e.pool.Submit(StripRequest{
				Index:  s.Index,
				Pix:    s.Pix,
				Width:  rows.Width(),
				Luma:   luma,
				Chroma: chroma,
			})
			select {
			case tickets <- t:
			case <-gctx.Done():
				return cancelledError(s.Index, gctx.Err())
			}
		}
	})
	g.Go(func() error {
		for t := range tickets {
			data, err := t.Wait(gctx)
			if err != nil {
				return err
			}
			chunks = append(chunks, data)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Encode encodes the image read from src with a new Encoder.
func Encode(ctx context.Context, src Source, o *Options) ([]byte, error) {
	e, err := NewEncoder(o)
	if err != nil {
		return nil, err
	}
	return e.Encode(ctx, src)
}

// writer is a buffered writer.
type writer interface {
	Flush() error
	io.Writer
}

// EncodeImage writes the Image m to w in JPEG 4:4:4 baseline format with the
// given options. Default parameters are used if a nil *Options is passed.
// Strips are separated by restart markers unless the options disable them.
func EncodeImage(w io.Writer, m image.Image, o *Options) error {
	b, err := Encode(context.Background(), CanvasSource{Image: m}, o)
	if err != nil {
		return err
	}
	ww, ok := w.(writer)
	if !ok {
		ww = bufio.NewWriter(w)
	}
	if _, err := ww.Write(b); err != nil {
		return errors.Wrap(err, "stripjpeg: writing image")
	}
	return errors.Wrap(ww.Flush(), "stripjpeg: writing image")
}
