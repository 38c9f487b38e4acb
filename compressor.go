package stripjpeg

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dlecorfec/stripjpeg/internal/agentproto"
	"github.com/dlecorfec/stripjpeg/internal/baseline"
)

// StripRequest asks for one strip to be compressed. Ownership of Pix passes
// to the pool on submission; the tables are shared read-only.
type StripRequest struct {
	Index        int
	Pix          []byte
	Width        int
	Luma, Chroma *QuantTable
}

// Compressor turns the pixels of one strip into entropy coded scan bytes.
type Compressor interface {
	Compress(ctx context.Context, req StripRequest) ([]byte, error)
}

// Agent is a Compressor with a lifetime. An agent compresses at most one
// strip at a time.
type Agent interface {
	Compressor
	Close() error
}

// AgentFactory starts a new agent.
type AgentFactory func(ctx context.Context) (Agent, error)

// InProcessAgents returns a factory of agents that run the built-in engine
// on the caller's goroutine.
func InProcessAgents() AgentFactory {
	return func(ctx context.Context) (Agent, error) {
		return &engineAgent{}, nil
	}
}

type engineAgent struct {
	tables baseline.Tables
}

func (a *engineAgent) Compress(ctx context.Context, req StripRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Luma == nil || req.Chroma == nil {
		return nil, errors.New("missing quantization tables")
	}
	a.tables.Luma = *req.Luma
	a.tables.Chroma = *req.Chroma
	return baseline.EncodeStrip(nil, req.Pix, req.Width, &a.tables)
}

func (a *engineAgent) Close() error { return nil }

// ServeAgent runs the built-in engine as an agent process, answering the
// requests read from r on w until r is closed.
func ServeAgent(r io.Reader, w io.Writer) error {
	var tables baseline.Tables
	return agentproto.Serve(r, w, func(req *agentproto.Request) ([]byte, error) {
		if len(req.Luma) != len(tables.Luma) || len(req.Chroma) != len(tables.Chroma) {
			return nil, errors.Errorf("strip %d: quantization tables have %d and %d entries", req.Index, len(req.Luma), len(req.Chroma))
		}
		copy(tables.Luma[:], req.Luma)
		copy(tables.Chroma[:], req.Chroma)
		return baseline.EncodeStrip(nil, req.Pix, req.Width, &tables)
	})
}

// ProcessConfig describes how to start an agent process. The process must
// serve the agent protocol on its standard input and output, as
// "stripjpeg agent" does.
type ProcessConfig struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

// ProcessAgents returns a factory of agents that each own one child process.
func ProcessAgents(cfg ProcessConfig) AgentFactory {
	return func(ctx context.Context) (Agent, error) {
		return startProcessAgent(cfg)
	}
}

// agentExitGrace is how long Close waits for an agent process to exit after
// its input is closed.
const agentExitGrace = 200 * time.Millisecond

type processAgent struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *agentproto.Conn
	waited chan struct{}

	mu     sync.Mutex
	broken error
}

func startProcessAgent(cfg ProcessConfig) (*processAgent, error) {
	if cfg.Path == "" {
		return nil, errors.New("no agent command")
	}
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "agent stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting agent %s", cfg.Path)
	}
	a := &processAgent{
		cmd:    cmd,
		stdin:  stdin,
		conn:   agentproto.NewConn(stdout, stdin),
		waited: make(chan struct{}),
	}
	go func() {
		// The exit status is irrelevant; a dead agent shows up as a read error.
		_ = cmd.Wait()
		close(a.waited)
	}()
	return a, nil
}

func (a *processAgent) Compress(ctx context.Context, req StripRequest) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken != nil {
		return nil, a.broken
	}
	if req.Luma == nil || req.Chroma == nil {
		return nil, errors.New("missing quantization tables")
	}
	type result struct {
		resp agentproto.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = a.conn.WriteRequest(&agentproto.Request{
			Index:  req.Index,
			Width:  req.Width,
			Luma:   req.Luma[:],
			Chroma: req.Chroma[:],
			Pix:    req.Pix,
		}); r.err == nil {
			r.err = a.conn.ReadResponse(&r.resp)
		}
		done <- r
	}()
	select {
	case r := <-done:
		if r.err != nil {
			a.broken = r.err
			return nil, r.err
		}
		if r.resp.Index != req.Index {
			a.broken = errors.Errorf("agent answered strip %d, want %d", r.resp.Index, req.Index)
			return nil, a.broken
		}
		if r.resp.Err != "" {
			return nil, errors.New(r.resp.Err)
		}
		return r.resp.Data, nil
	case <-ctx.Done():
		// The exchange is now out of step; the agent cannot be reused.
		a.broken = ctx.Err()
		a.kill()
		return nil, ctx.Err()
	}
}

func (a *processAgent) kill() {
	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
}

// Close stops the agent process. Closing its input lets a healthy agent exit
// on its own; it is killed if it is still running afterwards.
func (a *processAgent) Close() error {
	err := a.stdin.Close()
	select {
	case <-a.waited:
	case <-time.After(agentExitGrace):
		a.kill()
		<-a.waited
	}
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}
