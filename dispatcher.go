package stripjpeg

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AgentPool compresses strips on a bounded set of agents.
type AgentPool interface {
	// Submit hands req to the pool and returns immediately.
	Submit(req StripRequest) *Ticket
	// Shutdown rejects every pending request and releases all agents. It is
	// safe to call at any time and more than once.
	Shutdown() error
	// Size is the number of agents.
	Size() int
}

// Ticket is the eventual result of a submitted strip.
type Ticket struct {
	Index int

	once sync.Once
	done chan struct{}
	data []byte
	err  error
}

func newTicket(index int) *Ticket {
	return &Ticket{Index: index, done: make(chan struct{})}
}

// resolve records the outcome; only the first call has an effect.
func (t *Ticket) resolve(data []byte, err error) {
	t.once.Do(func() {
		t.data, t.err = data, err
		close(t.done)
	})
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result blocks until the strip is compressed or rejected.
func (t *Ticket) Result() ([]byte, error) {
	<-t.done
	return t.data, t.err
}

// Wait is like Result but gives up when ctx is done.
func (t *Ticket) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.data, t.err
	case <-ctx.Done():
		return nil, cancelledError(t.Index, ctx.Err())
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Size is the number of agents, runtime.GOMAXPROCS(0) when zero.
	Size int
	// Agents starts agents, InProcessAgents() when nil.
	Agents AgentFactory
	// StripTimeout bounds a single compression. An agent that does not answer
	// in time is replaced. Zero disables the timeout.
	StripTimeout time.Duration
	// Retries is how many times a timed out strip is handed to a fresh agent
	// before it fails.
	Retries int
	Clock   clock.Clock
	Logger  *zap.Logger
}

var errStripTimeout = errors.New("agent did not answer in time")

type job struct {
	req      StripRequest
	ticket   *Ticket
	attempts int
}

// Dispatcher is an AgentPool that queues requests beyond its size and runs
// each on the next agent to become free.
type Dispatcher struct {
	cfg    DispatcherConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	idle     []Agent
	live     int
	queue    []*job
	running  map[*job]struct{}
	closeErr error
}

// NewDispatcher starts the agents of a new pool. ctx is only used while
// starting agents.
func NewDispatcher(ctx context.Context, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Size <= 0 {
		cfg.Size = runtime.GOMAXPROCS(0)
	}
	if cfg.Agents == nil {
		cfg.Agents = InProcessAgents()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	d := &Dispatcher{
		cfg:     cfg,
		running: make(map[*job]struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < cfg.Size; i++ {
		a, err := cfg.Agents(ctx)
		if err != nil {
			d.cancel()
			for _, a := range d.idle {
				err = multierr.Append(err, a.Close())
			}
			return nil, agentError(-1, errors.Wrapf(err, "starting agent %d of %d", i+1, cfg.Size))
		}
		d.idle = append(d.idle, a)
	}
	d.live = len(d.idle)
	cfg.Logger.Debug("agent pool started", zap.Int("agents", cfg.Size))
	return d, nil
}

// Size returns the number of agents the pool was started with.
func (d *Dispatcher) Size() int { return d.cfg.Size }

// Submit queues req. The returned ticket is rejected with a cancellation
// error if the pool is shut down before the strip is compressed.
func (d *Dispatcher) Submit(req StripRequest) *Ticket {
	j := &job{req: req, ticket: newTicket(req.Index)}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		j.ticket.resolve(nil, cancelledError(req.Index, ErrPoolClosed))
	case d.live == 0:
		j.ticket.resolve(nil, agentError(req.Index, errors.New("no compression agent left")))
	case len(d.idle) > 0:
		a := d.idle[len(d.idle)-1]
		d.idle = d.idle[:len(d.idle)-1]
		d.running[j] = struct{}{}
		d.wg.Add(1)
		go d.run(a, j)
	default:
		d.queue = append(d.queue, j)
	}
	return j.ticket
}

// run compresses j on a, then keeps a busy with queued jobs until the queue
// is empty.
func (d *Dispatcher) run(a Agent, j *job) {
	defer d.wg.Done()
	for {
		data, err := d.compress(a, j)
		if err != nil {
			a = d.replace(a, j, err)
		}

		d.mu.Lock()
		delete(d.running, j)
		if d.closed {
			// Shutdown already rejected j.
			if a != nil {
				d.closeErr = multierr.Append(d.closeErr, a.Close())
			}
			d.mu.Unlock()
			return
		}
		switch {
		case err == nil:
			j.ticket.resolve(data, nil)
		case errors.Is(err, errStripTimeout) && j.attempts < d.cfg.Retries:
			// The abandoned agent may still hold the old buffer.
			j.attempts++
			j.req.Pix = bytes.Clone(j.req.Pix)
			d.queue = append([]*job{j}, d.queue...)
		default:
			j.ticket.resolve(nil, agentError(j.req.Index, err))
		}
		if a == nil {
			d.live--
			if d.live == 0 {
				for _, q := range d.queue {
					q.ticket.resolve(nil, agentError(q.req.Index, errors.New("no compression agent left")))
				}
				d.queue = nil
			} else if len(d.queue) > 0 && len(d.idle) > 0 {
				// A requeued strip must not wait for a runner that never comes.
				next := d.queue[0]
				d.queue = d.queue[1:]
				idle := d.idle[len(d.idle)-1]
				d.idle = d.idle[:len(d.idle)-1]
				d.running[next] = struct{}{}
				d.wg.Add(1)
				go d.run(idle, next)
			}
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.idle = append(d.idle, a)
			d.mu.Unlock()
			return
		}
		j = d.queue[0]
		d.queue = d.queue[1:]
		d.running[j] = struct{}{}
		d.mu.Unlock()
	}
}

// compress runs one request on a, bounded by the strip timeout and by
// Shutdown.
func (d *Dispatcher) compress(a Agent, j *job) ([]byte, error) {
	ctx, cancel := context.WithCancel(d.ctx)
	if d.cfg.StripTimeout > 0 {
		cancel()
		ctx, cancel = d.cfg.Clock.WithTimeout(d.ctx, d.cfg.StripTimeout)
	}
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := a.Compress(ctx, j.req)
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(errStripTimeout, "after %s", d.cfg.StripTimeout)
		}
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(errStripTimeout, "after %s", d.cfg.StripTimeout)
		}
		return nil, ctx.Err()
	}
}

// replace closes a failed agent and starts another one. It returns nil when
// no replacement could be started.
func (d *Dispatcher) replace(a Agent, j *job, cause error) Agent {
	if err := a.Close(); err != nil {
		d.mu.Lock()
		d.closeErr = multierr.Append(d.closeErr, err)
		d.mu.Unlock()
	}
	if d.ctx.Err() != nil {
		return nil
	}
	d.cfg.Logger.Warn("replacing compression agent",
		zap.Int("strip", j.req.Index),
		zap.Int("attempt", j.attempts+1),
		zap.Error(cause))
	na, err := d.cfg.Agents(d.ctx)
	if err != nil {
		d.cfg.Logger.Error("cannot start replacement agent", zap.Error(err))
		return nil
	}
	return na
}

// Shutdown rejects queued and in-flight requests with a cancellation error,
// closes every agent and waits for the pool's goroutines to finish. Results
// already delivered are not affected.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queued, idle := d.queue, d.idle
	d.queue, d.idle = nil, nil
	for j := range d.running {
		j.ticket.resolve(nil, cancelledError(j.req.Index, nil))
	}
	d.mu.Unlock()

	d.cancel()
	for _, j := range queued {
		j.ticket.resolve(nil, cancelledError(j.req.Index, nil))
	}
	var err error
	for _, a := range idle {
		err = multierr.Append(err, a.Close())
	}
	d.wg.Wait()

	d.mu.Lock()
	err = multierr.Append(err, d.closeErr)
	d.mu.Unlock()
	d.cfg.Logger.Debug("agent pool shut down",
		zap.Int("rejected_queued", len(queued)),
		zap.Error(err))
	return err
}
