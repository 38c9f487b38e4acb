package stripjpeg

import (
	"context"
	"sync"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
)

// fakeAgents starts agents whose behavior is given by compress. agent is the
// ordinal of the agent, counting from 0 in creation order.
type fakeAgents struct {
	compress func(ctx context.Context, agent int, req StripRequest) ([]byte, error)
	// startErr fails every start from the failFrom'th on.
	startErr error
	failFrom int

	mu       sync.Mutex
	created  int
	closed   int
	running  int
	maxRun   int
	requests []StripRequest
}

func (f *fakeAgents) factory() AgentFactory {
	return func(ctx context.Context) (Agent, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.startErr != nil && f.created >= f.failFrom {
			return nil, f.startErr
		}
		a := &fakeAgent{id: f.created, f: f}
		f.created++
		return a, nil
	}
}

func (f *fakeAgents) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created - f.closed
}

func (f *fakeAgents) stats() (created, closed, maxRun int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.closed, f.maxRun
}

type fakeAgent struct {
	id     int
	f      *fakeAgents
	closed bool
}

func (a *fakeAgent) Compress(ctx context.Context, req StripRequest) ([]byte, error) {
	a.f.mu.Lock()
	a.f.requests = append(a.f.requests, req)
	a.f.running++
	if a.f.running > a.f.maxRun {
		a.f.maxRun = a.f.running
	}
	a.f.mu.Unlock()
	defer func() {
		a.f.mu.Lock()
		a.f.running--
		a.f.mu.Unlock()
	}()
	if a.f.compress == nil {
		return []byte{byte(req.Index)}, nil
	}
	return a.f.compress(ctx, a.id, req)
}

func (a *fakeAgent) Close() error {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if !a.closed {
		a.closed = true
		a.f.closed++
	}
	return nil
}

func stripReq(i int) StripRequest {
	return StripRequest{Index: i, Pix: make([]byte, 4*StripHeight), Width: 1, Luma: &unitQuant, Chroma: &unitQuant}
}

func TestDispatcherCompletesOutOfOrder(t *testing.T) {
	const n = 6
	gates := make([]chan struct{}, n)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	agents := &fakeAgents{compress: func(ctx context.Context, _ int, req StripRequest) ([]byte, error) {
		select {
		case <-gates[req.Index]:
			return []byte{byte(req.Index)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	d, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 2, Agents: agents.factory()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Size(), test.ShouldEqual, 2)

	tickets := make([]*Ticket, n)
	for i := range tickets {
		tickets[i] = d.Submit(stripReq(i))
	}
	for _, i := range []int{1, 0, 3, 2, 5, 4} {
		close(gates[i])
	}
	for i, tk := range tickets {
		data, err := tk.Result()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldResemble, []byte{byte(i)})
		test.That(t, tk.Index, test.ShouldEqual, i)
	}

	test.That(t, d.Shutdown(), test.ShouldBeNil)
	created, closed, maxRun := agents.stats()
	test.That(t, created, test.ShouldEqual, 2)
	test.That(t, closed, test.ShouldEqual, 2)
	test.That(t, maxRun, test.ShouldBeLessThanOrEqualTo, 2)
}

func TestDispatcherShutdown(t *testing.T) {
	started := make(chan struct{}, 1)
	agents := &fakeAgents{compress: func(ctx context.Context, _ int, req StripRequest) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 1, Agents: agents.factory()})
	test.That(t, err, test.ShouldBeNil)

	inFlight := d.Submit(stripReq(0))
	queued := []*Ticket{d.Submit(stripReq(1)), d.Submit(stripReq(2))}
	<-started

	test.That(t, d.Shutdown(), test.ShouldBeNil)
	for _, tk := range append([]*Ticket{inFlight}, queued...) {
		_, err := tk.Result()
		test.That(t, IsKind(err, KindCancelled), test.ShouldBeTrue)
		test.That(t, errors.Is(err, ErrCancelled), test.ShouldBeTrue)
	}
	test.That(t, agents.live(), test.ShouldEqual, 0)

	t.Run("is idempotent", func(t *testing.T) {
		test.That(t, d.Shutdown(), test.ShouldBeNil)
	})

	t.Run("rejects later submissions", func(t *testing.T) {
		_, err := d.Submit(stripReq(3)).Result()
		test.That(t, IsKind(err, KindCancelled), test.ShouldBeTrue)
		test.That(t, errors.Is(err, ErrCancelled), test.ShouldBeTrue)
		test.That(t, errors.Is(err, ErrPoolClosed), test.ShouldBeTrue)
	})
}

func TestDispatcherShutdownKeepsDelivered(t *testing.T) {
	agents := &fakeAgents{}
	d, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 1, Agents: agents.factory()})
	test.That(t, err, test.ShouldBeNil)
	tk := d.Submit(stripReq(4))
	<-tk.Done()
	test.That(t, d.Shutdown(), test.ShouldBeNil)
	data, err := tk.Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, []byte{4})
}

func TestDispatcherTimeout(t *testing.T) {
	setup := func(retries int) (*Dispatcher, *fakeAgents, *clk.Mock, *observer.ObservedLogs, chan struct{}) {
		mockClock := clk.NewMock()
		started := make(chan struct{}, 4)
		agents := &fakeAgents{compress: func(ctx context.Context, agent int, req StripRequest) ([]byte, error) {
			if agent == 0 {
				// The first agent never answers.
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte{0xaa, byte(agent)}, nil
		}}
		core, logs := observer.New(zap.WarnLevel)
		d, err := NewDispatcher(context.Background(), DispatcherConfig{
			Size:         1,
			Agents:       agents.factory(),
			StripTimeout: time.Second,
			Retries:      retries,
			Clock:        mockClock,
			Logger:       zap.New(core),
		})
		test.That(t, err, test.ShouldBeNil)
		return d, agents, mockClock, logs, started
	}

	t.Run("retries on a fresh agent", func(t *testing.T) {
		d, agents, mockClock, logs, started := setup(1)
		req := stripReq(0)
		tk := d.Submit(req)
		<-started
		mockClock.Add(2 * time.Second)

		data, err := tk.Result()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldResemble, []byte{0xaa, 1})
		test.That(t, logs.FilterMessage("replacing compression agent").Len(), test.ShouldEqual, 1)

		agents.mu.Lock()
		reqs := agents.requests
		agents.mu.Unlock()
		test.That(t, reqs, test.ShouldHaveLength, 2)
		test.That(t, reqs[1].Pix, test.ShouldResemble, req.Pix)
		test.That(t, &reqs[1].Pix[0] != &req.Pix[0], test.ShouldBeTrue)

		test.That(t, d.Shutdown(), test.ShouldBeNil)
		test.That(t, agents.live(), test.ShouldEqual, 0)
	})

	t.Run("fails once retries are spent", func(t *testing.T) {
		d, agents, mockClock, _, started := setup(0)
		tk := d.Submit(stripReq(0))
		<-started
		mockClock.Add(2 * time.Second)

		_, err := tk.Result()
		test.That(t, IsKind(err, KindAgent), test.ShouldBeTrue)
		test.That(t, errors.Is(err, errStripTimeout), test.ShouldBeTrue)

		// The replacement agent serves later strips.
		data, err := d.Submit(stripReq(1)).Result()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldResemble, []byte{0xaa, 1})

		test.That(t, d.Shutdown(), test.ShouldBeNil)
		test.That(t, agents.live(), test.ShouldEqual, 0)
	})
}

func TestDispatcherRetryOnIdleAgent(t *testing.T) {
	mockClock := clk.NewMock()
	started := make(chan struct{}, 1)
	agents := &fakeAgents{
		startErr: errors.New("out of processes"),
		failFrom: 2,
		compress: func(ctx context.Context, agent int, req StripRequest) ([]byte, error) {
			if agent == 1 {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte{0xbb, byte(agent)}, nil
		},
	}
	core, logs := observer.New(zap.WarnLevel)
	d, err := NewDispatcher(context.Background(), DispatcherConfig{
		Size:         2,
		Agents:       agents.factory(),
		StripTimeout: time.Second,
		Retries:      1,
		Clock:        mockClock,
		Logger:       zap.New(core),
	})
	test.That(t, err, test.ShouldBeNil)

	// Agent 1 takes the strip, times out and cannot be replaced; agent 0 sits
	// idle and must pick up the retry.
	tk := d.Submit(stripReq(0))
	<-started
	mockClock.Add(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := tk.Wait(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, []byte{0xbb, 0})
	test.That(t, logs.FilterMessage("cannot start replacement agent").Len(), test.ShouldEqual, 1)

	data, err = d.Submit(stripReq(1)).Result()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, []byte{0xbb, 0})

	test.That(t, d.Shutdown(), test.ShouldBeNil)
	test.That(t, agents.live(), test.ShouldEqual, 0)
}

func TestDispatcherAgentFailure(t *testing.T) {
	boom := errors.New("engine exploded")
	agents := &fakeAgents{compress: func(ctx context.Context, agent int, req StripRequest) ([]byte, error) {
		if req.Index == 1 {
			return nil, boom
		}
		return []byte{byte(req.Index)}, nil
	}}
	d, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 1, Agents: agents.factory()})
	test.That(t, err, test.ShouldBeNil)

	tickets := []*Ticket{d.Submit(stripReq(0)), d.Submit(stripReq(1)), d.Submit(stripReq(2))}
	_, err = tickets[1].Result()
	test.That(t, IsKind(err, KindAgent), test.ShouldBeTrue)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "strip 1")
	for _, i := range []int{0, 2} {
		data, err := tickets[i].Result()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, data, test.ShouldResemble, []byte{byte(i)})
	}

	test.That(t, d.Shutdown(), test.ShouldBeNil)
	created, closed, _ := agents.stats()
	test.That(t, created, test.ShouldEqual, 2)
	test.That(t, closed, test.ShouldEqual, 2)
}

func TestDispatcherAgentStart(t *testing.T) {
	t.Run("start failure releases started agents", func(t *testing.T) {
		agents := &fakeAgents{startErr: errors.New("no such binary"), failFrom: 2}
		_, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 3, Agents: agents.factory()})
		test.That(t, IsKind(err, KindAgent), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "starting agent 3 of 3")
		test.That(t, agents.live(), test.ShouldEqual, 0)
	})

	t.Run("pool without agents fails pending strips", func(t *testing.T) {
		release := make(chan struct{})
		agents := &fakeAgents{
			startErr: errors.New("no such binary"),
			failFrom: 1,
			compress: func(ctx context.Context, agent int, req StripRequest) ([]byte, error) {
				<-release
				return nil, errors.New("crashed")
			},
		}
		d, err := NewDispatcher(context.Background(), DispatcherConfig{Size: 1, Agents: agents.factory()})
		test.That(t, err, test.ShouldBeNil)
		first, second := d.Submit(stripReq(0)), d.Submit(stripReq(1))
		close(release)

		for _, tk := range []*Ticket{first, second} {
			_, err := tk.Result()
			test.That(t, IsKind(err, KindAgent), test.ShouldBeTrue)
		}
		_, err = d.Submit(stripReq(2)).Result()
		test.That(t, IsKind(err, KindAgent), test.ShouldBeTrue)
		test.That(t, d.Shutdown(), test.ShouldBeNil)
		test.That(t, agents.live(), test.ShouldEqual, 0)
	})
}

func TestTicketWait(t *testing.T) {
	tk := newTicket(7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tk.Wait(ctx)
	test.That(t, IsKind(err, KindCancelled), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrCancelled), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Unix(0, 0))
	defer cancelExpired()
	_, err = tk.Wait(expired)
	test.That(t, errors.Is(err, ErrCancelled), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	tk.resolve([]byte{1}, nil)
	tk.resolve(nil, errors.New("ignored"))
	data, err := tk.Wait(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, []byte{1})
}
