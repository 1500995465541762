package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginlookup/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var fastPolicy = RetryPolicy{
	Timeout:         time.Second,
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

type fakeEndpoint struct {
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{done: make(chan struct{})}
}

func (e *fakeEndpoint) Done() <-chan struct{} { return e.done }

func (e *fakeEndpoint) Close() error {
	e.closes.Add(1)
	e.drop()
	return nil
}

// drop simulates the provider going away
func (e *fakeEndpoint) drop() {
	e.once.Do(func() { close(e.done) })
}

type fakeConnector struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	alwaysErr error
	release   chan struct{}
	endpoints []*fakeEndpoint
}

func (c *fakeConnector) Connect(ctx context.Context, _ domain.ProviderID) (Endpoint, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	release := c.release
	alwaysErr := c.alwaysErr
	c.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if alwaysErr != nil {
		return nil, alwaysErr
	}
	if call <= c.failFirst {
		return nil, errors.New("provider not ready")
	}

	ep := newFakeEndpoint()
	c.mu.Lock()
	c.endpoints = append(c.endpoints, ep)
	c.mu.Unlock()
	return ep, nil
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConnector) Endpoints() []*fakeEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeEndpoint(nil), c.endpoints...)
}

type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	failures     []error
	onConnected  func(h *Handle)
}

func (r *recorder) Connected(h *Handle) {
	r.mu.Lock()
	r.connected++
	fn := r.onConnected
	r.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

func (r *recorder) Disconnected(*Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) BindFailed(_ *Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, len(r.failures)
}

func newTestHandle(conn Connector, l Listener, opts ...Option) *Handle {
	desc := domain.Descriptor{Module: "a", EntryPoint: "svc1", Name: "Alpha", ConfigClass: "a.Settings"}
	opts = append([]Option{WithRetryPolicy(fastPolicy), WithListener(l)}, opts...)
	return New(desc, conn, opts...)
}

func waitState(t *testing.T, h *Handle, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == want }, waitFor, tick,
		"handle never reached %s", want)
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("unbind did not complete")
	}
}

func TestNewHandleAccessors(t *testing.T) {
	h := newTestHandle(&fakeConnector{}, nil)

	assert.Equal(t, domain.NewProviderID("a", "svc1"), h.ID())
	assert.Equal(t, "a", h.Module())
	assert.Equal(t, "svc1", h.EntryPoint())
	assert.Equal(t, "Alpha", h.Name())
	assert.Equal(t, "a.Settings", h.ConfigClass())
	assert.Equal(t, domain.StateUnbound, h.State())

	_, ok := h.Endpoint()
	assert.False(t, ok)

	info := h.Info()
	assert.Equal(t, "a/svc1", info.ID)
	assert.Equal(t, domain.StateUnbound, info.State)
}

func TestBindSuccess(t *testing.T) {
	rec := &recorder{}
	h := newTestHandle(&fakeConnector{}, rec)

	h.Bind()
	waitState(t, h, domain.StateBound)

	ep, ok := h.Endpoint()
	require.True(t, ok)
	require.NotNil(t, ep)

	require.Eventually(t, func() bool {
		c, _, _ := rec.counts()
		return c == 1
	}, waitFor, tick)
	assert.NoError(t, h.LastError())
}

func TestBindIsNoopWhileBindingOrBound(t *testing.T) {
	conn := &fakeConnector{release: make(chan struct{})}
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	h.Bind()
	assert.Equal(t, domain.StateBinding, h.State())

	close(conn.release)
	waitState(t, h, domain.StateBound)
	h.Bind()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.Calls())
	c, _, _ := rec.counts()
	assert.Equal(t, 1, c)
}

func TestBindRetriesThenSucceeds(t *testing.T) {
	conn := &fakeConnector{failFirst: 2}
	h := newTestHandle(conn, &recorder{})

	h.Bind()
	waitState(t, h, domain.StateBound)
	assert.Equal(t, 3, conn.Calls())
}

func TestBindFailureReturnsToUnbound(t *testing.T) {
	conn := &fakeConnector{alwaysErr: errors.New("no such service")}
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	require.Eventually(t, func() bool {
		_, _, f := rec.counts()
		return f == 1
	}, waitFor, tick)

	assert.Equal(t, domain.StateUnbound, h.State())
	assert.Equal(t, fastPolicy.MaxAttempts, conn.Calls())
	require.Error(t, h.LastError())
	assert.Contains(t, h.LastError().Error(), "no such service")
	assert.Contains(t, h.Info().Error, "no such service")

	c, d, _ := rec.counts()
	assert.Zero(t, c)
	assert.Zero(t, d)

	// a failed handle can be bound again
	conn.mu.Lock()
	conn.alwaysErr = nil
	conn.mu.Unlock()
	h.Bind()
	waitState(t, h, domain.StateBound)
	assert.NoError(t, h.LastError())
}

func TestBindTimeout(t *testing.T) {
	conn := &fakeConnector{release: make(chan struct{})}
	rec := &recorder{}
	h := newTestHandle(conn, rec, WithRetryPolicy(RetryPolicy{
		Timeout:         20 * time.Millisecond,
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
	}))

	h.Bind()
	require.Eventually(t, func() bool {
		_, _, f := rec.counts()
		return f == 1
	}, waitFor, tick)

	assert.Equal(t, domain.StateUnbound, h.State())
	assert.ErrorIs(t, h.LastError(), context.DeadlineExceeded)
}

func TestBindTimeoutWithConnectorIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	late := newFakeEndpoint()
	conn := ConnectorFunc(func(context.Context, domain.ProviderID) (Endpoint, error) {
		<-release
		return late, nil
	})
	rec := &recorder{}
	h := newTestHandle(conn, rec, WithRetryPolicy(RetryPolicy{
		Timeout:         50 * time.Millisecond,
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
	}))

	h.Bind()
	require.Eventually(t, func() bool { return h.State() == domain.StateUnbound }, 500*time.Millisecond, tick)
	assert.ErrorIs(t, h.LastError(), context.DeadlineExceeded)
	_, _, f := rec.counts()
	assert.Equal(t, 1, f)

	close(release)
	require.Eventually(t, func() bool { return late.closes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, domain.StateUnbound, h.State())
	_, ok := h.Endpoint()
	assert.False(t, ok)
}

func TestUnbindWhenUnboundIsNoop(t *testing.T) {
	rec := &recorder{}
	h := newTestHandle(&fakeConnector{}, rec)

	done := h.Unbind()
	select {
	case <-done:
	default:
		t.Fatal("unbind on an unbound handle should complete immediately")
	}

	_, d, _ := rec.counts()
	assert.Zero(t, d)
}

func TestUnbindAfterBound(t *testing.T) {
	conn := &fakeConnector{}
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	waitState(t, h, domain.StateBound)

	waitClosed(t, h.Unbind())

	assert.Equal(t, domain.StateUnbound, h.State())
	_, ok := h.Endpoint()
	assert.False(t, ok)

	eps := conn.Endpoints()
	require.Len(t, eps, 1)
	assert.GreaterOrEqual(t, eps[0].closes.Load(), int32(1))

	c, d, _ := rec.counts()
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, d)
}

func TestUnbindTwiceSharesCompletion(t *testing.T) {
	rec := &recorder{}
	h := newTestHandle(&fakeConnector{}, rec)

	h.Bind()
	waitState(t, h, domain.StateBound)

	first := h.Unbind()
	second := h.Unbind()
	waitClosed(t, first)
	waitClosed(t, second)

	_, d, _ := rec.counts()
	assert.Equal(t, 1, d)
}

func TestUnbindDuringBinding(t *testing.T) {
	conn := &fakeConnector{release: make(chan struct{})}
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	require.Eventually(t, func() bool { return conn.Calls() == 1 }, waitFor, tick)

	waitClosed(t, h.Unbind())
	assert.Equal(t, domain.StateUnbound, h.State())

	close(conn.release)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StateUnbound, h.State())
	c, d, f := rec.counts()
	assert.Zero(t, c)
	assert.Zero(t, d, "never bound, so no disconnect")
	assert.Zero(t, f, "cancelled binds are not failures")
}

func TestLateEndpointIsClosedAfterUnbind(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ep := newFakeEndpoint()
	conn := ConnectorFunc(func(ctx context.Context, _ domain.ProviderID) (Endpoint, error) {
		close(started)
		<-release
		return ep, nil
	})
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	<-started
	waitClosed(t, h.Unbind())
	close(release)

	require.Eventually(t, func() bool { return ep.closes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, domain.StateUnbound, h.State())
	c, _, _ := rec.counts()
	assert.Zero(t, c)
}

func TestEndpointLossUnbinds(t *testing.T) {
	conn := &fakeConnector{}
	rec := &recorder{}
	h := newTestHandle(conn, rec)

	h.Bind()
	waitState(t, h, domain.StateBound)

	conn.Endpoints()[0].drop()
	waitState(t, h, domain.StateUnbound)

	require.Eventually(t, func() bool {
		_, d, _ := rec.counts()
		return d == 1
	}, waitFor, tick)

	h.Bind()
	waitState(t, h, domain.StateBound)
	assert.Equal(t, 2, conn.Calls())
}

func TestSetListenerLastWriteWins(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	h := newTestHandle(&fakeConnector{}, first)
	h.SetListener(second)

	h.Bind()
	waitState(t, h, domain.StateBound)
	require.Eventually(t, func() bool {
		c, _, _ := second.counts()
		return c == 1
	}, waitFor, tick)

	c, _, _ := first.counts()
	assert.Zero(t, c)
}

func TestListenerMayUnbindFromCallback(t *testing.T) {
	rec := &recorder{}
	rec.onConnected = func(h *Handle) {
		h.Unbind()
	}
	h := newTestHandle(&fakeConnector{}, rec)

	h.Bind()
	require.Eventually(t, func() bool {
		_, d, _ := rec.counts()
		return d == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateUnbound, h.State())
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return errors.New("pool closed") }

func TestExecutorRejectionFailsBind(t *testing.T) {
	rec := &recorder{}
	h := newTestHandle(&fakeConnector{}, rec, WithExecutor(rejectingExecutor{}))

	h.Bind()
	require.Eventually(t, func() bool {
		_, _, f := rec.counts()
		return f == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateUnbound, h.State())
	assert.Contains(t, h.LastError().Error(), "pool closed")
}

func TestCancelledBaseContextAbortsBind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConnector{release: make(chan struct{})}
	rec := &recorder{}
	h := newTestHandle(conn, rec, WithBaseContext(ctx))

	h.Bind()
	require.Eventually(t, func() bool { return conn.Calls() == 1 }, waitFor, tick)
	cancel()

	waitState(t, h, domain.StateUnbound)
	assert.ErrorIs(t, h.LastError(), context.Canceled)
}

func TestBoundIffEndpointPresent(t *testing.T) {
	conn := &fakeConnector{}
	h := newTestHandle(conn, &recorder{})

	stop := make(chan struct{})
	var violations atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.mu.Lock()
			if (h.state == domain.StateBound) != (h.endpoint != nil) {
				violations.Add(1)
			}
			h.mu.Unlock()
		}
	}()

	for i := 0; i < 20; i++ {
		h.Bind()
		waitState(t, h, domain.StateBound)
		waitClosed(t, h.Unbind())
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, violations.Load())
}
