package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"pluginlookup/internal/domain"
	"pluginlookup/internal/telemetry"
)

// Handle is the managed connection to one provider.
//
// Identity fields never change after construction. The endpoint is present
// exactly while the state is bound.
type Handle struct {
	desc      domain.Descriptor
	id        domain.ProviderID
	connector Connector
	policy    RetryPolicy
	executor  Executor
	logger    zerolog.Logger
	collector telemetry.Collector
	baseCtx   context.Context

	// serial orders completions and their listener dispatch
	serial sync.Mutex

	mu         sync.Mutex
	state      domain.State
	endpoint   Endpoint
	listener   Listener
	epoch      uint64
	cancel     context.CancelFunc
	unbindDone chan struct{}
	lastErr    error
	changedAt  time.Time
}

// Option configures a Handle
type Option func(*Handle)

// WithRetryPolicy sets the bind timeout and retry bounds
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Handle) {
		h.policy = p
	}
}

// WithExecutor sets where connect attempts run
func WithExecutor(e Executor) Option {
	return func(h *Handle) {
		if e != nil {
			h.executor = e
		}
	}
}

// WithLogger sets the handle logger
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithCollector sets the telemetry collector
func WithCollector(c telemetry.Collector) Option {
	return func(h *Handle) {
		if c != nil {
			h.collector = c
		}
	}
}

// WithBaseContext sets the context all bind requests derive from.
// Cancelling it aborts in-flight binds.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handle) {
		if ctx != nil {
			h.baseCtx = ctx
		}
	}
}

// WithListener sets the initial listener
func WithListener(l Listener) Option {
	return func(h *Handle) {
		h.listener = l
	}
}

// New creates an unbound handle for desc
func New(desc domain.Descriptor, connector Connector, opts ...Option) *Handle {
	h := &Handle{
		desc:      desc,
		id:        desc.ID(),
		connector: connector,
		policy:    DefaultRetryPolicy(),
		executor:  goExecutor{},
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		baseCtx:   context.Background(),
		state:     domain.StateUnbound,
		changedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("provider", h.id.String()).Logger()
	return h
}

// ID returns the provider identifier
func (h *Handle) ID() domain.ProviderID { return h.id }

// Module returns the provider's module reference
func (h *Handle) Module() string { return h.desc.Module }

// EntryPoint returns the provider's entry point name
func (h *Handle) EntryPoint() string { return h.desc.EntryPoint }

// Name returns the provider's display name
func (h *Handle) Name() string { return h.desc.Name }

// ConfigClass returns the provider's configuration entry point, if any
func (h *Handle) ConfigClass() string { return h.desc.ConfigClass }

// Descriptor returns the descriptor the handle was created from
func (h *Handle) Descriptor() domain.Descriptor { return h.desc }

// SetListener replaces the listener. The last call wins.
func (h *Handle) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// State returns the current lifecycle state
func (h *Handle) State() domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Endpoint returns the live endpoint while bound
func (h *Handle) Endpoint() (Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoint, h.endpoint != nil
}

// LastError returns the error that ended the most recent failed bind
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Info returns a snapshot suitable for serialization
func (h *Handle) Info() domain.ProviderInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := domain.ProviderInfo{
		ID:          h.id.String(),
		Module:      h.desc.Module,
		EntryPoint:  h.desc.EntryPoint,
		Name:        h.desc.Name,
		ConfigClass: h.desc.ConfigClass,
		State:       h.state,
		Since:       h.changedAt,
	}
	if h.lastErr != nil {
		info.Error = h.lastErr.Error()
	}
	return info
}

// Bind requests a connection. It is a no-op unless the handle is unbound.
// The outcome is reported asynchronously: Connected on success, nothing but
// a return to unbound (and BindFailed, if the listener wants it) on failure.
func (h *Handle) Bind() {
	h.mu.Lock()
	if h.state != domain.StateUnbound {
		h.mu.Unlock()
		return
	}
	h.state = domain.StateBinding
	h.changedAt = time.Now()
	h.epoch++
	epoch := h.epoch
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.cancel = cancel
	h.mu.Unlock()

	h.collector.IncTransition(h.id.String(), string(domain.StateBinding))
	h.logger.Debug().Msg("binding provider")

	go func() {
		if err := h.executor.Submit(func() { h.connect(ctx, epoch) }); err != nil {
			h.failed(epoch, fmt.Errorf("submit bind: %w", err))
		}
	}()
}

// Unbind requests disconnection. It is a no-op when already unbound. The
// returned channel closes once the handle is unbound and any Disconnected
// callback has returned.
func (h *Handle) Unbind() <-chan struct{} {
	h.mu.Lock()
	if h.state == domain.StateUnbound {
		h.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	if h.unbindDone != nil {
		done := h.unbindDone
		h.mu.Unlock()
		return done
	}

	h.epoch++
	epoch := h.epoch
	ep := h.endpoint
	cancel := h.cancel
	h.cancel = nil
	done := make(chan struct{})
	h.unbindDone = done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.logger.Debug().Msg("unbinding provider")

	go h.unbound(epoch, ep, done)
	return done
}

func (h *Handle) connect(ctx context.Context, epoch uint64) {
	var (
		ep      Endpoint
		attempt int
	)

	op := func() error {
		attempt++
		h.collector.IncBindAttempt(h.id.String())

		attemptCtx := ctx
		if h.policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, h.policy.Timeout)
			defer cancel()
		}

		e, err := h.connectAttempt(attemptCtx)
		if err != nil {
			return err
		}
		if e == nil {
			return backoff.Permanent(fmt.Errorf("connector returned no endpoint"))
		}
		ep = e
		return nil
	}

	notify := func(err error, next time.Duration) {
		h.logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("connect attempt failed")
	}

	if err := backoff.RetryNotify(op, h.policy.backOff(ctx), notify); err != nil {
		h.failed(epoch, fmt.Errorf("bind %s after %d attempt(s): %w", h.id, attempt, err))
		return
	}

	h.bound(ctx, epoch, ep)
}

// connectAttempt bounds one Connect call by ctx even when the connector
// ignores it. An endpoint delivered after ctx is done is closed.
func (h *Handle) connectAttempt(ctx context.Context) (Endpoint, error) {
	type result struct {
		ep  Endpoint
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ep, err := h.connector.Connect(ctx, h.id)
		ch <- result{ep: ep, err: err}
	}()

	select {
	case r := <-ch:
		return r.ep, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.ep != nil {
				_ = r.ep.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (h *Handle) bound(ctx context.Context, epoch uint64, ep Endpoint) {
	h.serial.Lock()
	defer h.serial.Unlock()

	h.mu.Lock()
	if h.epoch != epoch || h.state != domain.StateBinding {
		h.mu.Unlock()
		// superseded by Unbind
		_ = ep.Close()
		return
	}
	h.state = domain.StateBound
	h.endpoint = ep
	h.lastErr = nil
	h.changedAt = time.Now()
	listener := h.listener
	h.mu.Unlock()

	h.collector.IncTransition(h.id.String(), string(domain.StateBound))
	h.logger.Info().Str("name", h.desc.Name).Msg("provider connected")

	go h.watch(ctx, epoch, ep)

	if listener != nil {
		listener.Connected(h)
	}
}

func (h *Handle) failed(epoch uint64, err error) {
	h.serial.Lock()
	defer h.serial.Unlock()

	h.mu.Lock()
	if h.epoch != epoch || h.state != domain.StateBinding {
		h.mu.Unlock()
		return
	}
	h.state = domain.StateUnbound
	h.lastErr = err
	h.changedAt = time.Now()
	cancel := h.cancel
	h.cancel = nil
	listener := h.listener
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	h.collector.IncBindFailure(h.id.String())
	h.collector.IncTransition(h.id.String(), string(domain.StateUnbound))
	h.logger.Warn().Err(err).Msg("provider bind failed")

	if fl, ok := listener.(FailureListener); ok {
		fl.BindFailed(h, err)
	}
}

func (h *Handle) watch(ctx context.Context, epoch uint64, ep Endpoint) {
	select {
	case <-ep.Done():
		h.lost(epoch, ep)
	case <-ctx.Done():
	}
}

func (h *Handle) lost(epoch uint64, ep Endpoint) {
	h.serial.Lock()
	defer h.serial.Unlock()

	h.mu.Lock()
	if h.epoch != epoch || h.state != domain.StateBound || h.endpoint != ep {
		h.mu.Unlock()
		return
	}
	h.epoch++
	h.state = domain.StateUnbound
	h.endpoint = nil
	h.changedAt = time.Now()
	cancel := h.cancel
	h.cancel = nil
	listener := h.listener
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = ep.Close()

	h.collector.IncTransition(h.id.String(), string(domain.StateUnbound))
	h.logger.Warn().Msg("provider connection lost")

	if listener != nil {
		listener.Disconnected(h)
	}
}

func (h *Handle) unbound(epoch uint64, ep Endpoint, done chan struct{}) {
	defer close(done)

	if ep != nil {
		if err := ep.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("closing endpoint")
		}
	}

	h.serial.Lock()
	defer h.serial.Unlock()

	h.mu.Lock()
	if h.unbindDone == done {
		h.unbindDone = nil
	}
	if h.epoch != epoch {
		h.mu.Unlock()
		return
	}
	wasBound := h.state == domain.StateBound
	h.state = domain.StateUnbound
	h.endpoint = nil
	h.changedAt = time.Now()
	listener := h.listener
	h.mu.Unlock()

	h.collector.IncTransition(h.id.String(), string(domain.StateUnbound))
	h.logger.Info().Msg("provider disconnected")

	if wasBound && listener != nil {
		listener.Disconnected(h)
	}
}
