// Package supervisor owns the canonical set of provider connection handles.
//
// A refresh scans the registry and reconciles the result against the known
// handles: a rediscovered provider reuses its existing handle, a new one gets
// a handle of its own, and every discovered handle is asked to bind. Handles
// are never replaced, so callers may keep references to them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pluginlookup/internal/connection"
	"pluginlookup/internal/domain"
	"pluginlookup/internal/fanout"
	"pluginlookup/internal/registry"
	"pluginlookup/internal/telemetry"
)

var (
	// ErrNoPlayback is returned when no playback provider is configured
	ErrNoPlayback = errors.New("playback provider not configured")
	// ErrClosed is returned by operations on a closed supervisor
	ErrClosed = errors.New("supervisor closed")
)

var tracer = otel.Tracer("pluginlookup/internal/supervisor")

// Scanner produces the provider descriptors to reconcile.
// *registry.Scanner satisfies it.
type Scanner interface {
	Scan(ctx context.Context, action string) ([]domain.Descriptor, error)
}

// Result summarizes one refresh
type Result struct {
	Discovered int  `json:"discovered"`
	Created    int  `json:"created"`
	Reused     int  `json:"reused"`
	Evicted    int  `json:"evicted"`
	Partial    bool `json:"partial"`
}

// Supervisor reconciles registry scans into connection handles
type Supervisor struct {
	scanner   Scanner
	connector connection.Connector

	action       string
	evictMissing bool
	interval     time.Duration
	policy       connection.RetryPolicy
	maxBinds     int
	logger       zerolog.Logger
	collector    telemetry.Collector
	playbackDesc *domain.Descriptor
	onRefresh    func(Result, error)

	fanout   *fanout.Fanout
	pool     *ants.Pool
	executor connection.Executor

	// mu guards handles and the compare-and-insert into index
	mu      sync.RWMutex
	handles []*connection.Handle
	index   cmap.ConcurrentMap[string, *connection.Handle]
	closed  bool

	playback *connection.Handle

	baseCtx    context.Context
	cancelBase context.CancelFunc
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once

	lastMu      sync.RWMutex
	lastRefresh time.Time
	lastErr     error
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithAction sets the action providers must advertise
func WithAction(action string) Option {
	return func(s *Supervisor) {
		if action != "" {
			s.action = action
		}
	}
}

// WithEvictMissing removes handles for providers that a complete scan no
// longer reports. Off by default: handles live until Close.
func WithEvictMissing(evict bool) Option {
	return func(s *Supervisor) {
		s.evictMissing = evict
	}
}

// WithRefreshInterval enables periodic refresh after Start. Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.interval = d
	}
}

// WithRetryPolicy sets the bind policy for every handle
func WithRetryPolicy(p connection.RetryPolicy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithMaxConcurrentBinds bounds the number of connect attempts in flight
func WithMaxConcurrentBinds(n int) Option {
	return func(s *Supervisor) {
		s.maxBinds = n
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithCollector sets the telemetry collector
func WithCollector(c telemetry.Collector) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.collector = c
		}
	}
}

// WithPlayback configures the playback provider
func WithPlayback(desc domain.Descriptor) Option {
	return func(s *Supervisor) {
		s.playbackDesc = &desc
	}
}

// WithOnRefresh registers a hook called after every refresh attempt
func WithOnRefresh(fn func(Result, error)) Option {
	return func(s *Supervisor) {
		s.onRefresh = fn
	}
}

// New creates a supervisor. No scan happens until Start or Refresh.
func New(scanner Scanner, connector connection.Connector, opts ...Option) (*Supervisor, error) {
	if scanner == nil {
		return nil, errors.New("scanner is required")
	}
	if connector == nil {
		return nil, errors.New("connector is required")
	}

	s := &Supervisor{
		scanner:   scanner,
		connector: connector,
		action:    domain.ActionPickProvider,
		policy:    connection.DefaultRetryPolicy(),
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		index:     cmap.New[*connection.Handle](),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.fanout = fanout.New(s.logger)
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if s.maxBinds > 0 {
		pool, err := ants.NewPool(s.maxBinds)
		if err != nil {
			s.cancelBase()
			return nil, fmt.Errorf("failed to create bind pool: %w", err)
		}
		s.pool = pool
		s.executor = pool
	}

	if s.playbackDesc != nil {
		s.playback = s.newHandle(*s.playbackDesc)
	}

	return s, nil
}

func (s *Supervisor) newHandle(desc domain.Descriptor) *connection.Handle {
	opts := []connection.Option{
		connection.WithRetryPolicy(s.policy),
		connection.WithLogger(s.logger),
		connection.WithCollector(s.collector),
		connection.WithBaseContext(s.baseCtx),
		connection.WithListener(s.fanout),
	}
	if s.executor != nil {
		opts = append(opts, connection.WithExecutor(s.executor))
	}
	return connection.New(desc, s.connector, opts...)
}

// Start runs the first refresh and, when an interval is configured, keeps
// refreshing until ctx is cancelled or the supervisor is closed. The first
// refresh's error is returned but does not stop the loop.
func (s *Supervisor) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("supervisor already started")
	}

	_, err := s.Refresh(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("initial refresh failed")
	}

	if s.interval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			cancel()
			return ErrClosed
		}
		s.loopCancel = cancel
		s.startRefreshLoop(loopCtx)
		s.mu.Unlock()
	}
	return err
}

func (s *Supervisor) startRefreshLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug().Msg("stopping refresh loop")
				return
			case <-ticker.C:
				if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
					s.logger.Warn().Err(err).Msg("periodic refresh failed")
				}
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("started refresh loop")
}

// Refresh scans the registry and reconciles the result. Every discovered
// handle is asked to bind; binding completes asynchronously.
//
// A registry failure leaves the collection untouched and returns an error
// wrapping registry.ErrUnavailable. A partial scan still reconciles what it
// found and reports Result.Partial.
func (s *Supervisor) Refresh(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "supervisor.Refresh")
	defer span.End()

	if s.isClosed() {
		return Result{}, ErrClosed
	}

	descs, err := s.scanner.Scan(ctx, s.action)
	partial := registry.IsPartial(err)
	if err != nil && !partial {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		s.collector.IncRefresh("failed")
		s.finishRefresh(Result{}, err)
		return Result{}, err
	}
	if partial {
		s.logger.Warn().Err(err).Msg("registry partially unavailable")
	}

	res, toBind, evicted, err := s.reconcile(descs, partial)
	if err != nil {
		return Result{}, err
	}

	for _, h := range evicted {
		h.Unbind()
		s.logger.Info().Str("provider", h.ID().String()).Msg("evicted provider")
	}
	if !s.bindAll(toBind) {
		return Result{}, ErrClosed
	}

	outcome := "ok"
	if partial {
		outcome = "partial"
	}
	s.collector.IncRefresh(outcome)
	span.SetAttributes(
		attribute.Int("discovered", res.Discovered),
		attribute.Int("created", res.Created),
		attribute.Int("reused", res.Reused),
		attribute.Int("evicted", res.Evicted),
	)
	s.logger.Info().
		Int("discovered", res.Discovered).
		Int("created", res.Created).
		Int("reused", res.Reused).
		Int("evicted", res.Evicted).
		Bool("partial", partial).
		Msg("refresh complete")

	s.finishRefresh(res, nil)
	return res, nil
}

func (s *Supervisor) reconcile(descs []domain.Descriptor, partial bool) (Result, []*connection.Handle, []*connection.Handle, error) {
	res := Result{Discovered: len(descs), Partial: partial}
	seen := make(map[string]struct{}, len(descs))
	toBind := make([]*connection.Handle, 0, len(descs))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, nil, nil, ErrClosed
	}

	for _, desc := range descs {
		key := desc.ID().Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if h, ok := s.index.Get(key); ok {
			res.Reused++
			toBind = append(toBind, h)
			continue
		}

		h := s.newHandle(desc)
		s.handles = append(s.handles, h)
		s.index.Set(key, h)
		res.Created++
		toBind = append(toBind, h)
	}

	var evicted []*connection.Handle
	if s.evictMissing && !partial {
		kept := make([]*connection.Handle, 0, len(s.handles))
		for _, h := range s.handles {
			key := h.ID().Key()
			if _, ok := seen[key]; ok {
				kept = append(kept, h)
				continue
			}
			s.index.Remove(key)
			evicted = append(evicted, h)
		}
		s.handles = kept
		res.Evicted = len(evicted)
	}

	s.collector.SetHandles(len(s.handles))
	return res, toBind, evicted, nil
}

// bindAll requests a bind on every handle unless the supervisor has been
// closed. The read lock is held across the requests so Close cannot unbind
// in between and leave a handle binding after teardown.
func (s *Supervisor) bindAll(handles []*connection.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	for _, h := range handles {
		h.Bind()
	}
	return true
}

func (s *Supervisor) finishRefresh(res Result, err error) {
	s.lastMu.Lock()
	s.lastRefresh = time.Now()
	s.lastErr = err
	s.lastMu.Unlock()

	if s.onRefresh != nil {
		s.onRefresh(res, err)
	}
}

// LastRefresh reports when the last refresh finished and its error
func (s *Supervisor) LastRefresh() (time.Time, error) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastRefresh, s.lastErr
}

// Get returns the handle for id
func (s *Supervisor) Get(id domain.ProviderID) (*connection.Handle, bool) {
	return s.index.Get(id.Key())
}

// List returns the handles in discovery order. The slice is a copy but the
// handles are live: callers may bind or unbind them directly.
func (s *Supervisor) List() []*connection.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*connection.Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Len returns the number of handles
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Subscribe registers l for connection events from every handle
func (s *Supervisor) Subscribe(l connection.Listener) {
	s.fanout.Subscribe(l)
}

// Unsubscribe removes l
func (s *Supervisor) Unsubscribe(l connection.Listener) {
	s.fanout.Unsubscribe(l)
}

// ConnectPlayback binds the playback provider
func (s *Supervisor) ConnectPlayback() error {
	if s.playback == nil {
		return ErrNoPlayback
	}
	if !s.bindAll([]*connection.Handle{s.playback}) {
		return ErrClosed
	}
	return nil
}

// Playback returns the playback handle, if one is configured
func (s *Supervisor) Playback() (*connection.Handle, bool) {
	return s.playback, s.playback != nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops refreshing and unbinds every handle and the playback handle.
// Bind requests already under way in Refresh or ConnectPlayback are let
// through first, then unbound. Handles stay in the collection. Close waits
// for the unbinds to complete until ctx is done.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	loopCancel := s.loopCancel
	s.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
	}
	s.wg.Wait()

	handles := s.List()
	pending := make([]<-chan struct{}, 0, len(handles)+1)
	for _, h := range handles {
		pending = append(pending, h.Unbind())
	}
	if s.playback != nil && s.playback.State() != domain.StateUnbound {
		pending = append(pending, s.playback.Unbind())
	}

	var errs []error
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for unbind: %w", ctx.Err()))
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.closeOnce.Do(func() {
		s.cancelBase()
		if s.pool != nil {
			s.pool.Release()
		}
	})

	s.logger.Info().Int("handles", len(handles)).Msg("supervisor closed")
	return errors.Join(errs...)
}
