// Package connection supervises the bind/unbind lifecycle of a single
// provider connection.
//
// A Handle moves between unbound, binding and bound. Bind and Unbind only
// request a transition; the transition itself happens later on a goroutine
// owned by the handle, which then notifies the handle's Listener. Completions
// for one handle are serialized, and a completion that belongs to a superseded
// request is discarded.
package connection

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pluginlookup/internal/domain"
)

// Endpoint is a live connection to a provider. Done closes when the
// connection is lost. Close must be safe to call more than once.
//
// Concrete endpoints expose their provider-facing capabilities through their
// own methods; callers reach them by type assertion.
type Endpoint interface {
	Done() <-chan struct{}
	Close() error
}

// Connector is the host primitive that starts or reaches a provider.
// The context bounds the connect only; the returned endpoint must outlive it.
type Connector interface {
	Connect(ctx context.Context, id domain.ProviderID) (Endpoint, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context, id domain.ProviderID) (Endpoint, error)

// Connect implements Connector
func (f ConnectorFunc) Connect(ctx context.Context, id domain.ProviderID) (Endpoint, error) {
	return f(ctx, id)
}

// Listener receives connection state changes. Callbacks run on the handle's
// completion goroutine; they may call Bind, Unbind and the accessors, but must
// not block waiting for another completion of the same handle.
type Listener interface {
	Connected(h *Handle)
	Disconnected(h *Handle)
}

// FailureListener is optionally implemented by a Listener that wants to hear
// about binds that gave up.
type FailureListener interface {
	BindFailed(h *Handle, err error)
}

// Executor runs connect attempts. *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

// RetryPolicy bounds a bind request
type RetryPolicy struct {
	Timeout         time.Duration // per attempt, 0 for none
	MaxAttempts     int           // 0 retries until the request is cancelled
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         10 * time.Second,
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
