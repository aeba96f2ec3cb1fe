package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// Fake is a scriptable Provider that counts its calls.
type Fake struct {
	name string

	mu            sync.Mutex
	exchangeFn    func(ctx context.Context, refreshToken string) (domain.TokenGrant, error)
	probeFn       func(ctx context.Context, accessToken string) error
	exchangeDelay time.Duration
	manualRefresh bool

	exchanges atomic.Int64
	probes    atomic.Int64
}

// NewFake creates a provider whose calls all succeed.
func NewFake(name string) *Fake {
	f := &Fake{name: name, manualRefresh: true}
	f.exchangeFn = func(_ context.Context, _ string) (domain.TokenGrant, error) {
		return domain.TokenGrant{
			AccessToken: fmt.Sprintf("%s-access-%d", name, f.exchanges.Load()),
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}
	f.probeFn = func(context.Context, string) error { return nil }
	return f
}

// Name returns the provider identifier.
func (f *Fake) Name() string {
	return f.name
}

// Capabilities reports the configured manual refresh support.
func (f *Fake) Capabilities() Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Capabilities{ManualRefresh: f.manualRefresh}
}

// ExchangeRefreshToken counts the call, waits for the configured delay and
// runs the scripted exchange.
func (f *Fake) ExchangeRefreshToken(ctx context.Context, refreshToken string) (domain.TokenGrant, error) {
	f.exchanges.Add(1)

	f.mu.Lock()
	fn, delay := f.exchangeFn, f.exchangeDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.TokenGrant{}, ctx.Err()
		}
	}
	return fn(ctx, refreshToken)
}

// ProbeConnectivity counts the call and runs the scripted probe.
func (f *Fake) ProbeConnectivity(ctx context.Context, accessToken string) error {
	f.probes.Add(1)

	f.mu.Lock()
	fn := f.probeFn
	f.mu.Unlock()
	return fn(ctx, accessToken)
}

// OnExchange replaces the exchange behaviour.
func (f *Fake) OnExchange(fn func(ctx context.Context, refreshToken string) (domain.TokenGrant, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeFn = fn
}

// OnProbe replaces the probe behaviour.
func (f *Fake) OnProbe(fn func(ctx context.Context, accessToken string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeFn = fn
}

// FailExchange makes every exchange return err.
func (f *Fake) FailExchange(err error) {
	f.OnExchange(func(context.Context, string) (domain.TokenGrant, error) {
		return domain.TokenGrant{}, err
	})
}

// FailProbe makes every probe return err.
func (f *Fake) FailProbe(err error) {
	f.OnProbe(func(context.Context, string) error { return err })
}

// SetExchangeDelay makes every exchange take at least d.
func (f *Fake) SetExchangeDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeDelay = d
}

// SetManualRefresh toggles manual refresh support.
func (f *Fake) SetManualRefresh(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualRefresh = ok
}

// ExchangeCalls returns how many exchanges were attempted.
func (f *Fake) ExchangeCalls() int {
	return int(f.exchanges.Load())
}

// ProbeCalls returns how many probes were attempted.
func (f *Fake) ProbeCalls() int {
	return int(f.probes.Load())
}
