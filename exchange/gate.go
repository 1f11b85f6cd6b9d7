// exchange/gate.go
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/cenkalti/backoff/v4"
)

// Gate is the exclusive capability for talking to the broker. The broker connection is not safe for
// concurrent use, so every consumer (control loop, telemetry) is handed the same Gate at construction.
// A holder keeps it for exactly one broker call; nothing acquires it twice, so there is no reentrancy.
type Gate struct {
	sem chan struct{}
}

// NewGate creates an unlocked gate.
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate.
func (g *Gate) Release() {
	<-g.sem
}

// Do runs fn while holding the gate.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// RetryPolicy bounds every broker call: a fixed number of attempts with a fixed pause between them,
// each attempt limited by CallTimeout.
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves the broker section empty.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond, CallTimeout: 10 * time.Second}

type caller struct {
	gate   *Gate
	policy RetryPolicy
}

func (c caller) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.policy.Backoff), uint64(attempts-1)),
		ctx,
	)

	tries := 0
	err := backoff.RetryNotify(func() error {
		tries++
		err := c.gate.Do(ctx, func() error {
			callCtx, cancel := c.callContext(ctx)
			defer cancel()
			return fn(callCtx)
		})
		if errors.Is(err, ErrUnknownTicket) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logs.Warnf("[Broker] %s failed (attempt %d/%d): %v, retrying in %v", op, tries, attempts, err, wait)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownTicket) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrBrokerUnavailable, op, tries, err)
}

func (c caller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.policy.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.policy.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// Ensure GatedBroker implements Broker
var _ Broker = (*GatedBroker)(nil)

// GatedBroker serialises access to a Broker through a Gate and applies the retry budget.
type GatedBroker struct {
	inner Broker
	caller
}

// NewGatedBroker wraps inner. All GatedBrokers and GatedFeeds sharing a Broker must share gate.
func NewGatedBroker(inner Broker, gate *Gate, policy RetryPolicy) *GatedBroker {
	return &GatedBroker{inner: inner, caller: caller{gate: gate, policy: policy}}
}

// Open places the order. A retry first looks for a position already carrying req.ClientID, so a call that
// timed out after the broker accepted it does not produce a second position.
func (b *GatedBroker) Open(ctx context.Context, req OrderRequest) (string, error) {
	var ticket string
	attempt := 0
	err := b.call(ctx, "open "+req.Symbol, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && req.ClientID != "" {
			positions, err := b.inner.Positions(ctx, req.Symbol)
			if err != nil {
				return err
			}
			if p, ok := FindByClientID(positions, req.ClientID); ok {
				ticket = p.Ticket
				return nil
			}
		}
		t, err := b.inner.Open(ctx, req)
		if err != nil {
			return err
		}
		ticket = t
		return nil
	})
	return ticket, err
}

// Close closes a ticket.
func (b *GatedBroker) Close(ctx context.Context, ticket string) error {
	return b.call(ctx, "close "+ticket, func(ctx context.Context) error {
		return b.inner.Close(ctx, ticket)
	})
}

// Positions lists open positions for symbol.
func (b *GatedBroker) Positions(ctx context.Context, symbol string) ([]Position, error) {
	var out []Position
	err := b.call(ctx, "positions "+symbol, func(ctx context.Context) error {
		positions, err := b.inner.Positions(ctx, symbol)
		if err != nil {
			return err
		}
		out = positions
		return nil
	})
	return out, err
}

var _ MarketFeed = (*GatedFeed)(nil)

// GatedFeed is the MarketFeed counterpart of GatedBroker, for feeds served by the broker connection.
type GatedFeed struct {
	inner MarketFeed
	caller
}

// NewGatedFeed wraps inner behind gate.
func NewGatedFeed(inner MarketFeed, gate *Gate, policy RetryPolicy) *GatedFeed {
	return &GatedFeed{inner: inner, caller: caller{gate: gate, policy: policy}}
}

// Snapshot fetches one market snapshot.
func (f *GatedFeed) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	var out Snapshot
	err := f.call(ctx, "snapshot "+symbol, func(ctx context.Context) error {
		s, err := f.inner.Snapshot(ctx, symbol)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}
