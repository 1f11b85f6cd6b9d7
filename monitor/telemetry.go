// monitor/telemetry.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
)

// Telemetry polls the broker for open positions in the background and publishes what it reports.
// It shares the gated broker with the control loop, so its calls never overlap the loop's.
type Telemetry struct {
	broker   exchange.Broker
	symbols  []string
	metrics  *Metrics
	interval time.Duration
}

// NewTelemetry creates a telemetry task polling every interval.
func NewTelemetry(broker exchange.Broker, symbols []string, metrics *Metrics, interval time.Duration) *Telemetry {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Telemetry{
		broker:   broker,
		symbols:  append([]string(nil), symbols...),
		metrics:  metrics,
		interval: interval,
	}
}

// Poll fetches the positions of every symbol once.
func (t *Telemetry) Poll(ctx context.Context) error {
	var errs []error
	for _, symbol := range t.symbols {
		positions, err := t.broker.Positions(ctx, symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("telemetry positions %s: %w", symbol, err))
			continue
		}
		lots := 0.0
		for _, p := range positions {
			lots += p.Volume
		}
		t.metrics.SetBrokerExposure(symbol, len(positions), lots)
	}
	return errors.Join(errs...)
}

// Run polls until ctx is cancelled.
func (t *Telemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Poll(ctx); err != nil && ctx.Err() == nil {
				logs.Warnf("[Telemetry] %v", err)
			}
		}
	}
}
