// risk/cascade.go
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
)

// CascadeTrigger tells the scheduler a breaker fired and which stacks it must force-close.
type CascadeTrigger struct {
	Symbol     string // Empty for the account-wide breaker
	Account    bool
	StopOuts   int
	TrendBlock bool
	Until      time.Time
	Reason     string
}

// CloseReason is the reason recorded on stacks closed because of the trigger.
func (t *CascadeTrigger) CloseReason() string {
	if t.Account {
		return ReasonAccountCascade
	}
	return ReasonCascade
}

// CascadeProtector is the cross-stack circuit breaker. It counts stop-outs per symbol in a rolling
// window and writes cooldown blocks to the store when the count reaches the threshold.
type CascadeProtector struct {
	mu       sync.Mutex
	cfg      config.CascadeConfig
	store    state.BlockingStateStore
	stopOuts map[string][]time.Time
	unsaved  []state.BlockEntry // Blocks whose write failed, retried by Flush
}

// NewCascadeProtector creates a protector writing its blocks to store.
func NewCascadeProtector(cfg config.CascadeConfig, store state.BlockingStateStore) *CascadeProtector {
	return &CascadeProtector{
		cfg:      cfg,
		store:    store,
		stopOuts: make(map[string][]time.Time),
	}
}

func (c *CascadeProtector) window() time.Duration {
	return time.Duration(c.cfg.WindowMinutes) * time.Minute
}

// prune drops stop-outs older than the window. A stop-out exactly window old still counts. Caller holds c.mu.
func (c *CascadeProtector) prune(symbol string, now time.Time) []time.Time {
	kept := c.stopOuts[symbol][:0]
	for _, t := range c.stopOuts[symbol] {
		if now.Sub(t) <= c.window() {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(c.stopOuts, symbol)
		return nil
	}
	c.stopOuts[symbol] = kept
	return kept
}

// StopOuts returns how many stop-outs of symbol are inside the window at now.
func (c *CascadeProtector) StopOuts(symbol string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prune(symbol, now))
}

// Observe feeds one evaluation outcome to the breaker. trend is the symbol's trend strength at the time.
// A returned trigger means the scheduler must force-close every other live stack of the symbol; it is
// returned even when writing the blocks failed, and the write is retried by Flush.
func (c *CascadeProtector) Observe(ctx context.Context, out Outcome, trend float64, now time.Time) (*CascadeTrigger, error) {
	if !c.cfg.Enabled || !out.Closed || !out.StopOut {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopOuts[out.Symbol] = append(c.stopOuts[out.Symbol], now)
	recent := c.prune(out.Symbol, now)
	logs.Infof("[Cascade] %s stop-out (%s, %.2f): %d in the last %d minutes (threshold %d)",
		out.Symbol, out.CloseReason, out.RealizedPnL, len(recent), c.cfg.WindowMinutes, c.cfg.Threshold)
	if len(recent) < c.cfg.Threshold {
		return nil, nil
	}

	trig := &CascadeTrigger{
		Symbol:   out.Symbol,
		StopOuts: len(recent),
		Until:    now.Add(time.Duration(c.cfg.CooldownMinutes) * time.Minute),
		Reason:   fmt.Sprintf("%d stop-outs within %d minutes", len(recent), c.cfg.WindowMinutes),
	}
	blocks := []state.BlockEntry{{
		Scope:     state.ScopeSymbol,
		Kind:      state.KindCascade,
		Symbol:    out.Symbol,
		ExpiresAt: trig.Until,
		CreatedAt: now,
		Reason:    trig.Reason,
	}}
	if c.cfg.TrendBlockThreshold > 0 && trend > c.cfg.TrendBlockThreshold {
		trig.TrendBlock = true
		blocks = append(blocks, state.BlockEntry{
			Scope:     state.ScopeSymbol,
			Kind:      state.KindTrend,
			Symbol:    out.Symbol,
			ExpiresAt: now.Add(time.Duration(c.cfg.TrendBlockMaxMinutes) * time.Minute),
			CreatedAt: now,
			Reason:    fmt.Sprintf("trend strength %.1f above %.1f at cascade", trend, c.cfg.TrendBlockThreshold),
		})
	}

	logs.Warnf("[Cascade] %s: CASCADE TRIGGERED (%s). New stacks blocked until %s, trend block: %t",
		out.Symbol, trig.Reason, trig.Until.Format(time.RFC3339), trig.TrendBlock)
	return trig, c.write(ctx, blocks)
}

// CheckAccount fires the account-wide breaker when the floating loss of every live stack together
// reaches cascade.account_loss_ceiling. It fires once per cooldown.
func (c *CascadeProtector) CheckAccount(ctx context.Context, totalUnrealized float64, now time.Time) (*CascadeTrigger, error) {
	if !c.cfg.Enabled || c.cfg.AccountLossCeiling <= 0 || totalUnrealized > -c.cfg.AccountLossCeiling {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store.IsBlocked(state.AccountKey, state.KindCascade, now) || c.hasUnsaved(state.AccountKey, state.KindCascade, now) {
		return nil, nil
	}

	trig := &CascadeTrigger{
		Account: true,
		Until:   now.Add(time.Duration(c.cfg.CooldownMinutes) * time.Minute),
		Reason:  fmt.Sprintf("account floating loss %.2f reached ceiling %.2f", totalUnrealized, c.cfg.AccountLossCeiling),
	}
	logs.Warnf("[Cascade] ACCOUNT CASCADE TRIGGERED (%s). All new stacks blocked until %s",
		trig.Reason, trig.Until.Format(time.RFC3339))
	return trig, c.write(ctx, []state.BlockEntry{{
		Scope:     state.ScopeAccount,
		Kind:      state.KindCascade,
		ExpiresAt: trig.Until,
		CreatedAt: now,
		Reason:    trig.Reason,
	}})
}

// RefreshTrend maintains the trend block of symbol from the current trend strength. The block is
// cleared once trend drops below cascade.trend_release_threshold; while trend stays at or above it the
// expiry is pushed forward, so the timer alone only lifts a block the process stopped maintaining.
// The block is also rewritten before the block set ages past half the staleness ceiling, so a restart
// never mistakes a maintained block for an abandoned one.
func (c *CascadeProtector) RefreshTrend(ctx context.Context, symbol string, trend float64, now time.Time) error {
	if !c.cfg.Enabled || c.cfg.TrendBlockThreshold <= 0 {
		return nil
	}
	b, ok := c.store.ActiveBlock(symbol, state.KindTrend, now)
	if !ok || b.Scope != state.ScopeSymbol {
		return nil
	}
	if trend < c.cfg.TrendReleaseThreshold {
		if err := c.store.ClearBlock(ctx, state.ScopeSymbol, symbol, state.KindTrend); err != nil {
			return fmt.Errorf("release trend block on %s: %w", symbol, err)
		}
		logs.Infof("[Cascade] %s: trend strength %.1f below %.1f. Trend block released.", symbol, trend, c.cfg.TrendReleaseThreshold)
		return nil
	}

	life := time.Duration(c.cfg.TrendBlockMaxMinutes) * time.Minute
	age, staleness := c.store.BlockAge(now)
	aging := staleness > 0 && age >= staleness/2
	if b.ExpiresAt.Sub(now) > life/2 && !aging {
		return nil
	}
	b.ExpiresAt = now.Add(life)
	b.CreatedAt = now
	if err := c.store.PutBlock(ctx, b); err != nil {
		return fmt.Errorf("extend trend block on %s: %w", symbol, err)
	}
	logs.Debugf("[Cascade] %s: trend strength %.1f still high. Trend block extended to %s.", symbol, trend, b.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Blocking reports whether a block for symbol is waiting in memory for a successful write.
func (c *CascadeProtector) Blocking(symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasUnsaved(symbol, state.KindCascade, now) || c.hasUnsaved(symbol, state.KindTrend, now) ||
		c.hasUnsaved(state.AccountKey, state.KindCascade, now)
}

// Flush retries block writes that failed earlier.
func (c *CascadeProtector) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsaved) == 0 {
		return nil
	}
	blocks := c.unsaved
	c.unsaved = nil
	return c.write(ctx, blocks)
}

// write persists blocks, keeping the ones that failed for Flush. Caller holds c.mu.
func (c *CascadeProtector) write(ctx context.Context, blocks []state.BlockEntry) error {
	var firstErr error
	for _, b := range blocks {
		if err := c.store.PutBlock(ctx, b); err != nil {
			c.unsaved = append(c.unsaved, b)
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s block for %s: %w", b.Kind, blockTarget(b), err)
			}
		}
	}
	return firstErr
}

// hasUnsaved checks the blocks waiting for a write. Caller holds c.mu.
func (c *CascadeProtector) hasUnsaved(key string, kind state.BlockKind, now time.Time) bool {
	for _, b := range c.unsaved {
		if blockTarget(b) == key && b.Kind == kind && b.Active(now) {
			return true
		}
	}
	return false
}

func blockTarget(b state.BlockEntry) string {
	if b.Scope == state.ScopeAccount {
		return state.AccountKey
	}
	return b.Symbol
}
