// monitor/scheduler.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/investment"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/profit"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/risk"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/strategy"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/tracker"
)

// Components are the collaborators the scheduler drives. Feed and Broker must share one gate.
type Components struct {
	Feed     exchange.MarketFeed
	Broker   exchange.Broker
	Store    state.BlockingStateStore
	Tracker  *tracker.Tracker
	Recovery *risk.RecoveryMachine
	Cascade  *risk.CascadeProtector
	Scorer   *strategy.ConfluenceScorer
	Exposure *investment.Manager
	Journal  logs.Recorder
	Metrics  *Metrics
}

// Scheduler is the single control loop. Symbols are processed one after another and every stack of a
// symbol is evaluated against the same snapshot and position list.
type Scheduler struct {
	cfg *config.Config
	Components
	now  func() time.Time
	errs chan error
}

// NewScheduler creates a scheduler. A nil journal or metrics is replaced by a no-op.
func NewScheduler(cfg *config.Config, c Components) *Scheduler {
	if c.Journal == nil {
		c.Journal = logs.Discard
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Exposure == nil {
		c.Exposure = investment.NewManager(cfg.Limits)
	}
	return &Scheduler{
		cfg:        cfg,
		Components: c,
		now:        time.Now,
		errs:       make(chan error, 32),
	}
}

// SetClock replaces the scheduler's clock.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Errors delivers persistence failures and configuration violations to the host. Delivery never blocks
// the loop; when the host falls behind the oldest reports are dropped.
func (s *Scheduler) Errors() <-chan error { return s.errs }

// Run drives RunCycle on a fixed cadence until ctx is cancelled. No error stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Normal.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	heartbeat := time.Duration(s.cfg.Normal.HeartbeatIntervalMinutes) * time.Minute
	if heartbeat <= 0 {
		heartbeat = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastHeartbeat := s.now()

	logs.Infof("[Scheduler] Control loop started: %d symbols, cycle every %s", len(s.cfg.Symbols), interval)
	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logs.Info("[Scheduler] Received stop signal, exiting.")
			return
		case <-ticker.C:
			s.cycle(ctx)
			if now := s.now(); now.Sub(lastHeartbeat) >= heartbeat {
				logs.Infof("[Heartbeat] Scheduler still running: %d live stacks, realized %.2f",
					s.Tracker.Len(), s.Recovery.Ledger().Total())
				lastHeartbeat = now
			}
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if err := s.RunCycle(ctx); err != nil {
		logs.Errorf("[Scheduler] Cycle finished with errors: %v", err)
	}
}

// RunCycle runs one pass over every configured symbol: evaluate the live stacks, feed the breaker,
// then look for new entries. Failures are isolated per stack and per symbol and returned joined.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	now := s.now()
	var errs []error
	fail := func(err error) {
		if err == nil {
			return
		}
		errs = append(errs, err)
		s.Metrics.ObserveError(err)
		s.report(err)
	}

	fail(s.Cascade.Flush(ctx))
	if n, err := s.Store.PurgeExpired(ctx, now); err != nil {
		fail(fmt.Errorf("purge expired blocks: %w", err))
	} else if n > 0 {
		logs.Infof("[Scheduler] Purged %d expired blocks.", n)
	}

	views := make(map[string]marketView, len(s.cfg.Symbols))
	for _, sc := range s.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		view, err := s.manageSymbol(ctx, sc, now, fail)
		if err != nil {
			fail(err)
			continue
		}
		views[sc.Symbol] = view
	}

	total := 0.0
	for symbol, view := range views {
		total += s.publishStacks(symbol, view.snap)
	}
	trig, err := s.Cascade.CheckAccount(ctx, total, now)
	fail(err)
	if trig != nil {
		s.Metrics.ObserveCascade(trig)
		for symbol, view := range views {
			s.closeStacks(ctx, symbol, view, trig, "", fail)
		}
	}

	for _, sc := range s.cfg.Symbols {
		view, ok := views[sc.Symbol]
		if !ok {
			continue
		}
		fail(s.lookForEntry(ctx, sc, view.snap, now))
	}

	s.Metrics.SetBlocks(flattenBlocks(s.Store.Snapshot()), now)
	s.Metrics.CycleDone(now)
	return errors.Join(errs...)
}

// marketView is what one cycle saw of a symbol.
type marketView struct {
	snap      exchange.Snapshot
	positions []exchange.Position
}

// manageSymbol evaluates every live stack of one symbol.
func (s *Scheduler) manageSymbol(ctx context.Context, sc config.SymbolConfig, now time.Time, fail func(error)) (marketView, error) {
	snap, err := s.Feed.Snapshot(ctx, sc.Symbol)
	if err != nil {
		return marketView{}, fmt.Errorf("snapshot %s: %w", sc.Symbol, err)
	}
	positions, err := s.Broker.Positions(ctx, sc.Symbol)
	if err != nil {
		// Without the ground truth nothing may be reconciled or sent
		return marketView{}, fmt.Errorf("positions %s: %w", sc.Symbol, err)
	}
	view := marketView{snap: snap, positions: positions}
	fail(s.Cascade.RefreshTrend(ctx, sc.Symbol, snap.TrendStrength, now))

	done := make(map[string]bool)
	for _, listed := range s.Tracker.ForSymbol(sc.Symbol) {
		if done[listed.ID] {
			continue
		}
		st, ok := s.Tracker.Get(listed.ID)
		if !ok {
			continue
		}
		done[st.ID] = true

		out, err := s.Recovery.Evaluate(ctx, st, snap, positions)
		s.Metrics.ObserveOutcome(out)
		if err != nil {
			fail(fmt.Errorf("evaluate %s: %w", st, err))
		}

		trig, err := s.Cascade.Observe(ctx, out, snap.TrendStrength, now)
		fail(err)
		if trig != nil {
			s.Metrics.ObserveCascade(trig)
			for _, id := range s.closeStacks(ctx, sc.Symbol, view, trig, st.ID, fail) {
				done[id] = true
			}
		}
	}
	return view, nil
}

// closeStacks force-closes every live stack of symbol except skip and returns the ids it touched.
func (s *Scheduler) closeStacks(ctx context.Context, symbol string, view marketView, trig *risk.CascadeTrigger,
	skip string, fail func(error)) []string {
	var touched []string
	for _, st := range s.Tracker.ForSymbol(symbol) {
		if st.ID == skip {
			continue
		}
		touched = append(touched, st.ID)
		out, err := s.Recovery.ForceClose(ctx, st, trig.CloseReason(), view.snap, view.positions)
		s.Metrics.ObserveOutcome(out)
		if err != nil {
			fail(fmt.Errorf("cascade close %s: %w", st, err))
		}
	}
	if len(touched) > 0 {
		logs.Warnf("[Scheduler] %s: cascade (%s) force-closed %d stacks", symbol, trig.Reason, len(touched))
	}
	return touched
}

// publishStacks updates the stack gauges of symbol and returns its floating P&L.
func (s *Scheduler) publishStacks(symbol string, snap exchange.Snapshot) float64 {
	sc, _ := s.cfg.SymbolByName(symbol)
	stacks := s.Tracker.ForSymbol(symbol)
	total := 0.0
	for _, st := range stacks {
		total += profit.ValueStack(st, snap, sc.PipSize, sc.ContractSize).Unrealized
	}
	s.Metrics.SetStacks(symbol, len(stacks), total)
	return total
}

// lookForEntry scores the snapshot and opens a stack for an actionable signal.
func (s *Scheduler) lookForEntry(ctx context.Context, sc config.SymbolConfig, snap exchange.Snapshot, now time.Time) error {
	sig := s.Scorer.Score(snap, sc.PipSize)
	if !sig.Actionable {
		if s.Scorer.IsNearMiss(sig) {
			s.recordNearMiss(sig, now)
		}
		return nil
	}

	if reason, blocked := s.entryBlocked(sc.Symbol, now); blocked {
		logs.Infof("[Scheduler] %s: %s signal score %d not taken: %s", sc.Symbol, sig.Direction, sig.Score, reason)
		return nil
	}
	if ok, reason := s.Exposure.Allow(sc.Symbol, s.Tracker.All(), sc.BaseVolume); !ok {
		logs.Debugf("[Scheduler] %s: signal not taken: %s", sc.Symbol, reason)
		return nil
	}

	if _, err := s.Recovery.OpenStack(ctx, sig, snap); err != nil {
		return fmt.Errorf("open stack on %s: %w", sc.Symbol, err)
	}
	return nil
}

func (s *Scheduler) entryBlocked(symbol string, now time.Time) (string, bool) {
	for _, kind := range []state.BlockKind{state.KindCascade, state.KindTrend} {
		if b, ok := s.Store.ActiveBlock(symbol, kind, now); ok {
			return fmt.Sprintf("%s block until %s", kind, b.ExpiresAt.Format(time.RFC3339)), true
		}
	}
	if s.Cascade.Blocking(symbol, now) {
		return "cascade block pending write", true
	}
	return "", false
}

func (s *Scheduler) recordNearMiss(sig strategy.Signal, now time.Time) {
	err := s.Journal.RecordNearMiss(logs.NearMiss{
		Time:          now,
		Symbol:        sig.Symbol,
		Price:         sig.Price,
		Score:         sig.Score,
		MinScore:      s.Scorer.MinScore(),
		Direction:     string(sig.Direction),
		Factors:       sig.Factors,
		TrendStrength: sig.TrendStrength,
		Reason:        sig.Reason,
	})
	if err != nil {
		logs.Errorf("[Journal] Failed to record near miss on %s: %v", sig.Symbol, err)
	}
}

// report forwards errors the host must see.
func (s *Scheduler) report(err error) {
	if !errors.Is(err, state.ErrPersistence) && !errors.Is(err, risk.ErrConfigViolation) {
		return
	}
	for {
		select {
		case s.errs <- err:
			return
		default:
		}
		select {
		case <-s.errs:
		default:
		}
	}
}

func flattenBlocks(st state.PersistedState) []state.BlockEntry {
	var out []state.BlockEntry
	for _, entries := range st.Blocks {
		out = append(out, entries...)
	}
	return out
}
