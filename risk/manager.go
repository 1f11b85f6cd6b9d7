// risk/manager.go
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/profit"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/strategy"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/tracker"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/utils"
)

// ErrConfigViolation is returned when an action would break a configured limit, e.g. a DCA level
// beyond max_dca_levels. The action is refused, never clamped.
var ErrConfigViolation = errors.New("configuration violation")

// RecoveryManager defines the interface the scheduler drives once per cycle for every live stack.
type RecoveryManager interface {
	// Decide picks the single action for a stack from a snapshot. It has no side effects.
	Decide(s *state.Stack, snap exchange.Snapshot, sc config.SymbolConfig) Action

	// Evaluate reconciles a stack against the broker's positions, decides, and executes the decision
	// with the state persisted ahead of every broker call.
	Evaluate(ctx context.Context, s *state.Stack, snap exchange.Snapshot, positions []exchange.Position) (Outcome, error)

	// OpenStack opens a new stack for an actionable signal.
	OpenStack(ctx context.Context, sig strategy.Signal, snap exchange.Snapshot) (*state.Stack, error)

	// ForceClose closes every position of a stack on behalf of the cascade breaker.
	ForceClose(ctx context.Context, s *state.Stack, reason string, snap exchange.Snapshot, positions []exchange.Position) (Outcome, error)
}

// Ensure RecoveryMachine implements RecoveryManager
var _ RecoveryManager = (*RecoveryMachine)(nil)

// Outcome is what one evaluation did to a stack.
type Outcome struct {
	StackID       string
	Symbol        string
	Action        Action
	Placed        string // Ticket opened this cycle
	Closed        bool
	CloseReason   string
	StopOut       bool
	RealizedPnL   float64
	TriggerPips   float64
	UnrealizedPnL float64
	Blocked       bool
	BlockReason   string
}

// RecoveryMachine is the per-stack recovery state machine. It is driven from the single control loop
// and is not safe for concurrent use.
type RecoveryMachine struct {
	cfg     *config.Config
	store   state.BlockingStateStore
	broker  exchange.Broker
	tracker *tracker.Tracker
	journal logs.Recorder
	ledger  *profit.Ledger
	now     func() time.Time

	noted map[string]string // Stack id -> last journaled block reason
}

// NewRecoveryMachine wires the machine to its collaborators. broker must be the gated broker shared
// with every other consumer of the connection.
func NewRecoveryMachine(cfg *config.Config, store state.BlockingStateStore, broker exchange.Broker,
	tr *tracker.Tracker, journal logs.Recorder, ledger *profit.Ledger) *RecoveryMachine {
	if journal == nil {
		journal = logs.Discard
	}
	if ledger == nil {
		ledger = profit.NewLedger()
	}
	return &RecoveryMachine{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		tracker: tr,
		journal: journal,
		ledger:  ledger,
		now:     time.Now,
		noted:   make(map[string]string),
	}
}

// SetClock replaces the machine's clock.
func (m *RecoveryMachine) SetClock(now func() time.Time) { m.now = now }

// Ledger returns the realized results of the stacks this machine closed.
func (m *RecoveryMachine) Ledger() *profit.Ledger { return m.ledger }

// Decide walks the triggers from most to least protective and returns the first that fires.
// The stop-loss ceiling is chosen from the hedge present in this snapshot, never from a cached value.
func (m *RecoveryMachine) Decide(s *state.Stack, snap exchange.Snapshot, sc config.SymbolConfig) Action {
	v := profit.ValueStack(s, snap, sc.PipSize, sc.ContractSize)

	// A force-close that did not finish keeps going until nothing is left
	if s.Phase == state.PhaseCascadeBlocked {
		return &ForceCloseAction{Reason: s.CloseReason, TriggerPips: v.AdverseFromOrigin, Unrealized: v.Unrealized}
	}
	if s.Pending != nil || s.Empty() {
		return &NoOpAction{}
	}

	// 1. Hard stop
	if snap.TrendStrength > m.cfg.Trend.HardStop {
		return &ForceCloseAction{Reason: ReasonHardStop, TriggerPips: v.AdverseFromOrigin, Unrealized: v.Unrealized}
	}

	// 2. Stop loss
	ceiling := sc.StopLoss.Ceiling
	if s.Hedge != nil {
		ceiling = sc.StopLoss.HedgedCeiling
	}
	if -v.Unrealized >= ceiling {
		return &ForceCloseAction{Reason: ReasonStopLoss, TriggerPips: v.AdverseFromOrigin, Unrealized: v.Unrealized}
	}

	// 3. DCA
	if m.cfg.StrategyEnabled(config.StrategyDCA) && s.DCALevel < m.cfg.Recovery.MaxDCALevels &&
		len(s.Positions) > 0 && v.AdverseFromLast >= sc.DCA.TriggerPips {
		last, _ := s.LastPosition()
		return &OpenDCAAction{
			Level:       s.DCALevel + 1,
			Direction:   s.Direction,
			Volume:      stepVolume(last.Volume*sc.DCA.Multiplier, sc.VolumeStep),
			TriggerPips: v.AdverseFromLast,
			Unrealized:  v.Unrealized,
		}
	}

	// 4. Hedge
	if m.cfg.StrategyEnabled(config.StrategyHedge) && s.Hedge == nil && s.HedgesUsed < m.cfg.Recovery.MaxHedges &&
		len(s.Positions) > 0 && v.AdverseFromOrigin >= sc.Hedge.TriggerPips {
		return &OpenHedgeAction{
			Direction:   s.Direction.Opposite(),
			Volume:      stepVolume(s.NetVolume()*sc.Hedge.Ratio, sc.VolumeStep),
			TriggerPips: v.AdverseFromOrigin,
			Unrealized:  v.Unrealized,
		}
	}

	// 5. Grid
	if m.cfg.StrategyEnabled(config.StrategyGrid) {
		if slot, ok := strategy.NextCrossedSlot(s.Grid, snap); ok {
			return &OpenGridAction{Slot: slot, TriggerPips: v.AdverseFromOrigin, Unrealized: v.Unrealized}
		}
	}
	return &NoOpAction{}
}

// stepVolume rounds to the broker's volume step, never below one step.
func stepVolume(v, step float64) float64 {
	rounded := utils.RoundToStep(v, step)
	if rounded < step {
		return step
	}
	return rounded
}
