// risk/recovery.go
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/profit"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/strategy"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/tracker"
)

// ReasonEntryUnfilled closes a stack whose entry order never reached the broker.
const ReasonEntryUnfilled = "entry_unfilled"

// Journal types
const (
	journalDCA        = "DCA"
	journalHedge      = "Hedge"
	journalGrid       = "Grid"
	journalForceClose = "ForceClose"
)

// Evaluate runs one cycle for s. positions are the broker's open positions for the stack's symbol,
// fetched once for the whole cycle.
//
// Reconciliation comes first: recorded tickets the broker no longer has are dropped, and a pending
// order is resolved by its client id before anything new may be sent. While a pending order is
// unresolved and younger than the grace period the stack does nothing else.
func (m *RecoveryMachine) Evaluate(ctx context.Context, s *state.Stack, snap exchange.Snapshot, positions []exchange.Position) (Outcome, error) {
	out := Outcome{StackID: s.ID, Symbol: s.Symbol, Action: &NoOpAction{}}
	sc, ok := m.cfg.SymbolByName(s.Symbol)
	if !ok {
		return out, fmt.Errorf("%w: stack %s trades unconfigured symbol %s", ErrConfigViolation, s, s.Symbol)
	}
	now := m.now()
	w := s.Clone()

	changed := false
	if removed := tracker.ReconcileTickets(w, exchange.IndexByTicket(positions)); len(removed) > 0 {
		logs.Warnf("[Recovery] %s: tickets %v no longer exist at the broker. Treating them as closed.", w, removed)
		changed = true
	}

	unfilledEntry := awaitingEntry(w)
	resolved := false
	if w.Pending != nil {
		switch m.resolvePending(w, positions, now) {
		case pendingWaiting:
			logs.Debugf("[Recovery] %s: %s order %s still awaiting confirmation", w, w.Pending.Kind, w.Pending.ClientID)
			if w.Phase == state.PhaseCascadeBlocked {
				// The recorded tickets keep closing; the stack stays until the order is settled
				break
			}
			if !changed {
				return out, nil
			}
			resolved = true
		default:
			changed = true
			resolved = true
		}
	}

	if w.Empty() && w.Pending == nil {
		reason := ReasonBrokerClosed
		switch {
		case unfilledEntry:
			reason = ReasonEntryUnfilled
		case w.Phase == state.PhaseCascadeBlocked:
			reason = w.CloseReason
		}
		return m.closeOut(ctx, w, reason, out)
	}

	if changed {
		if err := m.commit(ctx, w); err != nil {
			return out, fmt.Errorf("reconcile %s: %w", w, err)
		}
	}
	if resolved {
		// One broker-visible change per stack per cycle
		return out, nil
	}

	if m.cfg.StrategyEnabled(config.StrategyGrid) && w.Grid == nil && w.Phase != state.PhaseCascadeBlocked {
		if origin, ok := w.OriginalEntry(); ok {
			w.Grid = strategy.BuildLadder(origin, sc.Grid, sc.PipSize)
			if err := m.commit(ctx, w); err != nil {
				return out, fmt.Errorf("lay grid for %s: %w", w, err)
			}
		}
	}

	return m.Execute(ctx, w, m.Decide(w, snap, sc), snap)
}

// Execute carries out action for s. Every opening action is written ahead as a pending order; if that
// write fails nothing is sent.
func (m *RecoveryMachine) Execute(ctx context.Context, s *state.Stack, action Action, snap exchange.Snapshot) (Outcome, error) {
	out := Outcome{StackID: s.ID, Symbol: s.Symbol, Action: action}
	sc, ok := m.cfg.SymbolByName(s.Symbol)
	if !ok {
		return out, fmt.Errorf("%w: stack %s trades unconfigured symbol %s", ErrConfigViolation, s, s.Symbol)
	}
	now := m.now()

	switch a := action.(type) {
	case *NoOpAction:
		return out, nil

	case *ForceCloseAction:
		out.TriggerPips, out.UnrealizedPnL = a.TriggerPips, a.Unrealized
		return m.forceClose(ctx, s, a, snap, sc, out, false)

	case *OpenDCAAction:
		out.TriggerPips, out.UnrealizedPnL = a.TriggerPips, a.Unrealized
		rec := m.decision(s, journalDCA, a.Level, a.Volume, a.TriggerPips, a.Unrealized, now)
		if a.Level != s.DCALevel+1 || a.Level > m.cfg.Recovery.MaxDCALevels {
			return m.refuse(s, rec, out, fmt.Sprintf("dca level %d not allowed at level %d (max_dca_levels %d)",
				a.Level, s.DCALevel, m.cfg.Recovery.MaxDCALevels))
		}
		if blocked, reason := m.trendBlocked(s, now); blocked {
			return m.block(s, rec, out, reason)
		}
		return m.place(ctx, s, &state.PendingOrder{
			Kind:        state.OrderDCA,
			Level:       a.Level,
			ClientID:    s.ClientID(state.OrderDCA, a.Level),
			Direction:   a.Direction,
			Volume:      a.Volume,
			TriggerPips: a.TriggerPips,
			RequestedAt: now,
		}, snap, rec, out)

	case *OpenHedgeAction:
		out.TriggerPips, out.UnrealizedPnL = a.TriggerPips, a.Unrealized
		n := s.HedgesUsed + 1
		rec := m.decision(s, journalHedge, n, a.Volume, a.TriggerPips, a.Unrealized, now)
		if s.Hedge != nil || n > m.cfg.Recovery.MaxHedges {
			return m.refuse(s, rec, out, fmt.Sprintf("hedge %d not allowed (max_hedges %d, hedge open: %t)",
				n, m.cfg.Recovery.MaxHedges, s.Hedge != nil))
		}
		return m.place(ctx, s, &state.PendingOrder{
			Kind:        state.OrderHedge,
			Level:       n,
			ClientID:    s.ClientID(state.OrderHedge, n),
			Direction:   a.Direction,
			Volume:      a.Volume,
			TriggerPips: a.TriggerPips,
			RequestedAt: now,
		}, snap, rec, out)

	case *OpenGridAction:
		out.TriggerPips, out.UnrealizedPnL = a.TriggerPips, a.Unrealized
		rec := m.decision(s, journalGrid, a.Slot.Index, a.Slot.Volume, a.TriggerPips, a.Unrealized, now)
		slot, ok := strategy.SlotByIndex(s.Grid, a.Slot.Index)
		if !m.cfg.StrategyEnabled(config.StrategyGrid) || !ok || slot.Filled() {
			return m.refuse(s, rec, out, fmt.Sprintf("grid slot %d is disabled, unknown or already filled", a.Slot.Index))
		}
		if blocked, reason := m.trendBlocked(s, now); blocked {
			return m.block(s, rec, out, reason)
		}
		return m.place(ctx, s, &state.PendingOrder{
			Kind:        state.OrderGrid,
			Level:       slot.Index,
			ClientID:    s.ClientID(state.OrderGrid, slot.Index),
			Direction:   slot.Direction,
			Volume:      slot.Volume,
			TriggerPips: a.TriggerPips,
			RequestedAt: now,
		}, snap, rec, out)
	}
	return out, fmt.Errorf("unknown action %T", action)
}

// OpenStack opens a new stack for sig. The stack is written with a pending entry before the order is sent.
func (m *RecoveryMachine) OpenStack(ctx context.Context, sig strategy.Signal, snap exchange.Snapshot) (*state.Stack, error) {
	sc, ok := m.cfg.SymbolByName(sig.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: signal for unconfigured symbol %s", ErrConfigViolation, sig.Symbol)
	}
	if !sig.Actionable {
		return nil, fmt.Errorf("signal for %s is not actionable: %s", sig.Symbol, sig.Reason)
	}
	now := m.now()
	s := state.NewStack(sig.Symbol, sig.Direction, sig.Score, sig.Factors, now)
	pending := &state.PendingOrder{
		Kind:        state.OrderEntry,
		ClientID:    s.ClientID(state.OrderEntry, 0),
		Direction:   sig.Direction,
		Volume:      sc.BaseVolume,
		RequestedAt: now,
	}

	final, err := m.send(ctx, s, pending, snap)
	if final == nil {
		return nil, err
	}
	entry := final.Positions[0]
	m.recordTrade(logs.TradeEntry{
		Time:            now,
		StackID:         final.ID,
		Ticket:          entry.Ticket,
		Symbol:          final.Symbol,
		Direction:       string(final.Direction),
		Volume:          entry.Volume,
		EntryPrice:      entry.EntryPrice,
		ConfluenceScore: sig.Score,
		Factors:         sig.Factors,
		TrendStrength:   sig.TrendStrength,
	})
	logs.Infof("[Recovery] Opened stack %s: %s %.3f @ %.5f, score %d %v",
		final, final.Direction, entry.Volume, entry.EntryPrice, sig.Score, sig.Factors)
	return final, err
}

// ForceClose closes every position of s, e.g. when a cascade fires on its symbol. positions are the
// broker's positions for the symbol this cycle; a pending order is settled against them first so an
// order the broker accepted is closed with the rest instead of being left behind.
func (m *RecoveryMachine) ForceClose(ctx context.Context, s *state.Stack, reason string, snap exchange.Snapshot,
	positions []exchange.Position) (Outcome, error) {
	out := Outcome{StackID: s.ID, Symbol: s.Symbol, Action: &NoOpAction{}}
	sc, ok := m.cfg.SymbolByName(s.Symbol)
	if !ok {
		return out, fmt.Errorf("%w: stack %s trades unconfigured symbol %s", ErrConfigViolation, s, s.Symbol)
	}
	now := m.now()
	w := s.Clone()

	dirty := false
	if p := w.Pending; p != nil {
		unfilled := awaitingEntry(w)
		if p.Ticket != "" {
			// Accepted but not yet recorded
			finalize(w, pendingPosition(w.Symbol, p), now)
			dirty = true
		} else {
			switch m.resolvePending(w, positions, now) {
			case pendingWaiting:
				logs.Infof("[Recovery] %s: %s order %s unconfirmed. The stack stays until it is settled.", w, p.Kind, p.ClientID)
			default:
				dirty = true
			}
		}
		if unfilled && w.Empty() && w.Pending == nil {
			return m.closeOut(ctx, w, ReasonEntryUnfilled, out)
		}
	}

	v := profit.ValueStack(w, snap, sc.PipSize, sc.ContractSize)
	a := &ForceCloseAction{Reason: reason, TriggerPips: v.AdverseFromOrigin, Unrealized: v.Unrealized}
	out.Action, out.TriggerPips, out.UnrealizedPnL = a, a.TriggerPips, a.Unrealized
	return m.forceClose(ctx, w, a, snap, sc, out, dirty)
}

// place sends one recovery order and journals the decision.
func (m *RecoveryMachine) place(ctx context.Context, s *state.Stack, pending *state.PendingOrder, snap exchange.Snapshot,
	rec logs.RecoveryDecision, out Outcome) (Outcome, error) {
	final, err := m.send(ctx, s, pending, snap)
	if final != nil {
		out.Placed = pending.ClientID
		if p, ok := findPlaced(final, pending); ok {
			out.Placed = p
		}
		rec.Ticket = out.Placed
		m.recordRecovery(rec)
		delete(m.noted, s.ID)
		logs.Infof("[Recovery] %s: %s", final, out.Action.Description())
	}
	if err != nil {
		if errors.Is(err, state.ErrPersistence) && final == nil {
			rec.Blocked, rec.BlockReason = true, "persistence_failure"
			m.recordRecovery(rec)
		}
		return out, err
	}
	return out, nil
}

// send is the write-ahead sequence shared by entries and recovery orders:
// persist the pending order, send it, then persist the finalized stack.
//
// The returned stack is non-nil once the broker accepted the order. If only the final write failed it
// is returned together with the error; the tracker then holds the pending order with its ticket and
// the next evaluation persists the result before anything else.
func (m *RecoveryMachine) send(ctx context.Context, s *state.Stack, pending *state.PendingOrder, snap exchange.Snapshot) (*state.Stack, error) {
	s.Pending = pending
	s.UpdatedAt = pending.RequestedAt
	if err := m.commit(ctx, s); err != nil {
		return nil, fmt.Errorf("%s %s not sent: %w", s, pending.Kind, err)
	}

	ticket, err := m.broker.Open(ctx, exchange.OrderRequest{
		Symbol:    s.Symbol,
		Direction: pending.Direction,
		Volume:    pending.Volume,
		ClientID:  pending.ClientID,
	})
	if err != nil {
		logs.Warnf("[Recovery] %s: %s order %s failed: %v. It stays pending for reconciliation.", s, pending.Kind, pending.ClientID, err)
		return nil, fmt.Errorf("open %s for %s: %w", pending.Kind, s, err)
	}

	now := m.now()
	s.Pending.Ticket = ticket
	s.Pending.EntryPrice = snap.OpenPrice(pending.Direction)
	final := s.Clone()
	placed := pendingPosition(s.Symbol, s.Pending)
	placed.OpenTime = now
	finalize(final, placed, now)

	if err := m.store.PutStack(ctx, final); err != nil {
		logs.Errorf("[Recovery] %s: %s ticket %s placed but not recorded: %v", s, pending.Kind, ticket, err)
		if terr := m.track(s); terr != nil {
			logs.Errorf("[Recovery] %s: tracker update failed: %v", s, terr)
		}
		return final, fmt.Errorf("record %s ticket %s for %s: %w", pending.Kind, ticket, s, err)
	}
	if err := m.track(final); err != nil {
		logs.Errorf("[Recovery] %s: tracker update failed: %v", final, err)
	}
	return final, nil
}

type pendingResult int

const (
	pendingWaiting pendingResult = iota
	pendingFinalized
	pendingCleared
)

// resolvePending looks the pending order up at the broker by ticket or client id.
func (m *RecoveryMachine) resolvePending(s *state.Stack, positions []exchange.Position, now time.Time) pendingResult {
	p := s.Pending
	var (
		found exchange.Position
		ok    bool
	)
	if p.Ticket != "" {
		found, ok = exchange.IndexByTicket(positions)[p.Ticket]
	}
	if !ok {
		found, ok = exchange.FindByClientID(positions, p.ClientID)
	}

	switch {
	case ok:
		logs.Infof("[Recovery] %s: found %s order %s at the broker as ticket %s. Recording it.", s, p.Kind, p.ClientID, found.Ticket)
		finalize(s, found, now)
		return pendingFinalized
	case p.Ticket != "":
		logs.Warnf("[Recovery] %s: %s ticket %s closed before it was recorded", s, p.Kind, p.Ticket)
	case now.Sub(p.RequestedAt) >= time.Duration(m.cfg.Recovery.PendingGraceSeconds)*time.Second:
		logs.Warnf("[Recovery] %s: %s order %s never reached the broker. Clearing it.", s, p.Kind, p.ClientID)
	default:
		return pendingWaiting
	}
	s.Pending = nil
	s.UpdatedAt = now
	return pendingCleared
}

// finalize applies a confirmed pending order to the stack and clears it.
func finalize(s *state.Stack, p exchange.Position, now time.Time) {
	pending := s.Pending
	switch pending.Kind {
	case state.OrderEntry:
		s.Positions = append([]exchange.Position{p}, s.Positions...)
	case state.OrderDCA:
		s.Positions = append(s.Positions, p)
		s.DCALevel = pending.Level
		if s.Phase != state.PhaseCascadeBlocked {
			s.Phase = state.PhaseDCA
		}
	case state.OrderHedge:
		s.Hedge = &state.HedgeRef{
			Ticket:     p.Ticket,
			Direction:  p.Direction,
			Volume:     p.Volume,
			EntryPrice: p.EntryPrice,
			OpenedAt:   p.OpenTime,
			ClientID:   p.ClientID,
		}
		s.HedgesUsed = pending.Level
	case state.OrderGrid:
		if slot, ok := strategy.SlotByIndex(s.Grid, pending.Level); ok {
			slot.Ticket, slot.FillPrice = p.Ticket, p.EntryPrice
		}
	}
	s.Pending = nil
	s.UpdatedAt = now
}

// pendingPosition is the broker position a pending order with a known ticket stands for.
func pendingPosition(symbol string, p *state.PendingOrder) exchange.Position {
	return exchange.Position{
		Ticket:     p.Ticket,
		Symbol:     symbol,
		Direction:  p.Direction,
		Volume:     p.Volume,
		EntryPrice: p.EntryPrice,
		OpenTime:   p.RequestedAt,
		ClientID:   p.ClientID,
	}
}

// awaitingEntry reports whether the stack's first order is still unanswered.
func awaitingEntry(s *state.Stack) bool {
	return s.Pending != nil && s.Pending.Kind == state.OrderEntry && s.Pending.Ticket == ""
}

func findPlaced(s *state.Stack, pending *state.PendingOrder) (string, bool) {
	switch pending.Kind {
	case state.OrderHedge:
		if s.Hedge != nil {
			return s.Hedge.Ticket, true
		}
	case state.OrderGrid:
		if slot, ok := strategy.SlotByIndex(s.Grid, pending.Level); ok && slot.Filled() {
			return slot.Ticket, true
		}
	default:
		for _, p := range s.Positions {
			if p.ClientID == pending.ClientID {
				return p.Ticket, true
			}
		}
	}
	return "", false
}

// forceClose marks the stack CASCADE_BLOCKED durably, then closes every ticket it owns.
// Tickets that fail to close stay recorded and are retried on the next cycle. A stack with an
// unsettled pending order is never removed; dirty means s changed since it was last written.
func (m *RecoveryMachine) forceClose(ctx context.Context, s *state.Stack, a *ForceCloseAction, snap exchange.Snapshot,
	sc config.SymbolConfig, out Outcome, dirty bool) (Outcome, error) {
	now := m.now()
	if s.Phase != state.PhaseCascadeBlocked {
		dirty = false
		s.Phase = state.PhaseCascadeBlocked
		s.CloseReason = a.Reason
		s.UpdatedAt = now
		if err := m.commit(ctx, s); err != nil {
			return out, fmt.Errorf("mark %s for close: %w", s, err)
		}
		rec := m.decision(s, journalForceClose, s.DCALevel, s.NetVolume(), a.TriggerPips, a.Unrealized, now)
		if len(s.Positions) > 0 {
			rec.Ticket = s.Positions[0].Ticket
		}
		m.recordRecovery(rec)
		logs.Warnf("[Recovery] %s: force closing (%s), unrealized %.2f", s, a.Reason, a.Unrealized)
	}

	var errs []error
	closed := 0
	closeOne := func(ticket string, pnl float64) bool {
		err := m.broker.Close(ctx, ticket)
		if err != nil && !errors.Is(err, exchange.ErrUnknownTicket) {
			errs = append(errs, fmt.Errorf("close %s: %w", ticket, err))
			return false
		}
		s.RealizedPnL += pnl
		closed++
		return true
	}

	kept := s.Positions[:0]
	for _, p := range s.Positions {
		if !closeOne(p.Ticket, profit.PositionPnL(p, snap, sc.ContractSize)) {
			kept = append(kept, p)
		}
	}
	s.Positions = kept

	if h := s.Hedge; h != nil {
		pos := exchange.Position{Direction: h.Direction, Volume: h.Volume, EntryPrice: h.EntryPrice}
		if closeOne(h.Ticket, profit.PositionPnL(pos, snap, sc.ContractSize)) {
			s.Hedge = nil
		}
	}
	if s.Grid != nil {
		for i := range s.Grid.Slots {
			slot := &s.Grid.Slots[i]
			if !slot.Filled() {
				continue
			}
			entry := slot.FillPrice
			if entry == 0 {
				entry = slot.Price
			}
			pos := exchange.Position{Direction: slot.Direction, Volume: slot.Volume, EntryPrice: entry}
			if closeOne(slot.Ticket, profit.PositionPnL(pos, snap, sc.ContractSize)) {
				slot.Ticket, slot.FillPrice = "", 0
			}
		}
	}

	brokerErr := errors.Join(errs...)
	if brokerErr != nil {
		logs.Warnf("[Recovery] %s: %d ticket(s) left open, retrying next cycle: %v", s, len(s.Tickets()), brokerErr)
	}
	if s.Empty() && s.Pending == nil {
		res, err := m.closeOut(ctx, s, s.CloseReason, out)
		return res, errors.Join(err, brokerErr)
	}
	if closed > 0 || dirty {
		s.UpdatedAt = now
		if err := m.commit(ctx, s); err != nil {
			return out, errors.Join(fmt.Errorf("record partial close of %s: %w", s, err), brokerErr)
		}
	}
	return out, brokerErr
}

// closeOut removes a stack with nothing left at the broker from the store and the tracker.
func (m *RecoveryMachine) closeOut(ctx context.Context, s *state.Stack, reason string, out Outcome) (Outcome, error) {
	if err := m.store.DeleteStack(ctx, s.ID); err != nil {
		// The tracker keeps the empty stack so the next cycle retries the delete
		if s.Phase != state.PhaseCascadeBlocked {
			s.Phase = state.PhaseCascadeBlocked
			s.CloseReason = reason
		}
		if terr := m.track(s); terr != nil {
			logs.Errorf("[Recovery] %s: tracker update failed: %v", s, terr)
		}
		return out, fmt.Errorf("remove closed stack %s: %w", s, err)
	}
	m.tracker.Remove(s.ID)
	delete(m.noted, s.ID)

	s.Phase = state.PhaseClosed
	s.CloseReason = reason
	out.Closed = true
	out.CloseReason = reason
	out.RealizedPnL = s.RealizedPnL
	out.StopOut = IsStopOut(reason, s.RealizedPnL)
	if reason == ReasonEntryUnfilled {
		logs.Infof("[Recovery] %s: entry never filled. Stack removed.", s)
		return out, nil
	}

	m.ledger.RecordClose(s.Symbol, s.RealizedPnL, out.StopOut)
	if err := m.journal.RecordClose(logs.StackClose{
		Time:        m.now(),
		StackID:     s.ID,
		Symbol:      s.Symbol,
		Direction:   string(s.Direction),
		Reason:      reason,
		DCALevel:    s.DCALevel,
		Hedged:      s.HedgesUsed > 0,
		RealizedPnL: s.RealizedPnL,
		StopOut:     out.StopOut,
	}); err != nil {
		logs.Errorf("[Journal] Failed to record close of %s: %v", s, err)
	}
	logs.Infof("[Recovery] Stack %s closed (%s), realized %.2f", s, reason, s.RealizedPnL)
	return out, nil
}

// commit persists s and then mirrors it into the tracker.
func (m *RecoveryMachine) commit(ctx context.Context, s *state.Stack) error {
	if err := m.store.PutStack(ctx, s); err != nil {
		return err
	}
	if err := m.track(s); err != nil {
		logs.Errorf("[Recovery] %s: tracker update failed: %v", s, err)
	}
	return nil
}

func (m *RecoveryMachine) track(s *state.Stack) error {
	err := m.tracker.Update(s)
	if errors.Is(err, tracker.ErrStackNotFound) {
		return m.tracker.Register(s)
	}
	return err
}

func (m *RecoveryMachine) trendBlocked(s *state.Stack, now time.Time) (bool, string) {
	b, ok := m.store.ActiveBlock(s.Symbol, state.KindTrend, now)
	if !ok {
		return false, ""
	}
	return true, fmt.Sprintf("trend block active until %s", b.ExpiresAt.Format(time.RFC3339))
}

// block records a trigger held back by an active block. The same block is journaled once per stack.
func (m *RecoveryMachine) block(s *state.Stack, rec logs.RecoveryDecision, out Outcome, reason string) (Outcome, error) {
	out.Blocked, out.BlockReason = true, reason
	key := rec.Type + ":" + reason
	if m.noted[s.ID] != key {
		m.noted[s.ID] = key
		rec.Blocked, rec.BlockReason = true, reason
		m.recordRecovery(rec)
		logs.Infof("[Recovery] %s: %s held back: %s", s, rec.Type, reason)
	}
	return out, nil
}

// refuse rejects an action that would break a configured limit.
func (m *RecoveryMachine) refuse(s *state.Stack, rec logs.RecoveryDecision, out Outcome, reason string) (Outcome, error) {
	out.Blocked, out.BlockReason = true, reason
	rec.Blocked, rec.BlockReason = true, reason
	m.recordRecovery(rec)
	logs.Errorf("[Recovery] %s: refused %s: %s", s, rec.Type, reason)
	return out, fmt.Errorf("%w: %s: %s", ErrConfigViolation, s, reason)
}

func (m *RecoveryMachine) decision(s *state.Stack, kind string, level int, volume, trigger, unrealized float64, now time.Time) logs.RecoveryDecision {
	rec := logs.RecoveryDecision{
		Time:                now,
		StackID:             s.ID,
		Symbol:              s.Symbol,
		Type:                kind,
		Level:               level,
		Volume:              volume,
		TriggerDistancePips: trigger,
		UnrealizedPnL:       unrealized,
	}
	if len(s.Positions) > 0 {
		rec.Ticket = s.Positions[0].Ticket
	}
	return rec
}

func (m *RecoveryMachine) recordRecovery(rec logs.RecoveryDecision) {
	if err := m.journal.RecordRecovery(rec); err != nil {
		logs.Errorf("[Journal] Failed to record %s decision for %s: %v", rec.Type, rec.StackID, err)
	}
}

func (m *RecoveryMachine) recordTrade(rec logs.TradeEntry) {
	if err := m.journal.RecordTrade(rec); err != nil {
		logs.Errorf("[Journal] Failed to record entry of %s: %v", rec.StackID, err)
	}
}
