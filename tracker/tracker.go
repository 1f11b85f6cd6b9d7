// tracker/tracker.go

// Package tracker keeps the in-memory registry of live stacks and the ticket index over them.
package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/google/uuid"
)

// Tracker errors
var (
	ErrStackNotFound      = errors.New("stack not found")
	ErrStackAlreadyExists = errors.New("stack already exists")
	ErrEmptySymbol        = errors.New("symbol cannot be empty")
	ErrTicketOwned        = errors.New("ticket already owned by another stack")
)

// Tracker maps every open position to the stack that owns it. Stored stacks are private copies:
// Get returns a copy and Update stores one, so callers mutate freely and commit explicitly.
type Tracker struct {
	mu      sync.RWMutex
	stacks  map[string]*state.Stack
	tickets map[string]string // ticket -> stack id
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		stacks:  make(map[string]*state.Stack),
		tickets: make(map[string]string),
	}
}

// Register adds a new stack.
func (t *Tracker) Register(s *state.Stack) error {
	if s.Symbol == "" {
		return ErrEmptySymbol
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.stacks[s.ID]; exists {
		return ErrStackAlreadyExists
	}
	return t.put(s.Clone())
}

// Update replaces a registered stack and re-indexes its tickets.
func (t *Tracker) Update(s *state.Stack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.stacks[s.ID]; !exists {
		return ErrStackNotFound
	}
	return t.put(s.Clone())
}

// put stores s and rebuilds its ticket index. Caller holds t.mu.
func (t *Tracker) put(s *state.Stack) error {
	for _, ticket := range s.Tickets() {
		if owner, ok := t.tickets[ticket]; ok && owner != s.ID {
			return ErrTicketOwned
		}
	}
	t.unindex(s.ID)
	t.stacks[s.ID] = s
	for _, ticket := range s.Tickets() {
		t.tickets[ticket] = s.ID
	}
	return nil
}

func (t *Tracker) unindex(id string) {
	old, ok := t.stacks[id]
	if !ok {
		return
	}
	for _, ticket := range old.Tickets() {
		if t.tickets[ticket] == id {
			delete(t.tickets, ticket)
		}
	}
}

// Get returns a copy of the stack with the given id.
func (t *Tracker) Get(id string) (*state.Stack, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stacks[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Remove drops a stack and its tickets.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unindex(id)
	delete(t.stacks, id)
}

// StackForTicket returns the id of the stack owning ticket.
func (t *Tracker) StackForTicket(ticket string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.tickets[ticket]
	return id, ok
}

// ForSymbol returns copies of the stacks of symbol, oldest first.
func (t *Tracker) ForSymbol(symbol string) []*state.Stack {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*state.Stack
	for _, s := range t.stacks {
		if s.Symbol == symbol {
			out = append(out, s.Clone())
		}
	}
	sortStacks(out)
	return out
}

// All returns copies of every stack, oldest first.
func (t *Tracker) All() []*state.Stack {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*state.Stack, 0, len(t.stacks))
	for _, s := range t.stacks {
		out = append(out, s.Clone())
	}
	sortStacks(out)
	return out
}

// Len returns the number of tracked stacks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stacks)
}

func sortStacks(stacks []*state.Stack) {
	sort.Slice(stacks, func(i, j int) bool {
		if !stacks[i].CreatedAt.Equal(stacks[j].CreatedAt) {
			return stacks[i].CreatedAt.Before(stacks[j].CreatedAt)
		}
		return stacks[i].ID < stacks[j].ID
	})
}

// RebuildReport summarises a startup reconciliation.
type RebuildReport struct {
	Validated []string // Persisted stacks restored
	Dropped   []string // Persisted stacks with nothing left at the broker
	Removed   []string // Recorded tickets no longer present at the broker
	Attached  []string // Broker tickets attached to a known stack by client id
	Adopted   []string // New stacks created for unknown broker positions
}

// Changed reports whether the rebuilt registry differs from the persisted stacks.
func (r RebuildReport) Changed() bool {
	return len(r.Dropped)+len(r.Removed)+len(r.Attached)+len(r.Adopted) > 0
}

// Rebuild replaces the registry with the persisted stacks reconciled against the broker's positions,
// which are the ground truth. Recorded tickets the broker no longer has are treated as closed, pending
// orders are kept for the recovery machine to reconcile, positions tagged with a known stack's client id
// are attached to it, and any other position is adopted as a new single-position stack.
func (t *Tracker) Rebuild(persisted map[string]*state.Stack, positions []exchange.Position, now time.Time) RebuildReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stacks = make(map[string]*state.Stack)
	t.tickets = make(map[string]string)

	var report RebuildReport
	live := exchange.IndexByTicket(positions)
	claimed := make(map[string]bool, len(positions))

	restored := make([]*state.Stack, 0, len(persisted))
	for _, s := range persisted {
		if s.Live() {
			restored = append(restored, s.Clone())
		}
	}
	sortStacks(restored)

	byID := make(map[string]*state.Stack, len(restored))
	for _, s := range restored {
		removed := ReconcileTickets(s, live)
		report.Removed = append(report.Removed, removed...)
		for _, ticket := range s.Tickets() {
			claimed[ticket] = true
		}
		byID[s.ID] = s
	}

	// Untracked positions carrying one of our client ids
	for _, p := range positions {
		if claimed[p.Ticket] {
			continue
		}
		stackID, kind, n, ok := state.ParseClientID(p.ClientID)
		if !ok {
			continue
		}
		s, known := byID[stackID]
		if !known {
			continue
		}
		if s.Pending != nil && s.Pending.ClientID == p.ClientID {
			// The recovery machine finalises it on the first evaluation
			claimed[p.Ticket] = true
			continue
		}
		if attach(s, kind, n, p) {
			claimed[p.Ticket] = true
			report.Attached = append(report.Attached, p.Ticket)
			logs.Warnf("[Tracker] Attached untracked %s ticket %s to stack %s", kind, p.Ticket, s)
		}
	}

	for _, s := range restored {
		if s.Empty() && s.Pending == nil {
			report.Dropped = append(report.Dropped, s.ID)
			logs.Infof("[Tracker] Stack %s has no positions left at the broker. Dropping it.", s)
			continue
		}
		s.UpdatedAt = now
		if err := t.put(s); err != nil {
			logs.Errorf("[Tracker] Failed to restore stack %s: %v", s, err)
			continue
		}
		report.Validated = append(report.Validated, s.ID)
	}

	for _, p := range positions {
		if claimed[p.Ticket] {
			continue
		}
		s := adopt(p, now)
		if err := t.put(s); err != nil {
			logs.Errorf("[Tracker] Failed to adopt position %s: %v", p.Ticket, err)
			continue
		}
		report.Adopted = append(report.Adopted, s.ID)
		logs.Warnf("[Tracker] Adopted orphan position %s (%s %s %.3f @ %.5f) as stack %s",
			p.Ticket, p.Symbol, p.Direction, p.Volume, p.EntryPrice, s)
	}
	return report
}

// ReconcileTickets drops recorded tickets missing from live and refreshes the rest from the broker.
// It returns the dropped tickets.
func ReconcileTickets(s *state.Stack, live map[string]exchange.Position) []string {
	var removed []string
	kept := s.Positions[:0]
	for _, p := range s.Positions {
		bp, ok := live[p.Ticket]
		if !ok {
			removed = append(removed, p.Ticket)
			continue
		}
		kept = append(kept, bp)
	}
	s.Positions = kept

	if s.Hedge != nil {
		if bp, ok := live[s.Hedge.Ticket]; ok {
			s.Hedge.Volume, s.Hedge.EntryPrice = bp.Volume, bp.EntryPrice
		} else {
			removed = append(removed, s.Hedge.Ticket)
			s.Hedge = nil
		}
	}
	if s.Grid != nil {
		for i := range s.Grid.Slots {
			slot := &s.Grid.Slots[i]
			if !slot.Filled() {
				continue
			}
			if bp, ok := live[slot.Ticket]; ok {
				slot.FillPrice = bp.EntryPrice
			} else {
				removed = append(removed, slot.Ticket)
				slot.Ticket, slot.FillPrice = "", 0
			}
		}
	}
	return removed
}

// attach links a broker position to the stack named by its client id.
func attach(s *state.Stack, kind state.OrderKind, n int, p exchange.Position) bool {
	switch kind {
	case state.OrderEntry:
		s.Positions = append([]exchange.Position{p}, s.Positions...)
		return true
	case state.OrderDCA:
		s.Positions = append(s.Positions, p)
		if n > s.DCALevel {
			s.DCALevel = n
			s.Phase = state.PhaseDCA
		}
		return true
	case state.OrderHedge:
		if s.Hedge != nil {
			return false
		}
		s.Hedge = &state.HedgeRef{Ticket: p.Ticket, Direction: p.Direction, Volume: p.Volume, EntryPrice: p.EntryPrice, OpenedAt: p.OpenTime, ClientID: p.ClientID}
		if s.HedgesUsed < n {
			s.HedgesUsed = n
		}
		return true
	case state.OrderGrid:
		if s.Grid == nil {
			return false
		}
		for i := range s.Grid.Slots {
			if s.Grid.Slots[i].Index == n && !s.Grid.Slots[i].Filled() {
				s.Grid.Slots[i].Ticket = p.Ticket
				s.Grid.Slots[i].FillPrice = p.EntryPrice
				return true
			}
		}
	}
	return false
}

func adopt(p exchange.Position, now time.Time) *state.Stack {
	created := p.OpenTime
	if created.IsZero() {
		created = now
	}
	return &state.Stack{
		ID:        uuid.NewString(),
		Symbol:    p.Symbol,
		Direction: p.Direction,
		Positions: []exchange.Position{p},
		Phase:     state.PhaseOpen,
		CreatedAt: created,
		UpdatedAt: now,
	}
}
