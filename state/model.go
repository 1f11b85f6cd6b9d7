// state/model.go
package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/google/uuid"
)

// Phase is the recovery phase of a stack. Hedged is orthogonal and rendered by Label.
type Phase string

const (
	PhaseOpen           Phase = "OPEN"
	PhaseDCA            Phase = "DCA"
	PhaseCascadeBlocked Phase = "CASCADE_BLOCKED" // Force-close in progress
	PhaseClosed         Phase = "CLOSED"
)

// OrderKind names what a pending order will become once confirmed.
type OrderKind string

const (
	OrderEntry OrderKind = "entry"
	OrderDCA   OrderKind = "dca"
	OrderHedge OrderKind = "hedge"
	OrderGrid  OrderKind = "grid"
)

// HedgeRef is a back-reference to the hedge position of a stack. It never counts toward the stack's directional volume.
type HedgeRef struct {
	Ticket     string             `json:"ticket"`
	Direction  exchange.Direction `json:"direction"`
	Volume     float64            `json:"volume"`
	EntryPrice float64            `json:"entry_price"`
	OpenedAt   time.Time          `json:"opened_at"`
	ClientID   string             `json:"client_id"`
}

// GridSlot is one rung of a grid ladder. Index is negative below the origin and positive above it.
type GridSlot struct {
	Index     int                `json:"index"`
	Price     float64            `json:"price"`
	Direction exchange.Direction `json:"direction"`
	Volume    float64            `json:"volume"`
	Ticket    string             `json:"ticket,omitempty"`
	FillPrice float64            `json:"fill_price,omitempty"`
}

// Filled reports whether the slot already fired.
func (g GridSlot) Filled() bool { return g.Ticket != "" }

// GridLadder is the symmetric ladder laid around a stack's original entry.
type GridLadder struct {
	Origin      float64    `json:"origin"`
	SpacingPips float64    `json:"spacing_pips"`
	Slots       []GridSlot `json:"slots"`
}

// PendingOrder marks an order that was (or is about to be) sent but whose result is not durably recorded yet.
// While it is set, the stack's trigger branches stay closed and the next evaluation reconciles it first.
type PendingOrder struct {
	Kind        OrderKind          `json:"kind"`
	Level       int                `json:"level"` // DCA level or grid slot index
	ClientID    string             `json:"client_id"`
	Direction   exchange.Direction `json:"direction"`
	Volume      float64            `json:"volume"`
	TriggerPips float64            `json:"trigger_pips"`
	RequestedAt time.Time          `json:"requested_at"`
	Ticket      string             `json:"ticket,omitempty"` // Known once the broker answered
	EntryPrice  float64            `json:"entry_price,omitempty"`
}

// Stack is a group of positions from one origin signal, managed as one risk unit.
type Stack struct {
	ID          string              `json:"stack_id"`
	Symbol      string              `json:"symbol"`
	Direction   exchange.Direction  `json:"origin_direction"`
	Positions   []exchange.Position `json:"positions"` // Original entry first, then DCA additions
	Hedge       *HedgeRef           `json:"hedge,omitempty"`
	Grid        *GridLadder         `json:"grid,omitempty"`
	DCALevel    int                 `json:"dca_level"`
	HedgesUsed  int                 `json:"hedges_used"`
	Phase       Phase               `json:"state"`
	CloseReason string              `json:"close_reason,omitempty"`
	RealizedPnL float64             `json:"realized_pnl,omitempty"` // Booked by closes so far; a force-close can span cycles
	Pending     *PendingOrder       `json:"pending,omitempty"`
	OriginScore int                 `json:"origin_score"`
	Factors     []string            `json:"factors,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// NewStack creates an OPEN stack with a fresh id and no positions yet.
func NewStack(symbol string, direction exchange.Direction, score int, factors []string, now time.Time) *Stack {
	return &Stack{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Direction:   direction,
		Phase:       PhaseOpen,
		OriginScore: score,
		Factors:     append([]string(nil), factors...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ClientID is the deterministic order tag for the n-th order of a kind within the stack.
// It lets a restarted process find an order the broker accepted before the crash.
func (s *Stack) ClientID(kind OrderKind, n int) string {
	return fmt.Sprintf("%s:%s:%d", s.ID, kind, n)
}

// ParseClientID splits an order tag produced by Stack.ClientID.
func ParseClientID(clientID string) (stackID string, kind OrderKind, n int, ok bool) {
	parts := strings.Split(clientID, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", "", 0, false
	}
	switch OrderKind(parts[1]) {
	case OrderEntry, OrderDCA, OrderHedge, OrderGrid:
	default:
		return "", "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], OrderKind(parts[1]), n, true
}

// Label renders the recovery state, e.g. "DCA_2+HEDGED".
func (s *Stack) Label() string {
	var label string
	switch s.Phase {
	case PhaseDCA:
		label = fmt.Sprintf("DCA_%d", s.DCALevel)
	case "":
		label = string(PhaseOpen)
	default:
		label = string(s.Phase)
	}
	if s.Hedge != nil && (s.Phase == PhaseOpen || s.Phase == PhaseDCA) {
		label += "+HEDGED"
	}
	return label
}

// OriginalEntry returns the entry price of the first position.
func (s *Stack) OriginalEntry() (float64, bool) {
	if len(s.Positions) == 0 {
		return 0, false
	}
	return s.Positions[0].EntryPrice, true
}

// LastPosition returns the most recent directional position.
func (s *Stack) LastPosition() (exchange.Position, bool) {
	if len(s.Positions) == 0 {
		return exchange.Position{}, false
	}
	return s.Positions[len(s.Positions)-1], true
}

// NetVolume is the directional volume of the stack. Hedge and grid volume are excluded.
func (s *Stack) NetVolume() float64 {
	var v float64
	for _, p := range s.Positions {
		v += p.Volume
	}
	return v
}

// Tickets lists every broker ticket the stack owns: directional positions, hedge and filled grid slots.
func (s *Stack) Tickets() []string {
	out := make([]string, 0, len(s.Positions)+1)
	for _, p := range s.Positions {
		out = append(out, p.Ticket)
	}
	if s.Hedge != nil {
		out = append(out, s.Hedge.Ticket)
	}
	if s.Grid != nil {
		for _, slot := range s.Grid.Slots {
			if slot.Filled() {
				out = append(out, slot.Ticket)
			}
		}
	}
	return out
}

// Empty reports whether the stack no longer owns any broker position.
func (s *Stack) Empty() bool {
	return len(s.Tickets()) == 0
}

// Live reports whether the stack is still managed.
func (s *Stack) Live() bool {
	return s.Phase != PhaseClosed
}

// Clone returns a deep copy.
func (s *Stack) Clone() *Stack {
	if s == nil {
		return nil
	}
	c := *s
	c.Positions = append([]exchange.Position(nil), s.Positions...)
	c.Factors = append([]string(nil), s.Factors...)
	if s.Hedge != nil {
		h := *s.Hedge
		c.Hedge = &h
	}
	if s.Grid != nil {
		g := *s.Grid
		g.Slots = append([]GridSlot(nil), s.Grid.Slots...)
		c.Grid = &g
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

func (s *Stack) String() string {
	return fmt.Sprintf("%s[%s %s %s positions=%d]", shortID(s.ID), s.Symbol, s.Direction, s.Label(), len(s.Positions))
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// BlockScope is what a block applies to.
type BlockScope string

const (
	ScopeSymbol  BlockScope = "symbol"
	ScopeAccount BlockScope = "account"
)

// BlockKind is why a block exists.
type BlockKind string

const (
	KindCascade BlockKind = "cascade"
	KindTrend   BlockKind = "trend"
)

// AccountKey files account-scope blocks in PersistedState.Blocks.
const AccountKey = "*"

// BlockEntry stops new stacks from opening until ExpiresAt. A block with now >= ExpiresAt is inert.
type BlockEntry struct {
	Scope     BlockScope `json:"scope"`
	Kind      BlockKind  `json:"kind"`
	Symbol    string     `json:"symbol,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	Reason    string     `json:"reason,omitempty"`
}

// Active reports whether the block still applies at now.
func (b BlockEntry) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}

func (b BlockEntry) key() string {
	if b.Scope == ScopeAccount {
		return AccountKey
	}
	return b.Symbol
}

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

// PersistedState is the durable snapshot.
type PersistedState struct {
	Version         int                     `json:"version"`
	Stacks          map[string]*Stack       `json:"stacks"`
	Blocks          map[string][]BlockEntry `json:"blocks"`
	LastBlockUpdate time.Time               `json:"last_block_update"`
	SavedAt         time.Time               `json:"saved_at"`
}

// NewPersistedState returns an empty snapshot of the current version.
func NewPersistedState() *PersistedState {
	return &PersistedState{
		Version: CurrentVersion,
		Stacks:  make(map[string]*Stack),
		Blocks:  make(map[string][]BlockEntry),
	}
}

// Clone returns a deep copy.
func (p *PersistedState) Clone() *PersistedState {
	c := &PersistedState{
		Version:         p.Version,
		Stacks:          make(map[string]*Stack, len(p.Stacks)),
		Blocks:          make(map[string][]BlockEntry, len(p.Blocks)),
		LastBlockUpdate: p.LastBlockUpdate,
		SavedAt:         p.SavedAt,
	}
	for id, s := range p.Stacks {
		c.Stacks[id] = s.Clone()
	}
	for k, entries := range p.Blocks {
		c.Blocks[k] = append([]BlockEntry(nil), entries...)
	}
	return c
}

// purgeExpired drops inert blocks and reports how many were removed.
func (p *PersistedState) purgeExpired(now time.Time) int {
	removed := 0
	for k, entries := range p.Blocks {
		kept := entries[:0]
		for _, b := range entries {
			if b.Active(now) {
				kept = append(kept, b)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(p.Blocks, k)
		} else {
			p.Blocks[k] = kept
		}
	}
	return removed
}
