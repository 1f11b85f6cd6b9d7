package tracker

import (
	"testing"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func pos(ticket, symbol string, d exchange.Direction, vol, price float64, clientID string) exchange.Position {
	return exchange.Position{Ticket: ticket, Symbol: symbol, Direction: d, Volume: vol, EntryPrice: price, OpenTime: t0, ClientID: clientID}
}

func TestRegisterAndIndex(t *testing.T) {
	tr := New()
	s := &state.Stack{ID: "a", Symbol: "EURUSD", Direction: exchange.Long, Phase: state.PhaseOpen, CreatedAt: t0,
		Positions: []exchange.Position{pos("1", "EURUSD", exchange.Long, 0.04, 1.1, "a:entry:0")}}
	require.NoError(t, tr.Register(s))
	assert.ErrorIs(t, tr.Register(s), ErrStackAlreadyExists)
	assert.ErrorIs(t, tr.Register(&state.Stack{ID: "b"}), ErrEmptySymbol)

	id, ok := tr.StackForTicket("1")
	require.True(t, ok)
	assert.Equal(t, "a", id)

	// Mutating the caller's copy does not leak into the registry
	s.Positions = append(s.Positions, pos("2", "EURUSD", exchange.Long, 0.048, 1.098, "a:dca:1"))
	_, ok = tr.StackForTicket("2")
	assert.False(t, ok)

	require.NoError(t, tr.Update(s))
	id, ok = tr.StackForTicket("2")
	require.True(t, ok)
	assert.Equal(t, "a", id)

	other := &state.Stack{ID: "c", Symbol: "EURUSD", CreatedAt: t0, Positions: []exchange.Position{pos("2", "EURUSD", exchange.Long, 1, 1, "")}}
	assert.ErrorIs(t, tr.Register(other), ErrTicketOwned)

	tr.Remove("a")
	assert.Equal(t, 0, tr.Len())
	_, ok = tr.StackForTicket("1")
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Update(s), ErrStackNotFound)
}

func TestForSymbolOrderedByCreation(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register(&state.Stack{ID: "late", Symbol: "EURUSD", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, tr.Register(&state.Stack{ID: "early", Symbol: "EURUSD", CreatedAt: t0}))
	require.NoError(t, tr.Register(&state.Stack{ID: "other", Symbol: "GBPUSD", CreatedAt: t0}))

	stacks := tr.ForSymbol("EURUSD")
	require.Len(t, stacks, 2)
	assert.Equal(t, "early", stacks[0].ID)
	assert.Equal(t, "late", stacks[1].ID)
	assert.Len(t, tr.All(), 3)
}

func TestRebuildReconcilesAgainstBroker(t *testing.T) {
	persisted := map[string]*state.Stack{
		// One DCA ticket was closed while the process was down
		"a": {ID: "a", Symbol: "EURUSD", Direction: exchange.Long, Phase: state.PhaseDCA, DCALevel: 1, CreatedAt: t0,
			Positions: []exchange.Position{
				pos("1", "EURUSD", exchange.Long, 0.04, 1.1000, "a:entry:0"),
				pos("2", "EURUSD", exchange.Long, 0.048, 1.0980, "a:dca:1"),
			}},
		// Everything closed at the broker
		"b": {ID: "b", Symbol: "GBPUSD", Direction: exchange.Short, Phase: state.PhaseOpen, CreatedAt: t0,
			Positions: []exchange.Position{pos("5", "GBPUSD", exchange.Short, 0.04, 1.27, "b:entry:0")}},
		// An order was sent, the process died before its result was recorded
		"c": {ID: "c", Symbol: "EURUSD", Direction: exchange.Short, Phase: state.PhaseOpen, CreatedAt: t0.Add(time.Minute),
			Positions: []exchange.Position{pos("7", "EURUSD", exchange.Short, 0.04, 1.1010, "c:entry:0")},
			Pending:   &state.PendingOrder{Kind: state.OrderDCA, Level: 1, ClientID: "c:dca:1", Direction: exchange.Short, Volume: 0.048, RequestedAt: t0}},
	}
	broker := []exchange.Position{
		pos("1", "EURUSD", exchange.Long, 0.04, 1.1000, "a:entry:0"),
		pos("7", "EURUSD", exchange.Short, 0.04, 1.1010, "c:entry:0"),
		pos("8", "EURUSD", exchange.Short, 0.048, 1.1030, "c:dca:1"),
		// Hedge the previous process placed but never recorded
		pos("9", "EURUSD", exchange.Short, 0.02, 1.0950, "a:hedge:1"),
		// Manual trade
		pos("42", "EURUSD", exchange.Long, 0.10, 1.0990, ""),
	}

	tr := New()
	report := tr.Rebuild(persisted, broker, t0.Add(time.Hour))

	assert.ElementsMatch(t, []string{"a", "c"}, report.Validated)
	assert.Equal(t, []string{"b"}, report.Dropped)
	assert.ElementsMatch(t, []string{"2", "5"}, report.Removed)
	assert.Equal(t, []string{"9"}, report.Attached)
	require.Len(t, report.Adopted, 1)
	assert.True(t, report.Changed())

	a, ok := tr.Get("a")
	require.True(t, ok)
	require.Len(t, a.Positions, 1)
	require.NotNil(t, a.Hedge)
	assert.Equal(t, "9", a.Hedge.Ticket)
	assert.Equal(t, 1, a.HedgesUsed)

	// The pending order's position is left for the recovery machine to finalise, not adopted
	c, ok := tr.Get("c")
	require.True(t, ok)
	require.NotNil(t, c.Pending)
	assert.Len(t, c.Positions, 1)
	_, owned := tr.StackForTicket("8")
	assert.False(t, owned)

	adoptedID, ok := tr.StackForTicket("42")
	require.True(t, ok)
	assert.Equal(t, report.Adopted[0], adoptedID)
	adopted, _ := tr.Get(adoptedID)
	assert.Equal(t, exchange.Long, adopted.Direction)
	assert.Equal(t, state.PhaseOpen, adopted.Phase)
}

func TestRebuildSkipsClosedStacks(t *testing.T) {
	persisted := map[string]*state.Stack{
		"x": {ID: "x", Symbol: "EURUSD", Phase: state.PhaseClosed, CreatedAt: t0},
	}
	tr := New()
	report := tr.Rebuild(persisted, nil, t0)
	assert.Empty(t, report.Validated)
	assert.False(t, report.Changed())
	assert.Equal(t, 0, tr.Len())
}
