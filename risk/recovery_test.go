package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/strategy"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Symbols = []config.SymbolConfig{{
		Symbol:       "EURUSD",
		PipSize:      0.0001,
		ContractSize: 100000,
		VolumeStep:   0.001,
		BaseVolume:   0.04,
		DCA:          config.DCAConfig{TriggerPips: 20, Multiplier: 1.2},
		Hedge:        config.HedgeConfig{TriggerPips: 50, Ratio: 0.5},
		Grid:         config.GridConfig{SpacingPips: 15, Levels: 2, Volume: 0.02},
		StopLoss:     config.StopLossConfig{Ceiling: 150, HedgedCeiling: 250},
	}}
	cfg.Recovery.MaxDCALevels = 3
	cfg.Trend.HardStop = 40
	cfg.Confluence.TrendCeiling = 25
	cfg.Cascade = config.CascadeConfig{
		Enabled:               true,
		WindowMinutes:         30,
		Threshold:             2,
		CooldownMinutes:       60,
		TrendBlockThreshold:   30,
		TrendReleaseThreshold: 20,
		TrendBlockMaxMinutes:  240,
		AccountLossCeiling:    100,
	}
	return cfg
}

// flakyBackend fails exactly the failAt-th write.
type flakyBackend struct {
	mu     sync.Mutex
	inner  *state.MemoryBackend
	writes int
	failAt int
}

func (b *flakyBackend) Read(ctx context.Context) ([]byte, error) { return b.inner.Read(ctx) }

func (b *flakyBackend) Write(ctx context.Context, data []byte) error {
	b.mu.Lock()
	b.writes++
	fail := b.writes == b.failAt
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.inner.Write(ctx, data)
}

// failWriteAfter makes the n-th write from now fail.
func (b *flakyBackend) failWriteAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAt = b.writes + n
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	backend *flakyBackend
	store   *state.Store
	sim     *exchange.SimBroker
	tracker *tracker.Tracker
	journal *logs.MemoryJournal
	m       *RecoveryMachine
	now     time.Time
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	h := &harness{
		t:       t,
		cfg:     testConfig(),
		backend: &flakyBackend{inner: &state.MemoryBackend{}},
		sim:     exchange.NewSimBroker(1),
		tracker: tracker.New(),
		journal: &logs.MemoryJournal{},
		now:     t0,
	}
	for _, fn := range tune {
		fn(h.cfg)
	}
	h.sim.AddSymbol("EURUSD", 1.1000, 1, 0.0001)
	h.sim.SetClock(h.clock)
	h.restart()
	return h
}

func (h *harness) clock() time.Time { return h.now }

// restart rebuilds everything but the backend and the broker, as a new process would.
func (h *harness) restart() {
	h.store = state.NewStore(h.backend, 2*time.Hour)
	h.store.SetClock(h.clock)
	loaded, err := h.store.Load(context.Background())
	require.NoError(h.t, err)

	h.tracker = tracker.New()
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(h.t, err)
	h.tracker.Rebuild(loaded.Stacks, positions, h.now)

	h.m = NewRecoveryMachine(h.cfg, h.store, h.sim, h.tracker, h.journal, nil)
	h.m.SetClock(h.clock)
}

func (h *harness) quote(bid, ask, trend float64) exchange.Snapshot {
	h.sim.SetQuote("EURUSD", bid, ask)
	return exchange.Snapshot{Symbol: "EURUSD", Bid: bid, Ask: ask, TrendStrength: trend, Timestamp: h.now}
}

// open places a LONG stack filled at 1.1000.
func (h *harness) open() *state.Stack {
	snap := h.quote(1.0999, 1.1000, 10)
	s, err := h.m.OpenStack(context.Background(), strategy.Signal{
		Symbol:     "EURUSD",
		Direction:  exchange.Long,
		Score:      7,
		Factors:    []string{"vwap_band_2_lower", "poc", "swing_low"},
		Actionable: true,
	}, snap)
	require.NoError(h.t, err)
	return s
}

func (h *harness) evaluate(id string, snap exchange.Snapshot) (Outcome, error) {
	s, ok := h.tracker.Get(id)
	require.True(h.t, ok, "stack %s not tracked", id)
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(h.t, err)
	return h.m.Evaluate(context.Background(), s, snap, positions)
}

func (h *harness) forceClose(s *state.Stack, reason string, snap exchange.Snapshot) (Outcome, error) {
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(h.t, err)
	return h.m.ForceClose(context.Background(), s, reason, snap, positions)
}

func (h *harness) brokerPositions() []exchange.Position {
	positions, err := h.sim.Positions(context.Background(), "EURUSD")
	require.NoError(h.t, err)
	return positions
}

func (h *harness) durable(id string) *state.Stack {
	st := state.NewStore(h.backend.inner, 2*time.Hour)
	st.SetClock(h.clock)
	loaded, err := st.Load(context.Background())
	require.NoError(h.t, err)
	return loaded.Stacks[id]
}

func TestOpenStackRecordsEntry(t *testing.T) {
	h := newHarness(t)
	s := h.open()

	require.Len(t, s.Positions, 1)
	assert.Equal(t, 0.04, s.Positions[0].Volume)
	assert.Equal(t, 1.1000, s.Positions[0].EntryPrice)
	assert.Nil(t, s.Pending)
	assert.Equal(t, s.ClientID(state.OrderEntry, 0), s.Positions[0].ClientID)

	durable := h.durable(s.ID)
	require.NotNil(t, durable)
	assert.Len(t, durable.Positions, 1)
	require.Len(t, h.journal.Trades, 1)
	assert.Equal(t, 7, h.journal.Trades[0].ConfluenceScore)
	assert.Equal(t, 1, h.tracker.Len())
}

func TestDCALevelOneIsDurableAndIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.now = h.now.Add(time.Minute)

	snap := h.quote(1.0979, 1.0980, 10)
	out, err := h.evaluate(s.ID, snap)
	require.NoError(t, err)
	dca, ok := out.Action.(*OpenDCAAction)
	require.True(t, ok, "expected DCA, got %s", out.Action.Description())
	assert.Equal(t, 1, dca.Level)
	assert.Equal(t, 0.048, dca.Volume)
	assert.NotEmpty(t, out.Placed)

	durable := h.durable(s.ID)
	assert.Equal(t, 1, durable.DCALevel)
	assert.Nil(t, durable.Pending)
	require.Len(t, durable.Positions, 2)
	assert.Equal(t, 0.048, durable.Positions[1].Volume)
	assert.Equal(t, "DCA_1", durable.Label())

	records := h.journal.RecoveryByType("DCA")
	require.Len(t, records, 1)
	assert.False(t, records[0].Blocked)
	assert.Equal(t, out.Placed, records[0].Ticket)
	assert.InDelta(t, 21, records[0].TriggerDistancePips, 1e-6)

	// Same snapshot again: no second order at the same level
	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
	assert.Len(t, h.journal.RecoveryByType("DCA"), 1)
}

func TestHardStopBeatsDCA(t *testing.T) {
	h := newHarness(t)
	s := h.open()

	out, err := h.evaluate(s.ID, h.quote(1.0979, 1.0980, 45))
	require.NoError(t, err)
	fc, ok := out.Action.(*ForceCloseAction)
	require.True(t, ok)
	assert.Equal(t, ReasonHardStop, fc.Reason)
	assert.True(t, out.Closed)
	assert.True(t, out.StopOut)
	assert.InDelta(t, -8.4, out.RealizedPnL, 1e-6)

	assert.Equal(t, 1, h.sim.OpensPlaced(), "no DCA order")
	positions, _ := h.sim.Positions(context.Background(), "EURUSD")
	assert.Empty(t, positions)
	assert.Nil(t, h.durable(s.ID))
	assert.Equal(t, 0, h.tracker.Len())
	require.Len(t, h.journal.Closes, 1)
	assert.Equal(t, ReasonHardStop, h.journal.Closes[0].Reason)
	assert.Len(t, h.journal.RecoveryByType("ForceClose"), 1)
	assert.Equal(t, 1, h.m.Ledger().Result("EURUSD").StopOuts)
}

func TestStopLossCeilingFollowsCurrentHedge(t *testing.T) {
	h := newHarness(t)
	sc, _ := h.cfg.SymbolByName("EURUSD")
	s := &state.Stack{
		ID:         "s1",
		Symbol:     "EURUSD",
		Direction:  exchange.Long,
		Phase:      state.PhaseDCA,
		DCALevel:   3,
		Positions:  []exchange.Position{{Ticket: "1", Direction: exchange.Long, Volume: 1, EntryPrice: 1.1000}},
		Hedge:      &state.HedgeRef{Ticket: "2", Direction: exchange.Short, Volume: 0.001, EntryPrice: 1.0981},
		HedgesUsed: 1,
	}
	snap := exchange.Snapshot{Symbol: "EURUSD", Bid: 1.0980, Ask: 1.0981, TrendStrength: 10}

	// Loss of 200 is inside the hedged ceiling of 250
	assert.IsType(t, &NoOpAction{}, h.m.Decide(s, snap, sc))

	// Hedge gone in this cycle: the plain ceiling of 150 applies
	s.Hedge = nil
	a, ok := h.m.Decide(s, snap, sc).(*ForceCloseAction)
	require.True(t, ok)
	assert.Equal(t, ReasonStopLoss, a.Reason)
	assert.InDelta(t, -200, a.Unrealized, 1e-6)
}

func TestDecideHedgeAfterDCAExhausted(t *testing.T) {
	h := newHarness(t)
	sc, _ := h.cfg.SymbolByName("EURUSD")
	s := &state.Stack{
		ID:        "s1",
		Symbol:    "EURUSD",
		Direction: exchange.Short,
		Phase:     state.PhaseDCA,
		DCALevel:  3,
		Positions: []exchange.Position{
			{Ticket: "1", Direction: exchange.Short, Volume: 0.04, EntryPrice: 1.1000},
			{Ticket: "2", Direction: exchange.Short, Volume: 0.048, EntryPrice: 1.1040},
		},
	}
	a, ok := h.m.Decide(s, exchange.Snapshot{Bid: 1.1054, Ask: 1.1055}, sc).(*OpenHedgeAction)
	require.True(t, ok)
	assert.Equal(t, exchange.Long, a.Direction)
	assert.Equal(t, 0.044, a.Volume)
	assert.InDelta(t, 55, a.TriggerPips, 1e-6)
}

func TestPersistenceFailureBeforeOpenSendsNothing(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.backend.failWriteAfter(1)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrPersistence))
	assert.Equal(t, 1, h.sim.OpensPlaced())

	durable := h.durable(s.ID)
	assert.Equal(t, 0, durable.DCALevel)
	assert.Nil(t, durable.Pending)
	tracked, _ := h.tracker.Get(s.ID)
	assert.Nil(t, tracked.Pending)

	records := h.journal.RecoveryByType("DCA")
	require.Len(t, records, 1)
	assert.True(t, records[0].Blocked)
	assert.Equal(t, "persistence_failure", records[0].BlockReason)

	// Once the store accepts writes the trigger fires normally
	out, err := h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &OpenDCAAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
	assert.Equal(t, 1, h.durable(s.ID).DCALevel)
}

func TestPersistenceFailureAfterOpenIsRecordedNextCycle(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.backend.failWriteAfter(2) // Pending write succeeds, final write fails

	snap := h.quote(1.0979, 1.0980, 10)
	out, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrPersistence))
	assert.NotEmpty(t, out.Placed)
	assert.Equal(t, 2, h.sim.OpensPlaced())

	durable := h.durable(s.ID)
	require.NotNil(t, durable.Pending)
	assert.Equal(t, s.ClientID(state.OrderDCA, 1), durable.Pending.ClientID)
	assert.Equal(t, 0, durable.DCALevel)

	tracked, _ := h.tracker.Get(s.ID)
	require.NotNil(t, tracked.Pending)
	assert.Equal(t, out.Placed, tracked.Pending.Ticket)

	_, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	durable = h.durable(s.ID)
	assert.Nil(t, durable.Pending)
	assert.Equal(t, 1, durable.DCALevel)
	assert.Len(t, durable.Positions, 2)

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
}

func TestRestartAfterLostRecordDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.backend.failWriteAfter(2)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	require.Equal(t, 2, h.sim.OpensPlaced())

	// Process dies here. The durable copy only knows the order was intended.
	h.now = h.now.Add(30 * time.Second)
	h.restart()
	tracked, ok := h.tracker.Get(s.ID)
	require.True(t, ok)
	require.NotNil(t, tracked.Pending)
	assert.Len(t, tracked.Positions, 1)

	_, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.evaluate(s.ID, snap)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.sim.OpensPlaced(), "the order found at the broker is not placed again")
	durable := h.durable(s.ID)
	assert.Equal(t, 1, durable.DCALevel)
	assert.Len(t, durable.Positions, 2)
}

func TestLostOpenResponseReconciledByClientID(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.sim.DropNextOpenResponses(1)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	assert.False(t, errors.Is(err, state.ErrPersistence))
	require.NotNil(t, h.durable(s.ID).Pending)

	_, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, h.sim.OpensPlaced())
	assert.Equal(t, 1, h.durable(s.ID).DCALevel)
}

func TestPendingOrderClearedAfterGrace(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.sim.FailNextOpens(1)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	assert.Equal(t, 1, h.sim.OpensPlaced())

	h.now = h.now.Add(60 * time.Second)
	out, err := h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	assert.NotNil(t, h.durable(s.ID).Pending, "protected while inside the grace period")

	h.now = h.now.Add(61 * time.Second)
	_, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.Nil(t, h.durable(s.ID).Pending)
	assert.Equal(t, 1, h.sim.OpensPlaced())

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &OpenDCAAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
}

func TestConfigViolationRefused(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	snap := h.quote(1.0979, 1.0980, 10)

	tracked, _ := h.tracker.Get(s.ID)
	out, err := h.m.Execute(context.Background(), tracked, &OpenDCAAction{Level: 2, Direction: exchange.Long, Volume: 0.048}, snap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigViolation))
	assert.True(t, out.Blocked)

	tracked.DCALevel = 3
	_, err = h.m.Execute(context.Background(), tracked, &OpenDCAAction{Level: 4, Direction: exchange.Long, Volume: 0.05}, snap)
	assert.True(t, errors.Is(err, ErrConfigViolation))

	assert.Equal(t, 1, h.sim.OpensPlaced())
	records := h.journal.RecoveryByType("DCA")
	require.Len(t, records, 2)
	assert.True(t, records[0].Blocked)
	assert.Contains(t, records[1].BlockReason, "max_dca_levels 3")
}

func TestTrendBlockHoldsBackDCA(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	require.NoError(t, h.store.PutBlock(context.Background(), state.BlockEntry{
		Kind: state.KindTrend, Symbol: "EURUSD", CreatedAt: h.now, ExpiresAt: h.now.Add(time.Hour),
	}))

	snap := h.quote(1.0979, 1.0980, 10)
	for i := 0; i < 3; i++ {
		out, err := h.evaluate(s.ID, snap)
		require.NoError(t, err)
		assert.True(t, out.Blocked)
		assert.Contains(t, out.BlockReason, "trend block")
	}
	assert.Equal(t, 1, h.sim.OpensPlaced())
	records := h.journal.RecoveryByType("DCA")
	require.Len(t, records, 1, "a held-back trigger is journaled once")
	assert.True(t, records[0].Blocked)
}

func TestStackClosedAtBrokerIsRemoved(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.sim.RemovePosition(s.Positions[0].Ticket)

	out, err := h.evaluate(s.ID, h.quote(1.1010, 1.1011, 10))
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonBrokerClosed, out.CloseReason)
	assert.False(t, out.StopOut)
	assert.Nil(t, h.durable(s.ID))
	assert.Equal(t, 0, h.tracker.Len())
}

func TestForceCloseRetriesFailedTickets(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	_, err := h.evaluate(s.ID, h.quote(1.0979, 1.0980, 10))
	require.NoError(t, err)

	h.sim.FailNextCloses(1)
	tracked, _ := h.tracker.Get(s.ID)
	snap := h.quote(1.0975, 1.0976, 10)
	out, err := h.forceClose(tracked, ReasonCascade, snap)
	require.Error(t, err)
	assert.False(t, out.Closed)

	durable := h.durable(s.ID)
	assert.Equal(t, state.PhaseCascadeBlocked, durable.Phase)
	assert.Equal(t, ReasonCascade, durable.CloseReason)
	assert.Len(t, durable.Tickets(), 1)

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonCascade, out.CloseReason)
	assert.False(t, out.StopOut, "breaker closes are not stop-outs")
	assert.Less(t, out.RealizedPnL, 0.0)
	assert.Nil(t, h.durable(s.ID))
}

func TestHedgeOpenedOnce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Enabled[config.StrategyDCA] = false })
	s := h.open()

	snap := h.quote(1.0949, 1.0950, 10)
	out, err := h.evaluate(s.ID, snap)
	require.NoError(t, err)
	hedge, ok := out.Action.(*OpenHedgeAction)
	require.True(t, ok)
	assert.Equal(t, exchange.Short, hedge.Direction)
	assert.Equal(t, 0.02, hedge.Volume)

	durable := h.durable(s.ID)
	require.NotNil(t, durable.Hedge)
	assert.Equal(t, out.Placed, durable.Hedge.Ticket)
	assert.Equal(t, 1, durable.HedgesUsed)
	assert.Equal(t, "OPEN+HEDGED", durable.Label())
	assert.InDelta(t, 0.04, durable.NetVolume(), 1e-12)

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
}

func TestGridSlotFilledOnce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Enabled[config.StrategyDCA] = false
		c.Enabled[config.StrategyHedge] = false
		c.Enabled[config.StrategyGrid] = true
	})
	s := h.open()

	out, err := h.evaluate(s.ID, h.quote(1.0999, 1.1000, 10))
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	require.NotNil(t, h.durable(s.ID).Grid, "ladder laid on first evaluation")

	snap := h.quote(1.0983, 1.0984, 10)
	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	grid, ok := out.Action.(*OpenGridAction)
	require.True(t, ok)
	assert.Equal(t, -1, grid.Slot.Index)

	slot, ok := strategy.SlotByIndex(h.durable(s.ID).Grid, -1)
	require.True(t, ok)
	assert.Equal(t, out.Placed, slot.Ticket)

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.IsType(t, &NoOpAction{}, out.Action)
	assert.Equal(t, 2, h.sim.OpensPlaced())
	assert.Len(t, h.journal.RecoveryByType("Grid"), 1)
}

func TestUnfilledEntryIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNextOpens(1)
	_, err := h.m.OpenStack(context.Background(), strategy.Signal{
		Symbol: "EURUSD", Direction: exchange.Long, Score: 7, Actionable: true,
	}, h.quote(1.0999, 1.1000, 10))
	require.Error(t, err)
	require.Equal(t, 1, h.tracker.Len())
	id := h.tracker.All()[0].ID

	h.now = h.now.Add(3 * time.Minute)
	out, err := h.evaluate(id, h.quote(1.0999, 1.1000, 10))
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonEntryUnfilled, out.CloseReason)
	assert.Equal(t, 0, h.tracker.Len())
	assert.Empty(t, h.journal.Closes)
}

func TestForceCloseRecordsAcceptedPendingOrder(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	h.sim.DropNextOpenResponses(1)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)
	require.NotNil(t, h.durable(s.ID).Pending)
	require.Len(t, h.brokerPositions(), 2, "the dca order reached the broker")

	tracked, _ := h.tracker.Get(s.ID)
	out, err := h.forceClose(tracked, ReasonCascade, snap)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonCascade, out.CloseReason)
	assert.Empty(t, h.brokerPositions(), "nothing is left unmanaged at the broker")
	assert.Equal(t, 0, h.tracker.Len())
	assert.Nil(t, h.durable(s.ID))
	require.Len(t, h.journal.Closes, 1)
	assert.Equal(t, 1, h.journal.Closes[0].DCALevel)
}

func TestForceCloseWaitsForUnsettledPendingOrder(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	before := h.brokerPositions()
	h.sim.DropNextOpenResponses(1)

	snap := h.quote(1.0979, 1.0980, 10)
	_, err := h.evaluate(s.ID, snap)
	require.Error(t, err)

	// The cycle's position list predates the dca order
	tracked, _ := h.tracker.Get(s.ID)
	out, err := h.m.ForceClose(context.Background(), tracked, ReasonCascade, snap, before)
	require.NoError(t, err)
	assert.False(t, out.Closed)
	assert.Equal(t, 1, h.tracker.Len())
	durable := h.durable(s.ID)
	require.NotNil(t, durable)
	assert.Equal(t, state.PhaseCascadeBlocked, durable.Phase)
	require.NotNil(t, durable.Pending)
	assert.Empty(t, durable.Positions, "the entry was closed")

	h.now = h.now.Add(time.Minute)
	_, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	durable = h.durable(s.ID)
	assert.Equal(t, state.PhaseCascadeBlocked, durable.Phase, "settling the order keeps the close going")
	assert.Equal(t, ReasonCascade, durable.CloseReason)
	assert.Nil(t, durable.Pending)
	assert.Len(t, durable.Tickets(), 1)

	out, err = h.evaluate(s.ID, snap)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonCascade, out.CloseReason)
	assert.Empty(t, h.brokerPositions())
	assert.Nil(t, h.durable(s.ID))
}

func TestForceCloseOfUnfilledEntryIsNotJournaledAsClose(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNextOpens(2)
	for i := 0; i < 2; i++ {
		_, err := h.m.OpenStack(context.Background(), strategy.Signal{
			Symbol: "EURUSD", Direction: exchange.Long, Score: 7, Actionable: true,
		}, h.quote(1.0999, 1.1000, 10))
		require.Error(t, err)
	}
	require.Equal(t, 2, h.tracker.Len())
	stacks := h.tracker.All()
	snap := h.quote(1.0999, 1.1000, 10)

	// Inside the grace period the stack waits for the entry to settle
	out, err := h.forceClose(stacks[0], ReasonCascade, snap)
	require.NoError(t, err)
	assert.False(t, out.Closed)
	assert.Equal(t, state.PhaseCascadeBlocked, h.durable(stacks[0].ID).Phase)

	h.now = h.now.Add(3 * time.Minute)
	out, err = h.evaluate(stacks[0].ID, snap)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonEntryUnfilled, out.CloseReason)

	// Past the grace period the close settles it at once
	out, err = h.forceClose(stacks[1], ReasonCascade, snap)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, ReasonEntryUnfilled, out.CloseReason)

	assert.Equal(t, 0, h.tracker.Len())
	assert.Empty(t, h.journal.Closes)
	assert.Empty(t, h.m.Ledger().Results())
}
