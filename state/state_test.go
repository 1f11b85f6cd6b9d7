package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestStore(b Backend, now time.Time) *Store {
	s := NewStore(b, 2*time.Hour)
	s.SetClock(func() time.Time { return now })
	return s
}

func TestLoadWithoutStateStartsEmpty(t *testing.T) {
	s := newTestStore(&MemoryBackend{}, t0)
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, st.Version)
	assert.Empty(t, st.Stacks)
	assert.Empty(t, st.Blocks)
}

func TestIsBlockedExpiryMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(&MemoryBackend{}, t0)
	expires := t0.Add(60 * time.Minute)
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Scope: ScopeSymbol, Kind: KindCascade, Symbol: "EURUSD", ExpiresAt: expires, CreatedAt: t0}))

	assert.True(t, s.IsBlocked("EURUSD", KindCascade, t0))
	assert.True(t, s.IsBlocked("EURUSD", KindCascade, expires.Add(-time.Nanosecond)))
	assert.False(t, s.IsBlocked("GBPUSD", KindCascade, t0))
	assert.False(t, s.IsBlocked("EURUSD", KindTrend, t0))

	// Once false, false for every later instant
	for _, d := range []time.Duration{0, time.Nanosecond, time.Second, time.Hour, 48 * time.Hour} {
		assert.False(t, s.IsBlocked("EURUSD", KindCascade, expires.Add(d)), "now = expires + %v", d)
	}
	// The expired entry was dropped from memory, so even an earlier clock can not revive it
	assert.False(t, s.IsBlocked("EURUSD", KindCascade, t0))
}

func TestAccountBlockAppliesToEverySymbol(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(&MemoryBackend{}, t0)
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Scope: ScopeAccount, Kind: KindCascade, ExpiresAt: t0.Add(time.Hour), CreatedAt: t0, Reason: "account loss"}))

	b, ok := s.ActiveBlock("EURUSD", KindCascade, t0)
	require.True(t, ok)
	assert.Equal(t, ScopeAccount, b.Scope)
	assert.True(t, s.IsBlocked("XAUUSD", KindCascade, t0.Add(59*time.Minute)))

	require.NoError(t, s.ClearBlock(ctx, ScopeAccount, "", KindCascade))
	assert.False(t, s.IsBlocked("EURUSD", KindCascade, t0))
}

func TestPutBlockReplacesSameKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(&MemoryBackend{}, t0)
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Kind: KindTrend, Symbol: "EURUSD", ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}))
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Kind: KindTrend, Symbol: "EURUSD", ExpiresAt: t0.Add(3 * time.Hour), CreatedAt: t0.Add(time.Minute)}))

	snap := s.Snapshot()
	require.Len(t, snap.Blocks["EURUSD"], 1)
	assert.Equal(t, t0.Add(3*time.Hour), snap.Blocks["EURUSD"][0].ExpiresAt)
	assert.Equal(t, t0.Add(time.Minute), snap.LastBlockUpdate)
}

func TestLoadPurgesExpiredBlocks(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}
	writer := newTestStore(backend, t0)
	require.NoError(t, writer.PutBlock(ctx, BlockEntry{Kind: KindCascade, Symbol: "EURUSD", ExpiresAt: t0.Add(10 * time.Minute), CreatedAt: t0}))
	require.NoError(t, writer.PutBlock(ctx, BlockEntry{Kind: KindCascade, Symbol: "GBPUSD", ExpiresAt: t0.Add(90 * time.Minute), CreatedAt: t0}))

	// Restart 30 minutes later: EURUSD block has expired, GBPUSD has not
	reader := newTestStore(backend, t0.Add(30*time.Minute))
	st, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Blocks, "EURUSD")
	assert.Contains(t, st.Blocks, "GBPUSD")

	// The purge was written back
	again := newTestStore(backend, t0)
	st, err = again.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Blocks, "EURUSD")
}

func TestLoadDropsStaleBlockState(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}
	writer := newTestStore(backend, t0)
	// A block well into the future, but nobody has touched the block set for three hours by restart time
	require.NoError(t, writer.PutBlock(ctx, BlockEntry{Kind: KindTrend, Symbol: "EURUSD", ExpiresAt: t0.Add(24 * time.Hour), CreatedAt: t0}))

	reader := newTestStore(backend, t0.Add(3*time.Hour))
	st, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Blocks)
	assert.False(t, reader.IsBlocked("EURUSD", KindTrend, t0.Add(3*time.Hour)))
}

func TestMutationNotVisibleWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}
	s := newTestStore(backend, t0)
	stack := &Stack{ID: "s1", Symbol: "EURUSD", Direction: exchange.Long, Phase: PhaseOpen, CreatedAt: t0}
	require.NoError(t, s.PutStack(ctx, stack))

	backend.SetFailWrites(1)
	next := stack.Clone()
	next.DCALevel = 1
	err := s.PutStack(ctx, next)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	got, ok := s.Stack("s1")
	require.True(t, ok)
	assert.Equal(t, 0, got.DCALevel)

	backend.SetFailWrites(1)
	err = s.PutBlock(ctx, BlockEntry{Kind: KindCascade, Symbol: "EURUSD", ExpiresAt: t0.Add(time.Hour), CreatedAt: t0})
	require.ErrorIs(t, err, ErrPersistence)
	assert.False(t, s.IsBlocked("EURUSD", KindCascade, t0))
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(&MemoryBackend{}, t0)
	stack := &Stack{ID: "s1", Symbol: "EURUSD", Positions: []exchange.Position{{Ticket: "1"}}}
	require.NoError(t, s.PutStack(ctx, stack))

	stack.Positions[0].Ticket = "changed"
	got, _ := s.Stack("s1")
	assert.Equal(t, "1", got.Positions[0].Ticket)

	got.Positions = nil
	again, _ := s.Stack("s1")
	assert.Len(t, again.Positions, 1)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	backend := &MemoryBackend{}
	s := newTestStore(backend, t0)
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Kind: KindCascade, Symbol: "EURUSD", ExpiresAt: t0.Add(time.Minute), CreatedAt: t0}))
	writes := backend.Writes()

	n, err := s.PurgeExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, writes, backend.Writes(), "nothing to purge, nothing written")

	n, err = s.PurgeExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Snapshot().Blocks)
}

func TestFileBackendAtomicReplace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "blocking_state.json")
	b := NewFileBackend(path)

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, ErrNoState)

	s := newTestStore(b, t0)
	require.NoError(t, s.PutStack(ctx, &Stack{ID: "s1", Symbol: "EURUSD", Phase: PhaseOpen}))
	require.NoError(t, s.PutStack(ctx, &Stack{ID: "s2", Symbol: "GBPUSD", Phase: PhaseOpen}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "blocking_state.json", entries[0].Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded PersistedState
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, CurrentVersion, decoded.Version)
	assert.Len(t, decoded.Stacks, 2)

	reloaded := newTestStore(NewFileBackend(path), t0)
	st, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Stacks, "s2")
}

func TestMigrateLegacyState(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	layout := "2006-01-02T15:04:05.999999"
	legacy := map[string]interface{}{
		"cascade_blocks": map[string]interface{}{
			"EURUSD": now.Add(30 * time.Minute).Format(layout),
			"GBPUSD": now.Add(-30 * time.Minute).Format(layout),
			"USDJPY": nil,
		},
		"market_trending_block": map[string]bool{"EURUSD": true, "GBPUSD": false},
		"last_block_update":     now.Add(-5 * time.Minute).Format(layout),
		"tracked_positions":     map[string]interface{}{"123": map[string]interface{}{"symbol": "EURUSD"}},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	backend := &MemoryBackend{}
	require.NoError(t, backend.Write(ctx, data))

	s := NewStore(backend, 2*time.Hour)
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, st.Version)
	assert.True(t, s.IsBlocked("EURUSD", KindCascade, now))
	assert.True(t, s.IsBlocked("EURUSD", KindTrend, now))
	assert.False(t, s.IsBlocked("GBPUSD", KindCascade, now))
	assert.False(t, s.IsBlocked("GBPUSD", KindTrend, now))
	assert.NotContains(t, st.Blocks, "USDJPY")

	// Written back in the current schema
	raw, err := backend.Read(ctx)
	require.NoError(t, err)
	var header struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(raw, &header))
	assert.Equal(t, CurrentVersion, header.Version)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	backend := &MemoryBackend{}
	require.NoError(t, backend.Write(context.Background(), []byte(`{"version": 9}`)))
	_, err := NewStore(backend, time.Hour).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state version")
}

type fakeRedis struct {
	data    map[string]string
	failSet error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	client := &fakeRedis{data: map[string]string{}}
	b := NewRedisBackend(client, "ganymede:blocking_state")

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, ErrNoState)

	s := newTestStore(b, t0)
	require.NoError(t, s.PutBlock(ctx, BlockEntry{Kind: KindCascade, Symbol: "EURUSD", ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}))
	assert.Contains(t, client.data["ganymede:blocking_state"], `"cascade"`)

	reloaded := newTestStore(b, t0.Add(time.Minute))
	_, err = reloaded.Load(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded.IsBlocked("EURUSD", KindCascade, t0.Add(time.Minute)))

	client.failSet = errors.New("READONLY You can't write against a read only replica")
	err = s.PutStack(ctx, &Stack{ID: "s1"})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestStackLabelAndTickets(t *testing.T) {
	s := &Stack{ID: "8f14e45f-aaaa", Symbol: "EURUSD", Direction: exchange.Long, Phase: PhaseOpen,
		Positions: []exchange.Position{{Ticket: "1", Volume: 0.04}, {Ticket: "2", Volume: 0.048}}}
	assert.Equal(t, "OPEN", s.Label())

	s.Phase, s.DCALevel = PhaseDCA, 2
	assert.Equal(t, "DCA_2", s.Label())

	s.Hedge = &HedgeRef{Ticket: "3", Direction: exchange.Short, Volume: 0.044}
	assert.Equal(t, "DCA_2+HEDGED", s.Label())
	assert.InDelta(t, 0.088, s.NetVolume(), 1e-9)
	assert.Equal(t, []string{"1", "2", "3"}, s.Tickets())
	assert.Equal(t, "8f14e45f-aaaa:dca:3", s.ClientID(OrderDCA, 3))

	s.Phase = PhaseCascadeBlocked
	assert.Equal(t, "CASCADE_BLOCKED", s.Label())
}
