// state/state.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
)

// ErrPersistence wraps every failure to make a mutation durable. A caller that sees it must treat the
// mutation as not having happened.
var ErrPersistence = errors.New("persistence failure")

// --- 1. Define Interface ---

// BlockingStateStore is the durable record of stacks and blocks. Every mutation is written through to the
// backend before it becomes visible to readers.
type BlockingStateStore interface {
	// Load reads the durable snapshot, purging expired and abandoned blocks.
	Load(ctx context.Context) (PersistedState, error)
	// Save replaces the whole snapshot.
	Save(ctx context.Context, st PersistedState) error
	// Snapshot returns a deep copy of the in-memory view.
	Snapshot() PersistedState
	// IsBlocked reports whether an unexpired block of kind applies to symbol, including account blocks.
	IsBlocked(symbol string, kind BlockKind, now time.Time) bool
	// ActiveBlock returns the unexpired block of kind for symbol, if any.
	ActiveBlock(symbol string, kind BlockKind, now time.Time) (BlockEntry, bool)
	// PurgeExpired durably removes inert blocks.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// BlockAge returns how long ago the block set was last written, and the age at which Load
	// treats it as abandoned.
	BlockAge(now time.Time) (age, staleness time.Duration)

	PutStack(ctx context.Context, s *Stack) error
	DeleteStack(ctx context.Context, id string) error
	PutBlock(ctx context.Context, b BlockEntry) error
	ClearBlock(ctx context.Context, scope BlockScope, symbol string, kind BlockKind) error
}

// Ensure Store implements BlockingStateStore
var _ BlockingStateStore = (*Store)(nil)

// --- 2. Store Implementation ---

// Store is the BlockingStateStore over a Backend.
type Store struct {
	mu        sync.RWMutex
	backend   Backend
	state     *PersistedState
	staleness time.Duration
	now       func() time.Time
}

// NewStore creates a store. Blocks whose last update is older than staleness are dropped on Load.
func NewStore(backend Backend, staleness time.Duration) *Store {
	return &Store{
		backend:   backend,
		state:     NewPersistedState(),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock replaces the clock used for load-time purging and save timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Load reads the snapshot from the backend. A missing snapshot yields an empty state.
// Expired blocks are purged, and if the block set has not been touched within the staleness ceiling
// every block is dropped as abandoned. The purged snapshot is written back.
func (s *Store) Load(ctx context.Context) (PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.backend.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrNoState) {
			logs.Infof("[State] No persisted state found. Starting with a fresh state.")
			s.state = NewPersistedState()
			return *s.state.Clone(), nil
		}
		return PersistedState{}, fmt.Errorf("failed to read state: %w", err)
	}

	loaded, err := decode(data, s.staleness)
	if err != nil {
		return PersistedState{}, err
	}
	migrated := loaded.Version != CurrentVersion

	now := s.now()
	changed := migrated
	if len(loaded.Blocks) > 0 && !loaded.LastBlockUpdate.IsZero() && now.Sub(loaded.LastBlockUpdate) > s.staleness {
		logs.Warnf("[State] Blocking state is stale (last update %s, %.0f minutes ago). Dropping %d block keys.",
			loaded.LastBlockUpdate.Format(time.RFC3339), now.Sub(loaded.LastBlockUpdate).Minutes(), len(loaded.Blocks))
		loaded.Blocks = make(map[string][]BlockEntry)
		changed = true
	}
	if n := loaded.purgeExpired(now); n > 0 {
		logs.Infof("[State] Purged %d expired blocks on load.", n)
		changed = true
	}
	loaded.Version = CurrentVersion

	if changed {
		if err := s.write(ctx, loaded); err != nil {
			return PersistedState{}, err
		}
		if migrated {
			logs.Infof("[State] Migrated persisted state to version %d.", CurrentVersion)
		}
	}
	s.state = loaded
	logs.Infof("[State] Loaded %d stacks and %d block keys.", len(loaded.Stacks), len(loaded.Blocks))
	return *loaded.Clone(), nil
}

// BlockAge returns the age of the last block write and the staleness ceiling. The age is zero when no
// block was ever written.
func (s *Store) BlockAge(now time.Time) (time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil || s.state.LastBlockUpdate.IsZero() {
		return 0, s.staleness
	}
	return now.Sub(s.state.LastBlockUpdate), s.staleness
}

// Save replaces the whole snapshot.
func (s *Store) Save(ctx context.Context, st PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := st.Clone()
	if next.Stacks == nil {
		next.Stacks = make(map[string]*Stack)
	}
	if next.Blocks == nil {
		next.Blocks = make(map[string][]BlockEntry)
	}
	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() PersistedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.state.Clone()
}

// Stack returns a copy of the persisted stack with the given id.
func (s *Store) Stack(id string) (*Stack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state.Stacks[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// IsBlocked reports whether an unexpired block of kind applies to symbol.
func (s *Store) IsBlocked(symbol string, kind BlockKind, now time.Time) bool {
	_, ok := s.ActiveBlock(symbol, kind, now)
	return ok
}

// ActiveBlock returns the unexpired block of kind that applies to symbol, checking the symbol's own
// blocks first and then account blocks. Expired entries met on the way are dropped from memory; they are
// inert, so the durable copy loses them on the next write.
func (s *Store) ActiveBlock(symbol string, kind BlockKind, now time.Time) (BlockEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found BlockEntry
	ok := false
	for _, key := range []string{symbol, AccountKey} {
		entries, exists := s.state.Blocks[key]
		if !exists {
			continue
		}
		kept := make([]BlockEntry, 0, len(entries))
		for _, b := range entries {
			if !b.Active(now) {
				continue
			}
			kept = append(kept, b)
			if !ok && b.Kind == kind {
				found, ok = b, true
			}
		}
		if len(kept) == 0 {
			delete(s.state.Blocks, key)
		} else {
			s.state.Blocks[key] = kept
		}
	}
	return found, ok
}

// Blocks returns every block currently recorded, ordered by key and kind. Used for telemetry.
func (s *Store) Blocks() []BlockEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BlockEntry
	for _, entries := range s.state.Blocks {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key() != out[j].key() {
			return out[i].key() < out[j].key()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// PurgeExpired durably removes every block with ExpiresAt <= now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(next *PersistedState) bool {
		removed = next.purgeExpired(now)
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// PutStack durably records a copy of st.
func (s *Store) PutStack(ctx context.Context, st *Stack) error {
	cp := st.Clone()
	return s.mutate(ctx, func(next *PersistedState) bool {
		next.Stacks[cp.ID] = cp
		return true
	})
}

// DeleteStack durably removes a stack.
func (s *Store) DeleteStack(ctx context.Context, id string) error {
	return s.mutate(ctx, func(next *PersistedState) bool {
		if _, ok := next.Stacks[id]; !ok {
			return false
		}
		delete(next.Stacks, id)
		return true
	})
}

// PutBlock durably records b, replacing any block with the same scope, symbol and kind.
func (s *Store) PutBlock(ctx context.Context, b BlockEntry) error {
	if b.Scope == "" {
		b.Scope = ScopeSymbol
	}
	return s.mutate(ctx, func(next *PersistedState) bool {
		key := b.key()
		entries := next.Blocks[key]
		replaced := false
		for i := range entries {
			if entries[i].Kind == b.Kind {
				entries[i] = b
				replaced = true
			}
		}
		if !replaced {
			entries = append(entries, b)
		}
		next.Blocks[key] = entries
		next.LastBlockUpdate = b.CreatedAt
		if next.LastBlockUpdate.IsZero() {
			next.LastBlockUpdate = s.now()
		}
		return true
	})
}

// ClearBlock durably removes the block of kind for symbol (or the account, for ScopeAccount).
func (s *Store) ClearBlock(ctx context.Context, scope BlockScope, symbol string, kind BlockKind) error {
	key := BlockEntry{Scope: scope, Symbol: symbol}.key()
	return s.mutate(ctx, func(next *PersistedState) bool {
		entries, ok := next.Blocks[key]
		if !ok {
			return false
		}
		kept := entries[:0]
		for _, b := range entries {
			if b.Kind != kind {
				kept = append(kept, b)
			}
		}
		if len(kept) == len(entries) {
			return false
		}
		if len(kept) == 0 {
			delete(next.Blocks, key)
		} else {
			next.Blocks[key] = kept
		}
		next.LastBlockUpdate = s.now()
		return true
	})
}

// mutate applies fn to a copy of the state, writes the copy and only then adopts it.
// fn reports whether it changed anything; unchanged copies are not written.
// Caller must not hold s.mu.
func (s *Store) mutate(ctx context.Context, fn func(next *PersistedState) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.Clone()
	if !fn(next) {
		return nil
	}
	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// write serialises st and hands it to the backend. Caller holds s.mu.
func (s *Store) write(ctx context.Context, st *PersistedState) error {
	st.Version = CurrentVersion
	st.SavedAt = s.now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal state: %v", ErrPersistence, err)
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
