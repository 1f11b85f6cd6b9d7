// state/migrate.go
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// legacyState is the version 1 layout: cascade blocks as symbol -> block-until timestamp (local time, no zone),
// trend blocks as symbol -> bool, and the time of the last block update.
type legacyState struct {
	CascadeBlocks       map[string]*string `json:"cascade_blocks"`
	MarketTrendingBlock map[string]bool    `json:"market_trending_block"`
	LastBlockUpdate     string             `json:"last_block_update"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseLegacyTime(s string) (time.Time, error) {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// decode parses a snapshot of any supported version into the current schema.
// trendLife is the expiry given to migrated trend blocks, which had none in version 1.
func decode(data []byte, trendLife time.Duration) (*PersistedState, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}

	switch header.Version {
	case 0, 1:
		return migrateV1(data, trendLife)
	case CurrentVersion:
		st := NewPersistedState()
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse state v%d: %w", CurrentVersion, err)
		}
		if st.Stacks == nil {
			st.Stacks = make(map[string]*Stack)
		}
		if st.Blocks == nil {
			st.Blocks = make(map[string][]BlockEntry)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported state version %d (this build understands up to %d)", header.Version, CurrentVersion)
	}
}

func migrateV1(data []byte, trendLife time.Duration) (*PersistedState, error) {
	var legacy legacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy state: %w", err)
	}

	st := NewPersistedState()
	st.Version = 1
	if legacy.LastBlockUpdate != "" {
		t, err := parseLegacyTime(legacy.LastBlockUpdate)
		if err != nil {
			return nil, fmt.Errorf("legacy last_block_update: %w", err)
		}
		st.LastBlockUpdate = t
	}

	for symbol, until := range legacy.CascadeBlocks {
		if until == nil || *until == "" {
			continue
		}
		expires, err := parseLegacyTime(*until)
		if err != nil {
			return nil, fmt.Errorf("legacy cascade block for %s: %w", symbol, err)
		}
		st.Blocks[symbol] = append(st.Blocks[symbol], BlockEntry{
			Scope:     ScopeSymbol,
			Kind:      KindCascade,
			Symbol:    symbol,
			ExpiresAt: expires,
			CreatedAt: st.LastBlockUpdate,
			Reason:    "migrated from legacy state",
		})
	}

	for symbol, blocked := range legacy.MarketTrendingBlock {
		if !blocked {
			continue
		}
		st.Blocks[symbol] = append(st.Blocks[symbol], BlockEntry{
			Scope:     ScopeSymbol,
			Kind:      KindTrend,
			Symbol:    symbol,
			ExpiresAt: st.LastBlockUpdate.Add(trendLife),
			CreatedAt: st.LastBlockUpdate,
			Reason:    "migrated from legacy state",
		})
	}
	return st, nil
}
