// strategy/grid.go
package strategy

import (
	"sort"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/utils"
)

// BuildLadder lays a symmetric ladder of cfg.Levels rungs on each side of origin.
// Rungs below the origin buy, rungs above it sell, independent of the stack's direction.
func BuildLadder(origin float64, cfg config.GridConfig, pipSize float64) *state.GridLadder {
	ladder := &state.GridLadder{
		Origin:      origin,
		SpacingPips: cfg.SpacingPips,
		Slots:       make([]state.GridSlot, 0, 2*cfg.Levels),
	}
	step := cfg.SpacingPips * pipSize
	for i := cfg.Levels; i >= 1; i-- {
		ladder.Slots = append(ladder.Slots, state.GridSlot{
			Index:     -i,
			Price:     origin - step*float64(i),
			Direction: exchange.Long,
			Volume:    cfg.Volume,
		})
	}
	for i := 1; i <= cfg.Levels; i++ {
		ladder.Slots = append(ladder.Slots, state.GridSlot{
			Index:     i,
			Price:     origin + step*float64(i),
			Direction: exchange.Short,
			Volume:    cfg.Volume,
		})
	}
	return ladder
}

// NextCrossedSlot returns the unfilled slot closest to the origin that price has reached.
// A buy rung is reached when the ask trades at or below it, a sell rung when the bid trades at or above it.
func NextCrossedSlot(ladder *state.GridLadder, snap exchange.Snapshot) (state.GridSlot, bool) {
	if ladder == nil {
		return state.GridSlot{}, false
	}
	candidates := make([]state.GridSlot, 0, len(ladder.Slots))
	for _, slot := range ladder.Slots {
		if slot.Filled() {
			continue
		}
		price := snap.OpenPrice(slot.Direction)
		switch slot.Direction {
		case exchange.Long:
			if price <= slot.Price+utils.Epsilon {
				candidates = append(candidates, slot)
			}
		case exchange.Short:
			if price >= slot.Price-utils.Epsilon {
				candidates = append(candidates, slot)
			}
		}
	}
	if len(candidates) == 0 {
		return state.GridSlot{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return abs(candidates[i].Index) < abs(candidates[j].Index)
	})
	return candidates[0], true
}

// SlotByIndex finds a slot by its ladder index.
func SlotByIndex(ladder *state.GridLadder, index int) (*state.GridSlot, bool) {
	if ladder == nil {
		return nil, false
	}
	for i := range ladder.Slots {
		if ladder.Slots[i].Index == index {
			return &ladder.Slots[i], true
		}
	}
	return nil, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
