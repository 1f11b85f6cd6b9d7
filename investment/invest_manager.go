// investment/invest_manager.go
package investment

import (
	"fmt"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
)

// Exposure is the book the limits are checked against.
type Exposure struct {
	OpenStacks int
	BySymbol   map[string]int
	TotalLots  float64 // Directional, hedge and grid volume of every live stack
}

// MeasureExposure sums the exposure of the given live stacks.
func MeasureExposure(stacks []*state.Stack) Exposure {
	e := Exposure{BySymbol: make(map[string]int)}
	for _, s := range stacks {
		if !s.Live() {
			continue
		}
		e.OpenStacks++
		e.BySymbol[s.Symbol]++
		e.TotalLots += s.NetVolume()
		if s.Hedge != nil {
			e.TotalLots += s.Hedge.Volume
		}
		if s.Grid != nil {
			for _, slot := range s.Grid.Slots {
				if slot.Filled() {
					e.TotalLots += slot.Volume
				}
			}
		}
	}
	return e
}

// Manager gates new stacks on the configured exposure limits.
type Manager struct {
	limits   config.LimitsConfig
	exceeded map[string]bool // Per symbol, so crossings are logged once
}

// NewManager creates a new exposure manager
func NewManager(limits config.LimitsConfig) *Manager {
	return &Manager{
		limits:   limits,
		exceeded: make(map[string]bool),
	}
}

// Allow reports whether a new stack of addVolume lots may open on symbol.
// A refusal is logged when a symbol first hits a limit and the release when it falls back within limits.
func (m *Manager) Allow(symbol string, stacks []*state.Stack, addVolume float64) (bool, string) {
	reason := m.check(symbol, MeasureExposure(stacks), addVolume)
	halted := reason != ""

	if halted && !m.exceeded[symbol] {
		logs.Warnf("[Exposure] %s: %s. New stacks are paused.", symbol, reason)
	} else if !halted && m.exceeded[symbol] {
		logs.Infof("[Exposure] %s: exposure is back within limits. Resuming new stacks.", symbol)
	}
	m.exceeded[symbol] = halted
	return !halted, reason
}

func (m *Manager) check(symbol string, e Exposure, addVolume float64) string {
	if m.limits.MaxOpenStacks > 0 && e.OpenStacks >= m.limits.MaxOpenStacks {
		return fmt.Sprintf("open stacks %d reached max_open_stacks %d", e.OpenStacks, m.limits.MaxOpenStacks)
	}
	if m.limits.MaxStacksPerSymbol > 0 && e.BySymbol[symbol] >= m.limits.MaxStacksPerSymbol {
		return fmt.Sprintf("%d stacks on symbol reached max_stacks_per_symbol %d", e.BySymbol[symbol], m.limits.MaxStacksPerSymbol)
	}
	if m.limits.MaxTotalLots > 0 && e.TotalLots+addVolume > m.limits.MaxTotalLots+1e-9 {
		return fmt.Sprintf("total lots %.3f + %.3f would exceed max_total_lots %.3f", e.TotalLots, addVolume, m.limits.MaxTotalLots)
	}
	return ""
}
