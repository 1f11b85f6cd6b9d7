// profit/valuation.go
package profit

import (
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/utils"
)

// PositionPnL values one position at the price it would close at, in account currency.
func PositionPnL(p exchange.Position, snap exchange.Snapshot, contractSize float64) float64 {
	return (snap.ClosePrice(p.Direction) - p.EntryPrice) * p.Direction.Sign() * p.Volume * contractSize
}

// AdversePips is how far price has moved against direction since ref, in pips. Negative when in profit.
func AdversePips(direction exchange.Direction, ref float64, snap exchange.Snapshot, pipSize float64) float64 {
	return utils.ToPips((ref-snap.ClosePrice(direction))*direction.Sign(), pipSize)
}

// StackValuation is the mark-to-market view of a stack in one snapshot.
type StackValuation struct {
	DirectionalPnL    float64 // Original plus DCA positions
	HedgePnL          float64
	GridPnL           float64
	Unrealized        float64 // Sum of the above
	AveragePrice      float64 // Weighted average entry of the directional positions
	AdverseFromLast   float64 // Pips against the stack since its most recent directional entry
	AdverseFromOrigin float64 // Pips against the stack since its original entry
}

// ValueStack marks every position of s to snap.
func ValueStack(s *state.Stack, snap exchange.Snapshot, pipSize, contractSize float64) StackValuation {
	var v StackValuation

	acct := NewAccountant()
	for _, p := range s.Positions {
		v.DirectionalPnL += PositionPnL(p, snap, contractSize)
		acct.RecordTrade(Trade{Direction: p.Direction, Price: p.EntryPrice, Volume: p.Volume, Kind: "ENTRY"})
	}
	v.AveragePrice = acct.GetPositionState().AverageCost

	if s.Hedge != nil {
		v.HedgePnL = PositionPnL(exchange.Position{Direction: s.Hedge.Direction, Volume: s.Hedge.Volume, EntryPrice: s.Hedge.EntryPrice}, snap, contractSize)
	}
	if s.Grid != nil {
		for _, slot := range s.Grid.Slots {
			if !slot.Filled() {
				continue
			}
			entry := slot.FillPrice
			if entry == 0 {
				entry = slot.Price
			}
			v.GridPnL += PositionPnL(exchange.Position{Direction: slot.Direction, Volume: slot.Volume, EntryPrice: entry}, snap, contractSize)
		}
	}
	v.Unrealized = v.DirectionalPnL + v.HedgePnL + v.GridPnL

	if last, ok := s.LastPosition(); ok {
		v.AdverseFromLast = AdversePips(s.Direction, last.EntryPrice, snap, pipSize)
	}
	if origin, ok := s.OriginalEntry(); ok {
		v.AdverseFromOrigin = AdversePips(s.Direction, origin, snap, pipSize)
	}
	return v
}
