// profit/accounting.go
package profit

import (
	"math"
	"sort"
	"sync"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
)

// Trade is a single fill fed to an Accountant.
type Trade struct {
	Direction exchange.Direction // LONG buys, SHORT sells
	Price     float64
	Volume    float64
	Kind      string // "ENTRY", "DCA", "HEDGE", "GRID", "CLOSE"
}

// PositionState is the net position an Accountant has built from its trades.
type PositionState struct {
	NetVolume      float64 // Negative for a net short
	AverageCost    float64
	RealizedProfit float64 // In price units times volume; multiply by contract size for currency
}

// Accountant tracks a net position with the weighted average cost method.
type Accountant struct {
	mu       sync.Mutex
	position PositionState
	trades   []Trade
}

// NewAccountant creates a new accounting core.
func NewAccountant() *Accountant {
	return &Accountant{trades: make([]Trade, 0)}
}

// RecordTrade records a fill and updates the net position.
func (a *Accountant) RecordTrade(trade Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.trades = append(a.trades, trade)

	isBuy := trade.Direction == exchange.Long
	qty := trade.Volume
	curQty := a.position.NetVolume
	curAvg := a.position.AverageCost

	// A fill against the current net position realises profit on the overlapping volume
	isClosing := (curQty > 0 && !isBuy) || (curQty < 0 && isBuy)
	if isClosing {
		closed := math.Min(math.Abs(curQty), qty)
		if isBuy {
			a.position.RealizedProfit += (curAvg - trade.Price) * closed
		} else {
			a.position.RealizedProfit += (trade.Price - curAvg) * closed
		}
	}

	signed := qty
	if !isBuy {
		signed = -qty
	}

	if (curQty >= 0 && isBuy) || (curQty <= 0 && !isBuy) {
		value := curAvg*math.Abs(curQty) + trade.Price*qty
		a.position.NetVolume += signed
		if a.position.NetVolume != 0 {
			a.position.AverageCost = value / math.Abs(a.position.NetVolume)
		} else {
			a.position.AverageCost = 0
		}
		return
	}

	a.position.NetVolume += signed
	switch {
	case curQty*a.position.NetVolume < 0: // Reversed through flat
		a.position.AverageCost = trade.Price
	case a.position.NetVolume == 0:
		a.position.AverageCost = 0
	}
}

// Unrealized returns the floating profit of the net position at price.
func (a *Accountant) Unrealized(price float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.position.NetVolume > 0 {
		return (price - a.position.AverageCost) * a.position.NetVolume
	}
	if a.position.NetVolume < 0 {
		return (a.position.AverageCost - price) * math.Abs(a.position.NetVolume)
	}
	return 0
}

// GetPositionState returns a copy of the current position state.
func (a *Accountant) GetPositionState() PositionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// SymbolResult is the realized outcome of closed stacks on one symbol.
type SymbolResult struct {
	Symbol      string
	RealizedPnL float64
	Closed      int
	StopOuts    int
	Wins        int
}

// Ledger accumulates realized results of closed stacks.
type Ledger struct {
	mu       sync.Mutex
	bySymbol map[string]*SymbolResult
}

func NewLedger() *Ledger {
	return &Ledger{bySymbol: make(map[string]*SymbolResult)}
}

// RecordClose books the realized result of a closed stack.
func (l *Ledger) RecordClose(symbol string, pnl float64, stopOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.bySymbol[symbol]
	if !ok {
		r = &SymbolResult{Symbol: symbol}
		l.bySymbol[symbol] = r
	}
	r.RealizedPnL += pnl
	r.Closed++
	if stopOut {
		r.StopOuts++
	}
	if pnl > 0 {
		r.Wins++
	}
}

// Result returns the realized result for symbol.
func (l *Ledger) Result(symbol string) SymbolResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.bySymbol[symbol]; ok {
		return *r
	}
	return SymbolResult{Symbol: symbol}
}

// Results returns every symbol's result ordered by symbol.
func (l *Ledger) Results() []SymbolResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SymbolResult, 0, len(l.bySymbol))
	for _, r := range l.bySymbol {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Total returns the realized P&L across all symbols.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, r := range l.bySymbol {
		total += r.RealizedPnL
	}
	return total
}
