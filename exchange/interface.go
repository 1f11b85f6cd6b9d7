// exchange/interface.go
package exchange

import (
	"context"
	"errors"
	"time"
)

// Direction defines the position direction.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	None  Direction = ""
)

// Opposite returns the hedge direction for d.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return None
}

// Sign is +1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

var (
	// ErrBrokerUnavailable is returned once the retry budget for a broker call is spent.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrUnknownTicket is returned when the broker has no position for a ticket. It is never retried.
	ErrUnknownTicket = errors.New("unknown ticket")
)

// Position is one broker-side fill.
type Position struct {
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	OpenTime   time.Time `json:"open_time"`
	ClientID   string    `json:"client_id,omitempty"` // Client-defined order tag used to find an order after a restart
}

// OrderRequest is a market order for a new position.
type OrderRequest struct {
	Symbol    string
	Direction Direction
	Volume    float64
	ClientID  string
}

// ReferenceLevel is a price level the confluence scorer can test price against.
// Bias is LONG for support-like levels, SHORT for resistance-like levels and empty for neutral ones (e.g. POC).
type ReferenceLevel struct {
	Name  string    `json:"name"`
	Price float64   `json:"price"`
	Bias  Direction `json:"bias,omitempty"`
}

// Snapshot is the market state consumed by one scheduler cycle.
type Snapshot struct {
	Symbol        string           `json:"symbol"`
	Bid           float64          `json:"bid"`
	Ask           float64          `json:"ask"`
	Timestamp     time.Time        `json:"timestamp"`
	Levels        []ReferenceLevel `json:"reference_levels"`
	TrendStrength float64          `json:"trend_strength"`
}

// Mid returns the mid price.
func (s Snapshot) Mid() float64 {
	return (s.Bid + s.Ask) / 2
}

// ClosePrice is the price a position of direction d is valued and closed at.
func (s Snapshot) ClosePrice(d Direction) float64 {
	if d == Short {
		return s.Ask
	}
	return s.Bid
}

// OpenPrice is the price a new position of direction d fills at.
func (s Snapshot) OpenPrice(d Direction) float64 {
	if d == Short {
		return s.Bid
	}
	return s.Ask
}

// Level returns the reference level with the given name.
func (s Snapshot) Level(name string) (ReferenceLevel, bool) {
	for _, l := range s.Levels {
		if l.Name == name {
			return l, true
		}
	}
	return ReferenceLevel{}, false
}

// Broker is the order-execution collaborator. Implementations are not required to be safe for concurrent use;
// callers share them through a GatedBroker.
type Broker interface {
	// Open submits a market order and returns the broker ticket of the resulting position.
	Open(ctx context.Context, req OrderRequest) (string, error)

	// Close closes the position with the given ticket. ErrUnknownTicket means it no longer exists.
	Close(ctx context.Context, ticket string) error

	// Positions lists open positions for symbol.
	Positions(ctx context.Context, symbol string) ([]Position, error)
}

// MarketFeed produces market snapshots.
type MarketFeed interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// FindByClientID returns the position tagged with clientID.
func FindByClientID(positions []Position, clientID string) (Position, bool) {
	if clientID == "" {
		return Position{}, false
	}
	for _, p := range positions {
		if p.ClientID == clientID {
			return p, true
		}
	}
	return Position{}, false
}

// IndexByTicket builds a ticket lookup.
func IndexByTicket(positions []Position) map[string]Position {
	out := make(map[string]Position, len(positions))
	for _, p := range positions {
		out[p.Ticket] = p
	}
	return out
}
