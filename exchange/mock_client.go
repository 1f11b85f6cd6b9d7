// exchange/mock_client.go
package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/indicators"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
)

//
// Simulated broker for running the engine and the tests without a real broker connection
//

// Ensure SimBroker implements Broker and MarketFeed
var (
	_ Broker     = (*SimBroker)(nil)
	_ MarketFeed = (*SimBroker)(nil)
)

const maxSimBars = 500

type simMarket struct {
	bid, ask      float64
	spread        float64
	pipSize       float64
	bars          []indicators.Bar
	trendOverride *float64
	levelOverride []ReferenceLevel
	drift         float64 // Pips per step added to the random walk
}

// SimBroker is an in-memory broker with a seeded random-walk market.
type SimBroker struct {
	mu         sync.Mutex
	positions  map[string]*Position
	nextTicket int64
	markets    map[string]*simMarket
	rng        *rand.Rand
	stopChan   chan struct{}
	stopOnce   sync.Once
	now        func() time.Time

	// --- Failure injection ---
	failOpens         int
	failCloses        int
	failPositions     int
	failSnapshots     int
	dropOpenResponses int // Order executes but the caller sees an error (lost response)
	injectedErr       error
	latency           time.Duration
	opensPlaced       int
	active, maxActive int32
}

// NewSimBroker creates a simulated broker. The same seed always produces the same price path.
func NewSimBroker(seed int64) *SimBroker {
	return &SimBroker{
		positions:   make(map[string]*Position),
		nextTicket:  1000,
		markets:     make(map[string]*simMarket),
		rng:         rand.New(rand.NewSource(seed)),
		stopChan:    make(chan struct{}),
		now:         time.Now,
		injectedErr: fmt.Errorf("simulated broker failure"),
	}
}

// AddSymbol registers a market at the given mid price.
func (c *SimBroker) AddSymbol(symbol string, mid, spreadPips, pipSize float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spread := spreadPips * pipSize
	c.markets[symbol] = &simMarket{
		bid:     mid - spread/2,
		ask:     mid + spread/2,
		spread:  spread,
		pipSize: pipSize,
	}
	logs.Infof("[Sim Broker] Market %s registered at %.5f", symbol, mid)
}

// SetClock replaces the clock used for position open times.
func (c *SimBroker) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetQuote pins the current quote of symbol.
func (c *SimBroker) SetQuote(symbol string, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.market(symbol)
	m.bid, m.ask = bid, ask
	m.spread = ask - bid
}

// SetTrendStrength overrides the ADX reading reported in snapshots.
func (c *SimBroker) SetTrendStrength(symbol string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market(symbol).trendOverride = &v
}

// SetLevels overrides the reference levels reported in snapshots.
func (c *SimBroker) SetLevels(symbol string, levels []ReferenceLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market(symbol).levelOverride = append([]ReferenceLevel(nil), levels...)
}

// SetDrift adds a constant number of pips per simulation step, e.g. to stress a trending market.
func (c *SimBroker) SetDrift(symbol string, pipsPerStep float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market(symbol).drift = pipsPerStep
}

// SetLatency makes every broker call sleep for d.
func (c *SimBroker) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// FailNextOpens makes the next n Open calls fail without placing an order.
func (c *SimBroker) FailNextOpens(n int) { c.setFail(&c.failOpens, n) }

// FailNextCloses makes the next n Close calls fail.
func (c *SimBroker) FailNextCloses(n int) { c.setFail(&c.failCloses, n) }

// FailNextPositions makes the next n Positions calls fail.
func (c *SimBroker) FailNextPositions(n int) { c.setFail(&c.failPositions, n) }

// FailNextSnapshots makes the next n Snapshot calls fail.
func (c *SimBroker) FailNextSnapshots(n int) { c.setFail(&c.failSnapshots, n) }

// DropNextOpenResponses places the next n orders but reports an error to the caller,
// as if the response was lost after the broker accepted the order.
func (c *SimBroker) DropNextOpenResponses(n int) { c.setFail(&c.dropOpenResponses, n) }

func (c *SimBroker) setFail(counter *int, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*counter = n
}

// OpensPlaced returns how many orders resulted in a position.
func (c *SimBroker) OpensPlaced() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opensPlaced
}

// MaxConcurrentCalls returns the highest number of broker calls observed in flight at once.
func (c *SimBroker) MaxConcurrentCalls() int {
	return int(atomic.LoadInt32(&c.maxActive))
}

// Start runs the price simulator until Stop is called.
func (c *SimBroker) Start(interval time.Duration) {
	go c.runPriceSimulator(interval)
}

// Stop gracefully stops the simulator goroutine.
func (c *SimBroker) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *SimBroker) runPriceSimulator(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			logs.Info("[Sim Broker] Price simulator stopped.")
			return
		case <-ticker.C:
			c.mu.Lock()
			symbols := make([]string, 0, len(c.markets))
			for s := range c.markets {
				symbols = append(symbols, s)
			}
			c.mu.Unlock()
			sort.Strings(symbols)
			for _, s := range symbols {
				c.Step(s)
			}
		}
	}
}

// Step advances the random walk of symbol by one bar.
func (c *SimBroker) Step(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.market(symbol)
	mid := (m.bid + m.ask) / 2
	open := mid
	high, low := mid, mid
	for i := 0; i < 4; i++ {
		mid += (c.rng.NormFloat64()*3 + m.drift/4) * m.pipSize
		high = math.Max(high, mid)
		low = math.Min(low, mid)
	}
	m.bid, m.ask = mid-m.spread/2, mid+m.spread/2
	m.bars = append(m.bars, indicators.Bar{
		Open:   open,
		High:   high,
		Low:    low,
		Close:  mid,
		Volume: 50 + c.rng.Float64()*100,
	})
	if len(m.bars) > maxSimBars {
		m.bars = m.bars[len(m.bars)-maxSimBars:]
	}
}

// market returns the market for symbol, creating a flat one if missing. Caller holds c.mu.
func (c *SimBroker) market(symbol string) *simMarket {
	m, ok := c.markets[symbol]
	if !ok {
		m = &simMarket{pipSize: 0.0001}
		c.markets[symbol] = m
	}
	return m
}

func (c *SimBroker) enter() func() {
	n := atomic.AddInt32(&c.active, 1)
	for {
		seen := atomic.LoadInt32(&c.maxActive)
		if n <= seen || atomic.CompareAndSwapInt32(&c.maxActive, seen, n) {
			break
		}
	}
	c.mu.Lock()
	latency := c.latency
	c.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}
	return func() { atomic.AddInt32(&c.active, -1) }
}

// Open places a market order.
func (c *SimBroker) Open(ctx context.Context, req OrderRequest) (string, error) {
	defer c.enter()()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Direction.Valid() || req.Volume <= 0 {
		return "", fmt.Errorf("invalid order: direction=%q volume=%.4f", req.Direction, req.Volume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOpens > 0 {
		c.failOpens--
		return "", c.injectedErr
	}

	m := c.market(req.Symbol)
	price := m.ask
	if req.Direction == Short {
		price = m.bid
	}
	c.nextTicket++
	ticket := strconv.FormatInt(c.nextTicket, 10)
	c.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		EntryPrice: price,
		OpenTime:   c.now(),
		ClientID:   req.ClientID,
	}
	c.opensPlaced++
	logs.Debugf("[Sim Broker] Opened %s %s %.3f @ %.5f ticket=%s client=%s", req.Direction, req.Symbol, req.Volume, price, ticket, req.ClientID)

	if c.dropOpenResponses > 0 {
		c.dropOpenResponses--
		return "", fmt.Errorf("simulated lost response for %s", req.ClientID)
	}
	return ticket, nil
}

// Close closes a position.
func (c *SimBroker) Close(ctx context.Context, ticket string) error {
	defer c.enter()()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCloses > 0 {
		c.failCloses--
		return c.injectedErr
	}
	if _, ok := c.positions[ticket]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, ticket)
	}
	delete(c.positions, ticket)
	return nil
}

// Positions lists open positions for symbol ordered by ticket.
func (c *SimBroker) Positions(ctx context.Context, symbol string) ([]Position, error) {
	defer c.enter()()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPositions > 0 {
		c.failPositions--
		return nil, c.injectedErr
	}
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].Ticket, 10, 64)
		b, _ := strconv.ParseInt(out[j].Ticket, 10, 64)
		return a < b
	})
	return out, nil
}

// RemovePosition deletes a position as if the broker closed it (take-profit, stop-loss, manual close).
func (c *SimBroker) RemovePosition(ticket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, ticket)
}

// Snapshot builds a market snapshot from the simulated bars.
func (c *SimBroker) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	defer c.enter()()
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSnapshots > 0 {
		c.failSnapshots--
		return Snapshot{}, c.injectedErr
	}
	m := c.market(symbol)
	snap := Snapshot{
		Symbol:    symbol,
		Bid:       m.bid,
		Ask:       m.ask,
		Timestamp: c.now(),
	}

	if m.levelOverride != nil {
		snap.Levels = append([]ReferenceLevel(nil), m.levelOverride...)
	} else {
		snap.Levels = simLevels(m.bars)
	}

	if m.trendOverride != nil {
		snap.TrendStrength = *m.trendOverride
	} else if res, ok := indicators.ADX(m.bars, 14); ok {
		snap.TrendStrength = res.ADX
	}
	return snap, nil
}

func simLevels(bars []indicators.Bar) []ReferenceLevel {
	var levels []ReferenceLevel
	if vwap, std, ok := indicators.VWAP(bars); ok {
		levels = append(levels,
			ReferenceLevel{Name: "vwap", Price: vwap},
			ReferenceLevel{Name: "vwap_band_1_lower", Price: vwap - std, Bias: Long},
			ReferenceLevel{Name: "vwap_band_1_upper", Price: vwap + std, Bias: Short},
			ReferenceLevel{Name: "vwap_band_2_lower", Price: vwap - 2*std, Bias: Long},
			ReferenceLevel{Name: "vwap_band_2_upper", Price: vwap + 2*std, Bias: Short},
		)
	}
	if poc, ok := indicators.POC(bars, 24); ok {
		levels = append(levels, ReferenceLevel{Name: "poc", Price: poc})
	}
	if low, ok := indicators.SwingLow(bars, 20); ok {
		levels = append(levels, ReferenceLevel{Name: "swing_low", Price: low, Bias: Long})
	}
	if high, ok := indicators.SwingHigh(bars, 20); ok {
		levels = append(levels, ReferenceLevel{Name: "swing_high", Price: high, Bias: Short})
	}
	// Higher-timeframe extremes over the full history stand in for the previous day/week
	if low, ok := indicators.SwingLow(bars, len(bars)); ok {
		levels = append(levels, ReferenceLevel{Name: "prev_day_low", Price: low, Bias: Long})
	}
	if high, ok := indicators.SwingHigh(bars, len(bars)); ok {
		levels = append(levels, ReferenceLevel{Name: "prev_day_high", Price: high, Bias: Short})
	}
	return levels
}
