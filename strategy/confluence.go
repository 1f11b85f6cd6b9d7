// strategy/confluence.go
package strategy

import (
	"fmt"
	"math"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
)

// Signal is the scorer's verdict for one snapshot.
type Signal struct {
	Symbol        string
	Price         float64 // Mid price the factors were tested against
	Score         int
	Factors       []string // Contributing factor names, in configuration order
	Direction     exchange.Direction
	TrendStrength float64
	Actionable    bool
	Reason        string // Why the signal is not actionable; empty otherwise
}

// ConfluenceScorer scores snapshots against an ordered, validated list of factors.
// It keeps no state between calls.
type ConfluenceScorer struct {
	cfg config.ConfluenceConfig
}

// NewConfluenceScorer validates cfg and returns a scorer for it.
func NewConfluenceScorer(cfg config.ConfluenceConfig) (*ConfluenceScorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factors := append([]config.FactorConfig(nil), cfg.Factors...)
	cfg.Factors = factors
	return &ConfluenceScorer{cfg: cfg}, nil
}

// MinScore returns the configured entry threshold.
func (c *ConfluenceScorer) MinScore() int { return c.cfg.MinScore }

// IsNearMiss reports whether a non-actionable signal scored high enough to be worth recording.
func (c *ConfluenceScorer) IsNearMiss(sig Signal) bool {
	return !sig.Actionable && c.cfg.NearMissScore > 0 && sig.Score >= c.cfg.NearMissScore
}

type vote struct {
	name      string
	weight    int
	direction exchange.Direction // None for neutral levels
}

// Score evaluates every factor against snap. pipSize converts factor tolerances to price.
func (c *ConfluenceScorer) Score(snap exchange.Snapshot, pipSize float64) Signal {
	price := snap.Mid()
	sig := Signal{
		Symbol:        snap.Symbol,
		Price:         price,
		TrendStrength: snap.TrendStrength,
	}

	votes := make([]vote, 0, len(c.cfg.Factors))
	var longWeight, shortWeight int
	for _, f := range c.cfg.Factors {
		level, ok := snap.Level(f.Level)
		if !ok {
			continue
		}
		dir, hit := satisfied(f, level, price, f.TolerancePips*pipSize)
		if !hit {
			continue
		}
		votes = append(votes, vote{name: f.Name, weight: f.Weight, direction: dir})
		switch dir {
		case exchange.Long:
			longWeight += f.Weight
		case exchange.Short:
			shortWeight += f.Weight
		}
	}

	switch {
	case longWeight > shortWeight:
		sig.Direction = exchange.Long
	case shortWeight > longWeight:
		sig.Direction = exchange.Short
	default:
		sig.Direction = exchange.None
	}

	// Neutral factors always count; directional factors only when they agree
	for _, v := range votes {
		if v.direction == exchange.None || v.direction == sig.Direction {
			sig.Score += v.weight
			sig.Factors = append(sig.Factors, v.name)
		}
	}

	switch {
	case sig.Direction == exchange.None:
		sig.Reason = "no directional majority"
	case sig.Score < c.cfg.MinScore:
		sig.Reason = fmt.Sprintf("score %d below min_score %d", sig.Score, c.cfg.MinScore)
	case snap.TrendStrength > c.cfg.TrendCeiling:
		sig.Reason = fmt.Sprintf("trend strength %.1f above ceiling %.1f", snap.TrendStrength, c.cfg.TrendCeiling)
	default:
		sig.Actionable = true
	}
	return sig
}

// satisfied tests one factor and returns the direction it votes for.
func satisfied(f config.FactorConfig, level exchange.ReferenceLevel, price, tol float64) (exchange.Direction, bool) {
	const eps = 1e-12
	diff := price - level.Price

	switch f.Predicate {
	case config.PredicateNear:
		if math.Abs(diff) <= tol+eps {
			return level.Bias, true
		}
	case config.PredicateBeyond:
		// Stretched past a support or resistance level: a reversion back through it
		switch level.Bias {
		case exchange.Long:
			if diff < 0 && -diff <= tol+eps {
				return exchange.Long, true
			}
		case exchange.Short:
			if diff > 0 && diff <= tol+eps {
				return exchange.Short, true
			}
		}
	case config.PredicateBreakout:
		switch level.Bias {
		case exchange.Short:
			if diff > 0 && diff <= tol+eps {
				return exchange.Long, true
			}
		case exchange.Long:
			if diff < 0 && -diff <= tol+eps {
				return exchange.Short, true
			}
		}
	}
	return exchange.None, false
}
