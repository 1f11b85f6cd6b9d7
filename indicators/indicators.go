// indicators/indicators.go

// Package indicators implements the lightweight technical helpers the simulated market feed uses
// to build reference levels and the trend-strength reading:
//   - ADX (Wilder's Average Directional Index) as trend strength
//   - VWAP with standard-deviation bands
//   - swing highs/lows over a lookback
//   - volume point of control (POC)
//
// All functions take bars in chronological order and are allocation-light.
package indicators

import "math"

// Bar is one OHLCV candle.
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Typical returns (H+L+C)/3.
func (b Bar) Typical() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// ADXResult holds the last ADX reading with its directional indicators.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX returns the n-period ADX of bars using Wilder's smoothing.
// ok is false until 2n bars are available.
func ADX(bars []Bar, n int) (ADXResult, bool) {
	if n <= 0 || len(bars) < 2*n {
		return ADXResult{}, false
	}

	var trS, plusS, minusS float64
	var adx float64
	var dxSum float64
	var res ADXResult

	for i := 1; i < len(bars); i++ {
		cur, prev := bars[i], bars[i-1]
		up := cur.High - prev.High
		down := prev.Low - cur.Low
		var plusDM, minusDM float64
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))

		if i <= n {
			trS += tr
			plusS += plusDM
			minusS += minusDM
			if i < n {
				continue
			}
		} else {
			trS = trS - trS/float64(n) + tr
			plusS = plusS - plusS/float64(n) + plusDM
			minusS = minusS - minusS/float64(n) + minusDM
		}

		var plusDI, minusDI, dx float64
		if trS > 0 {
			plusDI = 100 * plusS / trS
			minusDI = 100 * minusS / trS
		}
		if plusDI+minusDI > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		}
		res.PlusDI, res.MinusDI = plusDI, minusDI

		// The first ADX is the mean of the DX values at i = n..2n-1, then Wilder-smoothed.
		switch {
		case i < 2*n-1:
			dxSum += dx
		case i == 2*n-1:
			dxSum += dx
			adx = dxSum / float64(n)
		default:
			adx = (adx*float64(n-1) + dx) / float64(n)
		}
	}
	res.ADX = adx
	return res, true
}

// VWAP returns the volume-weighted average of typical price and its volume-weighted standard deviation.
func VWAP(bars []Bar) (vwap, stdDev float64, ok bool) {
	var pv, vol float64
	for _, b := range bars {
		pv += b.Typical() * b.Volume
		vol += b.Volume
	}
	if vol <= 0 {
		return 0, 0, false
	}
	vwap = pv / vol
	var variance float64
	for _, b := range bars {
		d := b.Typical() - vwap
		variance += d * d * b.Volume
	}
	return vwap, math.Sqrt(variance / vol), true
}

// SwingLow returns the lowest low of the last lookback bars, excluding the current bar.
func SwingLow(bars []Bar, lookback int) (float64, bool) {
	window := priorWindow(bars, lookback)
	if len(window) == 0 {
		return 0, false
	}
	low := window[0].Low
	for _, b := range window[1:] {
		low = math.Min(low, b.Low)
	}
	return low, true
}

// SwingHigh returns the highest high of the last lookback bars, excluding the current bar.
func SwingHigh(bars []Bar, lookback int) (float64, bool) {
	window := priorWindow(bars, lookback)
	if len(window) == 0 {
		return 0, false
	}
	high := window[0].High
	for _, b := range window[1:] {
		high = math.Max(high, b.High)
	}
	return high, true
}

func priorWindow(bars []Bar, lookback int) []Bar {
	if len(bars) < 2 || lookback <= 0 {
		return nil
	}
	end := len(bars) - 1
	start := end - lookback
	if start < 0 {
		start = 0
	}
	return bars[start:end]
}

// POC returns the price bucket with the most traded volume, using bins equal-width buckets
// between the lowest low and the highest high.
func POC(bars []Bar, bins int) (float64, bool) {
	if len(bars) == 0 || bins <= 0 {
		return 0, false
	}
	lo, hi := bars[0].Low, bars[0].High
	for _, b := range bars {
		lo = math.Min(lo, b.Low)
		hi = math.Max(hi, b.High)
	}
	if hi <= lo {
		return bars[len(bars)-1].Close, true
	}
	width := (hi - lo) / float64(bins)
	volumes := make([]float64, bins)
	for _, b := range bars {
		idx := int((b.Typical() - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		volumes[idx] += b.Volume
	}
	best := 0
	for i := 1; i < bins; i++ {
		if volumes[i] > volumes[best] {
			best = i
		}
	}
	return lo + width*(float64(best)+0.5), true
}
