// utils/math.go
package utils

import "math"

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(value*pow) / pow
}

// RoundToStep rounds a volume to the nearest multiple of the broker volume step.
// The result is normalised to the step's decimal precision so 0.04*1.2 yields 0.048, not 0.04800000000000001.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	rounded := math.Round(value/step) * step
	return RoundToPrecision(rounded, StepPrecision(step))
}

// StepPrecision returns the number of decimals needed to express step (0.001 -> 3).
func StepPrecision(step float64) int {
	precision := 0
	for step < 1 && precision < 10 {
		step *= 10
		precision++
		if FloatEquals(step, math.Round(step)) {
			break
		}
	}
	return precision
}

// ToPips converts a raw price distance to pips.
func ToPips(distance, pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	return distance / pipSize
}
