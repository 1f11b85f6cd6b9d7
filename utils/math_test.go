package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToStep(t *testing.T) {
	assertion := assert.New(t)

	assertion.Equal(0.048, RoundToStep(0.04*1.2, 0.001))
	assertion.Equal(0.06, RoundToStep(0.0576, 0.01))
	assertion.Equal(0.05, RoundToStep(0.048, 0.01))
	assertion.Equal(1.234, RoundToStep(1.234, 0))
}

func TestStepPrecision(t *testing.T) {
	assertion := assert.New(t)

	assertion.Equal(0, StepPrecision(1))
	assertion.Equal(2, StepPrecision(0.01))
	assertion.Equal(3, StepPrecision(0.001))
	assertion.Equal(1, StepPrecision(0.5))
}

func TestToPips(t *testing.T) {
	assert.InDelta(t, 20.0, ToPips(0.0020, 0.0001), 1e-9)
	assert.Equal(t, 0.0, ToPips(0.0020, 0))
}
