package decay

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFactorNonIncreasing(t *testing.T) {
	params := Params{Lambda: 0.35}
	for _, k := range Kernels {
		t.Run(string(k), func(t *testing.T) {
			prev := math.Inf(1)
			for step := 0; step <= 400; step++ {
				f := Clamp01(Factor(k, params, float64(step)*0.25))
				assert.GreaterOrEqual(t, f, 0.0)
				assert.LessOrEqual(t, f, 1.0)
				assert.LessOrEqual(t, f, prev, "factor rose at t=%v", float64(step)*0.25)
				prev = f
			}
		})
	}
}

func TestFactorAtZero(t *testing.T) {
	params := Params{Lambda: 0.1}
	assert.Equal(t, 1.0, Factor(Exponential, params, 0))
	assert.Equal(t, 1.0, Factor(PowerLaw, params, 0))
	// Logistic curves sit a hair under 1 at t=0 when centred at t0>0.
	assert.InDelta(t, 1.0, Factor(Sigmoid, params, 0), 1e-3)
	assert.InDelta(t, 1.0, Factor(Tanh, params, 0), 2e-2)
	assert.Equal(t, 0.5, Factor(Sigmoid, params, DefaultT0))
}

func TestFactorNegativeElapsed(t *testing.T) {
	assert.Equal(t, 1.0, Factor(Exponential, Params{Lambda: 2}, -5))
}

func TestPowerLawClampsK(t *testing.T) {
	f := PowerLawFactor(0, 10)
	assert.False(t, math.IsInf(f, 0))
	assert.InDelta(t, 1.0, f, 1e-4)
}

func TestParseKernel(t *testing.T) {
	cases := []struct {
		in   string
		want Kernel
		ok   bool
	}{
		{"exponential", Exponential, true},
		{"power_law", PowerLaw, true},
		{"power-law", PowerLaw, true},
		{"SIGMOID", Sigmoid, true},
		{"tanh", Tanh, true},
		{"gaussian", Exponential, false},
	}
	for _, c := range cases {
		got, ok := ParseKernel(c.in)
		assert.Equal(t, c.want, got, c.in)
		assert.Equal(t, c.ok, ok, c.in)
	}
}

func TestApplyFloorNeverBelowFloor(t *testing.T) {
	w := 0.9
	for i := 0; i < 1000; i++ {
		w = ApplyFloor(w, 0.2, ExponentialFactor(0.35, 3))
		assert.GreaterOrEqual(t, w, 0.2)
	}
	assert.InDelta(t, 0.2, w, 1e-9)
}

func TestApplyFloorNeverIncreases(t *testing.T) {
	for _, w := range []float64{0.3, 0.5, 1.0} {
		got := ApplyFloor(w, 0.1, 0.7)
		assert.LessOrEqual(t, got, w)
	}
	// A weight already below the floor is lifted to it, never further.
	assert.Equal(t, 0.4, ApplyFloor(0.1, 0.4, 0.5))
}

func TestApplyFloorClampsFactor(t *testing.T) {
	assert.Equal(t, 0.8, ApplyFloor(0.8, 0.1, 3.0))
	assert.Equal(t, 0.1, ApplyFloor(0.8, 0.1, -1))
}

func TestElapsed(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2.0, Elapsed(base, base.Add(48*time.Hour)))
	assert.Equal(t, 0.0, Elapsed(base.Add(time.Hour), base))
}
