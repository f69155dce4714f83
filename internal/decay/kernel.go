// Package decay holds the time-decay kernels used to age memory weights.
//
// Kernel summary (t is elapsed time in days):
//   - exponential: exp(-lambda * t)
//   - power_law:   1 / (t+1)^k, k clamped to >= 1e-6
//   - sigmoid:     1 - 1/(1+exp(-k*(t-t0)))
//   - tanh:        (1 - tanh(k*(t-t0))) / 2
//
// A kernel only produces a factor. ApplyFloor folds the factor into a
// weight so that decay can never push a weight below its emotion's floor
// and can never raise it.
package decay

import (
	"math"
	"strings"
	"time"
)

// Kernel names a decay curve.
type Kernel string

const (
	Exponential Kernel = "exponential"
	PowerLaw    Kernel = "power_law"
	Sigmoid     Kernel = "sigmoid"
	Tanh        Kernel = "tanh"
)

// Kernels lists every supported kernel in declaration order.
var Kernels = []Kernel{Exponential, PowerLaw, Sigmoid, Tanh}

const minPowerK = 1e-6

// Default shape constants, used when an emotion does not set k or t0.
const (
	DefaultPowerK   = 1.0
	DefaultSigmoidK = 1.0
	DefaultTanhK    = 0.3
	DefaultT0       = 7.0
)

// Params carries the kernel constants. Zero-valued K/T0 mean "use the
// kernel default"; see Resolve.
type Params struct {
	Lambda float64
	K      float64
	T0     float64
	HasK   bool
	HasT0  bool
}

// ParseKernel maps a DSL kernel name to a Kernel. Unknown names fall back
// to Exponential with ok=false.
func ParseKernel(s string) (Kernel, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")
	switch Kernel(name) {
	case Exponential, PowerLaw, Sigmoid, Tanh:
		return Kernel(name), true
	case "powerlaw", "power":
		return PowerLaw, true
	case "exp", "":
		return Exponential, name == "exp"
	}
	return Exponential, false
}

// Resolve fills in the kernel-specific defaults for k and t0.
func (p Params) Resolve(k Kernel) Params {
	if !p.HasK {
		switch k {
		case PowerLaw:
			p.K = DefaultPowerK
		case Sigmoid:
			p.K = DefaultSigmoidK
		case Tanh:
			p.K = DefaultTanhK
		}
	}
	if !p.HasT0 {
		p.T0 = DefaultT0
	}
	return p
}

// Factor returns the raw decay factor for elapsed time t (days).
// Negative t is treated as zero. Unknown kernels use exponential.
func Factor(k Kernel, p Params, t float64) float64 {
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	p = p.Resolve(k)
	switch k {
	case PowerLaw:
		return PowerLawFactor(p.K, t)
	case Sigmoid:
		return SigmoidFactor(p.K, p.T0, t)
	case Tanh:
		return TanhFactor(p.K, p.T0, t)
	default:
		return ExponentialFactor(p.Lambda, t)
	}
}

// ExponentialFactor is exp(-lambda*t).
func ExponentialFactor(lambda, t float64) float64 {
	return math.Exp(-lambda * t)
}

// PowerLawFactor is 1/(t+1)^k.
func PowerLawFactor(k, t float64) float64 {
	return 1.0 / math.Pow(t+1.0, math.Max(k, minPowerK))
}

// SigmoidFactor is a reversed logistic curve centred at t0.
func SigmoidFactor(k, t0, t float64) float64 {
	return 1.0 - 1.0/(1.0+math.Exp(-k*(t-t0)))
}

// TanhFactor maps tanh onto 1..0, centred at t0.
func TanhFactor(k, t0, t float64) float64 {
	return (1.0 - math.Tanh(k*(t-t0))) * 0.5
}

// Clamp01 clamps v into [0,1]. NaN clamps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ApplyFloor computes floor + (max(weight, floor) - floor) * clamp(factor).
func ApplyFloor(weight, floor, factor float64) float64 {
	floor = Clamp01(floor)
	return floor + (math.Max(weight, floor)-floor)*Clamp01(factor)
}

// Elapsed returns the time from `from` to `to` in days, never negative.
func Elapsed(from, to time.Time) float64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24.0
}
