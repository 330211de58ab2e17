package behavior

import (
	"fmt"
	"math"
)

// Params are the tunable rate parameters of a profile. Every field is in [0,1].
type Params struct {
	BaseIntensity       float64 `json:"base_intensity" yaml:"base_intensity"`
	Volatility          float64 `json:"volatility" yaml:"volatility"`
	EscalationRate      float64 `json:"escalation_rate" yaml:"escalation_rate"`
	DeEscalationRate    float64 `json:"de_escalation_rate" yaml:"de_escalation_rate"`
	ThresholdForDisplay float64 `json:"threshold_for_display" yaml:"threshold_for_display"`
}

// DefaultParams mirrors the values profiles are seeded with when no
// configuration overrides them.
func DefaultParams() Params {
	return Params{
		BaseIntensity:       0.2,
		Volatility:          0.5,
		EscalationRate:      0.1,
		DeEscalationRate:    0.05,
		ThresholdForDisplay: 0.3,
	}
}

// Validate checks that every rate is a finite value in [0,1].
func (p Params) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"base_intensity", p.BaseIntensity},
		{"volatility", p.Volatility},
		{"escalation_rate", p.EscalationRate},
		{"de_escalation_rate", p.DeEscalationRate},
		{"threshold_for_display", p.ThresholdForDisplay},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidArgument, f.name, f.v)
		}
	}
	return nil
}

// Clamp bounds an intensity to [0,1].
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
