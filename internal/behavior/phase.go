package behavior

import "math"

const (
	MinPhase = 1
	MaxPhase = 8
)

// PhaseFor maps an intensity to its phase: buckets of width 0.1, capped at 8.
func PhaseFor(intensity float64) int {
	p := int(math.Floor(Clamp(intensity)*10)) + 1
	if p > MaxPhase {
		return MaxPhase
	}
	return p
}

// SnapshotPhase is the phase reported for an agent's dominant behavior in
// safety snapshots: ceil(intensity * 8), kept within [1,8].
func SnapshotPhase(intensity float64) int {
	p := int(math.Ceil(Clamp(intensity) * MaxPhase))
	if p < MinPhase {
		return MinPhase
	}
	if p > MaxPhase {
		return MaxPhase
	}
	return p
}

// SafetyLevel is the four-tier classification of an intensity.
type SafetyLevel string

const (
	SafetySafe          SafetyLevel = "SAFE"
	SafetyWarning       SafetyLevel = "WARNING"
	SafetyCritical      SafetyLevel = "CRITICAL"
	SafetyExtremeDanger SafetyLevel = "EXTREME_DANGER"
)

// SafetyLevels lists the levels from least to most severe.
func SafetyLevels() []SafetyLevel {
	return []SafetyLevel{SafetySafe, SafetyWarning, SafetyCritical, SafetyExtremeDanger}
}

// DeriveSafetyLevel classifies an intensity.
func DeriveSafetyLevel(intensity float64) SafetyLevel {
	switch {
	case intensity >= 0.8:
		return SafetyExtremeDanger
	case intensity >= 0.6:
		return SafetyCritical
	case intensity >= 0.4:
		return SafetyWarning
	default:
		return SafetySafe
	}
}

// Safety flags attached to specific behaviors at specific phases.
const (
	FlagCriticalPhase          = "CRITICAL_PHASE"
	FlagExtremeDangerPhase     = "EXTREME_DANGER_PHASE"
	FlagUnpredictableIntensity = "UNPREDICTABLE_INTENSITY"
	FlagPotentialRageEpisodes  = "POTENTIAL_RAGE_EPISODES"
)

// SafetyFlags returns the moderation flags for a behavior at a phase.
func SafetyFlags(t Type, phase int) []string {
	var flags []string
	switch t {
	case YandereObsessive:
		if phase >= 6 {
			flags = append(flags, FlagCriticalPhase)
		}
		if phase >= 7 {
			flags = append(flags, FlagExtremeDangerPhase)
		}
	case BorderlinePD:
		flags = append(flags, FlagUnpredictableIntensity)
	case NarcissisticPD:
		if phase >= 3 {
			flags = append(flags, FlagPotentialRageEpisodes)
		}
	}
	return flags
}

// RequiresConsent reports whether content at this phase must be gated on
// explicit user consent.
func RequiresConsent(t Type, phase int) bool {
	return t == YandereObsessive && phase >= 6
}
