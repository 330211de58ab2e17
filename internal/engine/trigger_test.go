package engine

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/intensity/internal/behavior"
)

func escalate(weight float64, at time.Time) behavior.TriggerEvent {
	return behavior.TriggerEvent{
		AgentID:      "agent-1",
		BehaviorType: behavior.AnxiousAttachment,
		TriggerType:  behavior.TriggerEscalating,
		Weight:       weight,
		DetectedText: "where were you?",
		OccurredAt:   at,
	}
}

func TestTriggerScenarioB(t *testing.T) {
	p := profileAt(0.4, t0)
	at := t0.Add(time.Minute)

	entry, err := ApplyTrigger(p, escalate(3, at))
	require.NoError(t, err)

	assert.InDelta(t, 0.55, p.CurrentIntensity, 1e-9)
	assert.Equal(t, 6, p.CurrentPhase)
	assert.Equal(t, p.CurrentIntensity, entry.ResultingIntensity)
	assert.Equal(t, p.ID, entry.ProfileID)
	assert.True(t, entry.CreatedAt.Equal(at))
	assert.True(t, p.LastUpdated.Equal(at))
	assert.Equal(t, 1, p.TriggerCount)

	require.Len(t, p.PhaseHistory, 2)
	assert.Equal(t, 1, p.PhaseHistory[0].InteractionCount, "trigger counts in the phase it arrived in")
	assert.Equal(t, []string{entry.ID}, p.PhaseHistory[0].TriggerIDs)
	assert.Equal(t, 6, p.PhaseHistory[1].Phase)
	assertContiguous(t, p.PhaseHistory)
}

func TestTriggerAfterDecay(t *testing.T) {
	p := profileAt(0.9, t0)
	at := t0.Add(10 * time.Hour)

	ApplyTimeDecay(p, at)
	_, err := ApplyTrigger(p, escalate(3, at))
	require.NoError(t, err)

	// Scenario A then B: 0.9 decays to 0.4, the trigger lifts it to 0.55.
	assert.InDelta(t, 0.55, p.CurrentIntensity, 1e-9)
	assert.Equal(t, 6, p.CurrentPhase)
	assertContiguous(t, p.PhaseHistory)
}

func TestScenarioCSafetyLevels(t *testing.T) {
	assert.Equal(t, behavior.SafetyExtremeDanger, behavior.DeriveSafetyLevel(0.85))
	assert.Equal(t, behavior.SafetyWarning, behavior.DeriveSafetyLevel(0.55))
	assert.Equal(t, behavior.SafetySafe, behavior.DeriveSafetyLevel(0.1))
}

func TestTriggerClamps(t *testing.T) {
	p := profileAt(0.95, t0)
	p.Volatility = 1
	_, err := ApplyTrigger(p, escalate(50, t0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.CurrentIntensity)
	assert.Equal(t, 8, p.CurrentPhase)

	_, err = ApplyTrigger(p, escalate(-500, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.CurrentIntensity)
	assert.Equal(t, 1, p.CurrentPhase)
	assertContiguous(t, p.PhaseHistory)
}

func TestTriggerBehaviorMismatch(t *testing.T) {
	p := profileAt(0.4, t0)
	ev := escalate(1, t0)
	ev.BehaviorType = behavior.Codependency

	_, err := ApplyTrigger(p, ev)

	assert.ErrorIs(t, err, behavior.ErrInvalidArgument)
	assert.Equal(t, 0.4, p.CurrentIntensity, "profile untouched on rejection")
	assert.Equal(t, 0, p.TriggerCount)
}

func TestCheckStale(t *testing.T) {
	p := profileAt(0.4, t0)
	first := escalate(1, t0.Add(time.Minute))
	require.NoError(t, CheckStale(p, first))
	_, err := ApplyTrigger(p, first)
	require.NoError(t, err)

	// Same event again.
	assert.ErrorIs(t, CheckStale(p, first), behavior.ErrStaleEvent)

	// Older event.
	assert.ErrorIs(t, CheckStale(p, escalate(1, t0)), behavior.ErrStaleEvent)

	// Different trigger on the same tick.
	sibling := first
	sibling.DetectedText = "you never answer"
	require.NoError(t, CheckStale(p, sibling))
	_, err = ApplyTrigger(p, sibling)
	require.NoError(t, err)

	// Both triggers of the tick are remembered, not only the last one.
	assert.ErrorIs(t, CheckStale(p, first), behavior.ErrStaleEvent)
	assert.ErrorIs(t, CheckStale(p, sibling), behavior.ErrStaleEvent)
	assert.Len(t, p.AppliedKeys, 2)

	// Later event.
	later := escalate(1, t0.Add(2*time.Minute))
	assert.NoError(t, CheckStale(p, later))

	// Advancing the tick forgets the old keys.
	ApplyTimeDecay(p, later.OccurredAt)
	assert.Empty(t, p.AppliedKeys)
	_, err = ApplyTrigger(p, later)
	require.NoError(t, err)
	assert.Equal(t, []string{later.Key()}, p.AppliedKeys)
}

func TestValidateEvent(t *testing.T) {
	good := escalate(1, t0)
	require.NoError(t, ValidateEvent(good))

	tests := []struct {
		name   string
		mutate func(*behavior.TriggerEvent)
	}{
		{"empty agent", func(e *behavior.TriggerEvent) { e.AgentID = "  " }},
		{"unknown behavior", func(e *behavior.TriggerEvent) { e.BehaviorType = "JEALOUSY" }},
		{"unknown trigger type", func(e *behavior.TriggerEvent) { e.TriggerType = "furious" }},
		{"NaN weight", func(e *behavior.TriggerEvent) { e.Weight = math.NaN() }},
		{"infinite weight", func(e *behavior.TriggerEvent) { e.Weight = math.Inf(1) }},
		{"missing time", func(e *behavior.TriggerEvent) { e.OccurredAt = time.Time{} }},
		{"oversized text", func(e *behavior.TriggerEvent) { e.DetectedText = strings.Repeat("x", maxDetectedText+1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := good
			tt.mutate(&ev)
			assert.ErrorIs(t, ValidateEvent(ev), behavior.ErrInvalidArgument)
		})
	}
}

func TestRecomputePhaseOnlyGrowsOnChange(t *testing.T) {
	p := profileAt(0.45, t0)

	_, changed := RecomputePhase(p, t0.Add(time.Minute))
	assert.False(t, changed)
	assert.Len(t, p.PhaseHistory, 1)

	p.CurrentIntensity = 0.61
	tr, changed := RecomputePhase(p, t0.Add(2*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, Transition{From: 5, To: 7, At: t0.Add(2 * time.Minute)}, tr)
	assert.Len(t, p.PhaseHistory, 2)
	assertContiguous(t, p.PhaseHistory)
}

func TestResetProfile(t *testing.T) {
	p := profileAt(0.75, t0)

	tr, changed := ResetProfile(p, t0.Add(time.Hour))

	assert.True(t, changed)
	assert.Equal(t, 8, tr.From)
	assert.Equal(t, 3, tr.To)
	assert.Equal(t, 0.2, p.CurrentIntensity)
	assert.True(t, p.LastUpdated.Equal(t0.Add(time.Hour)))
	assertContiguous(t, p.PhaseHistory)

	// Resetting at baseline adds nothing.
	_, changed = ResetProfile(p, t0.Add(2*time.Hour))
	assert.False(t, changed)
	assert.Len(t, p.PhaseHistory, 2)
}
