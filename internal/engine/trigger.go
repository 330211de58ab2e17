package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/intensity/internal/behavior"
)

// TriggerScale keeps a single trigger from saturating intensity in one step.
// It is global; volatility is the per-profile knob.
const TriggerScale = 0.1

// maxDetectedText bounds the audit excerpt stored per trigger.
const maxDetectedText = 2000

// Transition records a phase change.
type Transition struct {
	From int
	To   int
	At   time.Time
}

// ValidateEvent rejects malformed trigger events.
func ValidateEvent(ev behavior.TriggerEvent) error {
	if strings.TrimSpace(ev.AgentID) == "" {
		return fmt.Errorf("%w: agent_id required", behavior.ErrInvalidArgument)
	}
	if !ev.BehaviorType.Valid() {
		return fmt.Errorf("%w: unknown behavior type %q", behavior.ErrInvalidArgument, ev.BehaviorType)
	}
	if !ev.TriggerType.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", behavior.ErrInvalidArgument, ev.TriggerType)
	}
	if math.IsNaN(ev.Weight) || math.IsInf(ev.Weight, 0) {
		return fmt.Errorf("%w: weight must be finite", behavior.ErrInvalidArgument)
	}
	if ev.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at required", behavior.ErrInvalidArgument)
	}
	if len(ev.DetectedText) > maxDetectedText {
		return fmt.Errorf("%w: detected_text longer than %d bytes", behavior.ErrInvalidArgument, maxDetectedText)
	}
	return nil
}

// CheckStale rejects events that do not follow the profile's last update.
// An event at exactly lastUpdated is only stale if the same trigger was
// already applied on that tick; distinct triggers sharing a tick all apply.
func CheckStale(p *behavior.Profile, ev behavior.TriggerEvent) error {
	if ev.OccurredAt.Before(p.LastUpdated) {
		return fmt.Errorf("%w: occurred_at %s precedes last update %s",
			behavior.ErrStaleEvent, ev.OccurredAt.Format(time.RFC3339Nano), p.LastUpdated.Format(time.RFC3339Nano))
	}
	if ev.OccurredAt.Equal(p.LastUpdated) && slices.Contains(p.AppliedKeys, ev.Key()) {
		return fmt.Errorf("%w: trigger already applied at %s", behavior.ErrStaleEvent, ev.OccurredAt.Format(time.RFC3339Nano))
	}
	return nil
}

// ApplyTrigger moves intensity by weight * TriggerScale * volatility, records
// the trigger against the open phase and recomputes the phase. The profile
// should already be decayed to ev.OccurredAt. Applying the same event twice
// applies it twice; replay protection is CheckStale's job.
func ApplyTrigger(p *behavior.Profile, ev behavior.TriggerEvent) (behavior.TriggerLogEntry, error) {
	if ev.BehaviorType != p.BehaviorType {
		return behavior.TriggerLogEntry{}, fmt.Errorf("%w: trigger for %s applied to %s profile",
			behavior.ErrInvalidArgument, ev.BehaviorType, p.BehaviorType)
	}
	if math.IsNaN(ev.Weight) || math.IsInf(ev.Weight, 0) {
		return behavior.TriggerLogEntry{}, fmt.Errorf("%w: weight must be finite", behavior.ErrInvalidArgument)
	}

	delta := ev.Weight * TriggerScale * p.Volatility
	p.CurrentIntensity = behavior.Clamp(p.CurrentIntensity + delta)

	entry := behavior.TriggerLogEntry{
		ID:                 uuid.NewString(),
		ProfileID:          p.ID,
		AgentID:            p.AgentID,
		BehaviorType:       p.BehaviorType,
		TriggerType:        ev.TriggerType,
		Weight:             ev.Weight,
		DetectedText:       ev.DetectedText,
		CreatedAt:          ev.OccurredAt,
		ResultingIntensity: p.CurrentIntensity,
	}

	// The trigger belongs to the phase it arrived in, even if it ends it.
	if open := p.OpenPhase(); open != nil {
		open.InteractionCount++
		open.TriggerIDs = append(open.TriggerIDs, entry.ID)
	}
	p.TriggerCount++
	if !ev.OccurredAt.Equal(p.LastUpdated) {
		p.AppliedKeys = nil
	}
	p.AppliedKeys = append(p.AppliedKeys, ev.Key())
	p.LastUpdated = ev.OccurredAt

	RecomputePhase(p, ev.OccurredAt)
	return entry, nil
}

// RecomputePhase derives the phase from the current intensity. On change it
// closes the open history entry at now and opens a new one. This is the only
// place phase history grows.
func RecomputePhase(p *behavior.Profile, now time.Time) (Transition, bool) {
	next := behavior.PhaseFor(p.CurrentIntensity)
	open := p.OpenPhase()
	if open == nil {
		p.CurrentPhase = next
		p.PhaseHistory = append(p.PhaseHistory, behavior.PhaseEntry{Phase: next, StartedAt: now})
		return Transition{To: next, At: now}, true
	}
	if next == p.CurrentPhase {
		return Transition{}, false
	}

	ended := now
	open.EndedAt = &ended
	p.PhaseHistory = append(p.PhaseHistory, behavior.PhaseEntry{Phase: next, StartedAt: now})

	t := Transition{From: p.CurrentPhase, To: next, At: now}
	p.CurrentPhase = next
	return t, true
}

// ResetProfile returns intensity to baseline at now, recomputing the phase.
func ResetProfile(p *behavior.Profile, now time.Time) (Transition, bool) {
	if now.After(p.LastUpdated) {
		p.LastUpdated = now
		p.AppliedKeys = nil
	}
	p.CurrentIntensity = behavior.Clamp(p.BaseIntensity)
	return RecomputePhase(p, p.LastUpdated)
}
