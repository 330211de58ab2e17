// Package behavior defines the domain model shared by the intensity engine,
// the profile store and the progression aggregator.
package behavior

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type identifies a tracked behavior. The set is closed: add new types to
// allTypes and every consumer picks them up.
type Type string

const (
	AnxiousAttachment      Type = "ANXIOUS_ATTACHMENT"
	AvoidantAttachment     Type = "AVOIDANT_ATTACHMENT"
	DisorganizedAttachment Type = "DISORGANIZED_ATTACHMENT"
	YandereObsessive       Type = "YANDERE_OBSESSIVE"
	BorderlinePD           Type = "BORDERLINE_PD"
	NarcissisticPD         Type = "NARCISSISTIC_PD"
	Codependency           Type = "CODEPENDENCY"
)

var allTypes = []Type{
	AnxiousAttachment,
	AvoidantAttachment,
	DisorganizedAttachment,
	YandereObsessive,
	BorderlinePD,
	NarcissisticPD,
	Codependency,
}

// Types returns every known behavior type in declaration order.
func Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is a known behavior type.
func (t Type) Valid() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ParseType accepts the canonical name case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown behavior type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// TriggerType is carried for audit only; the sign of a trigger lives in its weight.
type TriggerType string

const (
	TriggerEscalating TriggerType = "escalating"
	TriggerReassuring TriggerType = "reassuring"
	TriggerNeutral    TriggerType = "neutral"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerEscalating, TriggerReassuring, TriggerNeutral:
		return true
	}
	return false
}

// ParseTriggerType accepts the canonical name case-insensitively.
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown trigger type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// PhaseEntry is one contiguous span of time a profile spent in a phase.
// EndedAt is nil only for the last, open entry.
type PhaseEntry struct {
	Phase            int        `json:"phase"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	InteractionCount int        `json:"interaction_count"`
	TriggerIDs       []string   `json:"trigger_ids"`
}

// Profile is the per-(agent, behavior) state owned by the engine.
type Profile struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	BehaviorType Type   `json:"behavior_type"`
	Params

	CurrentIntensity float64      `json:"current_intensity"`
	CurrentPhase     int          `json:"current_phase"`
	PhaseHistory     []PhaseEntry `json:"phase_history"`

	// TriggerCount is the number of triggers ever applied. A nonzero count
	// keeps the behavior in the progression aggregate below threshold.
	TriggerCount int `json:"trigger_count"`
	// AppliedKeys fingerprints every trigger applied at LastUpdated, for
	// same-tick replay detection. Cleared when LastUpdated advances.
	AppliedKeys []string `json:"-"`

	// Version is the optimistic concurrency token; 0 means not yet persisted.
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (p *Profile) Clone() *Profile {
	c := *p
	c.PhaseHistory = make([]PhaseEntry, len(p.PhaseHistory))
	for i, e := range p.PhaseHistory {
		ce := e
		if e.EndedAt != nil {
			t := *e.EndedAt
			ce.EndedAt = &t
		}
		ce.TriggerIDs = append([]string(nil), e.TriggerIDs...)
		c.PhaseHistory[i] = ce
	}
	c.AppliedKeys = append([]string(nil), p.AppliedKeys...)
	return &c
}

// Active reports whether the profile is visible to consumers.
func (p *Profile) Active() bool {
	return p.CurrentIntensity >= p.ThresholdForDisplay
}

// Tracked reports whether the profile belongs in the progression aggregate.
func (p *Profile) Tracked() bool {
	return p.Active() || p.TriggerCount > 0
}

// TriggerEvent is a classified behavioral signal submitted by an upstream producer.
type TriggerEvent struct {
	AgentID      string      `json:"agent_id"`
	BehaviorType Type        `json:"behavior_type"`
	TriggerType  TriggerType `json:"trigger_type"`
	Weight       float64     `json:"weight"`
	DetectedText string      `json:"detected_text"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Key fingerprints the event content. Two events with the same key and the
// same OccurredAt are the same event.
func (e TriggerEvent) Key() string {
	return fmt.Sprintf("%s|%g|%s", e.TriggerType, e.Weight, e.DetectedText)
}

// TriggerLogEntry is an immutable audit record of one applied trigger.
type TriggerLogEntry struct {
	ID                 string      `json:"id"`
	ProfileID          string      `json:"profile_id"`
	AgentID            string      `json:"agent_id"`
	BehaviorType       Type        `json:"behavior_type"`
	TriggerType        TriggerType `json:"trigger_type"`
	Weight             float64     `json:"weight"`
	DetectedText       string      `json:"detected_text"`
	CreatedAt          time.Time   `json:"created_at"`
	ResultingIntensity float64     `json:"resulting_intensity"`
	// Seq is the store-assigned commit sequence. It orders entries that
	// share a CreatedAt.
	Seq int64 `json:"seq"`
}

// Cursor returns the since value that resumes a history read after e.
func (e TriggerLogEntry) Cursor() string {
	return e.CreatedAt.UTC().Format(time.RFC3339Nano) + "," + strconv.FormatInt(e.Seq, 10)
}

// ProgressionState is the per-agent cached view of tracked behaviors.
type ProgressionState struct {
	AgentID            string           `json:"agent_id"`
	CurrentIntensities map[Type]float64 `json:"current_intensities"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ActiveBehavior is one above-threshold behavior in a safety snapshot.
type ActiveBehavior struct {
	BehaviorType    Type        `json:"behavior_type"`
	Intensity       float64     `json:"intensity"`
	Phase           int         `json:"phase"`
	SafetyLevel     SafetyLevel `json:"safety_level"`
	Flags           []string    `json:"flags,omitempty"`
	RequiresConsent bool        `json:"requires_consent"`
}

// SafetySnapshot is the agent-level safety classification.
type SafetySnapshot struct {
	AgentID          string           `json:"agent_id"`
	ActiveBehaviors  []ActiveBehavior `json:"active_behaviors"`
	Dominant         Type             `json:"dominant,omitempty"`
	HighestIntensity float64          `json:"highest_intensity"`
	Phase            int              `json:"phase"`
	SafetyLevel      SafetyLevel      `json:"safety_level"`
	AsOf             time.Time        `json:"as_of"`
}
