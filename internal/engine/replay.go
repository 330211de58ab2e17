package engine

import (
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// CurvePoint is one sample of a reconstructed intensity-over-time curve.
type CurvePoint struct {
	At        time.Time `json:"at"`
	Intensity float64   `json:"intensity"`
	Phase     int       `json:"phase"`
	TriggerID string    `json:"trigger_id,omitempty"`
}

// Replay rebuilds the intensity curve of a behavior by feeding its trigger log
// through the same decay and trigger formulas the engine uses. Each trigger
// yields two points: the decayed value just before it and the value after.
// A final decayed point is added at until when it is later than the last
// trigger. The curve is only faithful if params did not change over the
// log's lifetime and the behavior was never reset.
func Replay(t behavior.Type, params behavior.Params, createdAt time.Time, entries []behavior.TriggerLogEntry, until time.Time) []CurvePoint {
	p := behavior.NewProfile("replay", t, params, createdAt)
	points := []CurvePoint{{At: createdAt, Intensity: p.CurrentIntensity, Phase: p.CurrentPhase}}

	for _, e := range entries {
		ApplyTimeDecay(p, e.CreatedAt)
		points = append(points, CurvePoint{At: e.CreatedAt, Intensity: p.CurrentIntensity, Phase: p.CurrentPhase})

		ev := behavior.TriggerEvent{
			AgentID:      p.AgentID,
			BehaviorType: t,
			TriggerType:  e.TriggerType,
			Weight:       e.Weight,
			DetectedText: e.DetectedText,
			OccurredAt:   e.CreatedAt,
		}
		if _, err := ApplyTrigger(p, ev); err != nil {
			continue
		}
		points = append(points, CurvePoint{At: e.CreatedAt, Intensity: p.CurrentIntensity, Phase: p.CurrentPhase, TriggerID: e.ID})
	}

	if until.After(p.LastUpdated) {
		ApplyTimeDecay(p, until)
		points = append(points, CurvePoint{At: until, Intensity: p.CurrentIntensity, Phase: p.CurrentPhase})
	}
	return points
}
