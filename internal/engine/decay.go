package engine

// Decay model:
//   - Event-driven: decay for the gap since lastUpdated is applied right
//     before the next trigger (or projected on read), never on a ticker.
//   - Linear: intensity drops by deEscalationRate per RateUnit of elapsed time.
//   - Floor: baseIntensity. Decay never raises intensity and never pushes it
//     below baseline.

import (
	"math"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// RateUnit is the time unit escalation and de-escalation rates are expressed in.
const RateUnit = time.Hour

// ApplyTimeDecay pulls intensity toward baseIntensity for the time elapsed
// since the profile's last update and recomputes the phase if intensity
// moved. now before lastUpdated is a no-op. Reports whether intensity changed.
func ApplyTimeDecay(p *behavior.Profile, now time.Time) bool {
	if now.Before(p.LastUpdated) {
		return false
	}
	elapsed := float64(now.Sub(p.LastUpdated)) / float64(RateUnit)
	if elapsed > 0 {
		p.AppliedKeys = nil
	}
	p.LastUpdated = now

	if p.CurrentIntensity <= p.BaseIntensity || elapsed == 0 {
		return false
	}

	next := behavior.Clamp(math.Max(p.BaseIntensity, p.CurrentIntensity-p.DeEscalationRate*elapsed))
	if next == p.CurrentIntensity {
		return false
	}
	p.CurrentIntensity = next
	RecomputePhase(p, now)
	return true
}
