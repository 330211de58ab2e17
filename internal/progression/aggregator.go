// Package progression maintains the per-agent BehaviorProgressionState and
// derives agent-level safety snapshots from an agent's behavior profiles.
package progression

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/intensity/internal/behavior"
)

// Store is the subset of profile storage the aggregator reads and writes.
type Store interface {
	ListProfiles(ctx context.Context, agentID string) ([]behavior.Profile, error)
	SaveProgression(ctx context.Context, state behavior.ProgressionState) error
	ListAllProfiles(ctx context.Context) ([]behavior.Profile, error)
	TriggerStats(ctx context.Context) ([]behavior.TriggerStat, error)
}

// ProjectFunc advances a profile copy to now without persisting it.
type ProjectFunc func(p *behavior.Profile, now time.Time)

// Build computes the progression state for an agent. A behavior is included
// when it is at or above its display threshold, or when it has ever been
// triggered.
func Build(agentID string, profiles []behavior.Profile, now time.Time) behavior.ProgressionState {
	state := behavior.ProgressionState{
		AgentID:            agentID,
		CurrentIntensities: make(map[behavior.Type]float64),
		UpdatedAt:          now,
	}
	for i := range profiles {
		if profiles[i].Tracked() {
			state.CurrentIntensities[profiles[i].BehaviorType] = profiles[i].CurrentIntensity
		}
	}
	return state
}

// Snapshot classifies an agent from its profiles. Only behaviors at or above
// their display threshold count; the agent level comes from the most intense.
func Snapshot(agentID string, profiles []behavior.Profile, now time.Time) behavior.SafetySnapshot {
	snap := behavior.SafetySnapshot{
		AgentID:         agentID,
		ActiveBehaviors: []behavior.ActiveBehavior{},
		Phase:           behavior.MinPhase,
		SafetyLevel:     behavior.SafetySafe,
		AsOf:            now,
	}

	for i := range profiles {
		p := &profiles[i]
		if !p.Active() {
			continue
		}
		snap.ActiveBehaviors = append(snap.ActiveBehaviors, behavior.ActiveBehavior{
			BehaviorType:    p.BehaviorType,
			Intensity:       p.CurrentIntensity,
			Phase:           p.CurrentPhase,
			SafetyLevel:     behavior.DeriveSafetyLevel(p.CurrentIntensity),
			Flags:           behavior.SafetyFlags(p.BehaviorType, p.CurrentPhase),
			RequiresConsent: behavior.RequiresConsent(p.BehaviorType, p.CurrentPhase),
		})
	}

	sort.SliceStable(snap.ActiveBehaviors, func(i, j int) bool {
		a, b := snap.ActiveBehaviors[i], snap.ActiveBehaviors[j]
		if a.Intensity != b.Intensity {
			return a.Intensity > b.Intensity
		}
		return a.BehaviorType < b.BehaviorType
	})

	if len(snap.ActiveBehaviors) > 0 {
		top := snap.ActiveBehaviors[0]
		snap.Dominant = top.BehaviorType
		snap.HighestIntensity = top.Intensity
		snap.Phase = behavior.SnapshotPhase(top.Intensity)
		snap.SafetyLevel = behavior.DeriveSafetyLevel(top.Intensity)
	}
	return snap
}

// Aggregator recomputes and reads progression state through a Store.
// Callers serialize Recompute per agent.
type Aggregator struct {
	store   Store
	project ProjectFunc
	logger  *zap.Logger
}

// NewAggregator returns an Aggregator. project may be nil, in which case
// snapshots use stored intensities as-is.
func NewAggregator(store Store, project ProjectFunc, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, project: project, logger: logger}
}

// Recompute rebuilds and stores the agent's progression state.
func (a *Aggregator) Recompute(ctx context.Context, agentID string, now time.Time) (behavior.ProgressionState, error) {
	profiles, err := a.store.ListProfiles(ctx, agentID)
	if err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("list profiles: %w", err)
	}
	state := Build(agentID, profiles, now)
	if err := a.store.SaveProgression(ctx, state); err != nil {
		return behavior.ProgressionState{}, fmt.Errorf("save progression: %w", err)
	}
	a.logger.Debug("progression recomputed",
		zap.String("agent", agentID),
		zap.Int("tracked", len(state.CurrentIntensities)))
	return state, nil
}

// GetSafetySnapshot reads the agent's profiles, projects them to now and
// classifies the result. Nothing is written.
func (a *Aggregator) GetSafetySnapshot(ctx context.Context, agentID string, now time.Time) (behavior.SafetySnapshot, error) {
	profiles, err := a.store.ListProfiles(ctx, agentID)
	if err != nil {
		return behavior.SafetySnapshot{}, fmt.Errorf("list profiles: %w", err)
	}
	if len(profiles) == 0 {
		return behavior.SafetySnapshot{}, fmt.Errorf("%w: no behaviors for agent %s", behavior.ErrNotFound, agentID)
	}
	a.projectAll(profiles, now)
	return Snapshot(agentID, profiles, now), nil
}

func (a *Aggregator) projectAll(profiles []behavior.Profile, now time.Time) {
	if a.project == nil {
		return
	}
	for i := range profiles {
		a.project(&profiles[i], now)
	}
}
