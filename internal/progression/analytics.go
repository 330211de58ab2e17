package progression

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// AgentSummary is one agent's row in the analytics comparison.
type AgentSummary struct {
	AgentID          string               `json:"agent_id"`
	Behaviors        int                  `json:"behaviors"`
	Triggers         int                  `json:"triggers"`
	Dominant         behavior.Type        `json:"dominant,omitempty"`
	HighestIntensity float64              `json:"highest_intensity"`
	SafetyLevel      behavior.SafetyLevel `json:"safety_level"`
}

// Summary is the cross-agent behavior analytics report.
type Summary struct {
	TotalAgents          int                          `json:"total_agents"`
	TotalBehaviors       int                          `json:"total_behaviors"`
	TotalTriggers        int                          `json:"total_triggers"`
	BehaviorDistribution map[behavior.Type]int        `json:"behavior_distribution"`
	TopTriggers          []behavior.TriggerStat       `json:"top_triggers"`
	SafetyLevelStats     map[behavior.SafetyLevel]int `json:"safety_level_stats"`
	Agents               []AgentSummary               `json:"agents"`
	GeneratedAt          time.Time                    `json:"generated_at"`
}

// Analytics summarizes every agent's behaviors, projected to now.
func (a *Aggregator) Analytics(ctx context.Context, now time.Time) (Summary, error) {
	profiles, err := a.store.ListAllProfiles(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list all profiles: %w", err)
	}
	stats, err := a.store.TriggerStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("trigger stats: %w", err)
	}
	a.projectAll(profiles, now)
	return summarize(profiles, stats, now), nil
}

func summarize(profiles []behavior.Profile, stats []behavior.TriggerStat, now time.Time) Summary {
	s := Summary{
		TotalBehaviors:       len(profiles),
		BehaviorDistribution: make(map[behavior.Type]int),
		TopTriggers:          stats,
		SafetyLevelStats:     make(map[behavior.SafetyLevel]int),
		Agents:               []AgentSummary{},
		GeneratedAt:          now,
	}
	for _, lvl := range behavior.SafetyLevels() {
		s.SafetyLevelStats[lvl] = 0
	}
	if s.TopTriggers == nil {
		s.TopTriggers = []behavior.TriggerStat{}
	}
	sort.SliceStable(s.TopTriggers, func(i, j int) bool {
		return s.TopTriggers[i].Count > s.TopTriggers[j].Count
	})

	byAgent := make(map[string][]behavior.Profile)
	var order []string
	for _, p := range profiles {
		if _, seen := byAgent[p.AgentID]; !seen {
			order = append(order, p.AgentID)
		}
		byAgent[p.AgentID] = append(byAgent[p.AgentID], p)
		s.BehaviorDistribution[p.BehaviorType]++
		s.TotalTriggers += p.TriggerCount
	}
	sort.Strings(order)

	for _, agentID := range order {
		ps := byAgent[agentID]
		snap := Snapshot(agentID, ps, now)
		triggers := 0
		for _, p := range ps {
			triggers += p.TriggerCount
		}
		s.Agents = append(s.Agents, AgentSummary{
			AgentID:          agentID,
			Behaviors:        len(ps),
			Triggers:         triggers,
			Dominant:         snap.Dominant,
			HighestIntensity: snap.HighestIntensity,
			SafetyLevel:      snap.SafetyLevel,
		})
		s.SafetyLevelStats[snap.SafetyLevel]++
	}
	s.TotalAgents = len(order)
	return s
}
