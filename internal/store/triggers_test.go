package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
)

// seedTriggers commits one trigger per offset (in minutes from t0) against a
// fresh profile and returns the log entry ids in commit order.
func seedTriggers(t *testing.T, db *DB, agentID string, bt behavior.Type, tt behavior.TriggerType, weight float64, offsets ...int) []string {
	t.Helper()
	ctx := context.Background()
	p, err := db.GetOrCreate(ctx, agentID, bt, behavior.DefaultParams(), t0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	var ids []string
	for i, off := range offsets {
		at := t0.Add(time.Duration(off) * time.Minute)
		p.TriggerCount++
		p.LastUpdated = at
		entry := behavior.TriggerLogEntry{
			ID:                 agentID + "-" + string(bt) + "-" + string(rune('a'+i)),
			ProfileID:          p.ID,
			AgentID:            agentID,
			BehaviorType:       bt,
			TriggerType:        tt,
			Weight:             weight,
			CreatedAt:          at,
			ResultingIntensity: p.CurrentIntensity,
		}
		if _, err := db.CommitTrigger(ctx, p, entry, testAggregate); err != nil {
			t.Fatalf("CommitTrigger: %v", err)
		}
		ids = append(ids, entry.ID)
	}
	return ids
}

func TestQueryByBehaviorSinceAndLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ids := seedTriggers(t, db, "a1", behavior.AnxiousAttachment, behavior.TriggerEscalating, 1, 0, 10, 10, 20, 30)
	seedTriggers(t, db, "a1", behavior.Codependency, behavior.TriggerEscalating, 1, 5)

	tests := []struct {
		name  string
		query behavior.HistoryQuery
		want  []string
	}{
		{"all", behavior.HistoryQuery{}, ids},
		{"since is exclusive", behavior.HistoryQuery{Since: t0.Add(10 * time.Minute)}, ids[3:]},
		{"limit", behavior.HistoryQuery{Limit: 2}, ids[:2]},
		{"same tick keeps commit order", behavior.HistoryQuery{Since: t0, Limit: 2}, ids[1:3]},
		{"past the end", behavior.HistoryQuery{Since: t0.Add(time.Hour)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := db.QueryByBehavior(ctx, "a1", behavior.AnxiousAttachment, tt.query)
			if err != nil {
				t.Fatalf("QueryByBehavior: %v", err)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for i, e := range entries {
				if e.ID != tt.want[i] {
					t.Errorf("entries[%d].ID = %q, want %q", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestQueryByBehaviorPagesAcrossSharedTick(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ids := seedTriggers(t, db, "a1", behavior.BorderlinePD, behavior.TriggerEscalating, 1, 0, 10, 10, 20)

	var got []string
	q := behavior.HistoryQuery{Limit: 1}
	for page := 0; page < 10; page++ {
		entries, err := db.QueryByBehavior(ctx, "a1", behavior.BorderlinePD, q)
		if err != nil {
			t.Fatalf("QueryByBehavior: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if entries[0].Seq == 0 {
			t.Fatalf("entry %s has no seq", entries[0].ID)
		}
		got = append(got, entries[0].ID)
		q = q.After(entries[0])
	}
	if len(got) != len(ids) {
		t.Fatalf("paged %v, want %v", got, ids)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("page %d = %q, want %q", i, got[i], ids[i])
		}
	}

	// Resuming from a cursor inside the shared tick returns the rest of it.
	all, err := db.QueryByBehavior(ctx, "a1", behavior.BorderlinePD, behavior.HistoryQuery{})
	if err != nil {
		t.Fatalf("QueryByBehavior: %v", err)
	}
	rest, err := db.QueryByBehavior(ctx, "a1", behavior.BorderlinePD, behavior.HistoryQuery{}.After(all[1]))
	if err != nil {
		t.Fatalf("QueryByBehavior after cursor: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != ids[2] || rest[1].ID != ids[3] {
		t.Errorf("after %s got %d entries, want [%s %s]", all[1].Cursor(), len(rest), ids[2], ids[3])
	}
}

func TestTriggerStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seedTriggers(t, db, "a1", behavior.AnxiousAttachment, behavior.TriggerEscalating, 2, 0, 1, 2)
	seedTriggers(t, db, "a2", behavior.BorderlinePD, behavior.TriggerReassuring, -1, 0)

	stats, err := db.TriggerStats(ctx)
	if err != nil {
		t.Fatalf("TriggerStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if stats[0].TriggerType != behavior.TriggerEscalating || stats[0].Count != 3 || stats[0].AvgWeight != 2 {
		t.Errorf("stats[0] = %+v, want escalating x3 avg 2", stats[0])
	}
	if stats[1].TriggerType != behavior.TriggerReassuring || stats[1].Count != 1 || stats[1].AvgWeight != -1 {
		t.Errorf("stats[1] = %+v, want reassuring x1 avg -1", stats[1])
	}
}

func TestProgressionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetProgression(ctx, "a1"); !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("GetProgression err = %v, want ErrNotFound", err)
	}

	state := behavior.ProgressionState{
		AgentID:            "a1",
		CurrentIntensities: map[behavior.Type]float64{behavior.BorderlinePD: 0.55},
		UpdatedAt:          t0,
	}
	if err := db.SaveProgression(ctx, state); err != nil {
		t.Fatalf("SaveProgression: %v", err)
	}
	state.CurrentIntensities = map[behavior.Type]float64{}
	state.UpdatedAt = t0.Add(time.Minute)
	if err := db.SaveProgression(ctx, state); err != nil {
		t.Fatalf("SaveProgression overwrite: %v", err)
	}

	got, err := db.GetProgression(ctx, "a1")
	if err != nil {
		t.Fatalf("GetProgression: %v", err)
	}
	if len(got.CurrentIntensities) != 0 || !got.UpdatedAt.Equal(state.UpdatedAt) {
		t.Errorf("GetProgression = %+v, want empty intensities at %v", got, state.UpdatedAt)
	}

	if err := db.DeleteProgression(ctx, "a1"); err != nil {
		t.Fatalf("DeleteProgression: %v", err)
	}
	if _, err := db.GetProgression(ctx, "a1"); !errors.Is(err, behavior.ErrNotFound) {
		t.Errorf("GetProgression after delete err = %v, want ErrNotFound", err)
	}
}
