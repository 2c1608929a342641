package rules

import (
	"testing"
	"time"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/scheme"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02T15:04", value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func ep(entity, partition string) model.EntityPartition {
	return model.EntityPartition{Entity: model.EntityKey(entity), Partition: model.PartitionKey(partition)}
}

func rec(entity, partition, runID, ts, dv string) model.MaterializationRecord {
	parsed, _ := time.ParseInLocation("2006-01-02T15:04", ts, time.UTC)
	return model.MaterializationRecord{
		Target:      ep(entity, partition),
		RunID:       runID,
		Timestamp:   parsed,
		DataVersion: dv,
	}
}

// world bundles the in-memory collaborators for rule tests.
type world struct {
	graph   *query.MemoryGraph
	history *query.MemoryHistory
	runs    *query.MemoryRuns
}

func newWorld(t *testing.T, specs ...query.EntitySpec) *world {
	t.Helper()
	g, err := query.NewMemoryGraph(specs...)
	if err != nil {
		t.Fatalf("NewMemoryGraph: %v", err)
	}
	return &world{graph: g, history: query.NewMemoryHistory(g), runs: query.NewMemoryRuns(nil)}
}

// ctxParams has the per-test knobs; everything else defaults.
type ctxParams struct {
	entity     model.EntityKey
	now        time.Time
	candidates *subset.Subset
	previous   *evaluation.TickState
	prevRule   *evaluation.RuleRecord
	willUpdate func(model.EntityPartition) bool
	respectDV  bool
	runTags    map[string]string
	freshness  evaluation.FreshnessEvaluator
}

func (w *world) newContext(p ctxParams) *evaluation.Context {
	sch := w.graph.Scheme(p.entity)
	candidates := subset.Unpartitioned(p.entity)
	if sch != nil {
		candidates = subset.New(p.entity, sch.Keys(p.now)...)
	}
	if p.candidates != nil {
		candidates = *p.candidates
	}
	return evaluation.NewContext(evaluation.Params{
		Entity:              p.entity,
		Scheme:              sch,
		Now:                 p.now,
		Candidates:          candidates,
		Previous:            p.previous,
		PreviousRule:        p.prevRule,
		Graph:               w.graph,
		History:             w.history,
		Runs:                w.runs,
		WillUpdate:          p.willUpdate,
		RespectDataVersions: p.respectDV,
		RunTags:             p.runTags,
		Freshness:           p.freshness,
	})
}

func previousTick(t *testing.T, ts string) *evaluation.TickState {
	t.Helper()
	return evaluation.NewTickState("prev", at(t, ts))
}

func dailyFrom(t *testing.T, day string) *scheme.TimeWindow {
	t.Helper()
	return scheme.Daily(at(t, day+"T00:00"))
}

func wantKeys(t *testing.T, got subset.Subset, want ...model.PartitionKey) {
	t.Helper()
	keys := got.Keys()
	if len(keys) != len(want) {
		t.Fatalf("subset keys = %v, want %v", keys, want)
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Fatalf("subset keys = %v, want %v", keys, want)
		}
	}
}
