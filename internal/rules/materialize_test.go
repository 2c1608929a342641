package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

func TestFreshnessRule_DelegatesToEvaluator(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "e", Scheme: dailyFrom(t, "2024-01-01")})
	r := MaterializeOnRequiredForFreshnessRule{}

	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity: "e",
		now:    at(t, "2024-01-03T00:01"),
		freshness: func(_ context.Context, ec *evaluation.Context) (subset.Subset, []evaluation.DataSubset, error) {
			return subset.New(ec.Entity(), "2024-01-02"), nil, nil
		},
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-02")

	// without a configured evaluator the rule is inert
	res, err = r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity: "e",
		now:    at(t, "2024-01-03T00:01"),
	}))
	if err != nil {
		t.Fatalf("Evaluate without evaluator: %v", err)
	}
	if !res.TrueSubset.IsEmpty() {
		t.Errorf("selected %v without a freshness evaluator", res.TrueSubset.Keys())
	}
}

func TestMissingRule_RootColdStartFallsBackToHistory(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "src", Source: true},
		query.EntitySpec{Key: "root", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"src"}},
	)
	w.history.Add(rec("root", "2024-01-01", "r1", "2024-01-01T06:00", ""))

	r := MaterializeOnMissingRule{}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity: "root",
		now:    at(t, "2024-01-03T00:01"),
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// 01 is already materialized per all-time history, 02 is missing
	wantKeys(t, res.TrueSubset, "2024-01-02")

	var handled subset.Subset
	if err := json.Unmarshal(res.ExtraState, &handled); err != nil {
		t.Fatalf("unmarshal extra state: %v", err)
	}
	wantKeys(t, handled, "2024-01-01")
}

func TestMissingRule_RootCarriedStateSupersedesHistory(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "src", Source: true},
		query.EntitySpec{Key: "root", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"src"}},
	)
	// history also covers 2024-01-02, but the carried state does not know it
	// yet and no materialization happened since the previous tick, so the
	// carried state wins
	w.history.Add(rec("root", "2024-01-01", "r1", "2024-01-01T06:00", ""))
	w.history.Add(rec("root", "2024-01-02", "r2", "2024-01-02T06:00", ""))

	r := MaterializeOnMissingRule{}
	carried, _ := json.Marshal(subset.New(model.EntityKey("root"), "2024-01-01"))
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "root",
		now:      at(t, "2024-01-04T00:01"),
		previous: previousTick(t, "2024-01-03T00:01"),
		prevRule: &evaluation.RuleRecord{Snapshot: Snapshot(r), ExtraState: carried},
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-02", "2024-01-03")
}

func TestMissingRule_RootAccountsForNewMaterializationsAndRequests(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "root", Scheme: dailyFrom(t, "2024-01-01")})
	w.history.Add(rec("root", "2024-01-02", "r1", "2024-01-03T06:00", ""))

	r := MaterializeOnMissingRule{}
	prev := previousTick(t, "2024-01-03T00:01")
	prev.Requested["root"] = subset.New(model.EntityKey("root"), "2024-01-01")
	carried, _ := json.Marshal(subset.Empty(model.EntityKey("root")))

	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "root",
		now:      at(t, "2024-01-04T00:01"),
		previous: prev,
		prevRule: &evaluation.RuleRecord{Snapshot: Snapshot(r), ExtraState: carried},
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// 01 was requested last tick, 02 materialized since; only 03 is missing
	wantKeys(t, res.TrueSubset, "2024-01-03")
}

func TestMissingRule_NonRootWaitsForParentActivity(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "up", Scheme: dailyFrom(t, "2024-01-01")},
		query.EntitySpec{Key: "down", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"up"}},
	)

	r := MaterializeOnMissingRule{}
	prev := previousTick(t, "2024-01-03T00:01")

	// no parent activity: nothing is selected even though records are missing
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "down",
		now:      at(t, "2024-01-03T06:00"),
		previous: prev,
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.TrueSubset.IsEmpty() {
		t.Fatalf("selected %v with no parent activity", res.TrueSubset.Keys())
	}

	// a parent update after the previous tick brings the partition in scope
	w.history.Add(rec("up", "2024-01-02", "r1", "2024-01-03T01:00", ""))
	res, err = r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "down",
		now:      at(t, "2024-01-03T06:00"),
		previous: prev,
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-02")
}

func TestParentUpdatedRule_SelectsChildrenOfUpdatedParents(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "up", Scheme: dailyFrom(t, "2024-01-01")},
		query.EntitySpec{Key: "down", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"up"}},
	)
	w.history.Add(rec("down", "2024-01-01", "r1", "2024-01-02T01:00", ""))
	w.history.Add(rec("up", "2024-01-01", "r2", "2024-01-03T01:00", ""))

	r := MaterializeOnParentUpdatedRule{}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "down",
		now:      at(t, "2024-01-03T06:00"),
		previous: previousTick(t, "2024-01-03T00:30"),
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-01")

	if len(res.EvalData) != 1 {
		t.Fatalf("EvalData = %+v, want one group", res.EvalData)
	}
	data, ok := res.EvalData[0].Data.(ParentUpdatedData)
	if !ok {
		t.Fatalf("payload = %T, want ParentUpdatedData", res.EvalData[0].Data)
	}
	if len(data.Updated) != 1 || data.Updated[0] != "up" || len(data.WillUpdate) != 0 {
		t.Errorf("payload = %+v", data)
	}
}

func TestParentUpdatedRule_WillUpdateParentCounts(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "up", Scheme: dailyFrom(t, "2024-01-01")},
		query.EntitySpec{Key: "down", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"up"}},
	)

	r := MaterializeOnParentUpdatedRule{}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "down",
		now:      at(t, "2024-01-03T06:00"),
		previous: previousTick(t, "2024-01-03T00:30"),
		willUpdate: func(p model.EntityPartition) bool {
			return p.Entity == "up" && p.Partition == "2024-01-02"
		},
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-02")

	data := res.EvalData[0].Data.(ParentUpdatedData)
	if len(data.WillUpdate) != 1 || data.WillUpdate[0] != "up" || len(data.Updated) != 0 {
		t.Errorf("payload = %+v", data)
	}
}

func TestParentUpdatedRule_SelfDependencyDoesNotTrigger(t *testing.T) {
	// a partitioned entity depending on itself must not chain-react off its
	// own past materializations
	w := newWorld(t,
		query.EntitySpec{Key: "series", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"series"}},
	)
	w.history.Add(rec("series", "2024-01-01", "r1", "2024-01-03T01:00", ""))

	r := MaterializeOnParentUpdatedRule{}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "series",
		now:      at(t, "2024-01-03T06:00"),
		previous: previousTick(t, "2024-01-03T00:30"),
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.TrueSubset.IsEmpty() {
		t.Errorf("selected %v from a self-dependency", res.TrueSubset.Keys())
	}
}

func TestParentUpdatedRule_FilterByLatestRunTags(t *testing.T) {
	w := newWorld(t,
		query.EntitySpec{Key: "up", Scheme: dailyFrom(t, "2024-01-01")},
		query.EntitySpec{Key: "down", Scheme: dailyFrom(t, "2024-01-01"), Parents: []model.EntityKey{"up"}},
	)
	w.history.Add(rec("up", "2024-01-01", "tagged", "2024-01-03T01:00", ""))
	w.history.Add(rec("up", "2024-01-02", "untagged", "2024-01-03T01:00", ""))
	w.runs = query.NewMemoryRuns(map[string]map[string]string{
		"tagged":   {"team": "data"},
		"untagged": {},
	})

	r := MaterializeOnParentUpdatedRule{UpdatedParentFilter: &PartitionsFilter{
		LatestRunRequiredTags: map[string]string{"team": "data"},
	}}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:   "down",
		now:      at(t, "2024-01-03T06:00"),
		previous: previousTick(t, "2024-01-03T00:30"),
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// only the child of the parent whose latest run carries the tag
	wantKeys(t, res.TrueSubset, "2024-01-01")
}
