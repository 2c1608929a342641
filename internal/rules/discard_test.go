package rules

import (
	"context"
	"testing"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

func TestDiscardOnMaxMaterializationsExceeded(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "e", Scheme: dailyFrom(t, "2024-01-01")})

	// five candidates, cap of two: the three highest sort keys get discarded
	// regardless of construction order
	candidates := subset.New(model.EntityKey("e"),
		"2024-01-04", "2024-01-01", "2024-01-05", "2024-01-03", "2024-01-02")

	r := DiscardOnMaxMaterializationsExceededRule{Limit: 2}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:     "e",
		now:        at(t, "2024-01-06T06:00"),
		candidates: &candidates,
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	wantKeys(t, res.TrueSubset, "2024-01-03", "2024-01-04", "2024-01-05")
}

func TestDiscardOnMaxMaterializationsExceeded_UnderLimit(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "e", Scheme: dailyFrom(t, "2024-01-01")})
	candidates := subset.New(model.EntityKey("e"), "2024-01-01", "2024-01-02")

	r := DiscardOnMaxMaterializationsExceededRule{Limit: 2}
	res, err := r.Evaluate(context.Background(), w.newContext(ctxParams{
		entity:     "e",
		now:        at(t, "2024-01-06T06:00"),
		candidates: &candidates,
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.TrueSubset.IsEmpty() {
		t.Errorf("discarded %v under the limit", res.TrueSubset.Keys())
	}
}

func TestPartitionsFilter_MissingRecordIsInvariantViolation(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "up"}, query.EntitySpec{Key: "down", Parents: []model.EntityKey{"up"}})
	f := PartitionsFilter{LatestRunRequiredTags: map[string]string{"team": "data"}}

	_, err := f.Passes(context.Background(),
		w.newContext(ctxParams{entity: "down", now: at(t, "2024-01-03T06:00")}),
		[]model.EntityPartition{ep("up", "")})
	if !evaluation.IsInvariant(err) {
		t.Fatalf("err = %v, want an invariant violation", err)
	}
}

func TestPartitionsFilter_OwnRunTagsCoverWillUpdateParents(t *testing.T) {
	w := newWorld(t, query.EntitySpec{Key: "up"}, query.EntitySpec{Key: "down", Parents: []model.EntityKey{"up"}})
	target := ep("up", "")

	// the automated-run marker tag is implicit
	f := PartitionsFilter{LatestRunRequiredTags: map[string]string{AutoMaterializeTag: "true"}}
	passed, err := f.Passes(context.Background(),
		w.newContext(ctxParams{
			entity:     "down",
			now:        at(t, "2024-01-03T06:00"),
			willUpdate: func(p model.EntityPartition) bool { return p == target },
		}),
		[]model.EntityPartition{target})
	if err != nil {
		t.Fatalf("Passes: %v", err)
	}
	if len(passed) != 1 || passed[0] != target {
		t.Errorf("passed = %v, want the will-update parent", passed)
	}

	// a tag this tick's runs will not carry blocks the will-update parent
	f = PartitionsFilter{LatestRunRequiredTags: map[string]string{"team": "data"}}
	passed, err = f.Passes(context.Background(),
		w.newContext(ctxParams{
			entity:     "down",
			now:        at(t, "2024-01-03T06:00"),
			willUpdate: func(p model.EntityPartition) bool { return p == target },
		}),
		[]model.EntityPartition{target})
	if err != nil {
		t.Fatalf("Passes: %v", err)
	}
	if len(passed) != 0 {
		t.Errorf("passed = %v, want none", passed)
	}

	// unless the configured run tags cover it
	passed, err = f.Passes(context.Background(),
		w.newContext(ctxParams{
			entity:     "down",
			now:        at(t, "2024-01-03T06:00"),
			willUpdate: func(p model.EntityPartition) bool { return p == target },
			runTags:    map[string]string{"team": "data"},
		}),
		[]model.EntityPartition{target})
	if err != nil {
		t.Fatalf("Passes: %v", err)
	}
	if len(passed) != 1 {
		t.Errorf("passed = %v, want the will-update parent", passed)
	}
}
