package rules

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/pkg/model"
)

// PartitionsFilter restricts which updated parents count for the
// parent-updated rule: a parent passes only if the run responsible for its
// latest materialization carries all of the required tags.
type PartitionsFilter struct {
	LatestRunRequiredTags map[string]string `json:"latest_run_required_tags,omitempty"`
}

// Description renders the filter for rule descriptions.
func (f PartitionsFilter) Description() string {
	keys := make([]string, 0, len(f.LatestRunRequiredTags))
	for k := range f.LatestRunRequiredTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := "latest run includes required tags: {"
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %s", k, f.LatestRunRequiredTags[k])
	}
	return s + "}"
}

// Equal reports value equality of two filters.
func (f PartitionsFilter) Equal(o PartitionsFilter) bool {
	return maps.Equal(f.LatestRunRequiredTags, o.LatestRunRequiredTags)
}

// Passes splits eps into partitions that will update this tick and
// partitions whose latest run must be checked, batching the latter into one
// tag-filtered run lookup per tick instead of one query per partition.
//
// A missing record for a partition believed updated (and not itself pending
// update) breaks the collaborator contract and fails the evaluation.
func (f PartitionsFilter) Passes(ctx context.Context, ec *evaluation.Context, eps []model.EntityPartition) ([]model.EntityPartition, error) {
	if len(f.LatestRunRequiredTags) == 0 {
		return eps, nil
	}

	var willUpdate []model.EntityPartition
	byRunID := make(map[string][]model.EntityPartition)
	for _, ep := range eps {
		if ec.WillUpdate(ep) {
			willUpdate = append(willUpdate, ep)
			continue
		}
		rec, err := ec.History().LatestRecord(ctx, ep)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, evaluation.Invariantf(ep, "no materialization record for a partition reported as updated")
		}
		byRunID[rec.RunID] = append(byRunID[rec.RunID], ep)
	}

	passing := map[string]bool{}
	if len(byRunID) > 0 {
		runIDs := make([]string, 0, len(byRunID))
		for id := range byRunID {
			runIDs = append(runIDs, id)
		}
		sort.Strings(runIDs)
		var err error
		passing, err = ec.Runs().RunIDsWithTags(ctx, runIDs, f.LatestRunRequiredTags)
		if err != nil {
			return nil, err
		}
	}

	var out []model.EntityPartition
	// will-update partitions pass when the required tags are a subset of the
	// tags this tick's own automated runs will carry
	if f.requiredTagsCoveredBy(ec.RunTags()) {
		out = append(out, willUpdate...)
	}
	for id, ids := range byRunID {
		if passing[id] {
			out = append(out, ids...)
		}
	}
	return out, nil
}

func (f PartitionsFilter) requiredTagsCoveredBy(runTags map[string]string) bool {
	own := map[string]string{AutoMaterializeTag: "true"}
	maps.Copy(own, runTags)
	for k, v := range f.LatestRunRequiredTags {
		if own[k] != v {
			return false
		}
	}
	return true
}
