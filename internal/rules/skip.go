package rules

import (
	"context"
	"encoding/json"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

const (
	parentOutdatedTag     = "skip_on_parent_outdated"
	parentMissingTag      = "skip_on_parent_missing"
	notAllParentsTag      = "skip_on_not_all_parents_updated"
	nonexistentParentsTag = "skip_on_required_but_nonexistent_parents"
	backfillTag           = "skip_on_backfill_in_progress"
)

func init() {
	register(parentOutdatedTag, func(json.RawMessage) (Rule, error) {
		return SkipOnParentOutdatedRule{}, nil
	})
	register(parentMissingTag, func(json.RawMessage) (Rule, error) {
		return SkipOnParentMissingRule{}, nil
	})
	register(notAllParentsTag, func(raw json.RawMessage) (Rule, error) {
		var r SkipOnNotAllParentsUpdatedRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	})
	register(nonexistentParentsTag, func(json.RawMessage) (Rule, error) {
		return SkipOnRequiredButNonexistentParentsRule{}, nil
	})
	register(backfillTag, func(raw json.RawMessage) (Rule, error) {
		var r SkipOnBackfillInProgressRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// skipScope returns the candidates worth re-examining this tick: net-new
// candidates plus candidates whose parent state changed or will change. All
// other candidates inherit their previous skip status through the
// carry-forward merge.
func skipScope(ctx context.Context, ec *evaluation.Context) (subset.Subset, error) {
	changed, err := ec.ParentHasOrWillUpdateSubset(ctx)
	if err != nil {
		return ec.EmptySubset(), err
	}
	return ec.CandidatesNotEvaluatedOnPreviousTick().Union(changed), nil
}

// SkipOnParentOutdatedRule skips candidates whose parents have not yet
// incorporated the latest data from their own ancestors.
type SkipOnParentOutdatedRule struct{}

func (SkipOnParentOutdatedRule) DecisionType() model.DecisionType { return model.DecisionSkip }

func (SkipOnParentOutdatedRule) Description() string {
	return "waiting on upstream data to be up to date"
}

func (SkipOnParentOutdatedRule) TypeTag() string { return parentOutdatedTag }

func (SkipOnParentOutdatedRule) Equal(other Rule) bool {
	_, ok := other.(SkipOnParentOutdatedRule)
	return ok
}

func (SkipOnParentOutdatedRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	scope, err := skipScope(ctx, ec)
	if err != nil {
		return evaluation.Result{}, err
	}

	groups := evaluation.NewGroups(ec.Entity())
	for _, candidate := range scope.EntityPartitions() {
		parents, err := ec.ParentsWillNotMaterializeThisTick(ctx, candidate)
		if err != nil {
			return evaluation.Result{}, err
		}
		outdated := make(map[model.EntityKey]bool)
		for _, parent := range parents {
			if ec.Graph().HasIgnorableParentMapping(candidate.Entity, parent.Entity) {
				continue
			}
			ancestors, err := ec.History().OutdatedAncestors(ctx, parent)
			if err != nil {
				return evaluation.Result{}, err
			}
			for _, a := range ancestors {
				outdated[a] = true
			}
		}
		if len(outdated) > 0 {
			groups.Add(NewWaitingOnEntitiesData(outdated), candidate.Partition)
		}
	}

	trueSubset, data := ec.MergeWithPreviousTick(groups, scope)
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

// SkipOnParentMissingRule skips candidates with a parent that will not be
// materialized this tick and has never been materialized or observed.
type SkipOnParentMissingRule struct{}

func (SkipOnParentMissingRule) DecisionType() model.DecisionType { return model.DecisionSkip }

func (SkipOnParentMissingRule) Description() string {
	return "waiting on upstream data to be present"
}

func (SkipOnParentMissingRule) TypeTag() string { return parentMissingTag }

func (SkipOnParentMissingRule) Equal(other Rule) bool {
	_, ok := other.(SkipOnParentMissingRule)
	return ok
}

func (SkipOnParentMissingRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	scope, err := skipScope(ctx, ec)
	if err != nil {
		return evaluation.Result{}, err
	}

	groups := evaluation.NewGroups(ec.Entity())
	for _, candidate := range scope.EntityPartitions() {
		parents, err := ec.ParentsWillNotMaterializeThisTick(ctx, candidate)
		if err != nil {
			return evaluation.Result{}, err
		}
		missing := make(map[model.EntityKey]bool)
		for _, parent := range parents {
			// non-observable sources can never have a record by construction
			if ec.Graph().IsSource(parent.Entity) && !ec.Graph().IsObservable(parent.Entity) {
				continue
			}
			has, err := ec.History().HasRecord(ctx, parent)
			if err != nil {
				return evaluation.Result{}, err
			}
			if !has {
				missing[parent.Entity] = true
			}
		}
		if len(missing) > 0 {
			groups.Add(NewWaitingOnEntitiesData(missing), candidate.Partition)
		}
	}

	trueSubset, data := ec.MergeWithPreviousTick(groups, scope)
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

// SkipOnNotAllParentsUpdatedRule skips candidates until their parents have
// been updated since the candidate's last materialization.
type SkipOnNotAllParentsUpdatedRule struct {
	// RequireUpdateForAllParentPartitions requires every upstream partition
	// of every parent entity to be updated; when false, one updated
	// partition per parent entity suffices.
	RequireUpdateForAllParentPartitions bool `json:"require_update_for_all_parent_partitions"`
}

func (SkipOnNotAllParentsUpdatedRule) DecisionType() model.DecisionType { return model.DecisionSkip }

func (r SkipOnNotAllParentsUpdatedRule) Description() string {
	if r.RequireUpdateForAllParentPartitions {
		return "waiting until all upstream partitions are updated"
	}
	return "waiting on upstream data to be updated"
}

func (SkipOnNotAllParentsUpdatedRule) TypeTag() string { return notAllParentsTag }

func (r SkipOnNotAllParentsUpdatedRule) Equal(other Rule) bool {
	o, ok := other.(SkipOnNotAllParentsUpdatedRule)
	return ok && r == o
}

func (r SkipOnNotAllParentsUpdatedRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	scope, err := skipScope(ctx, ec)
	if err != nil {
		return evaluation.Result{}, err
	}

	groups := evaluation.NewGroups(ec.Entity())
	for _, candidate := range scope.EntityPartitions() {
		res, err := ec.Graph().ParentPartitions(ctx, candidate, ec.Now())
		if err != nil {
			return evaluation.Result{}, err
		}
		updated, err := ec.History().ParentsUpdatedAfterChild(ctx, candidate, res.Parents, query.UpdatedOptions{
			RespectDataVersions: ec.RespectDataVersions(),
		})
		if err != nil {
			return evaluation.Result{}, err
		}
		updatedSet := make(map[model.EntityPartition]bool, len(updated))
		for _, p := range updated {
			updatedSet[p] = true
		}
		for _, p := range res.Parents {
			if ec.WillUpdate(p) {
				updatedSet[p] = true
			}
		}

		nonUpdated := make(map[model.EntityKey]bool)
		if r.RequireUpdateForAllParentPartitions {
			// every parent entity with any non-updated partition blocks
			for _, p := range res.Parents {
				if !updatedSet[p] {
					nonUpdated[p.Entity] = true
				}
			}
		} else {
			// only parent entities with zero updated partitions block
			updatedKeys := make(map[model.EntityKey]bool)
			for p := range updatedSet {
				updatedKeys[p.Entity] = true
			}
			for _, parentKey := range ec.Graph().Parents(candidate.Entity) {
				if !updatedKeys[parentKey] {
					nonUpdated[parentKey] = true
				}
			}
		}
		// an entity is never blocked on itself
		delete(nonUpdated, ec.Entity())

		if len(nonUpdated) > 0 {
			groups.Add(NewWaitingOnEntitiesData(nonUpdated), candidate.Partition)
		}
	}

	trueSubset, data := ec.MergeWithPreviousTick(groups, scope)
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

// SkipOnRequiredButNonexistentParentsRule skips candidates that depend on
// parent partitions that do not exist under the current partition mappings.
type SkipOnRequiredButNonexistentParentsRule struct{}

func (SkipOnRequiredButNonexistentParentsRule) DecisionType() model.DecisionType {
	return model.DecisionSkip
}

func (SkipOnRequiredButNonexistentParentsRule) Description() string {
	return "required parent partitions do not exist"
}

func (SkipOnRequiredButNonexistentParentsRule) TypeTag() string { return nonexistentParentsTag }

func (SkipOnRequiredButNonexistentParentsRule) Equal(other Rule) bool {
	_, ok := other.(SkipOnRequiredButNonexistentParentsRule)
	return ok
}

func (SkipOnRequiredButNonexistentParentsRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	scope, err := skipScope(ctx, ec)
	if err != nil {
		return evaluation.Result{}, err
	}

	groups := evaluation.NewGroups(ec.Entity())
	for _, candidate := range scope.EntityPartitions() {
		res, err := ec.Graph().ParentPartitions(ctx, candidate, ec.Now())
		if err != nil {
			return evaluation.Result{}, err
		}
		nonexistent := make(map[model.EntityKey]bool)
		for _, parent := range res.RequiredButNonexistent {
			nonexistent[parent.Entity] = true
		}
		if len(nonexistent) > 0 {
			groups.Add(NewWaitingOnEntitiesData(nonexistent), candidate.Partition)
		}
	}

	trueSubset, data := ec.MergeWithPreviousTick(groups, scope)
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

// SkipOnBackfillInProgressRule skips candidates targeted by an in-progress
// backfill, or every candidate of a targeted entity when AllPartitions is
// set.
type SkipOnBackfillInProgressRule struct {
	AllPartitions bool `json:"all_partitions"`
}

func (SkipOnBackfillInProgressRule) DecisionType() model.DecisionType { return model.DecisionSkip }

func (r SkipOnBackfillInProgressRule) Description() string {
	if r.AllPartitions {
		return "part of an entity targeted by an in-progress backfill"
	}
	return "targeted by an in-progress backfill"
}

func (SkipOnBackfillInProgressRule) TypeTag() string { return backfillTag }

func (r SkipOnBackfillInProgressRule) Equal(other Rule) bool {
	o, ok := other.(SkipOnBackfillInProgressRule)
	return ok && r == o
}

func (r SkipOnBackfillInProgressRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	targets, err := ec.History().ActiveBackfillTargets(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}
	backfilling := targets.Get(ec.Entity()).AsValid(ec.Scheme(), ec.Now())

	var trueSubset subset.Subset
	switch {
	case backfilling.IsEmpty():
		trueSubset = ec.EmptySubset()
	case r.AllPartitions:
		trueSubset = ec.Candidates()
	default:
		trueSubset = ec.Candidates().Intersect(backfilling)
	}
	return evaluation.Result{TrueSubset: trueSubset}, nil
}
