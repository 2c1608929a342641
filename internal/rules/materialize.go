package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/scheme"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

const (
	freshnessTag         = "materialize_on_required_for_freshness"
	cronTag              = "materialize_on_cron"
	parentUpdatedRuleTag = "materialize_on_parent_updated"
	missingTag           = "materialize_on_missing"
)

// updatedParentScale bounds the precise data-version-aware parent comparison:
// above this many partitions the cheaper timestamp comparison is used.
const updatedParentScale = 100

func init() {
	register(freshnessTag, func(json.RawMessage) (Rule, error) {
		return MaterializeOnRequiredForFreshnessRule{}, nil
	})
	register(cronTag, func(raw json.RawMessage) (Rule, error) {
		var r MaterializeOnCronRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	})
	register(parentUpdatedRuleTag, func(raw json.RawMessage) (Rule, error) {
		var r MaterializeOnParentUpdatedRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	})
	register(missingTag, func(json.RawMessage) (Rule, error) {
		return MaterializeOnMissingRule{}, nil
	})
}

// MaterializeOnRequiredForFreshnessRule materializes whatever the delegated
// freshness-policy evaluator reports as currently required.
type MaterializeOnRequiredForFreshnessRule struct{}

func (MaterializeOnRequiredForFreshnessRule) DecisionType() model.DecisionType {
	return model.DecisionMaterialize
}

func (MaterializeOnRequiredForFreshnessRule) Description() string {
	return "required to meet this or a downstream entity's freshness policy"
}

func (MaterializeOnRequiredForFreshnessRule) TypeTag() string { return freshnessTag }

func (MaterializeOnRequiredForFreshnessRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	trueSubset, data, err := ec.EvaluateFreshness(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

func (MaterializeOnRequiredForFreshnessRule) Equal(other Rule) bool {
	_, ok := other.(MaterializeOnRequiredForFreshnessRule)
	return ok
}

// MaterializeOnCronRule materializes partitions not materialized since the
// latest tick of a cron schedule.
type MaterializeOnCronRule struct {
	CronSchedule  string `json:"cron_schedule"`
	Timezone      string `json:"timezone"`
	AllPartitions bool   `json:"all_partitions"`
}

// NewMaterializeOnCron validates the schedule and timezone and builds the
// rule. An empty timezone defaults to UTC.
func NewMaterializeOnCron(cronSchedule, timezone string, allPartitions bool) (MaterializeOnCronRule, error) {
	if !gronx.New().IsValid(cronSchedule) {
		return MaterializeOnCronRule{}, fmt.Errorf("invalid cron schedule %q", cronSchedule)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return MaterializeOnCronRule{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return MaterializeOnCronRule{CronSchedule: cronSchedule, Timezone: timezone, AllPartitions: allPartitions}, nil
}

func (MaterializeOnCronRule) DecisionType() model.DecisionType { return model.DecisionMaterialize }

func (r MaterializeOnCronRule) Description() string {
	return fmt.Sprintf("not materialized since last cron schedule tick of %q (timezone: %s)", r.CronSchedule, r.Timezone)
}

func (MaterializeOnCronRule) TypeTag() string { return cronTag }

func (r MaterializeOnCronRule) Equal(other Rule) bool {
	o, ok := other.(MaterializeOnCronRule)
	return ok && r == o
}

// MissedTicks returns the schedule ticks missed between the previous
// evaluation timestamp and now. With no previous timestamp it returns exactly
// the single most recent tick strictly before now, seeding the first
// evaluation.
func (r MaterializeOnCronRule) MissedTicks(previous, now time.Time) ([]time.Time, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", r.Timezone, err)
	}
	now = now.In(loc)

	if previous.IsZero() {
		prev, err := gronx.PrevTickBefore(r.CronSchedule, now, false)
		if err != nil {
			return nil, fmt.Errorf("previous tick of %q: %w", r.CronSchedule, err)
		}
		return []time.Time{prev}, nil
	}

	var ticks []time.Time
	cursor := previous.In(loc)
	for {
		next, err := gronx.NextTickAfter(r.CronSchedule, cursor, false)
		if err != nil {
			return nil, fmt.Errorf("next tick of %q: %w", r.CronSchedule, err)
		}
		if next.After(now) {
			return ticks, nil
		}
		ticks = append(ticks, next)
		cursor = next
	}
}

// newPartitionsToRequest selects the partitions for this tick's missed
// schedule ticks: all partitions when AllPartitions is set, the partition
// covering each missed tick for time-structured schemes (expanded across the
// other dimensions of a multi scheme), and only the most recent partition
// otherwise.
func (r MaterializeOnCronRule) newPartitionsToRequest(ec *evaluation.Context, missed []time.Time) subset.Subset {
	if len(missed) == 0 {
		return ec.EmptySubset()
	}
	sch := ec.Scheme()
	if sch == nil {
		return subset.Unpartitioned(ec.Entity())
	}
	if r.AllPartitions {
		return subset.New(ec.Entity(), sch.Keys(ec.Now())...)
	}

	tw := scheme.TimeComponentOf(sch)
	if tw == nil {
		last, ok := sch.LastKey(ec.Now())
		if !ok {
			return ec.EmptySubset()
		}
		return subset.New(ec.Entity(), last)
	}

	var timeKeys []model.PartitionKey
	for _, tick := range missed {
		if k, ok := tw.LastKey(tick); ok {
			timeKeys = append(timeKeys, k)
		}
	}
	if multi, ok := sch.(*scheme.Multi); ok {
		var keys []model.PartitionKey
		for _, tk := range timeKeys {
			keys = append(keys, multi.KeysWithTimeKey(tk)...)
		}
		return subset.New(ec.Entity(), keys...)
	}
	return subset.New(ec.Entity(), timeKeys...)
}

// Evaluate unions this tick's newly selected partitions with the previous
// tick's still-unsatisfied obligation, so an unmet cron obligation keeps
// reappearing until satisfied.
func (r MaterializeOnCronRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	missed, err := r.MissedTicks(ec.PreviousTimestamp(), ec.Now())
	if err != nil {
		return evaluation.Result{}, err
	}

	accounted, err := ec.MaterializedRequestedOrDiscardedSincePreviousTick(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}
	carried := ec.PreviousTrueSubset().AsValid(ec.Scheme(), ec.Now()).Difference(accounted)

	return evaluation.Result{TrueSubset: r.newPartitionsToRequest(ec, missed).Union(carried)}, nil
}

// MaterializeOnParentUpdatedRule materializes partitions whose parents have
// been updated more recently than the partition itself, or will be updated
// later in this tick.
type MaterializeOnParentUpdatedRule struct {
	UpdatedParentFilter *PartitionsFilter `json:"updated_parent_filter,omitempty"`
}

func (MaterializeOnParentUpdatedRule) DecisionType() model.DecisionType {
	return model.DecisionMaterialize
}

func (r MaterializeOnParentUpdatedRule) Description() string {
	base := "upstream data has changed since latest materialization"
	if r.UpdatedParentFilter != nil {
		return fmt.Sprintf("%s and matches filter '%s'", base, r.UpdatedParentFilter.Description())
	}
	return base
}

func (MaterializeOnParentUpdatedRule) TypeTag() string { return parentUpdatedRuleTag }

func (r MaterializeOnParentUpdatedRule) Equal(other Rule) bool {
	o, ok := other.(MaterializeOnParentUpdatedRule)
	if !ok {
		return false
	}
	if (r.UpdatedParentFilter == nil) != (o.UpdatedParentFilter == nil) {
		return false
	}
	return r.UpdatedParentFilter == nil || r.UpdatedParentFilter.Equal(*o.UpdatedParentFilter)
}

func (r MaterializeOnParentUpdatedRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	scope, err := ec.ParentHasOrWillUpdateSubset(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}

	childrenByUpdatedParent := make(map[model.EntityPartition][]model.EntityPartition)
	childrenByWillUpdateParent := make(map[model.EntityPartition][]model.EntityPartition)

	for _, child := range scope.EntityPartitions() {
		res, err := ec.Graph().ParentPartitions(ctx, child, ec.Now())
		if err != nil {
			return evaluation.Result{}, err
		}

		// the precise data-version comparison is only affordable below the
		// scale threshold; self-dependencies never count as updated parents,
		// so historical rematerializations cannot kick off a chain
		precise := ec.RespectDataVersions() && len(res.Parents)+scope.Size() < updatedParentScale
		updated, err := ec.History().ParentsUpdatedAfterChild(ctx, child, res.Parents, query.UpdatedOptions{
			RespectDataVersions: precise,
			IgnoredParents:      map[model.EntityKey]bool{ec.Entity(): true},
		})
		if err != nil {
			return evaluation.Result{}, err
		}
		for _, parent := range updated {
			childrenByUpdatedParent[parent] = append(childrenByUpdatedParent[parent], child)
		}
		for _, parent := range res.Parents {
			if ec.WillUpdate(parent) {
				childrenByWillUpdateParent[parent] = append(childrenByWillUpdateParent[parent], child)
			}
		}
	}

	parents := make([]model.EntityPartition, 0, len(childrenByUpdatedParent)+len(childrenByWillUpdateParent))
	seen := make(map[model.EntityPartition]bool)
	for parent := range childrenByUpdatedParent {
		seen[parent] = true
		parents = append(parents, parent)
	}
	for parent := range childrenByWillUpdateParent {
		if !seen[parent] {
			parents = append(parents, parent)
		}
	}

	if r.UpdatedParentFilter != nil {
		parents, err = r.UpdatedParentFilter.Passes(ctx, ec, parents)
		if err != nil {
			return evaluation.Result{}, err
		}
	}

	updatedByChild := make(map[model.EntityPartition]map[model.EntityKey]bool)
	willUpdateByChild := make(map[model.EntityPartition]map[model.EntityKey]bool)
	for _, parent := range parents {
		for _, child := range childrenByUpdatedParent[parent] {
			if updatedByChild[child] == nil {
				updatedByChild[child] = make(map[model.EntityKey]bool)
			}
			updatedByChild[child][parent.Entity] = true
		}
		for _, child := range childrenByWillUpdateParent[parent] {
			if willUpdateByChild[child] == nil {
				willUpdateByChild[child] = make(map[model.EntityKey]bool)
			}
			willUpdateByChild[child][parent.Entity] = true
		}
	}

	groups := evaluation.NewGroups(ec.Entity())
	children := make(map[model.EntityPartition]bool)
	for child := range updatedByChild {
		children[child] = true
	}
	for child := range willUpdateByChild {
		children[child] = true
	}
	for child := range children {
		groups.Add(NewParentUpdatedData(updatedByChild[child], willUpdateByChild[child]), child.Partition)
	}

	ignore, err := ec.MaterializedRequestedOrDiscardedSincePreviousTick(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}
	trueSubset, data := ec.MergeWithPreviousTick(groups, ignore)
	return evaluation.Result{TrueSubset: trueSubset, EvalData: data}, nil
}

// MaterializeOnMissingRule materializes partitions that have never been
// materialized. Non-root entities only count a partition as missing once a
// parent has updated or will update, so missingness propagates downstream
// instead of being rediscovered at every level.
type MaterializeOnMissingRule struct{}

func (MaterializeOnMissingRule) DecisionType() model.DecisionType {
	return model.DecisionMaterialize
}

func (MaterializeOnMissingRule) Description() string { return "materialization is missing" }

func (MaterializeOnMissingRule) TypeTag() string { return missingTag }

func (MaterializeOnMissingRule) Equal(other Rule) bool {
	_, ok := other.(MaterializeOnMissingRule)
	return ok
}

// handledSubset returns the partitions already accounted for: materialized
// since the previous tick, requested on the previous tick, or carried in this
// rule's extra state. Carried state is re-validated against the current
// scheme before being trusted; the all-time history fallback only fires when
// no carried state exists at all (cold start or state loss).
func (MaterializeOnMissingRule) handledSubset(ctx context.Context, ec *evaluation.Context) (subset.Subset, error) {
	var prior subset.Subset
	carried := false
	if raw := ec.PreviousExtraState(); raw != nil {
		var s subset.Subset
		if err := json.Unmarshal(raw, &s); err == nil && s.Entity() == ec.Entity() {
			prior = s.AsValid(ec.Scheme(), ec.Now())
			carried = true
		}
	}
	if !carried {
		var err error
		prior, err = ec.History().MaterializedSubset(ctx, ec.Entity())
		if err != nil {
			return ec.EmptySubset(), err
		}
	}

	matSince, err := ec.MaterializedSincePreviousTick(ctx)
	if err != nil {
		return ec.EmptySubset(), err
	}
	return matSince.Union(ec.PreviousRequested()).Union(prior), nil
}

func (r MaterializeOnMissingRule) Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	if ec.Graph().IsRootMaterializableOrObservable(ec.Entity()) {
		handled, err := r.handledSubset(ctx, ec)
		if err != nil {
			return evaluation.Result{}, err
		}
		unhandled := ec.Candidates()
		if handled.Size() > 0 {
			unhandled = ec.Candidates().Intersect(
				handled.AsValid(ec.Scheme(), ec.Now()).Inverse(ec.Scheme(), ec.Now()))
		}
		// carry the handled subset, not the unhandled one: new partitions can
		// spontaneously come into existence between ticks and must not be
		// misclassified as already handled
		extra, err := json.Marshal(handled)
		if err != nil {
			return evaluation.Result{}, fmt.Errorf("marshal handled subset: %w", err)
		}
		return evaluation.Result{TrueSubset: unhandled, ExtraState: extra}, nil
	}

	scope, err := ec.ParentHasOrWillUpdateSubset(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}
	var keys []model.PartitionKey
	for _, ep := range scope.EntityPartitions() {
		has, err := ec.History().HasRecord(ctx, ep)
		if err != nil {
			return evaluation.Result{}, err
		}
		if !has {
			keys = append(keys, ep.Partition)
		}
	}
	trueSubset := subset.New(ec.Entity(), keys...).
		Union(ec.PreviousTrueSubset().AsValid(ec.Scheme(), ec.Now())).
		Difference(ec.PreviousRequested())
	return evaluation.Result{TrueSubset: trueSubset}, nil
}
