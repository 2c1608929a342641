package evaluation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// FreshnessEvaluator is the delegated freshness-policy computation: it
// reports which partitions of the context's entity are currently required to
// satisfy a freshness policy.
type FreshnessEvaluator func(ctx context.Context, ec *Context) (subset.Subset, []DataSubset, error)

// Result is what one rule evaluation produces: the subset its decision
// applies to, optional explanatory payloads, and optional opaque state for
// its own next-tick evaluation.
type Result struct {
	TrueSubset subset.Subset
	EvalData   []DataSubset
	ExtraState json.RawMessage
}

// Params configures a Context. The driver builds one Context per rule per
// entity per tick.
type Params struct {
	Entity     model.EntityKey
	Scheme     model.PartitionScheme // nil for unpartitioned entities
	Now        time.Time
	Candidates subset.Subset

	Previous     *TickState  // previous tick's persisted state, nil on first tick
	PreviousRule *RuleRecord // this rule's previous record, nil if none

	Graph   query.Graph
	History query.History
	Runs    query.Runs

	// WillUpdate reports whether an entity partition will be (re)computed
	// later in this same tick; only answerable for entities already decided
	// earlier in the topological pass.
	WillUpdate func(model.EntityPartition) bool

	// SortKey is the total order over entity partitions used for
	// deterministic rate limiting.
	SortKey func(model.EntityPartition) string

	RespectDataVersions bool
	RunTags             map[string]string
	Freshness           FreshnessEvaluator
	Logger              *slog.Logger
}

// Context is the per-entity, per-tick facade rules evaluate against. It
// exposes the candidate partitions, the previous tick's persisted results,
// and read-only queries proxied to the graph/history collaborators.
type Context struct {
	p Params

	// lazily computed
	parentChanged *subset.Subset
	matSince      *subset.Subset
}

// NewContext builds a Context from params.
func NewContext(p Params) *Context {
	if p.WillUpdate == nil {
		p.WillUpdate = func(model.EntityPartition) bool { return false }
	}
	if p.SortKey == nil {
		p.SortKey = func(ep model.EntityPartition) string { return ep.String() }
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	return &Context{p: p}
}

func (c *Context) Entity() model.EntityKey                 { return c.p.Entity }
func (c *Context) Scheme() model.PartitionScheme           { return c.p.Scheme }
func (c *Context) Now() time.Time                          { return c.p.Now }
func (c *Context) Candidates() subset.Subset               { return c.p.Candidates }
func (c *Context) Graph() query.Graph                      { return c.p.Graph }
func (c *Context) History() query.History                  { return c.p.History }
func (c *Context) Runs() query.Runs                        { return c.p.Runs }
func (c *Context) Logger() *slog.Logger                    { return c.p.Logger }
func (c *Context) RespectDataVersions() bool               { return c.p.RespectDataVersions }
func (c *Context) RunTags() map[string]string              { return c.p.RunTags }
func (c *Context) SortKey(ep model.EntityPartition) string { return c.p.SortKey(ep) }

// EmptySubset returns the empty subset of the context's entity.
func (c *Context) EmptySubset() subset.Subset { return subset.Empty(c.p.Entity) }

// PreviousTimestamp returns the previous tick's evaluation time, or the zero
// time if this is the first tick.
func (c *Context) PreviousTimestamp() time.Time {
	if c.p.Previous == nil {
		return time.Time{}
	}
	return c.p.Previous.Timestamp
}

// PreviousTrueSubset returns this rule's true subset from the previous tick.
func (c *Context) PreviousTrueSubset() subset.Subset {
	if c.p.PreviousRule == nil {
		return c.EmptySubset()
	}
	return c.p.PreviousRule.TrueSubset
}

// PreviousCandidates returns the candidates this rule evaluated on the
// previous tick.
func (c *Context) PreviousCandidates() subset.Subset {
	if c.p.PreviousRule == nil {
		return c.EmptySubset()
	}
	return c.p.PreviousRule.Candidates
}

// PreviousDataSubsets returns this rule's evaluation-data mapping from the
// previous tick.
func (c *Context) PreviousDataSubsets() []DataSubset {
	if c.p.PreviousRule == nil {
		return nil
	}
	return c.p.PreviousRule.EvalData
}

// PreviousExtraState returns this rule's carried extra state, or nil.
func (c *Context) PreviousExtraState() json.RawMessage {
	if c.p.PreviousRule == nil {
		return nil
	}
	return c.p.PreviousRule.ExtraState
}

// PreviousRequested returns the final requested subset for this entity from
// the previous tick.
func (c *Context) PreviousRequested() subset.Subset {
	return c.p.Previous.RequestedFor(c.p.Entity)
}

// PreviousDiscarded returns the final discarded subset for this entity from
// the previous tick.
func (c *Context) PreviousDiscarded() subset.Subset {
	return c.p.Previous.DiscardedFor(c.p.Entity)
}

// WillUpdate reports whether ep is already decided to be (re)computed later
// in this same tick.
func (c *Context) WillUpdate(ep model.EntityPartition) bool {
	return c.p.WillUpdate(ep)
}

// EvaluateFreshness runs the delegated freshness-policy evaluator, returning
// an empty result when none is configured.
func (c *Context) EvaluateFreshness(ctx context.Context) (subset.Subset, []DataSubset, error) {
	if c.p.Freshness == nil {
		return c.EmptySubset(), nil, nil
	}
	return c.p.Freshness(ctx, c)
}

// MaterializedSincePreviousTick returns the subset of this entity
// materialized or observed since the previous tick. Empty on the first tick.
func (c *Context) MaterializedSincePreviousTick(ctx context.Context) (subset.Subset, error) {
	if c.matSince != nil {
		return *c.matSince, nil
	}
	if c.p.Previous == nil {
		s := c.EmptySubset()
		c.matSince = &s
		return s, nil
	}
	s, err := c.p.History.MaterializedSince(ctx, c.p.Entity, c.p.Previous.Timestamp)
	if err != nil {
		return c.EmptySubset(), err
	}
	c.matSince = &s
	return s, nil
}

// MaterializedRequestedOrDiscardedSincePreviousTick returns everything that
// has been accounted for since the previous tick: new materializations plus
// the previous tick's requested and discarded subsets.
func (c *Context) MaterializedRequestedOrDiscardedSincePreviousTick(ctx context.Context) (subset.Subset, error) {
	mat, err := c.MaterializedSincePreviousTick(ctx)
	if err != nil {
		return c.EmptySubset(), err
	}
	return mat.Union(c.PreviousRequested()).Union(c.PreviousDiscarded()), nil
}

// CandidatesNotEvaluatedOnPreviousTick returns the net-new candidates this
// rule has not seen before.
func (c *Context) CandidatesNotEvaluatedOnPreviousTick() subset.Subset {
	return c.p.Candidates.Difference(c.PreviousCandidates())
}

// ParentHasOrWillUpdateSubset returns the candidates with at least one parent
// that was materialized since the previous tick or will be materialized later
// in this tick.
func (c *Context) ParentHasOrWillUpdateSubset(ctx context.Context) (subset.Subset, error) {
	if c.parentChanged != nil {
		return *c.parentChanged, nil
	}

	var keys []model.PartitionKey
	for _, candidate := range c.p.Candidates.EntityPartitions() {
		res, err := c.p.Graph.ParentPartitions(ctx, candidate, c.p.Now)
		if err != nil {
			return c.EmptySubset(), err
		}
		changed := false
		for _, parent := range res.Parents {
			if c.p.WillUpdate(parent) {
				changed = true
				break
			}
			updated, err := c.parentUpdatedSincePreviousTick(ctx, parent)
			if err != nil {
				return c.EmptySubset(), err
			}
			if updated {
				changed = true
				break
			}
		}
		if changed {
			keys = append(keys, candidate.Partition)
		}
	}

	s := subset.New(c.p.Entity, keys...)
	c.parentChanged = &s
	return s, nil
}

func (c *Context) parentUpdatedSincePreviousTick(ctx context.Context, parent model.EntityPartition) (bool, error) {
	if c.p.Previous == nil {
		return false, nil
	}
	since, err := c.p.History.MaterializedSince(ctx, parent.Entity, c.p.Previous.Timestamp)
	if err != nil {
		return false, err
	}
	return since.Contains(parent.Partition), nil
}

// ParentsWillNotMaterializeThisTick returns ep's parents that are not going
// to be materialized later in this tick.
func (c *Context) ParentsWillNotMaterializeThisTick(ctx context.Context, ep model.EntityPartition) ([]model.EntityPartition, error) {
	res, err := c.p.Graph.ParentPartitions(ctx, ep, c.p.Now)
	if err != nil {
		return nil, err
	}
	out := make([]model.EntityPartition, 0, len(res.Parents))
	for _, parent := range res.Parents {
		if !c.p.WillUpdate(parent) {
			out = append(out, parent)
		}
	}
	return out, nil
}

// MergeWithPreviousTick unions this tick's newly computed evaluation-data
// groups with the previous tick's carried mapping, excluding partitions in
// ignore (already accounted for, or re-examined this tick and therefore not
// allowed to inherit stale data). It returns the flattened true subset and
// the grouped payload mapping.
func (c *Context) MergeWithPreviousTick(groups *Groups, ignore subset.Subset) (subset.Subset, []DataSubset) {
	merged := NewGroups(c.p.Entity)
	for _, ds := range groups.DataSubsets() {
		merged.Add(ds.Data, ds.Subset.Keys()...)
	}
	for _, prev := range c.PreviousDataSubsets() {
		carried := prev.Subset.AsValid(c.p.Scheme, c.p.Now).Difference(ignore)
		if carried.IsEmpty() {
			continue
		}
		merged.Add(prev.Data, carried.Keys()...)
	}

	trueSubset := c.EmptySubset()
	out := merged.DataSubsets()
	for _, ds := range out {
		trueSubset = trueSubset.Union(ds.Subset)
	}
	return trueSubset, out
}
