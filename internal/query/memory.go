package query

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// MappingKind selects how a child partition maps onto a parent's partitions.
type MappingKind string

const (
	// MappingIdentity maps a child partition to the parent partition with
	// the same key. A missing counterpart is reported as required but
	// nonexistent.
	MappingIdentity MappingKind = "identity"
	// MappingAll maps every child partition to all of the parent's
	// partitions.
	MappingAll MappingKind = "all"
)

// EntitySpec declares one graph node for MemoryGraph.
type EntitySpec struct {
	Key        model.EntityKey
	Scheme     model.PartitionScheme // nil for unpartitioned
	Parents    []model.EntityKey
	Mapping    map[model.EntityKey]MappingKind // per-parent, defaults to identity
	Source     bool
	Observable bool
	// IgnorableOutdatedParents lists parents exempt from outdated-ancestor
	// checks.
	IgnorableOutdatedParents []model.EntityKey
}

// MemoryGraph is an in-memory Graph implementation, used by tests and the
// tick simulator.
type MemoryGraph struct {
	specs map[model.EntityKey]EntitySpec
	order []model.EntityKey
}

// NewMemoryGraph builds a graph from entity specs. Parent references must
// resolve to declared entities.
func NewMemoryGraph(specs ...EntitySpec) (*MemoryGraph, error) {
	g := &MemoryGraph{specs: make(map[model.EntityKey]EntitySpec, len(specs))}
	for _, s := range specs {
		if _, dup := g.specs[s.Key]; dup {
			return nil, fmt.Errorf("duplicate entity %q", s.Key)
		}
		g.specs[s.Key] = s
		g.order = append(g.order, s.Key)
	}
	for _, s := range specs {
		for _, p := range s.Parents {
			if _, ok := g.specs[p]; !ok {
				return nil, fmt.Errorf("entity %q references unknown parent %q", s.Key, p)
			}
		}
	}
	return g, nil
}

func (g *MemoryGraph) Entities() []model.EntityKey {
	return slices.Clone(g.order)
}

func (g *MemoryGraph) Parents(entity model.EntityKey) []model.EntityKey {
	return slices.Clone(g.specs[entity].Parents)
}

func (g *MemoryGraph) Scheme(entity model.EntityKey) model.PartitionScheme {
	return g.specs[entity].Scheme
}

func (g *MemoryGraph) IsSource(entity model.EntityKey) bool {
	return g.specs[entity].Source
}

func (g *MemoryGraph) IsObservable(entity model.EntityKey) bool {
	return g.specs[entity].Observable
}

// IsRootMaterializableOrObservable reports whether the entity participates in
// materialization (or observation) and none of its parents do.
func (g *MemoryGraph) IsRootMaterializableOrObservable(entity model.EntityKey) bool {
	s, ok := g.specs[entity]
	if !ok || (s.Source && !s.Observable) {
		return false
	}
	for _, p := range s.Parents {
		ps := g.specs[p]
		if !ps.Source || ps.Observable {
			return false
		}
	}
	return true
}

func (g *MemoryGraph) HasIgnorableParentMapping(child, parent model.EntityKey) bool {
	return slices.Contains(g.specs[child].IgnorableOutdatedParents, parent)
}

func (g *MemoryGraph) mapping(child, parent model.EntityKey) MappingKind {
	if k, ok := g.specs[child].Mapping[parent]; ok {
		return k
	}
	return MappingIdentity
}

func (g *MemoryGraph) ParentPartitions(_ context.Context, child model.EntityPartition, now time.Time) (ParentPartitionsResult, error) {
	spec, ok := g.specs[child.Entity]
	if !ok {
		return ParentPartitionsResult{}, fmt.Errorf("unknown entity %q", child.Entity)
	}

	var res ParentPartitionsResult
	for _, parent := range spec.Parents {
		pScheme := g.specs[parent].Scheme
		switch {
		case pScheme == nil:
			res.Parents = append(res.Parents, model.EntityPartition{Entity: parent})
		case child.Partition == "" || g.mapping(child.Entity, parent) == MappingAll:
			// an unpartitioned child depends on every parent partition
			for _, k := range pScheme.Keys(now) {
				res.Parents = append(res.Parents, model.EntityPartition{Entity: parent, Partition: k})
			}
		default:
			ep := model.EntityPartition{Entity: parent, Partition: child.Partition}
			if pScheme.Exists(child.Partition, now) {
				res.Parents = append(res.Parents, ep)
			} else {
				res.RequiredButNonexistent = append(res.RequiredButNonexistent, ep)
			}
		}
	}
	return res, nil
}

// MemoryHistory is an in-memory History implementation over an explicit
// record list, used by tests and the tick simulator.
type MemoryHistory struct {
	graph     *MemoryGraph
	records   []model.MaterializationRecord
	backfills GraphSubset
}

// NewMemoryHistory builds an empty history over graph.
func NewMemoryHistory(graph *MemoryGraph) *MemoryHistory {
	return &MemoryHistory{graph: graph, backfills: GraphSubset{}}
}

// Add appends a materialization/observation record.
func (h *MemoryHistory) Add(rec model.MaterializationRecord) {
	h.records = append(h.records, rec)
}

// SetBackfills replaces the active backfill target set.
func (h *MemoryHistory) SetBackfills(targets GraphSubset) {
	h.backfills = targets
}

func (h *MemoryHistory) latest(ep model.EntityPartition) *model.MaterializationRecord {
	return h.latestAsOf(ep, time.Time{})
}

// latestAsOf returns the latest record for ep at or before cutoff; a zero
// cutoff means no bound.
func (h *MemoryHistory) latestAsOf(ep model.EntityPartition, cutoff time.Time) *model.MaterializationRecord {
	var best *model.MaterializationRecord
	for i := range h.records {
		rec := &h.records[i]
		if rec.Target != ep {
			continue
		}
		if !cutoff.IsZero() && rec.Timestamp.After(cutoff) {
			continue
		}
		if best == nil || rec.Timestamp.After(best.Timestamp) {
			best = rec
		}
	}
	return best
}

func (h *MemoryHistory) LatestRecord(_ context.Context, ep model.EntityPartition) (*model.MaterializationRecord, error) {
	return h.latest(ep), nil
}

func (h *MemoryHistory) HasRecord(_ context.Context, ep model.EntityPartition) (bool, error) {
	return h.latest(ep) != nil, nil
}

func (h *MemoryHistory) MaterializedSubset(_ context.Context, entity model.EntityKey) (subset.Subset, error) {
	var keys []model.PartitionKey
	for _, rec := range h.records {
		if rec.Target.Entity == entity {
			keys = append(keys, rec.Target.Partition)
		}
	}
	return subset.New(entity, keys...), nil
}

func (h *MemoryHistory) MaterializedSince(_ context.Context, entity model.EntityKey, after time.Time) (subset.Subset, error) {
	var keys []model.PartitionKey
	for _, rec := range h.records {
		if rec.Target.Entity == entity && rec.Timestamp.After(after) {
			keys = append(keys, rec.Target.Partition)
		}
	}
	return subset.New(entity, keys...), nil
}

func (h *MemoryHistory) ParentsUpdatedAfterChild(_ context.Context, child model.EntityPartition, parents []model.EntityPartition, opts UpdatedOptions) ([]model.EntityPartition, error) {
	childRec := h.latest(child)

	var updated []model.EntityPartition
	for _, parent := range parents {
		if opts.IgnoredParents[parent.Entity] {
			continue
		}
		pRec := h.latest(parent)
		if pRec == nil {
			continue
		}
		if childRec == nil {
			updated = append(updated, parent)
			continue
		}
		if !pRec.Timestamp.After(childRec.Timestamp) {
			continue
		}
		if opts.RespectDataVersions {
			// the parent only counts as updated if the data the child last
			// saw actually changed
			prior := h.latestAsOf(parent, childRec.Timestamp)
			if prior != nil && prior.DataVersion != "" && prior.DataVersion == pRec.DataVersion {
				continue
			}
		}
		updated = append(updated, parent)
	}
	return updated, nil
}

func (h *MemoryHistory) OutdatedAncestors(ctx context.Context, ep model.EntityPartition) ([]model.EntityKey, error) {
	seen := make(map[model.EntityPartition]bool)
	roots, err := h.outdatedRoots(ctx, ep, seen)
	if err != nil {
		return nil, err
	}
	keys := make([]model.EntityKey, 0, len(roots))
	for k := range roots {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// outdatedRoots walks upstream collecting the nearest ancestors whose newer
// data ep has not incorporated. An ancestor that is itself outdated is
// replaced by its own root causes.
func (h *MemoryHistory) outdatedRoots(ctx context.Context, ep model.EntityPartition, seen map[model.EntityPartition]bool) (map[model.EntityKey]bool, error) {
	roots := make(map[model.EntityKey]bool)
	if h.graph == nil || seen[ep] {
		return roots, nil
	}
	seen[ep] = true

	res, err := h.graph.ParentPartitions(ctx, ep, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	childRec := h.latest(ep)
	for _, parent := range res.Parents {
		if h.graph.HasIgnorableParentMapping(ep.Entity, parent.Entity) {
			continue
		}
		parentRoots, err := h.outdatedRoots(ctx, parent, seen)
		if err != nil {
			return nil, err
		}
		for k := range parentRoots {
			roots[k] = true
		}
		pRec := h.latest(parent)
		stale := pRec != nil && (childRec == nil || pRec.Timestamp.After(childRec.Timestamp))
		if stale && len(parentRoots) == 0 {
			roots[parent.Entity] = true
		}
	}
	return roots, nil
}

func (h *MemoryHistory) ActiveBackfillTargets(_ context.Context) (GraphSubset, error) {
	return h.backfills, nil
}

// MemoryRuns is an in-memory Runs implementation over a run-id -> tags map.
type MemoryRuns struct {
	tags map[string]map[string]string
}

// NewMemoryRuns builds a run store from run-id -> tags.
func NewMemoryRuns(tags map[string]map[string]string) *MemoryRuns {
	if tags == nil {
		tags = make(map[string]map[string]string)
	}
	return &MemoryRuns{tags: tags}
}

func (r *MemoryRuns) RunIDsWithTags(_ context.Context, runIDs []string, required map[string]string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range runIDs {
		runTags, ok := r.tags[id]
		if !ok {
			continue
		}
		matched := true
		for k, v := range required {
			if runTags[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out[id] = true
		}
	}
	return out, nil
}
