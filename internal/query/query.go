// Package query defines the read-only collaborator interfaces the decision
// core consumes: the dependency graph, the materialization history store, and
// the run store. All methods are synchronous, read-only, and idempotent
// within a tick.
package query

import (
	"context"
	"time"

	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// ParentPartitionsResult is the resolved upstream of one entity partition.
type ParentPartitionsResult struct {
	// Parents are the upstream entity partitions that exist under the
	// current partition mappings.
	Parents []model.EntityPartition
	// RequiredButNonexistent are upstream partitions the mapping requires
	// but which do not exist in the parent's current scheme.
	RequiredButNonexistent []model.EntityPartition
}

// Graph answers structural questions about the dependency graph.
type Graph interface {
	// Entities lists every entity key in the graph.
	Entities() []model.EntityKey

	// Parents returns the parent entity keys of entity.
	Parents(entity model.EntityKey) []model.EntityKey

	// Scheme returns the entity's current partition scheme, or nil if the
	// entity is unpartitioned.
	Scheme(entity model.EntityKey) model.PartitionScheme

	// ParentPartitions resolves the upstream partitions of child under the
	// current partition mappings as of now.
	ParentPartitions(ctx context.Context, child model.EntityPartition, now time.Time) (ParentPartitionsResult, error)

	// IsSource reports whether entity is a source (nothing materializes it).
	IsSource(entity model.EntityKey) bool

	// IsObservable reports whether a source entity can be observed.
	IsObservable(entity model.EntityKey) bool

	// IsRootMaterializableOrObservable reports whether entity is a root of
	// the materializable/observable graph.
	IsRootMaterializableOrObservable(entity model.EntityKey) bool

	// HasIgnorableParentMapping reports whether the child->parent
	// relationship is exempt from outdated-ancestor checks.
	HasIgnorableParentMapping(child, parent model.EntityKey) bool
}

// UpdatedOptions tunes the parent-updated-after-child comparison.
type UpdatedOptions struct {
	// RespectDataVersions enables the precise data-version-aware comparison
	// instead of the timestamp-only one.
	RespectDataVersions bool
	// IgnoredParents are parent entities excluded from the comparison.
	IgnoredParents map[model.EntityKey]bool
}

// History answers questions about materialization/observation records and
// active backfills.
type History interface {
	// LatestRecord returns the latest materialization or observation record
	// for the entity partition, or nil if none exists.
	LatestRecord(ctx context.Context, ep model.EntityPartition) (*model.MaterializationRecord, error)

	// HasRecord reports whether any materialization or observation record
	// exists for the entity partition.
	HasRecord(ctx context.Context, ep model.EntityPartition) (bool, error)

	// MaterializedSubset returns the subset of entity materialized as of now.
	MaterializedSubset(ctx context.Context, entity model.EntityKey) (subset.Subset, error)

	// MaterializedSince returns the subset of entity materialized or
	// observed strictly after the given time.
	MaterializedSince(ctx context.Context, entity model.EntityKey, after time.Time) (subset.Subset, error)

	// ParentsUpdatedAfterChild returns the members of parents updated more
	// recently than child's last materialization.
	ParentsUpdatedAfterChild(ctx context.Context, child model.EntityPartition, parents []model.EntityPartition, opts UpdatedOptions) ([]model.EntityPartition, error)

	// OutdatedAncestors returns the root-cause ancestors whose data the
	// entity partition has not yet incorporated.
	OutdatedAncestors(ctx context.Context, ep model.EntityPartition) ([]model.EntityKey, error)

	// ActiveBackfillTargets returns the graph-wide subset currently targeted
	// by in-progress backfills.
	ActiveBackfillTargets(ctx context.Context) (GraphSubset, error)
}

// Runs resolves run metadata.
type Runs interface {
	// RunIDsWithTags returns which of runIDs carry every given tag value.
	RunIDsWithTags(ctx context.Context, runIDs []string, tags map[string]string) (map[string]bool, error)
}

// GraphSubset is a per-entity collection of subsets spanning the whole graph.
type GraphSubset map[model.EntityKey]subset.Subset

// Get returns the subset for entity, or its empty subset when untargeted.
func (g GraphSubset) Get(entity model.EntityKey) subset.Subset {
	if s, ok := g[entity]; ok {
		return s
	}
	return subset.Empty(entity)
}
