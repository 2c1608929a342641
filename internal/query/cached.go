package query

import (
	"context"
	"time"

	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// CachedHistory memoizes repeated history lookups for the duration of one
// tick. Collaborator answers are treated as stable within a tick, so caching
// is safe; a fresh CachedHistory must be created per tick. Not safe for
// concurrent use.
type CachedHistory struct {
	inner History

	latest    map[model.EntityPartition]*model.MaterializationRecord
	has       map[model.EntityPartition]bool
	matAll    map[model.EntityKey]subset.Subset
	matSince  map[sinceKey]subset.Subset
	outdated  map[model.EntityPartition][]model.EntityKey
	backfills GraphSubset
	haveBF    bool
}

type sinceKey struct {
	entity model.EntityKey
	after  time.Time
}

// NewCachedHistory wraps inner with per-tick memoization.
func NewCachedHistory(inner History) *CachedHistory {
	return &CachedHistory{
		inner:    inner,
		latest:   make(map[model.EntityPartition]*model.MaterializationRecord),
		has:      make(map[model.EntityPartition]bool),
		matAll:   make(map[model.EntityKey]subset.Subset),
		matSince: make(map[sinceKey]subset.Subset),
		outdated: make(map[model.EntityPartition][]model.EntityKey),
	}
}

func (c *CachedHistory) LatestRecord(ctx context.Context, ep model.EntityPartition) (*model.MaterializationRecord, error) {
	if rec, ok := c.latest[ep]; ok {
		return rec, nil
	}
	rec, err := c.inner.LatestRecord(ctx, ep)
	if err != nil {
		return nil, err
	}
	c.latest[ep] = rec
	return rec, nil
}

func (c *CachedHistory) HasRecord(ctx context.Context, ep model.EntityPartition) (bool, error) {
	if ok, hit := c.has[ep]; hit {
		return ok, nil
	}
	ok, err := c.inner.HasRecord(ctx, ep)
	if err != nil {
		return false, err
	}
	c.has[ep] = ok
	return ok, nil
}

func (c *CachedHistory) MaterializedSubset(ctx context.Context, entity model.EntityKey) (subset.Subset, error) {
	if s, ok := c.matAll[entity]; ok {
		return s, nil
	}
	s, err := c.inner.MaterializedSubset(ctx, entity)
	if err != nil {
		return subset.Empty(entity), err
	}
	c.matAll[entity] = s
	return s, nil
}

func (c *CachedHistory) MaterializedSince(ctx context.Context, entity model.EntityKey, after time.Time) (subset.Subset, error) {
	k := sinceKey{entity: entity, after: after}
	if s, ok := c.matSince[k]; ok {
		return s, nil
	}
	s, err := c.inner.MaterializedSince(ctx, entity, after)
	if err != nil {
		return subset.Empty(entity), err
	}
	c.matSince[k] = s
	return s, nil
}

// ParentsUpdatedAfterChild is passed through uncached: its arguments do not
// form a practical cache key, and callers already bound its cost with the
// precision threshold.
func (c *CachedHistory) ParentsUpdatedAfterChild(ctx context.Context, child model.EntityPartition, parents []model.EntityPartition, opts UpdatedOptions) ([]model.EntityPartition, error) {
	return c.inner.ParentsUpdatedAfterChild(ctx, child, parents, opts)
}

func (c *CachedHistory) OutdatedAncestors(ctx context.Context, ep model.EntityPartition) ([]model.EntityKey, error) {
	if keys, ok := c.outdated[ep]; ok {
		return keys, nil
	}
	keys, err := c.inner.OutdatedAncestors(ctx, ep)
	if err != nil {
		return nil, err
	}
	c.outdated[ep] = keys
	return keys, nil
}

func (c *CachedHistory) ActiveBackfillTargets(ctx context.Context) (GraphSubset, error) {
	if c.haveBF {
		return c.backfills, nil
	}
	bf, err := c.inner.ActiveBackfillTargets(ctx)
	if err != nil {
		return nil, err
	}
	c.backfills = bf
	c.haveBF = true
	return bf, nil
}
