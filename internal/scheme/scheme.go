// Package scheme provides the partition scheme implementations consumed by
// the decision core: explicit key lists, dynamically discovered key sets,
// time-window ranges, and two-dimensional combinations of a time window with
// a secondary dimension.
package scheme

import (
	"slices"
	"time"

	"github.com/me/matsched/pkg/model"
)

// Static is a fixed, explicitly enumerated partition scheme.
type Static struct {
	keys []model.PartitionKey // sorted
}

// NewStatic builds a static scheme from the given keys.
func NewStatic(keys ...model.PartitionKey) *Static {
	ks := slices.Clone(keys)
	slices.Sort(ks)
	return &Static{keys: slices.Compact(ks)}
}

func (s *Static) Exists(key model.PartitionKey, _ time.Time) bool {
	_, ok := slices.BinarySearch(s.keys, key)
	return ok
}

func (s *Static) Keys(_ time.Time) []model.PartitionKey {
	return slices.Clone(s.keys)
}

func (s *Static) LastKey(_ time.Time) (model.PartitionKey, bool) {
	if len(s.keys) == 0 {
		return "", false
	}
	return s.keys[len(s.keys)-1], true
}

// Dynamic resolves its key set live on every call, for partition sets that
// are discovered at runtime rather than declared up front.
type Dynamic struct {
	// Fetch returns the currently known partition keys. Called on every
	// scheme operation; implementations should be cheap or cache upstream.
	Fetch func() []model.PartitionKey
}

func (d *Dynamic) snapshot() []model.PartitionKey {
	ks := slices.Clone(d.Fetch())
	slices.Sort(ks)
	return slices.Compact(ks)
}

func (d *Dynamic) Exists(key model.PartitionKey, _ time.Time) bool {
	return slices.Contains(d.Fetch(), key)
}

func (d *Dynamic) Keys(_ time.Time) []model.PartitionKey {
	return d.snapshot()
}

func (d *Dynamic) LastKey(_ time.Time) (model.PartitionKey, bool) {
	ks := d.snapshot()
	if len(ks) == 0 {
		return "", false
	}
	return ks[len(ks)-1], true
}
