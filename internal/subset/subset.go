// Package subset implements the immutable per-entity partition subset and its
// set algebra. Operations run in linear time over the sorted key slices.
package subset

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/me/matsched/pkg/model"
)

// Subset is an immutable set of partition keys belonging to one entity. The
// zero value is not valid; construct with New, Empty, or FromEntityPartitions.
// All operations return new values. Combining subsets of different entities is
// a programming error and panics.
type Subset struct {
	entity model.EntityKey
	keys   []model.PartitionKey // sorted, deduplicated
}

// New builds a subset of entity from the given keys. Keys are copied, sorted,
// and deduplicated. For an unpartitioned entity, pass the single empty key.
func New(entity model.EntityKey, keys ...model.PartitionKey) Subset {
	ks := slices.Clone(keys)
	slices.Sort(ks)
	ks = slices.Compact(ks)
	return Subset{entity: entity, keys: ks}
}

// Empty returns the empty subset of entity.
func Empty(entity model.EntityKey) Subset {
	return Subset{entity: entity}
}

// Unpartitioned returns the full subset of an unpartitioned entity: the
// single implicit partition.
func Unpartitioned(entity model.EntityKey) Subset {
	return New(entity, "")
}

// FromEntityPartitions builds a subset of entity from entity-partition pairs,
// rejecting pairs that belong to a different entity.
func FromEntityPartitions(entity model.EntityKey, eps []model.EntityPartition) (Subset, error) {
	keys := make([]model.PartitionKey, 0, len(eps))
	for _, ep := range eps {
		if ep.Entity != entity {
			return Subset{}, fmt.Errorf("entity partition %s does not belong to %s", ep, entity)
		}
		keys = append(keys, ep.Partition)
	}
	return New(entity, keys...), nil
}

// Entity returns the owning entity key.
func (s Subset) Entity() model.EntityKey { return s.entity }

// Size returns the number of partitions in the subset.
func (s Subset) Size() int { return len(s.keys) }

// IsEmpty reports whether the subset contains no partitions.
func (s Subset) IsEmpty() bool { return len(s.keys) == 0 }

// Contains reports whether key is in the subset.
func (s Subset) Contains(key model.PartitionKey) bool {
	_, ok := slices.BinarySearch(s.keys, key)
	return ok
}

// Keys returns the contained partition keys in sorted order.
func (s Subset) Keys() []model.PartitionKey {
	return slices.Clone(s.keys)
}

// EntityPartitions enumerates the contained entity-partition pairs in sorted
// key order.
func (s Subset) EntityPartitions() []model.EntityPartition {
	eps := make([]model.EntityPartition, len(s.keys))
	for i, k := range s.keys {
		eps[i] = model.EntityPartition{Entity: s.entity, Partition: k}
	}
	return eps
}

func (s Subset) mustMatch(o Subset) {
	if s.entity != o.entity {
		panic(fmt.Sprintf("subset: cannot combine subsets of %q and %q", s.entity, o.entity))
	}
}

// Union returns the set union of s and o.
func (s Subset) Union(o Subset) Subset {
	s.mustMatch(o)
	out := make([]model.PartitionKey, 0, len(s.keys)+len(o.keys))
	i, j := 0, 0
	for i < len(s.keys) && j < len(o.keys) {
		switch {
		case s.keys[i] < o.keys[j]:
			out = append(out, s.keys[i])
			i++
		case s.keys[i] > o.keys[j]:
			out = append(out, o.keys[j])
			j++
		default:
			out = append(out, s.keys[i])
			i++
			j++
		}
	}
	out = append(out, s.keys[i:]...)
	out = append(out, o.keys[j:]...)
	return Subset{entity: s.entity, keys: out}
}

// Intersect returns the set intersection of s and o.
func (s Subset) Intersect(o Subset) Subset {
	s.mustMatch(o)
	var out []model.PartitionKey
	i, j := 0, 0
	for i < len(s.keys) && j < len(o.keys) {
		switch {
		case s.keys[i] < o.keys[j]:
			i++
		case s.keys[i] > o.keys[j]:
			j++
		default:
			out = append(out, s.keys[i])
			i++
			j++
		}
	}
	return Subset{entity: s.entity, keys: out}
}

// Difference returns the members of s not present in o.
func (s Subset) Difference(o Subset) Subset {
	s.mustMatch(o)
	var out []model.PartitionKey
	i, j := 0, 0
	for i < len(s.keys) {
		switch {
		case j >= len(o.keys) || s.keys[i] < o.keys[j]:
			out = append(out, s.keys[i])
			i++
		case s.keys[i] > o.keys[j]:
			j++
		default:
			i++
			j++
		}
	}
	return Subset{entity: s.entity, keys: out}
}

// AsValid re-derives the subset against the current partition scheme,
// dropping partitions that no longer exist. Scheme drift between ticks is
// expected, not an error. A nil scheme means the entity is unpartitioned and
// only the implicit empty key survives.
func (s Subset) AsValid(scheme model.PartitionScheme, now time.Time) Subset {
	var out []model.PartitionKey
	for _, k := range s.keys {
		if scheme == nil {
			if k == "" {
				out = append(out, k)
			}
			continue
		}
		if scheme.Exists(k, now) {
			out = append(out, k)
		}
	}
	return Subset{entity: s.entity, keys: out}
}

// Inverse returns the complement of s within the full current partition
// space. Dynamically discovered schemes resolve their live key set inside
// Keys.
func (s Subset) Inverse(scheme model.PartitionScheme, now time.Time) Subset {
	if scheme == nil {
		if s.Contains("") {
			return Empty(s.entity)
		}
		return Unpartitioned(s.entity)
	}
	all := scheme.Keys(now)
	var out []model.PartitionKey
	for _, k := range all {
		if !s.Contains(k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return Subset{entity: s.entity, keys: slices.Compact(out)}
}

// serialized is the wire form of a Subset.
type serialized struct {
	Entity model.EntityKey      `json:"entity"`
	Keys   []model.PartitionKey `json:"keys"`
}

// MarshalJSON implements json.Marshaler.
func (s Subset) MarshalJSON() ([]byte, error) {
	return json.Marshal(serialized{Entity: s.entity, Keys: s.keys})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Subset) UnmarshalJSON(data []byte) error {
	var raw serialized
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = New(raw.Entity, raw.Keys...)
	return nil
}
