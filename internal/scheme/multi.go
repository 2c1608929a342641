package scheme

import (
	"slices"
	"strings"
	"time"

	"github.com/me/matsched/pkg/model"
)

// MultiDelimiter joins the two dimensions of a Multi partition key.
const MultiDelimiter = "|"

// Multi combines a time-window dimension with a static secondary dimension.
// A key is "<timeKey>|<secondaryKey>".
type Multi struct {
	Time      *TimeWindow
	Secondary []model.PartitionKey
}

// NewMulti builds a two-dimensional scheme from a time window and the
// secondary dimension's keys.
func NewMulti(tw *TimeWindow, secondary ...model.PartitionKey) *Multi {
	sec := slices.Clone(secondary)
	slices.Sort(sec)
	return &Multi{Time: tw, Secondary: slices.Compact(sec)}
}

func splitKey(key model.PartitionKey) (timeKey, secKey model.PartitionKey, ok bool) {
	t, s, found := strings.Cut(string(key), MultiDelimiter)
	if !found {
		return "", "", false
	}
	return model.PartitionKey(t), model.PartitionKey(s), true
}

func joinKey(timeKey, secKey model.PartitionKey) model.PartitionKey {
	return timeKey + MultiDelimiter + secKey
}

func (m *Multi) Exists(key model.PartitionKey, now time.Time) bool {
	timeKey, secKey, ok := splitKey(key)
	if !ok {
		return false
	}
	if !m.Time.Exists(timeKey, now) {
		return false
	}
	_, ok = slices.BinarySearch(m.Secondary, secKey)
	return ok
}

func (m *Multi) Keys(now time.Time) []model.PartitionKey {
	timeKeys := m.Time.Keys(now)
	keys := make([]model.PartitionKey, 0, len(timeKeys)*len(m.Secondary))
	for _, tk := range timeKeys {
		for _, sk := range m.Secondary {
			keys = append(keys, joinKey(tk, sk))
		}
	}
	slices.Sort(keys)
	return keys
}

func (m *Multi) LastKey(now time.Time) (model.PartitionKey, bool) {
	tk, ok := m.Time.LastKey(now)
	if !ok || len(m.Secondary) == 0 {
		return "", false
	}
	return joinKey(tk, m.Secondary[len(m.Secondary)-1]), true
}

// KeysWithTimeKey expands one time-dimension key to every multi-dimensional
// key sharing that time window.
func (m *Multi) KeysWithTimeKey(timeKey model.PartitionKey) []model.PartitionKey {
	keys := make([]model.PartitionKey, 0, len(m.Secondary))
	for _, sk := range m.Secondary {
		keys = append(keys, joinKey(timeKey, sk))
	}
	return keys
}
