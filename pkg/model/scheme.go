package model

import "time"

// PartitionScheme describes the partition space of one entity at a point in
// time. Schemes may change shape between ticks; subset operations re-validate
// against the current scheme and silently drop partitions that no longer
// exist. A nil scheme means the entity is unpartitioned.
type PartitionScheme interface {
	// Exists reports whether key is a live partition as of now.
	Exists(key PartitionKey, now time.Time) bool

	// Keys enumerates every live partition key as of now, in stable order.
	Keys(now time.Time) []PartitionKey

	// LastKey returns the most recent partition key as of now, if any.
	LastKey(now time.Time) (PartitionKey, bool)
}
