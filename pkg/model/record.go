package model

import "time"

// MaterializationRecord is the latest known materialization or observation of
// one entity partition, as reported by the history collaborator.
type MaterializationRecord struct {
	Target      EntityPartition `json:"target"`
	RunID       string          `json:"run_id"`
	Timestamp   time.Time       `json:"timestamp"`
	DataVersion string          `json:"data_version,omitempty"`
}
