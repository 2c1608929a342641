package model

// EntityKey identifies a node ("asset") in the dependency graph.
type EntityKey string

// PartitionKey identifies one partition within an entity's domain.
// The empty string is the implicit partition of an unpartitioned entity.
type PartitionKey string

// EntityPartition is the atomic unit every subset and decision is made over:
// one entity key plus an optional partition key.
type EntityPartition struct {
	Entity    EntityKey    `json:"entity"`
	Partition PartitionKey `json:"partition,omitempty"`
}

// String renders "entity" or "entity[partition]".
func (ep EntityPartition) String() string {
	if ep.Partition == "" {
		return string(ep.Entity)
	}
	return string(ep.Entity) + "[" + string(ep.Partition) + "]"
}
