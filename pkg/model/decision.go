package model

// DecisionType classifies what a rule's true subset means for the partitions
// it covers.
type DecisionType string

const (
	// DecisionMaterialize nominates partitions for (re)computation.
	DecisionMaterialize DecisionType = "MATERIALIZE"
	// DecisionSkip holds nominated partitions back with a reason.
	DecisionSkip DecisionType = "SKIP"
	// DecisionDiscard drops nominated partitions under a rate limit.
	DecisionDiscard DecisionType = "DISCARD"
)

// Valid reports whether d is one of the three known decision types.
func (d DecisionType) Valid() bool {
	switch d {
	case DecisionMaterialize, DecisionSkip, DecisionDiscard:
		return true
	}
	return false
}
