package model

// RuleSnapshot is the stable, serializable identity of a rule. Historical
// evaluation records are keyed by snapshots rather than live rule values, so
// they stay readable after the rule set changes.
type RuleSnapshot struct {
	RuleType     string       `json:"rule_type"`
	Description  string       `json:"description"`
	DecisionType DecisionType `json:"decision_type"`
}
