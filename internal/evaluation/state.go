package evaluation

import (
	"encoding/json"
	"time"

	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// StateVersion is the current serialization version of TickState.
const StateVersion = 1

// RuleRecord is one rule's persisted evaluation for one entity on one tick.
// Records are keyed by rule snapshot so they stay resolvable across code
// changes.
type RuleRecord struct {
	Snapshot   model.RuleSnapshot `json:"snapshot"`
	Candidates subset.Subset      `json:"candidates"`
	TrueSubset subset.Subset      `json:"true_subset"`
	EvalData   []DataSubset       `json:"eval_data,omitempty"`
	// ExtraState is rule-private opaque state carried into the rule's own
	// next-tick evaluation.
	ExtraState json.RawMessage `json:"extra_state,omitempty"`
}

// TickState is everything one tick persists for the next. It is created at
// the end of every tick, read at the start of the next, and replaced
// wholesale, never mutated in place.
type TickState struct {
	Version   int       `json:"version"`
	TickID    string    `json:"tick_id"`
	Timestamp time.Time `json:"timestamp"`

	Requested map[model.EntityKey]subset.Subset `json:"requested,omitempty"`
	Discarded map[model.EntityKey]subset.Subset `json:"discarded,omitempty"`
	Rules     map[model.EntityKey][]RuleRecord  `json:"rules,omitempty"`
}

// NewTickState returns an empty state for the tick that ran at ts.
func NewTickState(tickID string, ts time.Time) *TickState {
	return &TickState{
		Version:   StateVersion,
		TickID:    tickID,
		Timestamp: ts,
		Requested: make(map[model.EntityKey]subset.Subset),
		Discarded: make(map[model.EntityKey]subset.Subset),
		Rules:     make(map[model.EntityKey][]RuleRecord),
	}
}

// RequestedFor returns the subset requested for entity on this tick.
func (s *TickState) RequestedFor(entity model.EntityKey) subset.Subset {
	if s == nil {
		return subset.Empty(entity)
	}
	if sub, ok := s.Requested[entity]; ok {
		return sub
	}
	return subset.Empty(entity)
}

// DiscardedFor returns the subset discarded for entity on this tick.
func (s *TickState) DiscardedFor(entity model.EntityKey) subset.Subset {
	if s == nil {
		return subset.Empty(entity)
	}
	if sub, ok := s.Discarded[entity]; ok {
		return sub
	}
	return subset.Empty(entity)
}

// RuleRecordFor returns entity's record for the rule identified by snapshot,
// or nil if the rule was not evaluated on this tick.
func (s *TickState) RuleRecordFor(entity model.EntityKey, snapshot model.RuleSnapshot) *RuleRecord {
	if s == nil {
		return nil
	}
	for i := range s.Rules[entity] {
		if s.Rules[entity][i].Snapshot == snapshot {
			return &s.Rules[entity][i]
		}
	}
	return nil
}
