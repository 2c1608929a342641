package rules

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/pkg/model"
)

const (
	waitingOnEntitiesTag = "waiting_on_entities"
	parentUpdatedTag     = "parent_updated"
)

func init() {
	evaluation.RegisterDataType(waitingOnEntitiesTag, func(raw json.RawMessage) (evaluation.EvaluationData, error) {
		var d WaitingOnEntitiesData
		return d, json.Unmarshal(raw, &d)
	})
	evaluation.RegisterDataType(parentUpdatedTag, func(raw json.RawMessage) (evaluation.EvaluationData, error) {
		var d ParentUpdatedData
		return d, json.Unmarshal(raw, &d)
	})
}

func sortedKeys(set map[model.EntityKey]bool) []model.EntityKey {
	keys := make([]model.EntityKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func joinKeys(keys []model.EntityKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// WaitingOnEntitiesData explains a skip: the candidate is waiting on the
// listed upstream entities.
type WaitingOnEntitiesData struct {
	WaitingOn []model.EntityKey `json:"waiting_on"`
}

// NewWaitingOnEntitiesData builds a payload from a set of entity keys.
func NewWaitingOnEntitiesData(set map[model.EntityKey]bool) WaitingOnEntitiesData {
	return WaitingOnEntitiesData{WaitingOn: sortedKeys(set)}
}

func (d WaitingOnEntitiesData) DataType() string { return waitingOnEntitiesTag }

func (d WaitingOnEntitiesData) Fingerprint() string {
	return waitingOnEntitiesTag + ":" + joinKeys(d.WaitingOn)
}

// ParentUpdatedData explains a materialization: which parent entities have
// concretely updated since the child's last materialization, and which will
// update later in this same tick.
type ParentUpdatedData struct {
	Updated    []model.EntityKey `json:"updated,omitempty"`
	WillUpdate []model.EntityKey `json:"will_update,omitempty"`
}

// NewParentUpdatedData builds a payload from updated / will-update key sets.
func NewParentUpdatedData(updated, willUpdate map[model.EntityKey]bool) ParentUpdatedData {
	return ParentUpdatedData{Updated: sortedKeys(updated), WillUpdate: sortedKeys(willUpdate)}
}

func (d ParentUpdatedData) DataType() string { return parentUpdatedTag }

func (d ParentUpdatedData) Fingerprint() string {
	return parentUpdatedTag + ":" + joinKeys(d.Updated) + ";" + joinKeys(d.WillUpdate)
}
