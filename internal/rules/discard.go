package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

const maxMaterializationsTag = "discard_on_max_materializations_exceeded"

func init() {
	register(maxMaterializationsTag, func(raw json.RawMessage) (Rule, error) {
		var r DiscardOnMaxMaterializationsExceededRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// DiscardOnMaxMaterializationsExceededRule enforces a per-tick rate cap:
// candidates are totally ordered (topological position, then partition key)
// and everything beyond Limit is discarded.
type DiscardOnMaxMaterializationsExceededRule struct {
	Limit int `json:"limit"`
}

func (DiscardOnMaxMaterializationsExceededRule) DecisionType() model.DecisionType {
	return model.DecisionDiscard
}

func (r DiscardOnMaxMaterializationsExceededRule) Description() string {
	return fmt.Sprintf("exceeds %d materialization(s) per tick", r.Limit)
}

func (DiscardOnMaxMaterializationsExceededRule) TypeTag() string { return maxMaterializationsTag }

func (r DiscardOnMaxMaterializationsExceededRule) Equal(other Rule) bool {
	o, ok := other.(DiscardOnMaxMaterializationsExceededRule)
	return ok && r == o
}

func (r DiscardOnMaxMaterializationsExceededRule) Evaluate(_ context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	eps := ec.Candidates().EntityPartitions()
	if len(eps) <= r.Limit {
		return evaluation.Result{TrueSubset: ec.EmptySubset()}, nil
	}

	// SortKey formats a string, so compute it once per candidate rather than
	// on every comparison
	type ranked struct {
		key string
		ep  model.EntityPartition
	}
	order := make([]ranked, len(eps))
	for i, ep := range eps {
		order[i] = ranked{key: ec.SortKey(ep), ep: ep}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].key < order[j].key })

	keys := make([]model.PartitionKey, 0, len(order)-r.Limit)
	for _, o := range order[r.Limit:] {
		keys = append(keys, o.ep.Partition)
	}
	return evaluation.Result{TrueSubset: subset.New(ec.Entity(), keys...)}, nil
}
