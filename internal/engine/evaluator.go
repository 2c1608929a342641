// Package engine drives the per-tick evaluation: entities in dependency
// order, and within each entity materialize rules, then skip rules, then
// discard rules, each stage narrowing the next stage's candidates.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/rules"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// Policies assigns each entity its rule set. Entities without rules are not
// evaluated.
type Policies map[model.EntityKey][]rules.Rule

// WithDefaultCap returns a copy of p where every policy that carries no
// discard rule of its own gets the per-tick materialization cap appended.
// limit <= 0 returns p unchanged.
func (p Policies) WithDefaultCap(limit int) Policies {
	if limit <= 0 {
		return p
	}
	out := make(Policies, len(p))
	for entity, entityRules := range p {
		capped := false
		for _, r := range entityRules {
			if r.DecisionType() == model.DecisionDiscard {
				capped = true
				break
			}
		}
		if capped {
			out[entity] = entityRules
			continue
		}
		withCap := make([]rules.Rule, len(entityRules), len(entityRules)+1)
		copy(withCap, entityRules)
		out[entity] = append(withCap, rules.DiscardOnMaxMaterializationsExceededRule{Limit: limit})
	}
	return out
}

// ReasonedSubset carries a held-back subset together with the rule that held
// it back and the rule's explanatory payloads.
type ReasonedSubset struct {
	Snapshot model.RuleSnapshot
	Subset   subset.Subset
	EvalData []evaluation.DataSubset
}

// EntityDecision is one entity's outcome for a tick.
type EntityDecision struct {
	Entity     model.EntityKey
	Candidates subset.Subset // union of the materialize rules' true subsets
	Requested  subset.Subset // candidates minus skipped minus discarded
	Skipped    []ReasonedSubset
	Discarded  []ReasonedSubset
}

// TickResult is the complete outcome of one tick: per-entity decisions plus
// the state to persist for the next tick. State is replaced wholesale; a
// failed tick produces no result and therefore persists nothing.
type TickResult struct {
	TickID    string
	Timestamp time.Time
	Decisions map[model.EntityKey]*EntityDecision
	State     *evaluation.TickState
}

// Options tunes evaluator behavior shared by all rules.
type Options struct {
	// RespectDataVersions enables data-version-aware parent comparisons
	// where affordable.
	RespectDataVersions bool
	// RunTags are stamped on runs this daemon launches, consulted by
	// run-tag filters.
	RunTags map[string]string
	// Freshness is the delegated freshness-policy evaluator, nil to disable.
	Freshness evaluation.FreshnessEvaluator
}

// Evaluator computes tick decisions. It is a pure function of the
// collaborators' current state and the previous tick state, so re-running a
// tick after a crash is safe.
type Evaluator struct {
	graph   query.Graph
	history query.History
	runs    query.Runs
	opts    Options
	logger  *slog.Logger
}

// NewEvaluator builds an evaluator over the given collaborators.
func NewEvaluator(g query.Graph, h query.History, r query.Runs, opts Options, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		graph:   g,
		history: h,
		runs:    r,
		opts:    opts,
		logger:  logger.With("component", "engine"),
	}
}

// EvaluateTick runs one full evaluation pass as of now. Entities are visited
// in topological order so downstream rules can ask whether a parent will be
// materialized later in this same tick. Any entity failure aborts the tick.
func (e *Evaluator) EvaluateTick(ctx context.Context, policies Policies, previous *evaluation.TickState, now time.Time) (*TickResult, error) {
	order, err := topoOrder(e.graph)
	if err != nil {
		return nil, err
	}

	tickID := uuid.NewString()
	result := &TickResult{
		TickID:    tickID,
		Timestamp: now,
		Decisions: make(map[model.EntityKey]*EntityDecision),
		State:     evaluation.NewTickState(tickID, now),
	}

	// one cache per tick: collaborator answers are stable within a tick
	history := query.NewCachedHistory(e.history)

	depth := make(map[model.EntityKey]int, len(order))
	for i, entity := range order {
		depth[entity] = i
	}
	sortKey := func(ep model.EntityPartition) string {
		return fmt.Sprintf("%08d:%s:%s", depth[ep.Entity], ep.Entity, ep.Partition)
	}
	willUpdate := func(ep model.EntityPartition) bool {
		d, ok := result.Decisions[ep.Entity]
		return ok && d.Requested.Contains(ep.Partition)
	}

	for _, entity := range order {
		entityRules := policies[entity]
		if len(entityRules) == 0 {
			continue
		}
		decision, records, err := e.evaluateEntity(ctx, entity, entityRules, previous, now, history, willUpdate, sortKey)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", entity, err)
		}
		result.Decisions[entity] = decision
		result.State.Requested[entity] = decision.Requested
		result.State.Discarded[entity] = unionReasoned(entity, decision.Discarded)
		result.State.Rules[entity] = records

		e.logger.Debug("entity evaluated",
			"tick_id", tickID,
			"entity", entity,
			"candidates", decision.Candidates.Size(),
			"requested", decision.Requested.Size(),
			"skipped", len(decision.Skipped),
			"discarded", len(decision.Discarded))
	}

	return result, nil
}

func (e *Evaluator) evaluateEntity(
	ctx context.Context,
	entity model.EntityKey,
	entityRules []rules.Rule,
	previous *evaluation.TickState,
	now time.Time,
	history query.History,
	willUpdate func(model.EntityPartition) bool,
	sortKey func(model.EntityPartition) string,
) (*EntityDecision, []evaluation.RuleRecord, error) {
	sch := e.graph.Scheme(entity)
	all := subset.Unpartitioned(entity)
	if sch != nil {
		all = subset.New(entity, sch.Keys(now)...)
	}

	newContext := func(r rules.Rule, candidates subset.Subset) *evaluation.Context {
		return evaluation.NewContext(evaluation.Params{
			Entity:              entity,
			Scheme:              sch,
			Now:                 now,
			Candidates:          candidates,
			Previous:            previous,
			PreviousRule:        previous.RuleRecordFor(entity, rules.Snapshot(r)),
			Graph:               e.graph,
			History:             history,
			Runs:                e.runs,
			WillUpdate:          willUpdate,
			SortKey:             sortKey,
			RespectDataVersions: e.opts.RespectDataVersions,
			RunTags:             e.opts.RunTags,
			Freshness:           e.opts.Freshness,
			Logger:              e.logger.With("entity", entity),
		})
	}

	var records []evaluation.RuleRecord
	record := func(r rules.Rule, candidates subset.Subset, res evaluation.Result) {
		records = append(records, evaluation.RuleRecord{
			Snapshot:   rules.Snapshot(r),
			Candidates: candidates,
			TrueSubset: res.TrueSubset,
			EvalData:   res.EvalData,
			ExtraState: res.ExtraState,
		})
	}

	decision := &EntityDecision{Entity: entity}

	// stage 1: materialize rules build the candidate set
	candidates := subset.Empty(entity)
	for _, r := range entityRules {
		if r.DecisionType() != model.DecisionMaterialize {
			continue
		}
		res, err := r.Evaluate(ctx, newContext(r, all))
		if err != nil {
			return nil, nil, fmt.Errorf("rule %q: %w", r.TypeTag(), err)
		}
		record(r, all, res)
		candidates = candidates.Union(res.TrueSubset)
	}
	decision.Candidates = candidates

	// stage 2: skip rules prune the candidates
	skipped := subset.Empty(entity)
	for _, r := range entityRules {
		if r.DecisionType() != model.DecisionSkip {
			continue
		}
		res, err := r.Evaluate(ctx, newContext(r, candidates))
		if err != nil {
			return nil, nil, fmt.Errorf("rule %q: %w", r.TypeTag(), err)
		}
		record(r, candidates, res)
		applied := res.TrueSubset.Intersect(candidates)
		if !applied.IsEmpty() {
			decision.Skipped = append(decision.Skipped, ReasonedSubset{
				Snapshot: rules.Snapshot(r),
				Subset:   applied,
				EvalData: res.EvalData,
			})
			skipped = skipped.Union(applied)
		}
	}

	// stage 3: discard rules cap the survivors
	survivors := candidates.Difference(skipped)
	discarded := subset.Empty(entity)
	for _, r := range entityRules {
		if r.DecisionType() != model.DecisionDiscard {
			continue
		}
		res, err := r.Evaluate(ctx, newContext(r, survivors))
		if err != nil {
			return nil, nil, fmt.Errorf("rule %q: %w", r.TypeTag(), err)
		}
		record(r, survivors, res)
		applied := res.TrueSubset.Intersect(survivors)
		if !applied.IsEmpty() {
			decision.Discarded = append(decision.Discarded, ReasonedSubset{
				Snapshot: rules.Snapshot(r),
				Subset:   applied,
				EvalData: res.EvalData,
			})
			discarded = discarded.Union(applied)
		}
	}

	decision.Requested = survivors.Difference(discarded)
	return decision, records, nil
}

func unionReasoned(entity model.EntityKey, rs []ReasonedSubset) subset.Subset {
	out := subset.Empty(entity)
	for _, r := range rs {
		out = out.Union(r.Subset)
	}
	return out
}
