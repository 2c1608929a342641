// Package rules implements the closed set of scheduling decision rules:
// materialize rules nominate partitions, skip rules hold them back with a
// reason, and discard rules enforce per-tick limits. The variant set is
// closed and exhaustively registered; dispatch happens through the Rule
// interface plus the serialization registry, not open subclassing.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/pkg/model"
)

// AutoMaterializeTag is stamped on every run this daemon launches.
const AutoMaterializeTag = "matsched/auto_materialize"

// Rule is one decision unit. Implementations are immutable values
// constructed once at definition time; many ticks evaluate the same instance.
type Rule interface {
	// DecisionType is the rule's fixed decision kind.
	DecisionType() model.DecisionType

	// Description completes the sentence "indicates an entity should be
	// materialized/skipped/discarded when ...".
	Description() string

	// TypeTag is the stable registry tag used for serialization.
	TypeTag() string

	// Evaluate computes the subset this rule's decision applies to for the
	// current tick.
	Evaluate(ctx context.Context, ec *evaluation.Context) (evaluation.Result, error)

	// Equal reports value equality. Two rules of different variants are
	// never equal, even with coincidentally equal configuration.
	Equal(other Rule) bool
}

// Snapshot returns the stable serializable identity of r, used to key
// historical evaluation records.
func Snapshot(r Rule) model.RuleSnapshot {
	return model.RuleSnapshot{
		RuleType:     r.TypeTag(),
		Description:  r.Description(),
		DecisionType: r.DecisionType(),
	}
}

// envelope is the wire form of a rule: a string type tag, the decision type
// (so unknown variants keep their kind), and variant-specific configuration.
type envelope struct {
	Type         string             `json:"type"`
	DecisionType model.DecisionType `json:"decision_type"`
	Config       json.RawMessage    `json:"config,omitempty"`
}

// registry is the explicit whitelist of rule variants. Adding a variant
// means adding an entry here via register; nothing is discovered by
// reflection.
var registry = map[string]func(json.RawMessage) (Rule, error){}

func register(tag string, decode func(json.RawMessage) (Rule, error)) {
	if _, dup := registry[tag]; dup {
		panic(fmt.Sprintf("rules: type tag %q registered twice", tag))
	}
	registry[tag] = decode
}

// Encode serializes r to its stable wire form.
func Encode(r Rule) ([]byte, error) {
	cfg, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal rule %q: %w", r.TypeTag(), err)
	}
	return json.Marshal(envelope{Type: r.TypeTag(), DecisionType: r.DecisionType(), Config: cfg})
}

// Decode deserializes a rule from its wire form. An unknown type tag is not
// an error: it decodes to an UnknownRule placeholder so records written by
// newer code remain readable.
func Decode(b []byte) (Rule, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode rule envelope: %w", err)
	}
	decode, ok := registry[env.Type]
	if !ok {
		decision := env.DecisionType
		if !decision.Valid() {
			decision = model.DecisionSkip
		}
		return UnknownRule{Tag: env.Type, Decision: decision, Raw: env.Config}, nil
	}
	r, err := decode(env.Config)
	if err != nil {
		return nil, fmt.Errorf("decode rule %q: %w", env.Type, err)
	}
	return r, nil
}

// UnknownRule stands in for a rule variant this build does not know about.
// It never selects any partition.
type UnknownRule struct {
	Tag      string
	Decision model.DecisionType
	Raw      json.RawMessage
}

func (r UnknownRule) DecisionType() model.DecisionType { return r.Decision }
func (r UnknownRule) Description() string              { return fmt.Sprintf("unknown rule %q", r.Tag) }
func (r UnknownRule) TypeTag() string                  { return r.Tag }

func (r UnknownRule) Evaluate(_ context.Context, ec *evaluation.Context) (evaluation.Result, error) {
	return evaluation.Result{TrueSubset: ec.EmptySubset()}, nil
}

func (r UnknownRule) Equal(other Rule) bool {
	o, ok := other.(UnknownRule)
	return ok && r.Tag == o.Tag && r.Decision == o.Decision && string(r.Raw) == string(o.Raw)
}
