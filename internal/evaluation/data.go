// Package evaluation holds the per-entity, per-tick evaluation context, the
// rule result bookkeeping, and the tick state carried between ticks.
package evaluation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// EvaluationData is a small immutable payload a rule attaches to part of its
// true subset, explaining the decision (e.g. "waiting on these upstreams").
// Payloads are carried into the next tick's accounting, so every
// implementation registers a decoder with RegisterDataType.
type EvaluationData interface {
	// DataType is the stable registry tag for serialization.
	DataType() string
	// Fingerprint is a canonical identity string; partitions explained by
	// payloads with equal fingerprints are grouped together.
	Fingerprint() string
}

// DataSubset pairs an evaluation-data payload with the sub-subset it
// explains.
type DataSubset struct {
	Data   EvaluationData
	Subset subset.Subset
}

type dataEnvelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Subset subset.Subset   `json:"subset"`
}

// MarshalJSON implements json.Marshaler using the data type registry.
func (d DataSubset) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation data %q: %w", d.Data.DataType(), err)
	}
	return json.Marshal(dataEnvelope{Type: d.Data.DataType(), Data: raw, Subset: d.Subset})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown type tags decode to an
// UnknownData placeholder rather than failing, so historical records written
// by newer code remain readable.
func (d *DataSubset) UnmarshalJSON(b []byte) error {
	var env dataEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	decode, ok := dataDecoders[env.Type]
	if !ok {
		d.Data = UnknownData{Tag: env.Type, Raw: env.Data}
		d.Subset = env.Subset
		return nil
	}
	data, err := decode(env.Data)
	if err != nil {
		return fmt.Errorf("decode evaluation data %q: %w", env.Type, err)
	}
	d.Data = data
	d.Subset = env.Subset
	return nil
}

// dataDecoders is the explicit whitelist of evaluation-data payload types.
// Adding a payload type means adding a registry entry.
var dataDecoders = map[string]func(json.RawMessage) (EvaluationData, error){}

// RegisterDataType registers a decoder for the given type tag. It panics on
// duplicate registration, which indicates a wiring bug.
func RegisterDataType(tag string, decode func(json.RawMessage) (EvaluationData, error)) {
	if _, dup := dataDecoders[tag]; dup {
		panic(fmt.Sprintf("evaluation: data type %q registered twice", tag))
	}
	dataDecoders[tag] = decode
}

// UnknownData is the placeholder for an evaluation-data payload whose type
// tag is not in the registry.
type UnknownData struct {
	Tag string
	Raw json.RawMessage
}

func (u UnknownData) DataType() string    { return u.Tag }
func (u UnknownData) Fingerprint() string { return u.Tag + ":" + string(u.Raw) }

// Groups accumulates (evaluation data -> partition keys) pairs during one
// rule evaluation, grouping by payload fingerprint.
type Groups struct {
	entity model.EntityKey
	byFP   map[string]*group
}

type group struct {
	data EvaluationData
	keys []model.PartitionKey
}

// NewGroups returns an empty accumulator for entity.
func NewGroups(entity model.EntityKey) *Groups {
	return &Groups{entity: entity, byFP: make(map[string]*group)}
}

// Add attributes the given partition keys to data.
func (g *Groups) Add(data EvaluationData, keys ...model.PartitionKey) {
	fp := data.Fingerprint()
	grp, ok := g.byFP[fp]
	if !ok {
		grp = &group{data: data}
		g.byFP[fp] = grp
	}
	grp.keys = append(grp.keys, keys...)
}

// Len returns the number of distinct payloads accumulated.
func (g *Groups) Len() int { return len(g.byFP) }

// DataSubsets flattens the accumulator into subsets, ordered by fingerprint
// for determinism.
func (g *Groups) DataSubsets() []DataSubset {
	fps := make([]string, 0, len(g.byFP))
	for fp := range g.byFP {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	out := make([]DataSubset, 0, len(fps))
	for _, fp := range fps {
		grp := g.byFP[fp]
		out = append(out, DataSubset{Data: grp.data, Subset: subset.New(g.entity, grp.keys...)})
	}
	return out
}
