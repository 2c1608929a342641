// Package simulate loads a YAML description of a dependency graph plus
// materialization history and dry-runs one evaluation tick against it. It is
// a development surface; nothing here talks to a network.
package simulate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/matsched/internal/engine"
	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/internal/rules"
	"github.com/me/matsched/internal/scheme"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// Fixture is the YAML shape of a simulation world.
type Fixture struct {
	EvaluationTime time.Time       `yaml:"evaluation_time"`
	Entities       []EntityFixture `yaml:"entities"`
	History        HistoryFixture  `yaml:"history"`
	Backfills      []BackfillEntry `yaml:"backfills"`
}

// EntityFixture declares one graph node and its rules.
type EntityFixture struct {
	Key                string             `yaml:"key"`
	Source             bool               `yaml:"source"`
	Observable         bool               `yaml:"observable"`
	Partitions         *PartitionsFixture `yaml:"partitions"`
	Parents            []string           `yaml:"parents"`
	Mapping            map[string]string  `yaml:"mapping"`
	Rules              []RuleFixture      `yaml:"rules"`
	IgnoreOutdatedFrom []string           `yaml:"ignore_outdated_from"`
}

// PartitionsFixture selects a partition scheme.
type PartitionsFixture struct {
	Type      string   `yaml:"type"`  // daily, hourly, static
	Start     string   `yaml:"start"` // for daily/hourly, "2006-01-02"
	Keys      []string `yaml:"keys"`  // for static
	Secondary []string `yaml:"secondary"`
}

// RuleFixture is a rule type tag plus its configuration.
type RuleFixture struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// HistoryFixture describes past materializations and run tags.
type HistoryFixture struct {
	Materializations []MaterializationEntry       `yaml:"materializations"`
	Runs             map[string]map[string]string `yaml:"runs"`
}

// MaterializationEntry is one historical record.
type MaterializationEntry struct {
	Entity      string    `yaml:"entity"`
	Partition   string    `yaml:"partition"`
	RunID       string    `yaml:"run_id"`
	Timestamp   time.Time `yaml:"timestamp"`
	DataVersion string    `yaml:"data_version"`
}

// BackfillEntry is an active backfill target.
type BackfillEntry struct {
	Entity     string   `yaml:"entity"`
	Partitions []string `yaml:"partitions"`
}

// World is a fixture materialized into live collaborators and policies.
type World struct {
	Now      time.Time
	Graph    *query.MemoryGraph
	History  *query.MemoryHistory
	Runs     *query.MemoryRuns
	Policies engine.Policies
}

// LoadFile reads and builds a fixture from a YAML file.
func LoadFile(path string) (*World, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return Load(raw)
}

// Load builds a fixture's world from YAML bytes.
func Load(raw []byte) (*World, error) {
	var fx Fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return Build(&fx)
}

// Build materializes the fixture into collaborators and policies.
func Build(fx *Fixture) (*World, error) {
	now := fx.EvaluationTime
	if now.IsZero() {
		now = time.Now().UTC()
	}

	specs := make([]query.EntitySpec, 0, len(fx.Entities))
	policies := make(engine.Policies)
	for _, ef := range fx.Entities {
		sch, err := buildScheme(ef.Partitions)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", ef.Key, err)
		}

		spec := query.EntitySpec{
			Key:        model.EntityKey(ef.Key),
			Scheme:     sch,
			Source:     ef.Source,
			Observable: ef.Observable,
		}
		for _, p := range ef.Parents {
			spec.Parents = append(spec.Parents, model.EntityKey(p))
		}
		for _, p := range ef.IgnoreOutdatedFrom {
			spec.IgnorableOutdatedParents = append(spec.IgnorableOutdatedParents, model.EntityKey(p))
		}
		if len(ef.Mapping) > 0 {
			spec.Mapping = make(map[model.EntityKey]query.MappingKind, len(ef.Mapping))
			for parent, kind := range ef.Mapping {
				spec.Mapping[model.EntityKey(parent)] = query.MappingKind(kind)
			}
		}
		specs = append(specs, spec)

		rs, err := buildRules(ef.Rules)
		if err != nil {
			return nil, fmt.Errorf("entity %q: %w", ef.Key, err)
		}
		if len(rs) > 0 {
			policies[spec.Key] = rs
		}
	}

	graph, err := query.NewMemoryGraph(specs...)
	if err != nil {
		return nil, err
	}

	history := query.NewMemoryHistory(graph)
	for _, m := range fx.History.Materializations {
		history.Add(model.MaterializationRecord{
			Target:      model.EntityPartition{Entity: model.EntityKey(m.Entity), Partition: model.PartitionKey(m.Partition)},
			RunID:       m.RunID,
			Timestamp:   m.Timestamp,
			DataVersion: m.DataVersion,
		})
	}

	backfills := query.GraphSubset{}
	for _, bf := range fx.Backfills {
		entity := model.EntityKey(bf.Entity)
		keys := make([]model.PartitionKey, 0, len(bf.Partitions))
		for _, k := range bf.Partitions {
			keys = append(keys, model.PartitionKey(k))
		}
		backfills[entity] = backfills.Get(entity).Union(subset.New(entity, keys...))
	}
	history.SetBackfills(backfills)

	return &World{
		Now:      now,
		Graph:    graph,
		History:  history,
		Runs:     query.NewMemoryRuns(fx.History.Runs),
		Policies: policies,
	}, nil
}

func buildScheme(pf *PartitionsFixture) (model.PartitionScheme, error) {
	if pf == nil {
		return nil, nil
	}
	switch pf.Type {
	case "", "none":
		return nil, nil
	case "static":
		keys := make([]model.PartitionKey, 0, len(pf.Keys))
		for _, k := range pf.Keys {
			keys = append(keys, model.PartitionKey(k))
		}
		return scheme.NewStatic(keys...), nil
	case "daily", "hourly":
		start, err := time.ParseInLocation("2006-01-02", pf.Start, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse partition start %q: %w", pf.Start, err)
		}
		var tw *scheme.TimeWindow
		if pf.Type == "daily" {
			tw = scheme.Daily(start)
		} else {
			tw = scheme.Hourly(start)
		}
		if len(pf.Secondary) == 0 {
			return tw, nil
		}
		sec := make([]model.PartitionKey, 0, len(pf.Secondary))
		for _, k := range pf.Secondary {
			sec = append(sec, model.PartitionKey(k))
		}
		return scheme.NewMulti(tw, sec...), nil
	}
	return nil, fmt.Errorf("unknown partition scheme type %q", pf.Type)
}

// buildRules decodes rule fixtures through the serialization registry, so the
// fixture format accepts exactly the wire type tags.
func buildRules(rfs []RuleFixture) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(rfs))
	for _, rf := range rfs {
		cfg, err := json.Marshal(rf.Config)
		if err != nil {
			return nil, fmt.Errorf("rule %q config: %w", rf.Type, err)
		}
		env, err := json.Marshal(map[string]any{"type": rf.Type, "config": json.RawMessage(cfg)})
		if err != nil {
			return nil, err
		}
		r, err := rules.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rf.Type, err)
		}
		if _, unknown := r.(rules.UnknownRule); unknown {
			return nil, fmt.Errorf("unknown rule type %q", rf.Type)
		}
		out = append(out, r)
	}
	return out, nil
}
