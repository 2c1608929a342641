package simulate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/matsched/internal/engine"
	"github.com/me/matsched/internal/evaluation"
	"github.com/me/matsched/internal/subset"
	"github.com/me/matsched/pkg/model"
)

// Run performs one evaluation tick against the world, starting from the given
// previous tick state (nil for a cold start).
func Run(ctx context.Context, w *World, previous *evaluation.TickState, opts engine.Options, logger *slog.Logger) (*engine.TickResult, error) {
	ev := engine.NewEvaluator(w.Graph, w.History, w.Runs, opts, logger)
	return ev.EvaluateTick(ctx, w.Policies, previous, w.Now)
}

// Render writes a human-readable tick report.
func Render(out io.Writer, w *World, result *engine.TickResult) {
	fmt.Fprintf(out, "tick %s at %s\n", result.TickID, result.Timestamp.Format("2006-01-02 15:04:05 MST"))

	entities := make([]model.EntityKey, 0, len(result.Decisions))
	for k := range result.Decisions {
		entities = append(entities, k)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })

	for _, entity := range entities {
		d := result.Decisions[entity]
		fmt.Fprintf(out, "\n%s (last materialized %s)\n", entity, lastMaterialized(w, entity))
		fmt.Fprintf(out, "  candidates: %s\n", formatSubset(d.Candidates))
		fmt.Fprintf(out, "  requested:  %s\n", formatSubset(d.Requested))
		for _, s := range d.Skipped {
			fmt.Fprintf(out, "  skipped %s: %s\n", formatSubset(s.Subset), s.Snapshot.Description)
			for _, ds := range s.EvalData {
				fmt.Fprintf(out, "    %s for %s\n", ds.Data.Fingerprint(), formatSubset(ds.Subset))
			}
		}
		for _, s := range d.Discarded {
			fmt.Fprintf(out, "  discarded %s: %s\n", formatSubset(s.Subset), s.Snapshot.Description)
		}
	}
}

// lastMaterialized reports the age of the entity's newest record relative to
// the fixture's evaluation time, e.g. "2 days ago".
func lastMaterialized(w *World, entity model.EntityKey) string {
	sub, err := w.History.MaterializedSubset(context.Background(), entity)
	if err != nil || sub.IsEmpty() {
		return "never"
	}
	var latest time.Time
	for _, key := range sub.Keys() {
		rec, err := w.History.LatestRecord(context.Background(), model.EntityPartition{Entity: entity, Partition: key})
		if err != nil || rec == nil {
			continue
		}
		if rec.Timestamp.After(latest) {
			latest = rec.Timestamp
		}
	}
	if latest.IsZero() {
		return "never"
	}
	return humanize.RelTime(latest, w.Now, "ago", "from now")
}

func formatSubset(s subset.Subset) string {
	if s.IsEmpty() {
		return "(none)"
	}
	keys := s.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			parts = append(parts, "(unpartitioned)")
			continue
		}
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ", ")
}
