package engine

import (
	"fmt"
	"slices"

	"github.com/me/matsched/internal/query"
	"github.com/me/matsched/pkg/model"
)

// topoOrder sorts the graph's entities so every parent precedes its
// children, using Kahn's algorithm with lexically sorted tie-breaking for
// deterministic output. A cycle is an error.
func topoOrder(g query.Graph) ([]model.EntityKey, error) {
	entities := g.Entities()

	children := make(map[model.EntityKey][]model.EntityKey, len(entities))
	inDegree := make(map[model.EntityKey]int, len(entities))
	for _, e := range entities {
		inDegree[e] = 0
	}
	for _, e := range entities {
		for _, p := range g.Parents(e) {
			// self-dependencies (a partition depending on earlier partitions
			// of the same entity) do not constrain the entity order
			if p == e {
				continue
			}
			children[p] = append(children[p], e)
			inDegree[e]++
		}
	}

	var queue []model.EntityKey
	for _, e := range entities {
		if inDegree[e] == 0 {
			queue = append(queue, e)
		}
	}
	slices.Sort(queue)

	order := make([]model.EntityKey, 0, len(entities))
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		order = append(order, e)

		var released []model.EntityKey
		for _, c := range children[e] {
			inDegree[c]--
			if inDegree[c] == 0 {
				released = append(released, c)
			}
		}
		slices.Sort(released)
		queue = append(queue, released...)
	}

	if len(order) != len(entities) {
		var stuck []model.EntityKey
		for e, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, e)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("dependency graph contains a cycle involving: %v", stuck)
	}
	return order, nil
}
