package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrCycle is returned when admitting a task would close a cycle over the
// depends_on and parent/child relations.
var ErrCycle = errors.New("task graph contains cycle")

// topoOrder sorts tasks so that every dependency precedes its dependent and
// every child precedes its parent ("completes before"). All referenced IDs
// must be present in tasks.
func topoOrder(tasks map[string]*Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	// Deterministic edge order keeps the result stable between calls.
	sort.Strings(ids)

	var edges []toposort.Edge
	seenEdge := make(map[[2]string]bool)
	addEdge := func(from, to string) {
		if !seenEdge[[2]string{from, to}] {
			seenEdge[[2]string{from, to}] = true
			edges = append(edges, toposort.Edge{from, to})
		}
	}
	for _, id := range ids {
		task := tasks[id]
		for _, depID := range task.DependsOn {
			if _, ok := tasks[depID]; !ok {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
			addEdge(depID, id)
		}
		if task.ParentID != "" {
			if _, ok := tasks[task.ParentID]; !ok {
				return nil, fmt.Errorf("task %q has non-existent parent %q", id, task.ParentID)
			}
			addEdge(id, task.ParentID)
		}
		if len(task.DependsOn) == 0 && task.ParentID == "" {
			// Isolated tasks still need to appear in the result.
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		s := id.(string)
		if !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}

	if len(order) != len(tasks) {
		var missing []string
		for _, id := range ids {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
