package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated, immutable dependency graph of one playbook.
// Adjacency is precomputed both ways so readiness checks and the failure
// cascade are O(1) lookups keyed by step id; no pointer-linked nodes, so the
// graph can be rebuilt cheaply from a stored step list after restart.
type Graph struct {
	steps      map[string]*StepDef
	order      []string            // step ids in declaration order
	dependents map[string][]string // forward edges: id -> steps depending on it
}

// Build validates step definitions and returns their dependency graph.
// Validation covers unique ids, known dependency references and acyclicity
// (Kahn's algorithm over indegree counts; a non-empty leftover set after
// exhausting zero-indegree nodes signals a cycle).
func Build(defs []*StepDef) (*Graph, error) {
	g := &Graph{
		steps:      make(map[string]*StepDef, len(defs)),
		order:      make([]string, 0, len(defs)),
		dependents: make(map[string][]string, len(defs)),
	}
	for _, def := range defs {
		if def.ID == "" {
			return nil, &Error{Kind: KindDuplicateID, Detail: "step with empty id"}
		}
		if _, exists := g.steps[def.ID]; exists {
			return nil, &Error{Kind: KindDuplicateID, Detail: fmt.Sprintf("step id %q declared more than once", def.ID)}
		}
		g.steps[def.ID] = def
		g.order = append(g.order, def.ID)
	}
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, &Error{
					Kind:   KindUnknownDependency,
					Detail: fmt.Sprintf("step %q depends on %q, which does not exist", def.ID, dep),
				}
			}
			g.dependents[dep] = append(g.dependents[dep], def.ID)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.steps))
	for id, def := range g.steps {
		indegree[id] = len(def.DependsOn)
	}
	queue := make([]string, 0, len(g.steps))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted++
		for _, dependent := range g.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if sorted < len(g.steps) {
		return &Error{Kind: KindCycle, Detail: strings.Join(g.traceCycle(), " -> ")}
	}
	return nil
}

// traceCycle runs a DFS to name one concrete cycle for the error detail.
// Only called once a cycle is known to exist.
func (g *Graph) traceCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.steps))
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		for _, dep := range g.steps[id].DependsOn {
			if color[dep] == gray {
				cycle := []string{dep, id}
				current := id
				for parent[current] != "" && parent[current] != dep {
					current = parent[current]
					cycle = append(cycle, current)
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			}
			if color[dep] == white {
				parent[dep] = id
				if found := dfs(dep); found != nil {
					return found
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range g.order {
		if color[id] == white {
			if found := dfs(id); found != nil {
				return found
			}
		}
	}
	return []string{"unknown"}
}

// Step returns the definition for the given id, or nil when absent.
func (g *Graph) Step(id string) *StepDef {
	return g.steps[id]
}

// Steps returns all step definitions in declaration order.
func (g *Graph) Steps() []*StepDef {
	out := make([]*StepDef, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// Size returns the number of steps in the graph.
func (g *Graph) Size() int { return len(g.steps) }

// Dependencies returns the reverse edges of a step: the ids it depends on.
func (g *Graph) Dependencies(id string) []string {
	if def := g.steps[id]; def != nil {
		return def.DependsOn
	}
	return nil
}

// Dependents returns the forward edges of a step: ids that depend on it.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Roots returns the ids of steps with no dependencies, sorted by Order then id.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.steps[id].DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	g.sortByOrder(roots)
	return roots
}

// TransitiveDependents returns every step id that transitively depends on the
// given id (BFS over forward edges). Used to cascade permanent blocking when
// a step fails or times out.
func (g *Graph) TransitiveDependents(id string) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[current] {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return visited
}

func (g *Graph) sortByOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.steps[ids[i]], g.steps[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}
