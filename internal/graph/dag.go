package graph

import (
	"slices"
	"strings"
)

// validateDAG uses Kahn's algorithm for topological sort, prerequisites first.
// Ready nodes are drained in id order so the result is deterministic.
// On cycle detection, an iterative DFS finds and reports the cycle path.
func validateDAG(nodeIDs []string, dependsOn map[string][]string) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(nodeIDs))
	for _, n := range nodeIDs {
		nodeSet[n] = true
	}

	inDegree := make(map[string]int, len(nodeIDs))
	forward := make(map[string][]string)
	for _, n := range nodeIDs {
		inDegree[n] = 0
	}
	for node, deps := range dependsOn {
		if !nodeSet[node] {
			continue
		}
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue // unknown refs are reported by edge validation
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodeIDs {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	slices.Sort(queue)

	sorted := make([]string, 0, len(nodeIDs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []string
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		slices.Sort(ready)
		queue = append(queue, ready...)
		slices.Sort(queue)
	}

	if len(sorted) == len(nodeIDs) {
		return sorted, nil
	}

	cyclePath := findCyclePath(nodeIDs, dependsOn, inDegree)
	return nil, newValidationError(ReasonCycle, "dependencies",
		"circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath finds a cycle among nodes left with non-zero in-degree.
// The walk keeps an explicit stack instead of recursing so deep graphs
// cannot exhaust the goroutine stack.
func findCyclePath(nodeIDs []string, dependsOn map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // finished
	)

	type frame struct {
		node string
		next int
	}

	color := make(map[string]int)
	parent := make(map[string]string)

	starts := slices.Clone(nodeIDs)
	slices.Sort(starts)

	for _, start := range starts {
		if inDegree[start] == 0 || color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := dependsOn[top.node]
			if top.next >= len(deps) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++

			switch color[dep] {
			case gray:
				path := []string{dep}
				for cur := top.node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				slices.Reverse(path)
				return path
			case white:
				if _, known := inDegree[dep]; !known {
					continue
				}
				parent[dep] = top.node
				color[dep] = gray
				stack = append(stack, frame{node: dep})
			}
		}
	}

	return []string{"(cycle detected)"}
}

// reachable reports whether target can be reached from start by following
// dependsOn edges, returning the path when it can.
func reachable(start, target string, dependsOn func(string) []string) ([]string, bool) {
	visited := map[string]bool{start: true}
	parent := make(map[string]string)
	stack := []string{start}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			path := []string{node}
			for node != start {
				node = parent[node]
				path = append(path, node)
			}
			slices.Reverse(path)
			return path, true
		}
		for _, next := range dependsOn(node) {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = node
			stack = append(stack, next)
		}
	}
	return nil, false
}
