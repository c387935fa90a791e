// Package dag implements reachability and topological ordering over mission
// graphs. Nodes are addressed by id; edges come from mission connections.
package dag

import "sort"

// Edge is a directed connection between two node ids.
type Edge struct {
	From string
	To   string
}

// Reachable returns the set of node ids reachable from startIDs by BFS along
// outgoing edges, including the start nodes themselves.
func Reachable(startIDs []string, edges []Edge) map[string]bool {
	out := make(map[string][]string, len(edges))
	for _, e := range edges {
		out[e.From] = append(out[e.From], e.To)
	}

	seen := make(map[string]bool, len(startIDs))
	queue := make([]string, 0, len(startIDs))
	for _, id := range startIDs {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range out[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// TopoOrder runs Kahn's algorithm over the subgraph reachable from startIDs.
// The returned order is deterministic: ties are broken by the relative order
// of ids in the `order` slice (the mission's node declaration order).
// cycleIDs holds the reachable ids left undrained when a cycle exists.
func TopoOrder(startIDs []string, order []string, edges []Edge) (sorted []string, cyclic bool, cycleIDs []string) {
	reach := Reachable(startIDs, edges)

	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	indeg := make(map[string]int, len(reach))
	out := make(map[string][]string, len(reach))
	for id := range reach {
		indeg[id] = 0
	}
	for _, e := range edges {
		if reach[e.From] && reach[e.To] {
			out[e.From] = append(out[e.From], e.To)
			indeg[e.To]++
		}
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sortByRank(ready, rank)

	sorted = make([]string, 0, len(reach))
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		sorted = append(sorted, cur)
		var freed []string
		for _, next := range out[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				freed = append(freed, next)
			}
		}
		sortByRank(freed, rank)
		ready = append(ready, freed...)
		sortByRank(ready, rank)
	}

	if len(sorted) != len(reach) {
		cyclic = true
		done := make(map[string]bool, len(sorted))
		for _, id := range sorted {
			done[id] = true
		}
		for id := range reach {
			if !done[id] {
				cycleIDs = append(cycleIDs, id)
			}
		}
		sortByRank(cycleIDs, rank)
	}
	return sorted, cyclic, cycleIDs
}

func sortByRank(ids []string, rank map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool { return rank[ids[i]] < rank[ids[j]] })
}
