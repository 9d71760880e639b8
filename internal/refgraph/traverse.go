package refgraph

import (
	"github.com/pilsy/normstore/internal/entity"
)

// Visit is one node reached by a bounded traversal.
type Visit struct {
	Key   entity.Key
	Depth int
}

// BFS walks outbound edges breadth-first from start, up to maxDepth levels
// (depth 0 is the start node itself). Neighbors are expanded in sorted
// order so the visit sequence is deterministic.
//
// Sibling skipping: each node is expanded at most once, at the shallowest
// depth it is reached. When a back-edge from a child leads to an ancestor
// already covered by the walk, the ancestor is not re-expanded, so its
// other children are not re-visited through that path. This is a
// traversal-shape policy that bounds fan-out on cyclic graphs, not a
// correctness requirement of the graph itself.
func (g *Graph) BFS(start entity.Key, maxDepth int) []Visit {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.nodes[start] {
		return nil
	}

	visited := map[entity.Key]bool{start: true}
	order := []Visit{{Key: start, Depth: 0}}
	frontier := []entity.Key{start}
	depth := 0

	for len(frontier) > 0 && depth < maxDepth {
		depth++
		var next []entity.Key
		for _, node := range frontier {
			tos := make([]entity.Key, 0, len(g.out[node]))
			for to := range g.out[node] {
				tos = append(tos, to)
			}
			sortKeys(tos)
			for _, to := range tos {
				if visited[to] {
					continue
				}
				visited[to] = true
				order = append(order, Visit{Key: to, Depth: depth})
				next = append(next, to)
			}
		}
		frontier = next
	}
	return order
}

// DetectCycle runs a full-graph DFS and returns one cycle when the graph
// contains any, as the sequence of keys along the cycle. Diagnostic
// utility; not used on the mutation path.
func (g *Graph) DetectCycle() ([]entity.Key, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)

	color := make(map[entity.Key]int, len(g.nodes))
	parent := make(map[entity.Key]entity.Key)

	roots := make([]entity.Key, 0, len(g.nodes))
	for node := range g.nodes {
		roots = append(roots, node)
	}
	sortKeys(roots)

	var cycleFrom, cycleTo entity.Key
	var found bool

	var dfs func(node entity.Key) bool
	dfs = func(node entity.Key) bool {
		color[node] = gray
		tos := make([]entity.Key, 0, len(g.out[node]))
		for to := range g.out[node] {
			tos = append(tos, to)
		}
		sortKeys(tos)
		for _, to := range tos {
			switch color[to] {
			case white:
				parent[to] = node
				if dfs(to) {
					return true
				}
			case gray:
				cycleFrom, cycleTo = node, to
				found = true
				return true
			}
		}
		color[node] = black
		return false
	}

	for _, root := range roots {
		if color[root] == white && dfs(root) {
			break
		}
	}
	if !found {
		return nil, false
	}

	// Walk parents back from the closing edge, then flip that segment so the
	// cycle reads in edge direction starting at the revisited node.
	cycle := []entity.Key{cycleTo}
	for node := cycleFrom; node != cycleTo; node = parent[node] {
		cycle = append(cycle, node)
	}
	for i, j := 1, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle, true
}
