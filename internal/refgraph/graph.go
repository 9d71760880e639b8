package refgraph

import (
	"sort"
	"sync"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/schema"
)

// Edge is a directed reference between two entities, derived from a
// relationship field on the owning entity.
type Edge struct {
	From entity.Key
	To   entity.Key
}

// Graph is a directed reference graph over entity keys.
//
// The graph is an index, not a source of truth: it must always be
// reconcilable with a full BuildFromState rebuild of the current normalized
// state. Edges carry counts because an owner may reference the same target
// through more than one relationship field.
//
// The graph is explicitly constructed and owned by a store instance; there
// is no process-wide graph.
type Graph struct {
	mu    sync.RWMutex
	nodes map[entity.Key]bool
	out   map[entity.Key]map[entity.Key]int
	in    map[entity.Key]map[entity.Key]int
}

// NewGraph creates an empty reference graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[entity.Key]bool),
		out:   make(map[entity.Key]map[entity.Key]int),
		in:    make(map[entity.Key]map[entity.Key]int),
	}
}

// AddNode registers a node without edges.
func (g *Graph) AddNode(key entity.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[key] = true
}

// AddReference adds a directed edge, auto-creating missing nodes.
func (g *Graph) AddReference(from, to entity.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdge(from, to)
}

func (g *Graph) addEdge(from, to entity.Key) {
	g.nodes[from] = true
	g.nodes[to] = true
	if g.out[from] == nil {
		g.out[from] = make(map[entity.Key]int)
	}
	g.out[from][to]++
	if g.in[to] == nil {
		g.in[to] = make(map[entity.Key]int)
	}
	g.in[to][from]++
}

// RemoveReference removes one edge occurrence. Removing a missing edge is
// a no-op.
func (g *Graph) RemoveReference(from, to entity.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEdge(from, to)
}

func (g *Graph) removeEdge(from, to entity.Key) {
	if g.out[from] != nil {
		if g.out[from][to] > 1 {
			g.out[from][to]--
		} else {
			delete(g.out[from], to)
			if len(g.out[from]) == 0 {
				delete(g.out, from)
			}
		}
	}
	if g.in[to] != nil {
		if g.in[to][from] > 1 {
			g.in[to][from]--
		} else {
			delete(g.in[to], from)
			if len(g.in[to]) == 0 {
				delete(g.in, to)
			}
		}
	}
}

// ResetOutbound replaces every outbound edge of from with the given
// targets. Used for incremental maintenance when a record's relationship
// fields change: the record's edge set is recomputed wholesale.
func (g *Graph) ResetOutbound(from entity.Key, targets []entity.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	type pair struct {
		to    entity.Key
		count int
	}
	old := make([]pair, 0, len(g.out[from]))
	for to, count := range g.out[from] {
		old = append(old, pair{to, count})
	}
	for _, p := range old {
		for i := 0; i < p.count; i++ {
			g.removeEdge(from, p.to)
		}
	}
	g.nodes[from] = true
	for _, to := range targets {
		g.addEdge(from, to)
	}
}

// RemoveNode deletes a node's outbound edges and returns the former
// targets (the cascade seed set). Inbound edges are kept: they mirror
// relationship fields on owners that still hold the deleted id, so a
// rebuild from state would reproduce them. The node entry itself survives
// only while such dangling references remain.
func (g *Graph) RemoveNode(key entity.Key) []entity.Key {
	g.mu.Lock()
	defer g.mu.Unlock()

	targets := make([]entity.Key, 0, len(g.out[key]))
	for to := range g.out[key] {
		targets = append(targets, to)
	}
	sortKeys(targets)
	for _, to := range targets {
		for g.out[key] != nil && g.out[key][to] > 0 {
			g.removeEdge(key, to)
		}
	}
	if len(g.in[key]) == 0 {
		delete(g.nodes, key)
	}
	return targets
}

// Inbound returns the owners referencing key, sorted.
func (g *Graph) Inbound(key entity.Key) []entity.Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	froms := make([]entity.Key, 0, len(g.in[key]))
	for from := range g.in[key] {
		froms = append(froms, from)
	}
	sortKeys(froms)
	return froms
}

// Outbound returns the entities referenced by key, sorted.
func (g *Graph) Outbound(key entity.Key) []entity.Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tos := make([]entity.Key, 0, len(g.out[key]))
	for to := range g.out[key] {
		tos = append(tos, to)
	}
	sortKeys(tos)
	return tos
}

// Nodes returns all known nodes, sorted.
func (g *Graph) Nodes() []entity.Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]entity.Key, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

// HasEdge reports whether at least one from->to edge exists.
func (g *Graph) HasEdge(from, to entity.Key) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.out[from][to] > 0
}

// IsReferenced reports whether key has any live inbound reference,
// optionally excluding a single caller-supplied edge (so that the check
// performed while cutting that very edge does not count it).
//
// The check is transitive through deletion cascades: a referencer saves the
// target only if it is anchored itself, either by having no inbound edges
// at all (a root entity, which nothing is about to cascade away) or by
// being referenced, recursively, by such a root. Referencers kept alive
// only by a cycle among themselves do not count; the visited set cuts
// those loops.
func (g *Graph) IsReferenced(key entity.Key, ignore *Edge) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := map[entity.Key]bool{key: true}
	return g.isReferenced(key, ignore, visited)
}

func (g *Graph) isReferenced(key entity.Key, ignore *Edge, visited map[entity.Key]bool) bool {
	for from, count := range g.in[key] {
		if ignore != nil && ignore.From == from && ignore.To == key && count <= 1 {
			continue
		}
		if visited[from] {
			continue
		}
		if len(g.in[from]) == 0 {
			// Root referencer: nothing above it is being cascaded away.
			return true
		}
		visited[from] = true
		if g.isReferenced(from, ignore, visited) {
			return true
		}
	}
	return false
}

// BuildFromState rebuilds the graph from scratch: one node per record, one
// edge occurrence per relationship field reference. Used as the consistency
// check and recovery path for incremental maintenance.
func (g *Graph) BuildFromState(st entity.State, reg *schema.Registry) error {
	g.mu.Lock()
	g.nodes = make(map[entity.Key]bool)
	g.out = make(map[entity.Key]map[entity.Key]int)
	g.in = make(map[entity.Key]map[entity.Key]int)
	g.mu.Unlock()

	for name, bucket := range st {
		s, err := reg.Schema(name)
		if err != nil {
			return err
		}
		for id, rec := range bucket {
			key := entity.Key{Entity: name, ID: id}
			g.AddNode(key)
			targets, err := RecordTargets(rec, s)
			if err != nil {
				return err
			}
			for _, to := range targets {
				g.AddReference(key, to)
			}
		}
	}
	return nil
}

// RecordTargets extracts the referenced entity keys from a normalized
// record per its schema, one occurrence per field reference.
func RecordTargets(rec entity.Record, s *schema.Schema) ([]entity.Key, error) {
	var targets []entity.Key
	fields := make([]string, 0, len(s.Relationships))
	for field := range s.Relationships {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		rel := s.Relationships[field]
		val, ok := rec[field]
		if !ok || val == nil {
			continue
		}
		resolved, err := entity.ResolveRelationshipValue(val, rel)
		if err != nil {
			return nil, err
		}
		switch resolved.Kind {
		case entity.RelationshipID:
			targets = append(targets, entity.Key{Entity: rel.Entity, ID: resolved.ID})
		case entity.RelationshipIDs:
			for _, id := range resolved.IDs {
				targets = append(targets, entity.Key{Entity: rel.Entity, ID: id})
			}
		default:
			// Normalized state never holds inline records; treat as absent.
		}
	}
	return targets, nil
}

func sortKeys(keys []entity.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].ID < keys[j].ID
	})
}
