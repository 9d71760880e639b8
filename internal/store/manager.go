// Package store implements the normalized entity state container: it owns
// the canonical state, the pending-action queue, diff computation, the
// reference graph, the query cache, and change-event emission.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/journal"
	"github.com/pilsy/normstore/internal/refgraph"
	"github.com/pilsy/normstore/internal/schema"
	"github.com/pilsy/normstore/internal/update"
)

// DefaultMaxActionsPerDrain bounds how many queued actions one
// ProcessChanges call may fold. A runaway producer cannot starve the host:
// on hitting the bound, remaining actions stay queued for the next call.
const DefaultMaxActionsPerDrain = 1000

// DefaultCacheSize bounds the denormalized query cache.
const DefaultCacheSize = 256

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMaxActionsPerDrain sets the per-drain action budget.
func WithMaxActionsPerDrain(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPerDrain = n
		}
	}
}

// WithCacheSize sets the query cache capacity.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cacheSize = n
		}
	}
}

// WithJournal attaches an action journal. Journaling is best-effort: an
// append failure is logged, never propagated into the mutation path.
func WithJournal(j *journal.Journal) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithIDGenerator overrides the instance id generator (tests use
// FixedGenerator for deterministic origin tags).
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// WithMaxDepth sets the denormalization depth bound.
func WithMaxDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// cachedView is one query-cache entry: the denormalized view plus the set
// of entity keys it was expanded from, used for transitive invalidation.
type cachedView struct {
	view entity.Record
	deps map[entity.Key]bool
}

// Manager is one store instance: a single logical normalized state mutated
// exclusively through dispatched actions.
//
// Concurrency model: cooperative single-writer. Dispatch and the queue are
// safe from any goroutine, but all folding, diffing and event emission
// happen inside one drain at a time; a drain arriving while another is in
// flight leaves its actions queued instead of racing. sync dispatch
// completes processing before returning, establishing happens-before with
// any subsequent query on the same instance.
type Manager struct {
	id       string
	idGen    IDGenerator
	registry *schema.Registry
	reducer  *update.Reducer
	graph    *refgraph.Graph
	queue    *actionQueue
	emitter  *emitter
	journal  *journal.Journal
	cache    *lru.Cache[string, cachedView]

	maxPerDrain int
	maxDepth    int
	cacheSize   int

	mu         sync.Mutex
	state      entity.State
	processing bool
}

// New creates a Manager over a schema registry. The registry is owned by
// the caller and may be shared read-only between managers; each manager
// owns its own state, graph, queue and cache.
func New(registry *schema.Registry, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("store: nil schema registry")
	}
	m := &Manager{
		idGen:       UUIDv7Generator{},
		registry:    registry,
		reducer:     update.NewReducer(registry),
		graph:       refgraph.NewGraph(),
		queue:       newActionQueue(),
		emitter:     newEmitter(),
		maxPerDrain: DefaultMaxActionsPerDrain,
		maxDepth:    entity.DefaultMaxDepth,
		cacheSize:   DefaultCacheSize,
		state:       entity.NewState(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.id = m.idGen.Generate()

	cache, err := lru.New[string, cachedView](m.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("store: create query cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// InstanceID returns the instance id used for origin tagging.
func (m *Manager) InstanceID() string {
	return m.id
}

// Registry returns the schema registry this manager reads.
func (m *Manager) Registry() *schema.Registry {
	return m.registry
}

// On subscribes a listener to a path pattern. Returns an unsubscribe func.
func (m *Manager) On(pattern string, l Listener) func() {
	return m.emitter.On(pattern, l)
}

// OnStateChange subscribes to the per-batch catch-all notification.
func (m *Manager) OnStateChange(l StateChangeListener) func() {
	return m.emitter.OnStateChange(l)
}

// Dispatch submits actions for processing. Actions without an origin are
// stamped with the supplied one. With sync, the queue (earlier actions
// included, FIFO) is drained before returning; otherwise the actions are
// enqueued and the call returns immediately.
func (m *Manager) Dispatch(actions []update.Action, sync bool, origin string) error {
	if len(actions) == 0 {
		return nil
	}
	stamped := make([]update.Action, len(actions))
	for i, a := range actions {
		if a.Origin == "" {
			a.Origin = origin
		}
		stamped[i] = a
	}
	if !m.queue.Enqueue(stamped...) {
		return fmt.Errorf("store %s: dispatch on closed queue", m.id)
	}
	if sync {
		return m.ProcessChanges()
	}
	return nil
}

// ProcessChanges drains the pending queue through the update engine, up to
// the per-drain budget. Each dequeued batch folds atomically: on a reducer
// error the batch's changes are discarded and the error returned, with
// committed state untouched.
//
// Re-entrant calls (a listener dispatching during emission) observe the
// processing flag and return immediately; their actions stay queued for
// the in-flight drain or the next one.
func (m *Manager) ProcessChanges() error {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		slog.Debug("drain already in flight, actions left queued", "instance", m.id)
		return nil
	}
	m.processing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.processing = false
		m.mu.Unlock()
	}()

	budget := m.maxPerDrain
	for budget > 0 {
		batch := m.queue.DequeueUpTo(budget)
		if len(batch) == 0 {
			return nil
		}
		budget -= len(batch)
		if err := m.processBatch(batch); err != nil {
			return err
		}
	}
	if pending := m.queue.Len(); pending > 0 {
		slog.Debug("drain budget exhausted, remaining actions deferred",
			"instance", m.id,
			"pending", pending,
		)
	}
	return nil
}

// processBatch folds one batch, and iff the diff is non-empty commits the
// state, maintains the reference graph, seeds cascade deletions,
// invalidates the cache, journals the batch and emits change events.
func (m *Manager) processBatch(batch []update.Action) error {
	m.mu.Lock()
	prev := m.state
	m.mu.Unlock()

	next, err := m.reducer.ApplyAll(prev, batch)
	if err != nil {
		return fmt.Errorf("store %s: %w", m.id, err)
	}

	diff := ComputeDiff(prev, next)
	if diff.Empty() {
		return nil
	}

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.Append(context.Background(), batch); err != nil {
			// Best-effort: the state is already committed.
			slog.Error("journal append failed",
				"instance", m.id,
				"error", err,
			)
		}
	}

	cascadeSeeds, err := m.updateGraph(next, diff)
	if err != nil {
		return fmt.Errorf("store %s: reference graph update: %w", m.id, err)
	}
	m.enqueueCascades(next, cascadeSeeds, batch)

	m.invalidate(diff.Keys())
	m.emitDiff(prev, next, diff, origins(batch))

	slog.Debug("batch committed",
		"instance", m.id,
		"actions", len(batch),
		"added", len(diff.Added),
		"updated", len(diff.Updated),
		"deleted", len(diff.Deleted),
	)
	return nil
}

// updateGraph maintains the reference graph incrementally from a diff:
// deleted entities drop their outbound edges (returning the former targets
// as cascade seeds), added and updated entities get their outbound edge
// set recomputed from the new record.
func (m *Manager) updateGraph(next entity.State, diff Diff) (map[entity.Key]bool, error) {
	seeds := make(map[entity.Key]bool)

	for name, bucket := range diff.Deleted {
		for id := range bucket {
			for _, target := range m.graph.RemoveNode(entity.Key{Entity: name, ID: id}) {
				seeds[target] = true
			}
		}
	}

	for _, st := range []entity.State{diff.Added, diff.Updated} {
		for name, bucket := range st {
			s, err := m.registry.Schema(name)
			if err != nil {
				return nil, err
			}
			for id := range bucket {
				key := entity.Key{Entity: name, ID: id}
				rec := next.Get(name, id)
				if rec == nil {
					continue
				}
				targets, err := refgraph.RecordTargets(rec, s)
				if err != nil {
					return nil, err
				}
				m.graph.ResetOutbound(key, targets)
			}
		}
	}
	return seeds, nil
}

// enqueueCascades deletes former targets of removed entities that ended up
// unreferenced. The deletions join the queue tail and fold in a follow-up
// batch of the same drain, still under its budget; their origin is
// inherited from the triggering batch so downstream suppression treats
// them like the mutation that caused them.
func (m *Manager) enqueueCascades(next entity.State, seeds map[entity.Key]bool, batch []update.Action) {
	if len(seeds) == 0 {
		return
	}
	keys := make([]entity.Key, 0, len(seeds))
	for key := range seeds {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].ID < keys[j].ID
	})

	origin := firstOrigin(batch)
	var cascades []update.Action
	for _, key := range keys {
		if next.Get(key.Entity, key.ID) == nil {
			continue
		}
		if m.graph.IsReferenced(key, nil) {
			continue
		}
		slog.Debug("cascade delete",
			"instance", m.id,
			"entity", key.Entity,
			"id", key.ID,
		)
		cascades = append(cascades, update.Action{
			Kind:   update.DeleteOne,
			Entity: key.Entity,
			ID:     key.ID,
			Origin: origin,
		})
	}
	if len(cascades) > 0 {
		m.queue.Enqueue(cascades...)
	}
}

// emitDiff fires path events for every changed entity plus the catch-all
// stateChange. Path events are suppressed when every origin in the batch
// is this instance's own id (self-notification loop guard); stateChange
// always fires once per non-empty diff.
func (m *Manager) emitDiff(prev, next entity.State, diff Diff, batchOrigins []string) {
	suppress := len(batchOrigins) > 0
	for _, origin := range batchOrigins {
		if origin != m.id {
			suppress = false
			break
		}
	}

	if !suppress {
		emit := func(st entity.State, ct ChangeType) {
			for _, name := range sortedStateKeys(st) {
				bucket := st[name]
				ids := make([]string, 0, len(bucket))
				for id := range bucket {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					m.emitter.emitPath(Event{
						Name:          EventName(name, id, ct),
						Entity:        name,
						ID:            id,
						ChangeType:    ct,
						Changes:       bucket[id],
						NewState:      next,
						PreviousState: prev,
						Origins:       batchOrigins,
					})
				}
			}
		}
		emit(diff.Added, ChangeAdded)
		emit(diff.Updated, ChangeUpdated)
		emit(diff.Deleted, ChangeDeleted)
	}

	m.emitter.emitStateChange(StateChange{
		NewState:      next,
		PreviousState: prev,
		Differences:   diff,
		Origins:       batchOrigins,
	})
}

// Query returns the entity record, or nil when absent. With denormalize,
// relationship fields are expanded into nested records (cycle-safe, depth
// bounded) and the view is served from the LRU cache until a diff touches
// the entity or anything nested inside its expansion.
func (m *Manager) Query(entityName, id string, denormalize bool) (entity.Record, error) {
	if _, err := m.registry.Schema(entityName); err != nil {
		return nil, err
	}

	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	rec := st.Get(entityName, id)
	if rec == nil {
		return nil, nil
	}
	if !denormalize {
		return entity.CloneRecord(rec), nil
	}

	key := entity.Key{Entity: entityName, ID: id}
	if cached, ok := m.cache.Get(key.String()); ok {
		return entity.CloneRecord(cached.view), nil
	}

	view, err := entity.Denormalize(entityName, id, st, m.registry, m.maxDepth)
	if err != nil {
		return nil, err
	}

	// Dependency set: everything reachable within the expansion depth. A
	// superset of what the view actually embeds is fine for invalidation.
	deps := make(map[entity.Key]bool)
	for _, visit := range m.graph.BFS(key, m.maxDepth) {
		deps[visit.Key] = true
	}
	deps[key] = true
	m.cache.Add(key.String(), cachedView{view: view, deps: deps})
	return entity.CloneRecord(view), nil
}

// Handle returns a mutation handle for an entity (see handle.go).
func (m *Manager) Handle(entityName, id string) (*Handle, error) {
	s, err := m.registry.Schema(entityName)
	if err != nil {
		return nil, err
	}
	return &Handle{m: m, schema: s, entity: entityName, id: id}, nil
}

// IsEntityReferenced reports whether any live inbound reference to the
// entity exists, with cascade-aware transitive semantics. The optional
// ignore edge supports checks performed while that very edge is being cut.
func (m *Manager) IsEntityReferenced(entityName, id string, ignore *refgraph.Edge) bool {
	return m.graph.IsReferenced(entity.Key{Entity: entityName, ID: id}, ignore)
}

// Graph exposes the reference graph for traversal and diagnostics.
func (m *Manager) Graph() *refgraph.Graph {
	return m.graph
}

// RebuildGraph recomputes the reference graph from the committed state.
// Recovery/consistency path; incremental maintenance must always agree
// with this.
func (m *Manager) RebuildGraph() error {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	return m.graph.BuildFromState(st, m.registry)
}

// State returns a deep copy of the committed normalized state.
func (m *Manager) State() entity.State {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	return entity.CloneState(st)
}

// SetState replaces the entire normalized state synchronously.
func (m *Manager) SetState(st entity.State) error {
	return m.Dispatch([]update.Action{update.NewSetState(st)}, true, "")
}

// Clear resets the state to empty synchronously.
func (m *Manager) Clear() error {
	return m.Dispatch([]update.Action{update.NewClear()}, true, "")
}

// currentRecord reads a committed record without cloning. Internal reads
// only; callers must not mutate the result.
func (m *Manager) currentRecord(entityName, id string) entity.Record {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	return st.Get(entityName, id)
}

// QueueLen returns the number of pending actions.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Run drains the queue whenever actions arrive, until the context is
// cancelled or Stop is called. Batch failures are logged with full context
// and processing continues; sync dispatchers still receive their errors
// directly from their own drain.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("store processing loop starting", "instance", m.id)

	for {
		if m.queue.Len() > 0 {
			if err := m.ProcessChanges(); err != nil {
				slog.Error("batch processing failed",
					"instance", m.id,
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("store processing loop stopping: context cancelled", "instance", m.id)
			m.queue.Close()
			return ctx.Err()

		case <-m.queue.Wait():
			if m.queue.Len() == 0 {
				// Queue closed and empty.
				slog.Info("store processing loop stopping: queue closed", "instance", m.id)
				return nil
			}
		}
	}
}

// Stop closes the action queue, causing Run to return once drained.
func (m *Manager) Stop() {
	m.queue.Close()
}

// invalidate drops every cached view whose dependency set intersects the
// touched keys.
func (m *Manager) invalidate(touched []entity.Key) {
	if len(touched) == 0 {
		return
	}
	for _, cacheKey := range m.cache.Keys() {
		entry, ok := m.cache.Peek(cacheKey)
		if !ok {
			continue
		}
		for _, key := range touched {
			if entry.deps[key] {
				m.cache.Remove(cacheKey)
				break
			}
		}
	}
}

// origins returns the distinct origin tags of a batch, in first-seen order.
func origins(batch []update.Action) []string {
	var out []string
	seen := make(map[string]bool, len(batch))
	for _, a := range batch {
		if a.Origin == "" || seen[a.Origin] {
			continue
		}
		seen[a.Origin] = true
		out = append(out, a.Origin)
	}
	return out
}

func firstOrigin(batch []update.Action) string {
	for _, a := range batch {
		if a.Origin != "" {
			return a.Origin
		}
	}
	return ""
}

func sortedStateKeys(st entity.State) []string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
