package scenario

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/schema"
	"github.com/pilsy/normstore/internal/store"
	"github.com/pilsy/normstore/internal/update"
)

// RecordedEvent is one path event captured during a run, in firing order.
type RecordedEvent struct {
	Seq        int           `json:"seq"`
	Name       string        `json:"name"`
	ChangeType string        `json:"change_type"`
	Changes    entity.Record `json:"changes,omitempty"`
}

// Result is the observable outcome of a scenario run.
type Result struct {
	FinalState entity.State
	Events     []RecordedEvent
}

// Run executes a scenario against a fresh store and evaluates its
// assertions. The returned Result is populated even when an assertion
// fails, so callers can still snapshot it.
func Run(s *Scenario) (*Result, error) {
	registry, err := BuildRegistry(s.Schemas)
	if err != nil {
		return nil, err
	}

	m, err := store.New(registry,
		store.WithIDGenerator(store.NewFixedGenerator("scenario-instance")),
	)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	unsubscribe := m.On("*.*:*", func(ev store.Event) {
		result.Events = append(result.Events, RecordedEvent{
			Seq:        len(result.Events),
			Name:       ev.Name,
			ChangeType: string(ev.ChangeType),
			Changes:    ev.Changes,
		})
	})
	defer unsubscribe()

	for i, step := range s.Setup {
		if err := executeStep(m, &step); err != nil {
			return result, fmt.Errorf("setup[%d] (%s): %w", i, step.Op, err)
		}
	}

	for i, step := range s.Flow {
		err := executeStep(m, &step)
		if step.ExpectError == "" {
			if err != nil {
				return result, fmt.Errorf("flow[%d] (%s): %w", i, step.Op, err)
			}
			continue
		}
		if err == nil {
			return result, fmt.Errorf("flow[%d] (%s): expected error containing %q, got none", i, step.Op, step.ExpectError)
		}
		if !strings.Contains(err.Error(), step.ExpectError) {
			return result, fmt.Errorf("flow[%d] (%s): error %q does not contain %q", i, step.Op, err, step.ExpectError)
		}
	}

	result.FinalState = m.State()

	for i, a := range s.Assertions {
		if err := evaluateAssertion(m, result, &a); err != nil {
			return result, fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
		}
	}
	return result, nil
}

// BuildRegistry registers schema files into a fresh registry. YAML files go
// through the YAML loader, .cue files through the CUE compiler; the
// registry is finalized so dangling relationships fail here, not mid-run.
func BuildRegistry(paths []string) (*schema.Registry, error) {
	registry := schema.NewRegistry()
	for _, path := range paths {
		var defs []schema.Definition
		var err error
		switch filepath.Ext(path) {
		case ".cue":
			defs, err = schema.CompileFile(path)
		default:
			defs, err = schema.LoadYAMLFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("load schemas from %s: %w", path, err)
		}
		if err := registry.Register(defs...); err != nil {
			return nil, fmt.Errorf("register schemas from %s: %w", path, err)
		}
	}
	if err := registry.Finalize(); err != nil {
		return nil, err
	}
	return registry, nil
}

// executeStep runs one step synchronously: action steps dispatch sync,
// handle steps enqueue and then drain so every step observes the previous
// step's committed state.
func executeStep(m *store.Manager, st *Step) error {
	switch st.Op {
	case "upsert":
		action := update.NewUpsertOne(st.Entity, entity.Record(st.Record))
		if st.Strategy != "" {
			action.Strategy = update.Strategy(st.Strategy)
		}
		return m.Dispatch([]update.Action{action}, true, "")

	case "upsertMany":
		return m.Dispatch([]update.Action{update.NewUpsertMany(toState(st.Entities))}, true, "")

	case "update":
		strategy := update.Strategy(st.Strategy)
		if strategy == "" {
			strategy = update.DefaultStrategy
		}
		return m.Dispatch([]update.Action{
			update.NewPartialUpdate(st.Entity, st.ID, entity.Record(st.Changes), strategy),
		}, true, "")

	case "delete":
		return m.Dispatch([]update.Action{update.NewDeleteOne(st.Entity, st.ID)}, true, "")

	case "deleteMany":
		return m.Dispatch([]update.Action{update.NewDeleteMany(st.Entity, st.IDs...)}, true, "")

	case "clear":
		return m.Clear()

	case "setState":
		return m.SetState(toState(st.Entities))

	default:
		return executeHandleStep(m, st)
	}
}

func executeHandleStep(m *store.Manager, st *Step) error {
	h, err := m.Handle(st.Entity, st.ID)
	if err != nil {
		return err
	}

	switch st.Op {
	case "set":
		err = h.Set(st.Field, st.Value)
	case "setPath":
		err = h.SetPath(st.Path, st.Value)
	case "unset":
		err = h.Unset(st.Fields...)
	case "push":
		err = h.PushTo(st.Field, st.Items...)
	case "unshift":
		err = h.UnshiftTo(st.Field, st.Items...)
	case "pop":
		_, err = h.PopFrom(st.Field)
	case "shift":
		_, err = h.ShiftFrom(st.Field)
	case "splice":
		var ops []update.SpliceOp
		ops, err = parseSpliceOps(st.Ops)
		if err == nil {
			err = h.Splice(st.Field, ops...)
		}
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if err != nil {
		return err
	}
	// Handle writes are asynchronous; drain so the step's effects (cascade
	// deletes included) are committed before the next step runs.
	return m.ProcessChanges()
}

func parseSpliceOps(raw [][]any) ([]update.SpliceOp, error) {
	ops := make([]update.SpliceOp, 0, len(raw))
	for i, op := range raw {
		if len(op) < 2 {
			return nil, fmt.Errorf("splice op %d: need [start, deleteCount, items...]", i)
		}
		start, ok := asInt(op[0])
		if !ok {
			return nil, fmt.Errorf("splice op %d: start %v is not an integer", i, op[0])
		}
		del, ok := asInt(op[1])
		if !ok {
			return nil, fmt.Errorf("splice op %d: deleteCount %v is not an integer", i, op[1])
		}
		ops = append(ops, update.SpliceOp{Start: start, DeleteCount: del, Items: op[2:]})
	}
	return ops, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toState(raw map[string]map[string]map[string]any) entity.State {
	st := entity.NewState()
	for name, bucket := range raw {
		inner := make(map[string]entity.Record, len(bucket))
		for id, rec := range bucket {
			inner[id] = entity.Record(rec)
		}
		st[name] = inner
	}
	return st
}

func evaluateAssertion(m *store.Manager, result *Result, a *Assertion) error {
	switch a.Type {
	case AssertFinalState:
		rec := result.FinalState.Get(a.Entity, a.ID)
		if rec == nil {
			return fmt.Errorf("%s/%s not in final state", a.Entity, a.ID)
		}
		for field, want := range a.Expect {
			got, ok := rec[field]
			if !ok {
				return fmt.Errorf("%s/%s: field %q missing", a.Entity, a.ID, field)
			}
			if !looseEqual(got, want) {
				return fmt.Errorf("%s/%s: field %q = %v, want %v", a.Entity, a.ID, field, got, want)
			}
		}
		return nil

	case AssertAbsent:
		if result.FinalState.Get(a.Entity, a.ID) != nil {
			return fmt.Errorf("%s/%s still in final state", a.Entity, a.ID)
		}
		return nil

	case AssertReferenced:
		got := m.IsEntityReferenced(a.Entity, a.ID, nil)
		if got != a.Value {
			return fmt.Errorf("%s/%s referenced = %v, want %v", a.Entity, a.ID, got, a.Value)
		}
		return nil

	case AssertEventCount:
		n := 0
		for _, ev := range result.Events {
			if ev.Name == a.Event {
				n++
			}
		}
		if n != a.Count {
			return fmt.Errorf("event %q fired %d times, want %d", a.Event, n, a.Count)
		}
		return nil

	case AssertEventOrder:
		idx := 0
		for _, ev := range result.Events {
			if ev.Name == a.Events[idx] {
				idx++
				if idx == len(a.Events) {
					return nil
				}
			}
		}
		return fmt.Errorf("event order not satisfied: stuck waiting for %q (%d/%d matched)",
			a.Events[idx], idx, len(a.Events))

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// looseEqual compares an assertion expectation against a stored value,
// widening numeric types so YAML ints match stored floats and vice versa.
func looseEqual(got, want any) bool {
	if entity.Equal(got, want) {
		return true
	}
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)
	return gok && wok && gf == wf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
