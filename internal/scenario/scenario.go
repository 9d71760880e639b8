// Package scenario provides a declarative YAML harness for exercising a
// store end to end: register schemas, drive mutations through actions and
// handles, then assert on the final state, reference liveness and the
// events the run emitted.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one conformance scenario.
// Scenarios validate store behavior by executing a flow of mutations and
// asserting on the resulting events and final normalized state.
type Scenario struct {
	// Name uniquely identifies this scenario (and its golden file).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas lists paths to schema files (.yaml or .cue) to register.
	// Paths are relative to the scenario file location.
	Schemas []string `yaml:"schemas"`

	// Setup contains mutations to run before the main flow. These
	// establish initial state and are assumed to succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the main test flow. Each step may declare an
	// expected error substring; steps without one must succeed.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state and the recorded events.
	// Supported types: final_state, absent, referenced, event_count,
	// event_order.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one mutation in a scenario. Op selects the shape; the remaining
// fields are read per op:
//
//	upsert:     entity, record, strategy (optional)
//	upsertMany: entities
//	update:     entity, id, changes, strategy
//	delete:     entity, id
//	deleteMany: entity, ids
//	clear:      -
//	setState:   entities
//	set:        entity, id, field, value   (handle write)
//	setPath:    entity, id, path, value    (handle write)
//	unset:      entity, id, fields         (handle write)
//	push:       entity, id, field, items   (handle write)
//	unshift:    entity, id, field, items   (handle write)
//	pop:        entity, id, field          (handle write)
//	shift:      entity, id, field          (handle write)
//	splice:     entity, id, field, ops     (handle write)
type Step struct {
	Op       string                            `yaml:"op"`
	Entity   string                            `yaml:"entity,omitempty"`
	ID       string                            `yaml:"id,omitempty"`
	IDs      []string                          `yaml:"ids,omitempty"`
	Record   map[string]any                    `yaml:"record,omitempty"`
	Changes  map[string]any                    `yaml:"changes,omitempty"`
	Entities map[string]map[string]map[string]any `yaml:"entities,omitempty"`
	Strategy string                            `yaml:"strategy,omitempty"`
	Field    string                            `yaml:"field,omitempty"`
	Fields   []string                          `yaml:"fields,omitempty"`
	Path     string                            `yaml:"path,omitempty"`
	Value    any                               `yaml:"value,omitempty"`
	Items    []any                             `yaml:"items,omitempty"`
	Ops      [][]any                           `yaml:"ops,omitempty"`

	// ExpectError is a substring the step's error must contain. Flow
	// steps without it must succeed; setup steps may not set it.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the final state or the recorded events.
type Assertion struct {
	// Type selects the assertion:
	//   - "final_state": entity/id exists and Expect fields match (subset)
	//   - "absent": entity/id is not in the final state
	//   - "referenced": IsEntityReferenced(entity, id) equals Value
	//   - "event_count": the concrete event name fired Count times
	//   - "event_order": the named events fired in this relative order
	Type string `yaml:"type"`

	Entity string         `yaml:"entity,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Value  bool           `yaml:"value,omitempty"`
	Event  string         `yaml:"event,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Events []string       `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertAbsent     = "absent"
	AssertReferenced = "referenced"
	AssertEventCount = "event_count"
	AssertEventOrder = "event_order"
)

// Load reads and parses a scenario YAML file. Unknown fields are rejected
// to catch typos; schema paths resolve relative to the scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, schemaPath := range s.Schemas {
		if !filepath.IsAbs(schemaPath) {
			s.Schemas[i] = filepath.Join(base, schemaPath)
		}
	}

	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schemas) == 0 {
		return fmt.Errorf("schemas list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, schemaPath := range s.Schemas {
		if _, err := os.Stat(schemaPath); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", schemaPath)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.ExpectError != "" {
			return fmt.Errorf("setup[%d]: expect_error is not allowed in setup", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(&a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	switch st.Op {
	case "upsert":
		if st.Entity == "" || st.Record == nil {
			return fmt.Errorf("upsert requires entity and record")
		}
	case "upsertMany", "setState":
		if st.Entities == nil {
			return fmt.Errorf("%s requires entities", st.Op)
		}
	case "update":
		if st.Entity == "" || st.ID == "" || (st.Changes == nil && st.Op == "update") {
			return fmt.Errorf("update requires entity, id and changes")
		}
	case "delete":
		if st.Entity == "" || st.ID == "" {
			return fmt.Errorf("delete requires entity and id")
		}
	case "deleteMany":
		if st.Entity == "" || len(st.IDs) == 0 {
			return fmt.Errorf("deleteMany requires entity and ids")
		}
	case "clear":
	case "set", "setPath":
		if st.Entity == "" || st.ID == "" {
			return fmt.Errorf("%s requires entity and id", st.Op)
		}
		if st.Op == "set" && st.Field == "" {
			return fmt.Errorf("set requires field")
		}
		if st.Op == "setPath" && st.Path == "" {
			return fmt.Errorf("setPath requires path")
		}
	case "unset":
		if st.Entity == "" || st.ID == "" || len(st.Fields) == 0 {
			return fmt.Errorf("unset requires entity, id and fields")
		}
	case "push", "unshift":
		if st.Entity == "" || st.ID == "" || st.Field == "" || len(st.Items) == 0 {
			return fmt.Errorf("%s requires entity, id, field and items", st.Op)
		}
	case "pop", "shift":
		if st.Entity == "" || st.ID == "" || st.Field == "" {
			return fmt.Errorf("%s requires entity, id and field", st.Op)
		}
	case "splice":
		if st.Entity == "" || st.ID == "" || st.Field == "" || len(st.Ops) == 0 {
			return fmt.Errorf("splice requires entity, id, field and ops")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Entity == "" || a.ID == "" || len(a.Expect) == 0 {
			return fmt.Errorf("final_state requires entity, id and expect")
		}
	case AssertAbsent, AssertReferenced:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("%s requires entity and id", a.Type)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("event_count requires event")
		}
		if a.Count < 0 {
			return fmt.Errorf("event_count count must be non-negative")
		}
	case AssertEventOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("event_order requires at least two events")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
