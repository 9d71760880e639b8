package scenario

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/pilsy/normstore/internal/entity"
)

// Snapshot captures the observable outcome of a scenario run. All fields
// serialize through canonical JSON for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Events       []RecordedEvent
	FinalState   entity.State
}

// toCanonicalMap converts a Snapshot to plain maps and slices so the
// canonical marshaller can order and normalize every key.
func (s *Snapshot) toCanonicalMap() map[string]any {
	events := make([]any, len(s.Events))
	for i, ev := range s.Events {
		eventMap := map[string]any{
			"seq":         ev.Seq,
			"name":        ev.Name,
			"change_type": ev.ChangeType,
		}
		if ev.Changes != nil {
			eventMap["changes"] = ev.Changes
		}
		events[i] = eventMap
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"events":        events,
		"final_state":   s.FinalState,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against the
// golden file testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
func RunWithGolden(t *testing.T, s *Scenario) error {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		return err
	}

	snapshot := Snapshot{
		ScenarioName: s.Name,
		Events:       result.Events,
		FinalState:   result.FinalState,
	}
	data, err := entity.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, data)
	return nil
}
