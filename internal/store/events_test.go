package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternsFor(t *testing.T) {
	patterns := patternsFor("User", "1", ChangeUpdated)
	assert.Equal(t, [5]string{
		"User.1:updated",
		"User.*:updated",
		"*.*:updated",
		"User.1:*",
		"*.*:*",
	}, patterns)
}

func TestEmitterRoutesToMatchingPatterns(t *testing.T) {
	e := newEmitter()

	calls := make(map[string]int)
	e.On("User.1:updated", func(ev Event) { calls["exact"]++ })
	e.On("User.*:updated", func(ev Event) { calls["entity-wild"]++ })
	e.On("*.*:updated", func(ev Event) { calls["type-wild"]++ })
	e.On("User.1:*", func(ev Event) { calls["change-wild"]++ })
	e.On("*.*:*", func(ev Event) { calls["all"]++ })
	e.On("Post.*:updated", func(ev Event) { calls["other"]++ })

	e.emitPath(Event{Name: EventName("User", "1", ChangeUpdated), Entity: "User", ID: "1", ChangeType: ChangeUpdated})

	assert.Equal(t, 1, calls["exact"])
	assert.Equal(t, 1, calls["entity-wild"])
	assert.Equal(t, 1, calls["type-wild"])
	assert.Equal(t, 1, calls["change-wild"])
	assert.Equal(t, 1, calls["all"])
	assert.Equal(t, 0, calls["other"])
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := newEmitter()
	calls := 0
	off := e.On("*.*:*", func(ev Event) { calls++ })

	e.emitPath(Event{Entity: "User", ID: "1", ChangeType: ChangeAdded})
	off()
	e.emitPath(Event{Entity: "User", ID: "1", ChangeType: ChangeAdded})

	assert.Equal(t, 1, calls)
}

func TestEmitterPanickingListenerIsContained(t *testing.T) {
	e := newEmitter()
	survived := false
	e.On("*.*:*", func(ev Event) { panic("boom") })
	e.On("User.1:*", func(ev Event) { survived = true })

	assert.NotPanics(t, func() {
		e.emitPath(Event{Entity: "User", ID: "1", ChangeType: ChangeAdded})
	})
	assert.True(t, survived)
}

func TestStateChangeListeners(t *testing.T) {
	e := newEmitter()
	got := 0
	off := e.OnStateChange(func(sc StateChange) { got++ })

	e.emitStateChange(StateChange{})
	off()
	e.emitStateChange(StateChange{})

	assert.Equal(t, 1, got)
}

func TestStateChangePanicContained(t *testing.T) {
	e := newEmitter()
	e.OnStateChange(func(sc StateChange) { panic("boom") })
	assert.NotPanics(t, func() { e.emitStateChange(StateChange{}) })
}
