package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pilsy/normstore/internal/entity"
)

// Event is delivered to path-pattern listeners for each changed entity.
type Event struct {
	// Name is the concrete "{Entity}.{id}:{changeType}" the event fired under.
	Name          string
	Entity        string
	ID            string
	ChangeType    ChangeType
	Changes       entity.Record
	NewState      entity.State
	PreviousState entity.State
	Origins       []string
}

// StateChange is the catch-all notification fired once per non-empty diff,
// regardless of path-pattern listeners or origin suppression.
type StateChange struct {
	NewState      entity.State
	PreviousState entity.State
	Differences   Diff
	Origins       []string
}

// Listener receives path events. Listeners must not retain or mutate the
// state references they are handed.
type Listener func(Event)

// StateChangeListener receives the per-batch catch-all notification.
type StateChangeListener func(StateChange)

// EventName renders the concrete event name for a changed entity.
func EventName(entityName, id string, ct ChangeType) string {
	return fmt.Sprintf("%s.%s:%s", entityName, id, ct)
}

// patternsFor expands a concrete change triple into the five pattern names
// it matches: the exact name plus four wildcard variants.
func patternsFor(entityName, id string, ct ChangeType) [5]string {
	return [5]string{
		fmt.Sprintf("%s.%s:%s", entityName, id, ct),
		fmt.Sprintf("%s.*:%s", entityName, ct),
		fmt.Sprintf("*.*:%s", ct),
		fmt.Sprintf("%s.%s:*", entityName, id),
		"*.*:*",
	}
}

// emitter routes change events to pattern subscribers. Each pattern keys
// its own listener set; a listener subscribed under several patterns that
// all match one change may be invoked once per matching pattern.
type emitter struct {
	mu          sync.RWMutex
	nextToken   int
	listeners   map[string]map[int]Listener
	stateChange map[int]StateChangeListener
}

func newEmitter() *emitter {
	return &emitter{
		listeners:   make(map[string]map[int]Listener),
		stateChange: make(map[int]StateChangeListener),
	}
}

// On subscribes a listener to a pattern ("User.1:updated", "User.*:deleted",
// "*.*:*", ...). Returns an unsubscribe func.
func (e *emitter) On(pattern string, l Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextToken++
	token := e.nextToken
	set := e.listeners[pattern]
	if set == nil {
		set = make(map[int]Listener)
		e.listeners[pattern] = set
	}
	set[token] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[pattern], token)
		if len(e.listeners[pattern]) == 0 {
			delete(e.listeners, pattern)
		}
	}
}

// OnStateChange subscribes to the catch-all notification. Returns an
// unsubscribe func.
func (e *emitter) OnStateChange(l StateChangeListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextToken++
	token := e.nextToken
	e.stateChange[token] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.stateChange, token)
	}
}

// emitPath fires one change triple to every matching pattern's listeners.
// Listener failures are contained: a panicking listener is logged and the
// remaining listeners still run. State is committed before notification,
// so a bad listener can never corrupt it.
func (e *emitter) emitPath(ev Event) {
	for _, pattern := range patternsFor(ev.Entity, ev.ID, ev.ChangeType) {
		e.mu.RLock()
		set := e.listeners[pattern]
		ls := make([]Listener, 0, len(set))
		for _, l := range set {
			ls = append(ls, l)
		}
		e.mu.RUnlock()

		for _, l := range ls {
			invokeListener(pattern, ev, l)
		}
	}
}

// emitStateChange fires the catch-all notification.
func (e *emitter) emitStateChange(sc StateChange) {
	e.mu.RLock()
	ls := make([]StateChangeListener, 0, len(e.stateChange))
	for _, l := range e.stateChange {
		ls = append(ls, l)
	}
	e.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("stateChange listener panicked",
						"panic", r,
					)
				}
			}()
			l(sc)
		}()
	}
}

func invokeListener(pattern string, ev Event, l Listener) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked",
				"pattern", pattern,
				"event", ev.Name,
				"panic", r,
			)
		}
	}()
	l(ev)
}
