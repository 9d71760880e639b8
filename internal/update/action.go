package update

import (
	"github.com/pilsy/normstore/internal/entity"
)

// Kind enumerates the action variants. Actions are the only unit of state
// mutation; every mutation path in the store reduces to a batch of these.
type Kind int

const (
	// UpsertOne inserts or updates a single entity record.
	UpsertOne Kind = iota + 1
	// UpsertMany inserts or updates records across entity types.
	UpsertMany
	// PartialUpdate applies a strategy to named fields of one entity.
	PartialUpdate
	// DeleteOne removes a single entity record by id.
	DeleteOne
	// DeleteMany removes several records of one entity type by id.
	DeleteMany
	// Clear resets the whole state to empty.
	Clear
	// SetState replaces the whole normalized state.
	SetState
)

// String returns the kind name for logs and the journal.
func (k Kind) String() string {
	switch k {
	case UpsertOne:
		return "upsertOne"
	case UpsertMany:
		return "upsertMany"
	case PartialUpdate:
		return "partialUpdate"
	case DeleteOne:
		return "deleteOne"
	case DeleteMany:
		return "deleteMany"
	case Clear:
		return "clear"
	case SetState:
		return "setState"
	default:
		return "unknown"
	}
}

// KindFromString parses a journal kind name back into a Kind.
// Returns 0 for unknown names.
func KindFromString(s string) Kind {
	switch s {
	case "upsertOne":
		return UpsertOne
	case "upsertMany":
		return UpsertMany
	case "partialUpdate":
		return PartialUpdate
	case "deleteOne":
		return DeleteOne
	case "deleteMany":
		return DeleteMany
	case "clear":
		return Clear
	case "setState":
		return SetState
	default:
		return 0
	}
}

// Strategy names the per-field update semantics of a partial update.
type Strategy string

const (
	// StrategySet replaces named fields wholesale, arrays included.
	StrategySet Strategy = "$set"
	// StrategyMerge shallow-merges named fields into the record; behaves
	// as $set for the whole record when the entity did not exist.
	StrategyMerge Strategy = "$merge"
	// StrategyReplace replaces the entire entity record.
	StrategyReplace Strategy = "$replace"
	// StrategyUnset removes named fields from the record.
	StrategyUnset Strategy = "$unset"
	// StrategyPush appends value(s) to an array field.
	StrategyPush Strategy = "$push"
	// StrategyUnshift prepends value(s) to an array field.
	StrategyUnshift Strategy = "$unshift"
	// StrategySplice applies [start, deleteCount, items...] operations to an
	// array field.
	StrategySplice Strategy = "$splice"
	// StrategyApply applies a transform function to the field's (or the
	// whole entity's) current value.
	StrategyApply Strategy = "$apply"
)

// DefaultStrategy is used when an action omits its strategy.
const DefaultStrategy = StrategyMerge

// ApplyFunc is a pure transform used by the $apply strategy. It receives a
// deep copy of the current value and returns the replacement.
type ApplyFunc func(current any) any

// SpliceOp is one splice operation against an array field.
type SpliceOp struct {
	Start       int
	DeleteCount int
	Items       []any
}

// Action is the tagged mutation unit dispatched to the store.
//
// Which fields are meaningful depends on Kind:
//
//	UpsertOne:     Entity, Record, Strategy
//	UpsertMany:    Entities, Strategy
//	PartialUpdate: Entity, ID, Record (the changes), Strategy, ApplyFn
//	DeleteOne:     Entity, ID
//	DeleteMany:    Entity, IDs
//	Clear:         -
//	SetState:      Entities
//
// Origin is an opaque tag identifying the store instance that produced the
// action, used downstream to suppress self-notification.
type Action struct {
	Kind     Kind
	Entity   string
	ID       string
	IDs      []string
	Record   entity.Record
	Entities entity.State
	Strategy Strategy

	// ApplyFn carries the whole-entity transform for PartialUpdate with
	// StrategyApply and a nil Record.
	ApplyFn ApplyFunc

	Origin string
}

// NewUpsertOne builds an upsert of a single record with the default
// strategy.
func NewUpsertOne(entityName string, record entity.Record) Action {
	return Action{Kind: UpsertOne, Entity: entityName, Record: record, Strategy: DefaultStrategy}
}

// NewUpsertMany builds an upsert across entity types.
func NewUpsertMany(entities entity.State) Action {
	return Action{Kind: UpsertMany, Entities: entities, Strategy: DefaultStrategy}
}

// NewPartialUpdate builds a strategy update of named fields on one entity.
func NewPartialUpdate(entityName, id string, changes entity.Record, strategy Strategy) Action {
	return Action{Kind: PartialUpdate, Entity: entityName, ID: id, Record: changes, Strategy: strategy}
}

// NewDeleteOne builds a delete of a single entity record.
func NewDeleteOne(entityName, id string) Action {
	return Action{Kind: DeleteOne, Entity: entityName, ID: id}
}

// NewDeleteMany builds a delete of several records of one type.
func NewDeleteMany(entityName string, ids ...string) Action {
	return Action{Kind: DeleteMany, Entity: entityName, IDs: ids}
}

// NewClear builds a reset of the whole state.
func NewClear() Action {
	return Action{Kind: Clear}
}

// NewSetState builds a wholesale replacement of the normalized state.
func NewSetState(entities entity.State) Action {
	return Action{Kind: SetState, Entities: entities}
}
