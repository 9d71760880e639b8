// Package journal provides an append-only SQLite log of committed store
// actions. The journal is a diagnostic and recovery surface: actions are
// the store's auditable unit of mutation, and folding the log through the
// update engine reproduces the state they built.
//
// The journal is optional and best-effort from the store's point of view;
// persistence policy (a file path vs ":memory:") belongs to the host.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/update"
)

//go:embed schema.sql
var schemaSQL string

// Journal is an append-only action log backed by SQLite.
type Journal struct {
	db *sql.DB
}

// Open creates or opens a journal database at the given path (":memory:"
// for an in-memory journal).
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Idempotent: safe to call against an existing journal file.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite supports a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records a batch of actions in order, atomically.
//
// Actions carrying $apply transform functions cannot be serialized and
// fail the whole batch; the store treats journaling of such actions as
// best-effort and logs the failure.
func (j *Journal) Append(ctx context.Context, actions []update.Action) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO actions (kind, entity, entity_id, ids, payload, payload_hash, strategy, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for i, action := range actions {
		row, err := encodeAction(action)
		if err != nil {
			return fmt.Errorf("encode action %d (%s): %w", i, action.Kind, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.kind, row.entity, row.entityID, row.ids,
			row.payload, row.payloadHash, row.strategy, row.origin,
		); err != nil {
			return fmt.Errorf("insert action %d (%s): %w", i, action.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal append: %w", err)
	}
	return nil
}

// Len returns the number of journaled actions.
func (j *Journal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal actions: %w", err)
	}
	return n, nil
}

// Actions reads the full log back in sequence order.
func (j *Journal) Actions(ctx context.Context) ([]update.Action, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT kind, entity, entity_id, ids, payload, strategy, origin
		FROM actions ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var actions []update.Action
	for rows.Next() {
		var kind, entityName, entityID, ids, payload, strategy, origin string
		if err := rows.Scan(&kind, &entityName, &entityID, &ids, &payload, &strategy, &origin); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		action, err := decodeAction(kind, entityName, entityID, ids, payload, strategy, origin)
		if err != nil {
			return nil, fmt.Errorf("decode journal row: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return actions, nil
}

type actionRow struct {
	kind        string
	entity      string
	entityID    string
	ids         string
	payload     string
	payloadHash string
	strategy    string
	origin      string
}

func encodeAction(a update.Action) (actionRow, error) {
	row := actionRow{
		kind:     a.Kind.String(),
		entity:   a.Entity,
		entityID: a.ID,
		strategy: string(a.Strategy),
		origin:   a.Origin,
	}
	if a.ApplyFn != nil {
		return row, fmt.Errorf("$apply transform functions are not journalable")
	}

	idsJSON, err := json.Marshal(a.IDs)
	if err != nil {
		return row, err
	}
	row.ids = string(idsJSON)

	var payload any
	switch a.Kind {
	case update.UpsertOne, update.PartialUpdate:
		payload = a.Record
	case update.UpsertMany, update.SetState:
		payload = a.Entities
	default:
		payload = nil
	}
	data, err := entity.MarshalCanonical(payload)
	if err != nil {
		return row, err
	}
	row.payload = string(data)

	sum := sha256.Sum256(data)
	row.payloadHash = hex.EncodeToString(sum[:])
	return row, nil
}

func decodeAction(kind, entityName, entityID, ids, payload, strategy, origin string) (update.Action, error) {
	k := update.KindFromString(kind)
	if k == 0 {
		return update.Action{}, fmt.Errorf("unknown action kind %q", kind)
	}
	a := update.Action{
		Kind:     k,
		Entity:   entityName,
		ID:       entityID,
		Strategy: update.Strategy(strategy),
		Origin:   origin,
	}
	if err := json.Unmarshal([]byte(ids), &a.IDs); err != nil {
		return a, fmt.Errorf("ids: %w", err)
	}

	switch k {
	case update.UpsertOne, update.PartialUpdate:
		var rec map[string]any
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return a, fmt.Errorf("payload record: %w", err)
		}
		a.Record = entity.Record(rec)
	case update.UpsertMany, update.SetState:
		var raw map[string]map[string]map[string]any
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return a, fmt.Errorf("payload entities: %w", err)
		}
		st := entity.NewState()
		for name, bucket := range raw {
			inner := make(map[string]entity.Record, len(bucket))
			for id, rec := range bucket {
				inner[id] = entity.Record(rec)
			}
			st[name] = inner
		}
		a.Entities = st
	}
	return a, nil
}
