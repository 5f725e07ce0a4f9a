package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Record is one stored table state. Data is the state's data object as
// sent by the client.
type Record struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Patch is a partial update. Nil fields are kept.
type Patch struct {
	Name *string
	Data json.RawMessage
}

const selectColumns = "SELECT id, name, user_id, data, created_at, updated_at FROM table_states"

// Create stores a new record. Timestamps are set by the store.
func (db *DB) Create(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		return Record{}, fmt.Errorf("table state id is required")
	}
	if len(r.Data) == 0 {
		r.Data = json.RawMessage("{}")
	}
	now := db.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := db.db.ExecContext(ctx,
		db.rebind("INSERT INTO table_states (id, name, user_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"),
		r.ID, r.Name, nullString(r.UserID), string(r.Data), now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("insert table state %s: %w", r.ID, err)
	}
	return r, nil
}

// Get returns the record with the given id.
func (db *DB) Get(ctx context.Context, id string) (Record, error) {
	row := db.db.QueryRowContext(ctx, db.rebind(selectColumns+" WHERE id = ?"), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get table state %s: %w", id, err)
	}
	return r, nil
}

// List returns every record, most recently updated first.
func (db *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := db.db.QueryContext(ctx, selectColumns+" ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list table states: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table state: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update applies p to the record and bumps its updated time.
func (db *DB) Update(ctx context.Context, id string, p Patch) (Record, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx, db.rebind(selectColumns+" WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load table state %s: %w", id, err)
	}
	if p.Name != nil {
		r.Name = *p.Name
	}
	if len(p.Data) > 0 {
		r.Data = p.Data
	}
	r.UpdatedAt = db.now().UTC()
	if !r.UpdatedAt.After(r.CreatedAt) {
		r.UpdatedAt = r.CreatedAt
	}

	if _, err := tx.ExecContext(ctx,
		db.rebind("UPDATE table_states SET name = ?, data = ?, updated_at = ? WHERE id = ?"),
		r.Name, string(r.Data), r.UpdatedAt.UnixNano(), id); err != nil {
		return Record{}, fmt.Errorf("update table state %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit update %s: %w", id, err)
	}
	return r, nil
}

// Save creates the record or replaces the name and data of an existing one.
func (db *DB) Save(ctx context.Context, r Record) (Record, error) {
	name := r.Name
	out, err := db.Update(ctx, r.ID, Patch{Name: &name, Data: r.Data})
	if errors.Is(err, ErrNotFound) {
		out, err = db.Create(ctx, r)
		if errors.Is(err, ErrConflict) {
			// Lost a race with another creator.
			return db.Update(ctx, r.ID, Patch{Name: &name, Data: r.Data})
		}
	}
	return out, err
}

// Delete removes the record with the given id.
func (db *DB) Delete(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, db.rebind("DELETE FROM table_states WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete table state %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete table state %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r                Record
		userID           sql.NullString
		data             []byte
		created, updated int64
	)
	if err := s.Scan(&r.ID, &r.Name, &userID, &data, &created, &updated); err != nil {
		return Record{}, err
	}
	r.UserID = userID.String
	r.Data = json.RawMessage(data)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
