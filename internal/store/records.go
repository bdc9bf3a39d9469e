package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/entsync/internal/record"
)

// Stored is a record as kept by the authority.
type Stored struct {
	Kind string
	ID   string
	record.Snapshot
}

// PutRecord stores value for (kind, id) without touching its version. Used
// to seed records and by commands that replace a whole value; channel
// changes go through Commit.
func (s *Store) PutRecord(ctx context.Context, kind, id string, value record.Object) error {
	data, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", kind, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, value, version)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value
	`, kind, id, data)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetRecord returns the value and version of (kind, id), or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, kind, id string) (record.Snapshot, error) {
	return getRecord(ctx, s.db, kind, id)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, kind, id string) (record.Snapshot, error) {
	var data string
	var version int64
	err := q.QueryRowContext(ctx, `
		SELECT value, version FROM records WHERE kind = ? AND id = ?
	`, kind, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("get record %s/%s: %w", kind, id, err)
	}
	value, err := record.DecodeObject([]byte(data))
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("decode record %s/%s: %w", kind, id, err)
	}
	return record.Snapshot{Value: value, Version: version}, nil
}

// ListRecords returns every record of kind, ordered by id.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListRecords(ctx context.Context, kind string) ([]Stored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, version
		FROM records
		WHERE kind = ?
		ORDER BY id COLLATE BINARY ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Stored{}
	for rows.Next() {
		var id, data string
		var version int64
		if err := rows.Scan(&id, &data, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		value, err := record.DecodeObject([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode record %s/%s: %w", kind, id, err)
		}
		out = append(out, Stored{Kind: kind, ID: id, Snapshot: record.Snapshot{Value: value, Version: version}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Kinds returns the distinct record kinds, sorted.
func (s *Store) Kinds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT kind FROM records ORDER BY kind COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query kinds: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, fmt.Errorf("scan kind: %w", err)
		}
		out = append(out, kind)
	}
	return out, rows.Err()
}

func marshalValue(value record.Object) (string, error) {
	if value == nil {
		value = record.Object{}
	}
	data, err := record.MarshalCanonical(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}
