package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/record"
)

// ErrEmptyDiff is returned by Commit when the change function produced no
// changes. Nothing is written.
var ErrEmptyDiff = errors.New("store: empty diff")

// Packet is one committed change.
type Packet struct {
	Seq      int64     `json:"seq"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	Version  int64     `json:"version"`
	Diff     diff.Diff `json:"diff"`
	Origin   string    `json:"origin"`
}

// ChangeFunc computes the diff to commit from the current record. A
// missing record is passed as an empty object at version 0.
type ChangeFunc func(current record.Snapshot) (diff.Diff, error)

// Commit runs change against the current record, applies the returned diff
// and appends it to the log at the next version, all in one transaction.
//
// Returns ErrEmptyDiff if change returns no changes, and change's own error
// unwrapped so callers can inspect it.
func (s *Store) Commit(ctx context.Context, kind, id, origin string, change ChangeFunc) (Packet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Packet{}, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	current, err := getRecord(ctx, tx, kind, id)
	if errors.Is(err, ErrNotFound) {
		current = record.Snapshot{Value: record.Object{}}
	} else if err != nil {
		return Packet{}, err
	}

	d, err := change(current)
	if err != nil {
		return Packet{}, err
	}
	if d.IsEmpty() {
		return Packet{}, ErrEmptyDiff
	}
	next, err := diff.ApplyObject(current.Value, d)
	if err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: %w", kind, id, err)
	}

	value, err := marshalValue(next)
	if err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: %w", kind, id, err)
	}
	diffJSON, err := json.Marshal(d)
	if err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: marshal diff: %w", kind, id, err)
	}

	version := current.Version + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (kind, id, value, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value, version = excluded.version
	`, kind, id, value, version); err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: update record: %w", kind, id, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO packets (kind, entity_id, version, diff, origin)
		VALUES (?, ?, ?, ?, ?)
	`, kind, id, version, string(diffJSON), origin)
	if err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: append packet: %w", kind, id, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: packet seq: %w", kind, id, err)
	}

	if err := tx.Commit(); err != nil {
		return Packet{}, fmt.Errorf("commit %s/%s: %w", kind, id, err)
	}
	return Packet{Seq: seq, Kind: kind, EntityID: id, Version: version, Diff: d, Origin: origin}, nil
}

// Head returns the current version of (kind, id), 0 if it does not exist.
func (s *Store) Head(ctx context.Context, kind, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM records WHERE kind = ? AND id = ?
	`, kind, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("head %s/%s: %w", kind, id, err)
	}
	return version, nil
}

// PacketsSince returns the packets of (kind, id) with a version greater
// than since, in version order. An empty id returns the packets of every
// entity of kind in commit order.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) PacketsSince(ctx context.Context, kind, id string, since int64) ([]Packet, error) {
	var rows *sql.Rows
	var err error
	if id == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, kind, entity_id, version, diff, origin
			FROM packets
			WHERE kind = ? AND seq > ?
			ORDER BY seq ASC
		`, kind, since)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, kind, entity_id, version, diff, origin
			FROM packets
			WHERE kind = ? AND entity_id = ? AND version > ?
			ORDER BY version ASC
		`, kind, id, since)
	}
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	out := []Packet{}
	for rows.Next() {
		var p Packet
		var diffJSON string
		if err := rows.Scan(&p.Seq, &p.Kind, &p.EntityID, &p.Version, &diffJSON, &p.Origin); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		d, err := diff.Decode([]byte(diffJSON))
		if err != nil {
			return nil, fmt.Errorf("decode packet %d: %w", p.Seq, err)
		}
		p.Diff = d
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packets: %w", err)
	}
	return out, nil
}
