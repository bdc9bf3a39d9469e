// Package remote is the query/command client used for bootstrap fetches,
// invalidate refetches and mutator-issued commands.
//
// Documents are named operations (fetchOne, closeWon, ...) with a variables
// map, answered with a JSON result. The envelope is GraphQL shaped
// ({"data": ..., "errors": [{"message": ...}]}) so a real GraphQL backend can
// sit behind HTTPClient unchanged.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/entsync/internal/record"
)

// Document names a remote query or command.
type Document string

// Documents understood by the reference authority.
const (
	DocFetchOne        Document = "fetchOne"
	DocFetchAll        Document = "fetchAll"
	DocUpsert          Document = "upsert"
	DocCloseWon        Document = "closeWon"
	DocCloseLost       Document = "closeLost"
	DocUpdateStage     Document = "updateStage"
	DocUpdateFields    Document = "updateFields"
	DocUpdateLineItems Document = "updateLineItems"
)

// Vars are the variables of one request.
type Vars map[string]any

// Client issues requests. Implementations must be safe for concurrent use.
type Client interface {
	Request(ctx context.Context, doc Document, vars Vars) (json.RawMessage, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, doc Document, vars Vars) (json.RawMessage, error)

// Request implements Client.
func (f ClientFunc) Request(ctx context.Context, doc Document, vars Vars) (json.RawMessage, error) {
	return f(ctx, doc, vars)
}

// Error is a request the remote answered with error messages.
type Error struct {
	Document Document
	Messages []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Document, strings.Join(e.Messages, "; "))
}

// IsError reports whether err carries a remote rejection.
func IsError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Rejectf builds an *Error for doc.
func Rejectf(doc Document, format string, args ...any) *Error {
	return &Error{Document: doc, Messages: []string{fmt.Sprintf(format, args...)}}
}

// FetchOne loads one record and its channel version.
func FetchOne(ctx context.Context, c Client, kind, id string) (record.Snapshot, error) {
	raw, err := c.Request(ctx, DocFetchOne, Vars{"kind": kind, "id": id})
	if err != nil {
		return record.Snapshot{}, err
	}
	return decodeSnapshot(raw)
}

// FetchAll loads every record of kind.
func FetchAll(ctx context.Context, c Client, kind string) ([]record.Snapshot, error) {
	raw, err := c.Request(ctx, DocFetchAll, Vars{"kind": kind})
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", DocFetchAll, err)
	}
	snaps := make([]record.Snapshot, 0, len(out.Items))
	for i, item := range out.Items {
		s, err := decodeSnapshot(item)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// decodeSnapshot keeps number precision by going through record.Decode.
func decodeSnapshot(raw json.RawMessage) (record.Snapshot, error) {
	var out struct {
		Value   json.RawMessage `json:"value"`
		Version int64           `json:"version"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return record.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	value, err := record.DecodeObject(out.Value)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("decode snapshot value: %w", err)
	}
	return record.Snapshot{Value: value, Version: out.Version}, nil
}

// EncodeSnapshot renders a snapshot the way FetchOne expects to read it.
func EncodeSnapshot(s record.Snapshot) (json.RawMessage, error) {
	value, err := record.MarshalCanonical(s.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Value   json.RawMessage `json:"value"`
		Version int64           `json:"version"`
	}{value, s.Version})
}
