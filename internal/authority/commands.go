package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
)

// Stage values written by the close commands.
const (
	StageClosedWon  = "ClosedWon"
	StageClosedLost = "ClosedLost"
)

// Client returns the authority as a remote.Client.
func (a *Authority) Client() remote.Client {
	return remote.ClientFunc(a.Request)
}

// edit computes a record's next value from its current one and the request
// variables.
type edit func(cur record.Object, vars remote.Vars) (record.Object, error)

var edits = map[remote.Document]edit{
	remote.DocCloseWon: func(cur record.Object, _ remote.Vars) (record.Object, error) {
		cur["internalStage"] = StageClosedWon
		cur["probability"] = int64(100)
		cur["isClosed"] = true
		return cur, nil
	},
	remote.DocCloseLost: func(cur record.Object, vars remote.Vars) (record.Object, error) {
		cur["internalStage"] = StageClosedLost
		cur["probability"] = int64(0)
		cur["isClosed"] = true
		reason, err := record.Normalize(vars["lossReason"])
		if err != nil {
			return nil, fmt.Errorf("lossReason: %w", err)
		}
		cur["lossReason"] = reason
		return cur, nil
	},
	remote.DocUpdateStage: func(cur record.Object, vars remote.Vars) (record.Object, error) {
		stage, ok := vars["stage"].(string)
		if !ok {
			return nil, errors.New("stage must be a string")
		}
		cur["externalStage"] = stage
		return cur, nil
	},
	remote.DocUpdateLineItems: func(cur record.Object, vars remote.Vars) (record.Object, error) {
		items, err := record.Normalize(vars["lineItems"])
		if err != nil {
			return nil, fmt.Errorf("lineItems: %w", err)
		}
		if _, ok := items.([]any); !ok && items != nil {
			return nil, fmt.Errorf("lineItems must be an array, got %s", record.TypeName(items))
		}
		cur["lineItems"] = items
		return cur, nil
	},
	remote.DocUpdateFields: updateFields,
	remote.DocUpsert: func(cur record.Object, vars remote.Vars) (record.Object, error) {
		v, err := record.Normalize(vars["value"])
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("value must be an object, got %s", record.TypeName(v))
		}
		return next, nil
	},
}

// Request answers a remote document. Queries read the store; commands
// commit their change and broadcast it to every subscriber, the caller's
// own channels included. A command that changes nothing commits nothing.
func (a *Authority) Request(ctx context.Context, doc remote.Document, vars remote.Vars) (json.RawMessage, error) {
	kind, _ := vars["kind"].(string)
	if kind == "" {
		return nil, remote.Rejectf(doc, "missing kind")
	}

	switch doc {
	case remote.DocFetchAll:
		return a.fetchAll(ctx, kind)
	case remote.DocFetchOne:
		id, err := requireID(doc, vars)
		if err != nil {
			return nil, err
		}
		snap, err := a.store.GetRecord(ctx, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, remote.Rejectf(doc, "%s %q not found", kind, id)
		}
		if err != nil {
			return nil, err
		}
		return remote.EncodeSnapshot(snap)
	}

	fn, ok := edits[doc]
	if !ok {
		return nil, remote.Rejectf(doc, "unknown document")
	}
	id, err := requireID(doc, vars)
	if err != nil {
		return nil, err
	}
	return a.execute(ctx, doc, kind, id, vars, fn)
}

func (a *Authority) execute(ctx context.Context, doc remote.Document, kind, id string, vars remote.Vars, fn edit) (json.RawMessage, error) {
	_, err := a.commit(ctx, kind, id, OriginCommand+":"+string(doc), nil, func(cur record.Snapshot) (diff.Diff, error) {
		if len(cur.Value) == 0 && doc != remote.DocUpsert {
			return nil, remote.Rejectf(doc, "%s %q not found", kind, id)
		}
		next, err := fn(record.CloneObject(cur.Value), vars)
		if err != nil {
			return nil, remote.Rejectf(doc, "%v", err)
		}
		if doc == remote.DocUpsert {
			next[a.idField] = id
		} else if !record.Equal(next[a.idField], cur.Value[a.idField]) {
			return nil, remote.Rejectf(doc, "field %q is read-only", a.idField)
		}
		return diff.Compute(cur.Value, next), nil
	})
	switch {
	case errors.Is(err, store.ErrEmptyDiff):
		a.logger.Debug("command changed nothing", "document", doc, "kind", kind, "entity", id)
	case err != nil:
		a.logger.Warn("command failed", "document", doc, "kind", kind, "entity", id, "error", err)
		return nil, err
	default:
		a.logger.Info("command committed", "document", doc, "kind", kind, "entity", id)
	}

	snap, err := a.store.GetRecord(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return remote.EncodeSnapshot(snap)
}

func (a *Authority) fetchAll(ctx context.Context, kind string) (json.RawMessage, error) {
	recs, err := a.store.ListRecords(ctx, kind)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		raw, err := remote.EncodeSnapshot(r.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", kind, r.ID, err)
		}
		items = append(items, raw)
	}
	return json.Marshal(struct {
		Items []json.RawMessage `json:"items"`
	}{items})
}

func requireID(doc remote.Document, vars remote.Vars) (string, error) {
	switch id := vars["id"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	case float64, int, int64:
		return fmt.Sprint(id), nil
	}
	return "", remote.Rejectf(doc, "missing id")
}

// updateFields applies an RFC 6902 patch one operation at a time. A remove
// of an absent path counts as already applied; a replace of an absent key
// adds it, matching how stores apply diffs.
func updateFields(cur record.Object, vars remote.Vars) (record.Object, error) {
	var raw []byte
	switch p := vars["patch"].(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	case nil:
		return nil, errors.New("missing patch")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		raw = b
	}

	var ops []json.RawMessage
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}

	doc, err := record.MarshalCanonical(cur)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		var head struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}
		if err := json.Unmarshal(op, &head); err != nil {
			return nil, fmt.Errorf("patch[%d]: %w", i, err)
		}
		if head.Path == "" || head.Path == "/" {
			return nil, fmt.Errorf("patch[%d]: whole-record %s not allowed", i, head.Op)
		}

		next, err := applyOne(doc, op)
		if err != nil && head.Op == "replace" {
			var generic map[string]any
			if jerr := json.Unmarshal(op, &generic); jerr == nil {
				generic["op"] = "add"
				if asAdd, merr := json.Marshal(generic); merr == nil {
					next, err = applyOne(doc, asAdd)
				}
			}
		}
		if err != nil {
			if head.Op == "remove" {
				continue
			}
			return nil, fmt.Errorf("patch[%d] %s %s: %w", i, head.Op, head.Path, err)
		}
		doc = next
	}
	return record.DecodeObject(doc)
}

func applyOne(doc []byte, op json.RawMessage) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(append(append([]byte("["), op...), ']'))
	if err != nil {
		return nil, err
	}
	return patch.Apply(doc)
}
