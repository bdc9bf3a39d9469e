// Package record defines the value model for entity records.
//
// An entity record is a JSON-like tree: nil, bool, string, int64, float64,
// []any and map[string]any. Records arrive from JSON payloads, from Go code
// building them by hand, and from diffs applied on top of other records, so
// every entry point funnels through Normalize to keep the dynamic types in
// that closed set.
//
// Canonical encoding:
//
// MarshalCanonical produces RFC 8785 style JSON (UTF-16 key order, NFC
// strings, no HTML escaping). It is the only encoding used for fingerprints
// and for values persisted by the authority store, so two records that are
// Equal always encode to the same bytes.
package record
