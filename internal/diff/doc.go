// Package diff computes and applies structural differences between two
// entity record snapshots.
//
// # Usage
//
//	d := diff.Compute(before, after)
//	patched, err := diff.Apply(before, d)
//	// record.Equal(patched, after) == true
//
// A Diff is an ordered list of changes, each a (path, op, value) triple.
// Objects are compared key by key in canonical key order. Arrays are
// compared index by index: an insertion in the middle of an array produces
// a replace for every shifted element plus an add at the tail. That keeps
// paths stable and the encoding trivial at the cost of larger diffs for
// reordered arrays.
//
// Diffs are opaque to the sync channel. They travel as JSON
// ({"path": [...], "op": "...", "val": ...}) and are applied by whichever
// side receives them.
package diff
