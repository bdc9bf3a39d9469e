// Package store provides SQLite-backed durable storage for the reference
// authority.
//
// Tables:
//   - records: the authoritative value of every entity, keyed by (kind, id),
//     with its current channel version
//   - packets: the append-only log of committed diffs, one row per version
//
// # Critical Patterns
//
// Versions are assigned here and nowhere else: a commit reads the record's
// version, writes the packet at version+1 and updates the record in one
// transaction. UNIQUE(kind, entity_id, version) backs this up.
//
// All ordering uses version or seq INTEGER columns, never timestamps, and
// every list query has an explicit ORDER BY so results are identical across
// runs.
//
// Values are stored as canonical JSON (see record.MarshalCanonical) so
// stored bytes are stable and comparable.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
