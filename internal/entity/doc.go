// Package entity implements the Entity Store: the in-memory owner of one
// domain record's value, its authority-assigned version and the ordered
// history of changes applied to it.
//
// Lifecycle:
//
//	Uninitialized --Load/Invalidate--> Loading --fetch ok--> Ready
//	Ready --Invalidate--> Loading --> Ready
//
// Local edits go through Update: the new value is visible immediately, the
// diff is queued on the store's outbox and pushed over the sync channel one at
// a time in local order. When the authority acknowledges a push the store
// adopts the returned version and hands the Operation to its Mutator, which
// issues the matching remote commands.
//
// Broadcasts from other clients are applied as they arrive, last write wins.
// Nothing is merged with unacknowledged local changes.
//
// A rejected push rolls the value back to the last committed snapshot and
// re-applies whatever local changes are still pending.
//
// Thread-safety: every exported method is safe for concurrent use. Broadcast
// handling and the outbox pump run on their own goroutines; observers use
// Changed or Settled rather than polling.
package entity
