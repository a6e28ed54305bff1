// Package store provides SQLite-backed durable storage for cellchain.
//
// The store holds:
//   - Entries: content-addressed, zstd-compressed CBOR
//   - Headers: one row per source chain position, UNIQUE(author, seq)
//   - DhtOps: validation and integration state, plus the authored outgoing queue
//   - Chain locks: countersigning locks, at most one per author
//   - Cursors and agent keys
//
// # Critical Patterns
//
// Chain append is compare-and-swap: AppendHeader is accepted only when the
// author's current head equals the caller's expected head, checked and
// written inside one transaction. It is the only way headers are written.
//
// Integration is all-or-nothing: WithTx runs a callback in one
// transaction, so readers never see part of an integration pass.
//
// Deterministic ordering: every listing orders by an integer sequence
// column, never by timestamp.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: a single in-process writer
//
// Never call Store methods from inside a WithTx callback: with one
// connection the nested call waits for the transaction forever.
package store
