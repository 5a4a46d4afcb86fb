// Package store provides SQLite-backed durable storage for the workflow
// engine: process instances, fibers, join barriers, the job queue and
// dedupe cache, compiled programs, workflow templates, dead letters, the
// per-instance event log, payload history, and incidents.
//
// # Critical patterns
//
// Idempotency by primary key
//   - job_queue and dedupe_cache key on the deterministic job_key
//   - INSERT ... ON CONFLICT DO NOTHING makes duplicate writes harmless
//
// Logical ordering
//   - event_log is ordered by (instance_id, seq); seq comes from the
//     event_sequences row claimed in the same transaction as the append,
//     so the log is strictly increasing and gap-free per instance
//
// Single-instance serialization
//   - every engine step runs in one transaction (WithTx); combined with
//     SQLite's single writer this serializes all mutations of one instance
//
// Write-once programs
//   - compiled_programs rows are never updated; a version collision with
//     different content is surfaced as a determinism violation
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
