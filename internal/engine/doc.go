// Package engine executes compiled workflow bytecode: process instances,
// fibers, join barriers, job dispatch with idempotent completion handling,
// dead letters, incidents, and the per-instance event log.
//
// # Execution model
//
// Fibers are cooperatively stepped, one ready fiber at a time, by a driver
// loop. A step loads the fiber's persisted machine state (pc/stack/regs),
// interprets instructions until a WAIT_* suspends it (or HALT/RAISE ends
// it), and persists everything the step touched in ONE store transaction.
// Nothing outside WAIT_* may block. Because each fiber's state is fully
// separated, many instances can be driven concurrently; mutations of a
// single instance are serialized by a per-instance lock plus the store's
// single writer.
//
// # Durability
//
// There is no replay of already-run instructions: resumption rehydrates
// pc/stack/regs from storage and continues. This is the deliberate reason
// fiber state is explicit rather than captured in goroutines - the engine
// must survive process restarts and at-least-once external delivery
// without re-running side-effecting instructions.
//
// # Ordering
//
// Events for one instance are strictly ordered by the seq claimed from its
// event sequence inside the step transaction. There is no cross-instance
// ordering guarantee.
package engine
