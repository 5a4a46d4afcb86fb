// Package graph defines the workflow graph DTO consumed by the lint engine
// and the compiler.
//
// This package contains type definitions and adjacency helpers only. All
// other internal packages import graph; graph imports nothing internal. This
// keeps the DTO the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Nodes and edges are addressed by stable string ids in an explicit
//     arena, never by in-memory object references, so cyclic workflows
//     (loops) are trivially representable and serializable.
//   - The DTO is authored externally and is read-only here: lint and
//     compilation never mutate it.
//   - All JSON tags use snake_case.
package graph
