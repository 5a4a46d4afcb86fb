// Package bytecode defines the immutable instruction set and compiled
// program representation executed by the fiber interpreter, plus the
// content-addressed identity layer built on canonical JSON and SHA-256 with
// domain separation.
//
// Key design constraints:
//   - Programs are immutable and content-addressed: identical canonical
//     encoding always yields the identical version hash.
//   - Canonical JSON forbids floats and null; all numbers are int64.
//   - Jump targets and fork branches are instruction addresses (indices),
//     never object references, so programs serialize trivially.
package bytecode
