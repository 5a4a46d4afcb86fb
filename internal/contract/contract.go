// Package contract defines verb contracts: the declared capability set of
// each service-task type (flags read and written, error codes raisable,
// correlation keys produced and consumed).
//
// Contracts are loaded once at startup into an immutable Registry. A reload
// is a new process generation, never a live mutation.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Contract declares the capability set of one task type.
type Contract struct {
	TaskType    string   `yaml:"task_type" json:"task_type"`
	ReadsFlags  []string `yaml:"reads_flags" json:"reads_flags"`
	WritesFlags []string `yaml:"writes_flags" json:"writes_flags"`
	MayRaise    []string `yaml:"may_raise_errors" json:"may_raise_errors"`
	Produces    []string `yaml:"produces" json:"produces"`
	Consumes    []string `yaml:"consumes" json:"consumes"`
}

// WritesFlag reports whether the contract declares flag in writes_flags.
func (c Contract) WritesFlag(flag string) bool {
	for _, f := range c.WritesFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// MayRaiseError reports whether the contract declares the error code.
func (c Contract) MayRaiseError(code string) bool {
	for _, e := range c.MayRaise {
		if e == code {
			return true
		}
	}
	return false
}

// ProducesKey reports whether the contract declares the correlation key
// in correlation.produces.
func (c Contract) ProducesKey(key string) bool {
	for _, k := range c.Produces {
		if k == key {
			return true
		}
	}
	return false
}

// Registry is the process-wide, load-once contract table.
//
// Registry is immutable after construction: lookups are safe from any
// goroutine without locking.
type Registry struct {
	byType map[string]Contract
	hash   string
}

// NewRegistry builds a registry from contracts. Duplicate task types are an
// error; a contract table with two definitions for one verb is ambiguous.
func NewRegistry(contracts []Contract) (*Registry, error) {
	byType := make(map[string]Contract, len(contracts))
	for _, c := range contracts {
		if c.TaskType == "" {
			return nil, fmt.Errorf("contract with empty task_type")
		}
		if _, dup := byType[c.TaskType]; dup {
			return nil, fmt.Errorf("duplicate contract for task type %q", c.TaskType)
		}
		byType[c.TaskType] = c
	}
	return &Registry{byType: byType, hash: hashContracts(byType)}, nil
}

// Lookup returns the contract for taskType, or false if none is registered.
func (r *Registry) Lookup(taskType string) (Contract, bool) {
	c, ok := r.byType[taskType]
	return c, ok
}

// TaskTypes returns the registered task types in sorted order.
func (r *Registry) TaskTypes() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered contracts.
func (r *Registry) Len() int {
	return len(r.byType)
}

// Hash returns the content hash of the full contract set. The compiler folds
// this into the bytecode version so identical DTO + identical contracts
// always yields the identical program hash.
func (r *Registry) Hash() string {
	return r.hash
}

// contractHashDomain separates registry hashes from other SHA-256 uses.
// Format: SHA256(domain + 0x00 + canonical text).
const contractHashDomain = "loom/contracts/v1"

// hashContracts computes a deterministic hash over the contract set. Task
// types and every capability set are sorted so declaration order in source
// files never affects the hash.
func hashContracts(byType map[string]Contract) string {
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	for _, t := range types {
		c := byType[t]
		b.WriteString(t)
		b.WriteByte('\n')
		writeSorted(&b, "reads", c.ReadsFlags)
		writeSorted(&b, "writes", c.WritesFlags)
		writeSorted(&b, "raises", c.MayRaise)
		writeSorted(&b, "produces", c.Produces)
		writeSorted(&b, "consumes", c.Consumes)
	}

	h := sha256.New()
	h.Write([]byte(contractHashDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func writeSorted(b *strings.Builder, label string, values []string) {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	b.WriteString("  ")
	b.WriteString(label)
	b.WriteByte(':')
	for _, v := range sorted {
		b.WriteByte(' ')
		b.WriteString(v)
	}
	b.WriteByte('\n')
}
