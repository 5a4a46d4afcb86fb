package bytecode

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Format and engine version constants.
const (
	// FormatVersion is the bytecode encoding version.
	FormatVersion = "1"

	// EngineVersion is the loom engine version.
	EngineVersion = "0.1.0"
)

// ErrorHandler routes a service-task error code to a handler address.
// The catch-all code "*" matches any code and is always ordered last.
type ErrorHandler struct {
	Code string `json:"code"`
	Addr int64  `json:"addr"`
}

// Program is one immutable compiled workflow.
//
// Version is the content hash over the canonical encoding of everything
// else plus the contract registry hash: identical DTO + identical contracts
// always produces the identical version. Programs are write-once in the
// store; there are no in-place edits, ever.
type Program struct {
	ProcessKey   string                 `json:"process_key"`
	Instrs       []Instruction          `json:"instrs"`
	JoinExpected map[string]int         `json:"join_expected"`
	Handlers     map[int64][]ErrorHandler `json:"handlers"`
	ContractHash string                 `json:"contract_hash"`
	Version      string                 `json:"-"`
}

// HandlersAt returns the error-handler table for the DISPATCH at addr.
func (p *Program) HandlersAt(addr int64) []ErrorHandler {
	return p.Handlers[addr]
}

// HandlerFor resolves the error code raised by the DISPATCH at addr to a
// handler address. Exact matches win over the "*" catch-all. Returns false
// when no handler matches; the fault then follows the retry/incident path.
func (p *Program) HandlerFor(addr int64, code string) (int64, bool) {
	var catchAll *ErrorHandler
	for i, h := range p.Handlers[addr] {
		if h.Code == code {
			return h.Addr, true
		}
		if h.Code == "*" && catchAll == nil {
			catchAll = &p.Handlers[addr][i]
		}
	}
	if catchAll != nil {
		return catchAll.Addr, true
	}
	return 0, false
}

// ComputeVersion computes and stamps the program's content hash.
//
// The hash covers the canonicalized instruction sequence, the join
// expectation table, the handler tables, the process key, and the contract
// registry hash. Determinism invariant: two compiles of the same DTO and
// contract set yield the identical version.
func (p *Program) ComputeVersion() error {
	instrs := make([]any, len(p.Instrs))
	for i, in := range p.Instrs {
		instrs[i] = in.canonical()
	}

	handlers := make(map[string]any, len(p.Handlers))
	for addr, hs := range p.Handlers {
		list := make([]any, len(hs))
		for i, h := range hs {
			list[i] = map[string]any{"code": h.Code, "addr": h.Addr}
		}
		handlers[fmt.Sprintf("%d", addr)] = list
	}

	canonical, err := MarshalCanonical(map[string]any{
		"format":        FormatVersion,
		"process_key":   p.ProcessKey,
		"instrs":        instrs,
		"join_expected": p.JoinExpected,
		"handlers":      handlers,
		"contract_hash": p.ContractHash,
	})
	if err != nil {
		return fmt.Errorf("compute version: %w", err)
	}

	p.Version = hashWithDomain(DomainProgram, canonical)
	return nil
}

// Encode serializes the program for storage. Standard JSON, not canonical:
// the stored form is never re-hashed, the stamped Version is authoritative.
func (p *Program) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}
	return data, nil
}

// Decode deserializes a stored program and stamps the given version.
func Decode(data []byte, version string) (*Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	p.Version = version
	return &p, nil
}

// Disassemble renders a stable textual listing of the program, one
// instruction per line with its address, followed by the join expectation
// and handler tables. Used by the CLI and golden tests.
func (p *Program) Disassemble() string {
	out := fmt.Sprintf("; process %s\n", p.ProcessKey)
	for i, in := range p.Instrs {
		out += fmt.Sprintf("%04d  %s\n", i, in.String())
	}

	if len(p.JoinExpected) > 0 {
		joins := make([]string, 0, len(p.JoinExpected))
		for j := range p.JoinExpected {
			joins = append(joins, j)
		}
		sort.Strings(joins)
		out += "; joins\n"
		for _, j := range joins {
			out += fmt.Sprintf(";   %s expects %d\n", j, p.JoinExpected[j])
		}
	}

	if len(p.Handlers) > 0 {
		addrs := make([]int64, 0, len(p.Handlers))
		for a := range p.Handlers {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		out += "; handlers\n"
		for _, a := range addrs {
			for _, h := range p.Handlers[a] {
				out += fmt.Sprintf(";   %04d on %q -> %04d\n", a, h.Code, h.Addr)
			}
		}
	}
	return out
}
