package store

import (
	"encoding/json"
	"fmt"
)

// Persisted machine state (flags, counters, stacks, registers, event
// detail) is stored as plain JSON text columns. This is stored state, not
// content-addressed identity, so standard encoding/json is fine; identity
// hashing goes through the bytecode package's canonical encoder.

func marshalJSON(label string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", label, err)
	}
	return string(data), nil
}

func unmarshalFlags(data string) (map[string]bool, error) {
	m := make(map[string]bool)
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	return m, nil
}

func unmarshalCounters(data string) (map[string]int64, error) {
	m := make(map[string]int64)
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return m, nil
}

func unmarshalJoinExpected(data string) (map[string]int, error) {
	m := make(map[string]int)
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal join_expected: %w", err)
	}
	return m, nil
}

func unmarshalCorrKeys(data string) (map[string]string, error) {
	m := make(map[string]string)
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal corr_keys: %w", err)
	}
	return m, nil
}

func unmarshalStack(data string) ([]int64, error) {
	var s []int64
	if data == "" || data == "null" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal stack: %w", err)
	}
	return s, nil
}

func unmarshalRegs(data string) (map[string]int64, error) {
	m := make(map[string]int64)
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal regs: %w", err)
	}
	return m, nil
}

func unmarshalDetail(data string) (map[string]any, error) {
	if data == "" || data == "{}" || data == "null" {
		return nil, nil
	}
	m := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal event detail: %w", err)
	}
	return m, nil
}
