package bytecode

import (
	"strings"
	"testing"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"zebra": int64(1),
		"alpha": int64(2),
		"mid":   int64(3),
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"alpha":2,"mid":3,"zebra":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("a < b && c > d")
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("HTML escaping leaked into canonical output: %s", got)
	}
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "é" precomposed vs combining-accent form must hash identically.
	precomposed := "caf\u00e9"
	decomposed := "cafe\u0301"

	a, err := MarshalCanonical(precomposed)
	if err != nil {
		t.Fatalf("MarshalCanonical(precomposed) failed: %v", err)
	}
	b, err := MarshalCanonical(decomposed)
	if err != nil {
		t.Fatalf("MarshalCanonical(decomposed) failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("NFC forms diverge: %s vs %s", a, b)
	}
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	if _, err := MarshalCanonical(3.14); err == nil {
		t.Error("expected error for float64, got nil")
	}
	if _, err := MarshalCanonical(map[string]any{"x": 1.0}); err == nil {
		t.Error("expected error for nested float, got nil")
	}
}

func TestMarshalCanonical_RejectsNull(t *testing.T) {
	if _, err := MarshalCanonical(nil); err == nil {
		t.Error("expected error for nil, got nil")
	}
	if _, err := MarshalCanonical(map[string]any{"x": nil}); err == nil {
		t.Error("expected error for nested nil, got nil")
	}
}

func TestMarshalCanonical_NestedStructures(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"list": []any{int64(1), "two", true},
		"obj":  map[string]any{"b": int64(2), "a": int64(1)},
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"list":[1,"two",true],"obj":{"a":1,"b":2}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
