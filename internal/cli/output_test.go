package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestGetExitCode(t *testing.T) {
	if got := GetExitCode(NewExitError(ExitCommandError, "bad path")); got != ExitCommandError {
		t.Errorf("GetExitCode(ExitError) = %d, want %d", got, ExitCommandError)
	}
	if got := GetExitCode(errors.New("plain")); got != ExitFailure {
		t.Errorf("GetExitCode(plain error) = %d, want %d", got, ExitFailure)
	}

	wrapped := fmt.Errorf("context: %w", NewExitError(ExitCommandError, "inner"))
	if got := GetExitCode(wrapped); got != ExitCommandError {
		t.Errorf("GetExitCode(wrapped) = %d, want %d", got, ExitCommandError)
	}
}

func TestExitError_Error(t *testing.T) {
	e := WrapExitError(ExitFailure, "store open failed", errors.New("no such file"))
	if got := e.Error(); got != "store open failed: no such file" {
		t.Errorf("Error() = %q", got)
	}
	if e.Unwrap() == nil {
		t.Error("Unwrap() = nil")
	}
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	if err := f.Success(map[string]string{"instance": "inst-1"}); err != nil {
		t.Fatalf("Success() failed: %v", err)
	}

	var resp CLIResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if resp.Status != "ok" || resp.Error != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestOutputFormatter_JSONError(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	if err := f.Error(ErrCodeLint, "lint errors present", nil); err != nil {
		t.Fatalf("Error() failed: %v", err)
	}

	var resp CLIResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if resp.Status != "error" || resp.Error == nil || resp.Error.Code != ErrCodeLint {
		t.Errorf("response = %+v", resp)
	}
}

func TestOutputFormatter_TextError(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}
	if err := f.Error(ErrCodeStore, "database locked", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "[E008]") {
		t.Errorf("text output missing error code: %q", buf.String())
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: false}
	f.VerboseLog("hidden %d", 1)
	if errOut.Len() != 0 {
		t.Error("verbose output emitted with Verbose=false")
	}

	f.Verbose = true
	f.VerboseLog("shown %d", 2)
	if !strings.Contains(errOut.String(), "shown 2") {
		t.Errorf("verbose output missing: %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Error("verbose output leaked into the JSON stream")
	}
}
