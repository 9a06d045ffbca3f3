package tracelog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/lama-vm/lama/decode"
)

func TestDisabledLoggerEmitsNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Stage("load")
	l.TraceInstruction(0, decode.OpConst, 1)
	l.Error("failed", errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("disabled logger wrote %q", buf.String())
	}
}

func TestEnabledLoggerEmitsJSONWithRunID(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.Stage("verify", "duration_ms", 5)
	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, line)
	}
	if decoded["run_id"] != l.RunID() {
		t.Fatalf("run_id = %v, want %v", decoded["run_id"], l.RunID())
	}
	if decoded["msg"] != "verify" {
		t.Fatalf("msg = %v, want verify", decoded["msg"])
	}
}

func TestTraceInstructionIncludesOpcodeName(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.TraceInstruction(12, decode.OpBinopAdd, 3)
	line := buf.String()
	if !strings.Contains(line, "BINOP_Add") {
		t.Fatalf("expected opcode mnemonic in trace line, got %q", line)
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	var b1, b2 bytes.Buffer
	l1 := New(&b1, false)
	l2 := New(&b2, false)
	if l1.RunID() == l2.RunID() {
		t.Fatal("expected distinct run IDs")
	}
}
