package runtimelib

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lama-vm/lama/value"
)

func TestArrayRoundTrip(t *testing.T) {
	h := NewHeap()
	ref := h.Barray_([]value.Value{value.Box(1), value.Box(2), value.Box(3)})
	l, err := h.Llength(ref)
	if err != nil || value.Unbox(l) != 3 {
		t.Fatalf("Llength = %v, %v", l, err)
	}
	e, err := h.Belem(ref, 1)
	if err != nil || value.Unbox(e) != 2 {
		t.Fatalf("Belem(1) = %v, %v", e, err)
	}
	got, err := h.Bsta(ref, 1, value.Box(99))
	if err != nil || value.Unbox(got) != 99 {
		t.Fatalf("Bsta = %v, %v", got, err)
	}
	e2, _ := h.Belem(ref, 1)
	if value.Unbox(e2) != 99 {
		t.Fatalf("post-Bsta Belem(1) = %v, want 99", e2)
	}
}

func TestStringElemAndPattern(t *testing.T) {
	h := NewHeap()
	s := h.Bstring("hi")
	if _, err := h.Belem(s, 5); err == nil {
		t.Fatal("expected out-of-range error")
	}
	c, _ := h.Belem(s, 0)
	if value.Unbox(c) != int32('h') {
		t.Fatalf("Belem(0) = %v, want 'h'", c)
	}
	other := h.Bstring("hi")
	if value.Unbox(h.Bstring_patt(s, other)) != 1 {
		t.Fatal("expected equal-content strings to match")
	}
	diff := h.Bstring("bye")
	if value.Unbox(h.Bstring_patt(s, diff)) != 0 {
		t.Fatal("expected different strings not to match")
	}
}

func TestSexpTagRoundTrip(t *testing.T) {
	h := NewHeap()
	tag := LtagHash("Cons")
	ref := h.Bsexp_(tag, []value.Value{value.Box(1), value.Box(2)})
	if value.Unbox(h.Btag(ref, tag, 2)) != 1 {
		t.Fatal("expected Btag to match constructed sexp")
	}
	if value.Unbox(h.Btag(ref, tag, 3)) != 0 {
		t.Fatal("expected Btag to reject wrong arity")
	}
	if value.Unbox(h.Btag(ref, LtagHash("Nil"), 2)) != 0 {
		t.Fatal("expected Btag to reject wrong tag")
	}
}

func TestClosureAccess(t *testing.T) {
	h := NewHeap()
	ref := h.Bclosure_(0x100, []value.Value{value.Box(7), value.Box(8)})
	v, err := h.Access(ref, 1)
	if err != nil || value.Unbox(v) != 8 {
		t.Fatalf("Access(1) = %v, %v, want 8", v, err)
	}
	if _, err := h.Access(ref, 2); err == nil {
		t.Fatal("expected out-of-range access error")
	}
}

func TestBoxedUnboxedPatt(t *testing.T) {
	h := NewHeap()
	ref := h.Bstring("x")
	if value.Unbox(Bboxed_patt(ref)) != 1 || value.Unbox(Bunboxed_patt(ref)) != 0 {
		t.Fatal("boxed/unboxed predicate mismatch for heap ref")
	}
	n := value.Box(5)
	if value.Unbox(Bboxed_patt(n)) != 0 || value.Unbox(Bunboxed_patt(n)) != 1 {
		t.Fatal("boxed/unboxed predicate mismatch for int")
	}
}

func TestLreadLwrite(t *testing.T) {
	io_ := NewIO(strings.NewReader("  -42\n"), &bytes.Buffer{})
	v, err := io_.Lread()
	if err != nil || value.Unbox(v) != -42 {
		t.Fatalf("Lread = %v, %v, want -42", v, err)
	}

	var out bytes.Buffer
	io2 := NewIO(strings.NewReader(""), &out)
	if err := io2.Lwrite(value.Box(7)); err != nil {
		t.Fatalf("Lwrite: %v", err)
	}
	if out.String() != "7\n" {
		t.Fatalf("Lwrite output = %q, want %q", out.String(), "7\n")
	}
}

func TestLstringRendersNestedArray(t *testing.T) {
	h := NewHeap()
	inner := h.Barray_([]value.Value{value.Box(1), value.Box(2)})
	outer := h.Barray_([]value.Value{inner, value.Box(3)})
	rendered, _ := h.Lstring(outer)
	s, _ := h.Str(rendered)
	if string(s.Bytes) != "[[1, 2], 3]" {
		t.Fatalf("Lstring = %q", s.Bytes)
	}
}

func TestBmatchFailure(t *testing.T) {
	h := NewHeap()
	err := h.Bmatch_failure(value.Box(3), 12)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "line 12") {
		t.Fatalf("error = %v, want mention of line 12", err)
	}
}
