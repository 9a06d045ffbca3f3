package verify

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lama-vm/lama/bytefile"
	"github.com/lama-vm/lama/decode"
)

// asm is the same tiny two-pass byte assembler used by interp's tests,
// duplicated here since verify's test programs are deliberately
// smaller and often deliberately malformed in ways interp's helper
// doesn't need to express.
type asm struct {
	buf    []byte
	labels map[string]int32
	fixups []fixup
}

type fixup struct {
	pos   int
	label string
}

func newAsm() *asm { return &asm{labels: map[string]int32{}} }

func (a *asm) here() int32       { return int32(len(a.buf)) }
func (a *asm) label(name string) { a.labels[name] = a.here() }
func (a *asm) op(o decode.Op)    { a.buf = append(a.buf, byte(o)) }
func (a *asm) byte_(b byte)      { a.buf = append(a.buf, b) }

func (a *asm) word(w int32) {
	a.buf = append(a.buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
}

func (a *asm) wordLabel(name string) {
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: name})
	a.word(0)
}

func (a *asm) code() []byte {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic("asm: undefined label " + f.label)
		}
		a.buf[f.pos] = byte(target)
		a.buf[f.pos+1] = byte(target >> 8)
		a.buf[f.pos+2] = byte(target >> 16)
		a.buf[f.pos+3] = byte(target >> 24)
	}
	return a.buf
}

func imageWithMain(a *asm) *bytefile.Image {
	return &bytefile.Image{
		StringTable:   []byte{0},
		PublicSymbols: []bytefile.PublicSymbol{{NameOffset: 0, CodeOffset: a.labels["main"]}},
		Code:          a.code(),
	}
}

// TestStackMismatchAtJoin implements E3: two CFG paths joining at
// offset o with depths 3 and 2.
func TestStackMismatchAtJoin(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(0)
	a.op(decode.OpCjmpZ)
	a.wordLabel("else_branch")
	// fall-through: depth 3 at the join
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpConst)
	a.word(3)
	a.op(decode.OpJmp)
	a.wordLabel("join")
	a.label("else_branch")
	// else branch: depth 2 at the join
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpJmp)
	a.wordLabel("join")
	a.label("join")
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	err := Verify(img)
	if err == nil {
		t.Fatal("expected a stack-mismatch error")
	}
	joinOffset := a.labels["join"]
	want := fmt.Sprintf("%#x", joinOffset)
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not mention join offset %s", err.Error(), want)
	}
}

// TestBadConstOutOfRange implements E6: CONST 2^30 is out of the
// representable boxed-integer range and must be rejected.
func TestBadConstOutOfRange(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1 << 30)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err == nil {
		t.Fatal("expected CONST out-of-range to be rejected")
	}
}

// TestBeginUnreachableAsJumpTarget implements invariant 3: BEGIN must
// never be reached by fall-through or branch, only CALL/CALLC.
func TestBeginUnreachableAsJumpTarget(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpJmp)
	a.wordLabel("other")
	a.label("other")
	a.op(decode.OpBegin) // a JMP landing directly on a BEGIN header
	a.word(0)
	a.word(0)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err == nil {
		t.Fatal("expected a jump into BEGIN to be rejected")
	}
}

// TestVariableBoundChecked implements invariant 4: LD_Arg must stay
// within the function's declared argument count.
func TestVariableBoundChecked(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0) // nArgs=0
	a.word(0)
	a.op(decode.OpLdArg)
	a.word(0) // out of range: there are no arguments
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err == nil {
		t.Fatal("expected out-of-range LD_Arg to be rejected")
	}
}

// TestAugmentationRecordsMaxOperandStack implements invariant 2: the
// augmented header must be at least as large as the deepest reachable
// operand depth in the function.
func TestAugmentationRecordsMaxOperandStack(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpConst)
	a.word(3)
	a.op(decode.OpDrop)
	a.op(decode.OpDrop)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	header := readWord(img.Code, int(a.labels["main"])+1)
	maxStack := uint32(header) >> 16
	if maxStack < 3 {
		t.Fatalf("augmented maxOperandStack = %d, want >= 3", maxStack)
	}
}

// TestAugmentationIsIdempotent implements invariant 5: verifying an
// already-augmented image again leaves the header bits unchanged.
func TestAugmentationIsIdempotent(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpDrop)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	first := readWord(img.Code, int(a.labels["main"])+1)

	if err := Verify(img); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	second := readWord(img.Code, int(a.labels["main"])+1)

	if first != second {
		t.Fatalf("re-augmentation changed header: %#x -> %#x", first, second)
	}
}

func readWord(code []byte, offset int) int32 {
	return int32(uint32(code[offset]) | uint32(code[offset+1])<<8 | uint32(code[offset+2])<<16 | uint32(code[offset+3])<<24)
}

func (a *asm) desig(d decode.Designation) { a.byte_(byte(d)) }

// TestAugmentsCallTarget covers a CALL-only helper that is never a
// public symbol: its BEGIN header must still be rewritten with the
// true maximum operand-stack depth reached inside it.
func TestAugmentsCallTarget(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpCall)
	a.wordLabel("helper")
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	a.label("helper")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpConst)
	a.word(3)
	a.op(decode.OpDrop)
	a.op(decode.OpDrop)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	header := readWord(img.Code, int(a.labels["helper"])+1)
	maxStack := uint32(header) >> 16
	if maxStack < 3 {
		t.Fatalf("helper augmented maxOperandStack = %d, want >= 3", maxStack)
	}
}

// TestAugmentsClosureTarget covers a function only ever entered via
// CLOSURE/CALLC: its BEGINcl header must also be rewritten.
func TestAugmentsClosureTarget(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpClosure)
	a.wordLabel("inner")
	a.word(0)
	a.op(decode.OpCallC)
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	a.label("inner")
	a.op(decode.OpBeginCl)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpConst)
	a.word(2)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	if err := Verify(img); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	header := readWord(img.Code, int(a.labels["inner"])+1)
	maxStack := uint32(header) >> 16
	if maxStack < 2 {
		t.Fatalf("inner augmented maxOperandStack = %d, want >= 2", maxStack)
	}
}

// TestClosureMismatchRejected covers a function entered once via CALL
// and once via CLOSURE: the two entries disagree on whether a closure
// reference sits under the function's arguments, so this must be
// rejected.
func TestClosureMismatchRejected(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpCall)
	a.wordLabel("shared")
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpClosure)
	a.wordLabel("shared")
	a.word(0)
	a.op(decode.OpCallC)
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	a.label("shared")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	err := Verify(img)
	if !errors.Is(err, ErrClosureMismatch) {
		t.Fatalf("Verify: got %v, want ErrClosureMismatch", err)
	}
}

// TestClosureVarsMismatchRejected covers a function entered via
// CLOSURE from two sites that disagree on nClosureVars.
func TestClosureVarsMismatchRejected(t *testing.T) {
	a := newAsm()
	a.label("main")
	a.op(decode.OpBegin)
	a.word(0)
	a.word(1)
	a.op(decode.OpConst)
	a.word(5)
	a.op(decode.OpStLocal)
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpClosure)
	a.wordLabel("shared")
	a.word(1)
	a.desig(decode.DesigLocal)
	a.word(0)
	a.op(decode.OpCallC)
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpClosure)
	a.wordLabel("shared")
	a.word(0)
	a.op(decode.OpCallC)
	a.word(0)
	a.op(decode.OpDrop)
	a.op(decode.OpEnd)

	a.label("shared")
	a.op(decode.OpBeginCl)
	a.word(0)
	a.word(0)
	a.op(decode.OpConst)
	a.word(1)
	a.op(decode.OpEnd)

	img := imageWithMain(a)
	err := Verify(img)
	if !errors.Is(err, ErrClosureVarsMismatch) {
		t.Fatalf("Verify: got %v, want ErrClosureVarsMismatch", err)
	}
}
