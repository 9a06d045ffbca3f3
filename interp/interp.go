// Package interp implements the Lama bytecode dispatch loop: it walks
// an already-verified bytefile.Image instruction by instruction,
// executing each opcode's semantics against a vmstack.Stack, a
// vmstack.Globals region, and a runtimelib.Heap.
package interp

import (
	"errors"
	"fmt"
	"io"

	"github.com/lama-vm/lama/bytefile"
	"github.com/lama-vm/lama/decode"
	"github.com/lama-vm/lama/runtimelib"
	"github.com/lama-vm/lama/value"
	"github.com/lama-vm/lama/vmstack"
)

// RuntimeError is a failure during execution, tagged with the
// instruction offset at fault.
type RuntimeError struct {
	Offset int32
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error at %#x: %v", e.Offset, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func fail(offset int32, format string, args ...any) error {
	return &RuntimeError{Offset: offset, Err: fmt.Errorf(format, args...)}
}

var (
	ErrDivisionByZero = errors.New("interp: division by zero")
	ErrNotAnInteger   = errors.New("interp: expected a boxed integer")
	ErrNotAClosure    = errors.New("interp: CALLC target is not a closure")
)

// reservedBottomSlots is the number of argument-like slots reserved
// beneath the program's top-level frame (spec.md §9 Open Questions:
// left unpopulated).
const reservedBottomSlots = 3

// Tracer receives one callback per executed instruction; interp
// itself never depends on a concrete logging implementation (see
// tracelog.Logger).
type Tracer interface {
	TraceInstruction(offset int32, op decode.Op, stackDepth int)
}

// Options configures a run.
type Options struct {
	Stdin         io.Reader
	Stdout        io.Writer
	StackCapacity int
	MaxFrames     int
	Tracer        Tracer
}

type noopTracer struct{}

func (noopTracer) TraceInstruction(int32, decode.Op, int) {}

// Interp executes one verified bytefile.Image.
type Interp struct {
	img     *bytefile.Image
	stack   *vmstack.Stack
	globals *vmstack.Globals
	heap    *runtimelib.Heap
	io      *runtimelib.IO
	tracer  Tracer

	pc       int32
	lastLine int32

	pendingReturn    int32
	pendingIsClosure bool
}

// New prepares an interpreter for img. It does not itself call
// verify.Verify — callers must verify img first (cmd/lama always
// does).
func New(img *bytefile.Image, opts Options) *Interp {
	capacity := opts.StackCapacity
	if capacity <= 0 {
		capacity = 1 << 20
	}
	maxFrames := opts.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 1 << 16
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noopTracer{}
	}
	return &Interp{
		img:     img,
		stack:   vmstack.New(capacity, maxFrames),
		globals: vmstack.NewGlobals(int(img.GlobalAreaSize)),
		heap:    runtimelib.NewHeap(),
		io:      runtimelib.NewIO(opts.Stdin, opts.Stdout),
		tracer:  tracer,
	}
}

// Run executes the program from code offset 0 until the top-level
// frame returns.
func (in *Interp) Run() error {
	if err := in.stack.Bootstrap(reservedBottomSlots); err != nil {
		return fail(0, "%v", err)
	}
	in.pc = 0
	for {
		cont, err := in.step()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

func (in *Interp) step() (bool, error) {
	offset := in.pc
	cur := decode.NewCursor(in.img.Code, len(in.img.StringTable), int(in.pc))
	opByte, err := cur.Byte()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	op := decode.Op(opByte)
	in.tracer.TraceInstruction(offset, op, in.stack.Depth())

	switch {
	case op.IsBinop():
		return in.execBinop(offset, op, cur)
	case op == decode.OpConst:
		n, _ := cur.Word()
		if err := in.stack.PushOperand(value.Box(n)); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpString:
		off, _ := cur.StringOffset()
		s, err := in.img.LookupString(off)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(in.heap.Bstring(s)); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpSexp:
		return in.execSexp(offset, cur)
	case op == decode.OpSta:
		return in.execSta(offset)
	case op == decode.OpJmp:
		target, _ := cur.CodeOffset()
		in.pc = target
		return true, nil
	case op == decode.OpEnd:
		return in.execEnd(offset)
	case op == decode.OpSwap:
		return in.execSwap(offset)
	case op == decode.OpDrop:
		if _, err := in.stack.PopOperand(); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpDup:
		v, err := in.stack.Peek(0)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(v); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpElem:
		return in.execElem(offset)
	case op.IsLD():
		return in.execLoad(offset, decode.Designation(op.Low()), cur)
	case op.IsLDA():
		return in.execLoadAddr(offset, decode.Designation(op.Low()), cur)
	case op.IsST():
		return in.execStore(offset, decode.Designation(op.Low()), cur)
	case op == decode.OpCjmpZ || op == decode.OpCjmpNz:
		return in.execCjmp(offset, op, cur)
	case op == decode.OpBegin || op == decode.OpBeginCl:
		return in.execBegin(offset, cur)
	case op == decode.OpClosure:
		return in.execClosure(offset, cur)
	case op == decode.OpCallC:
		return in.execCallC(offset, cur)
	case op == decode.OpCall:
		return in.execCall(offset, cur)
	case op == decode.OpTag:
		return in.execTag(offset, cur)
	case op == decode.OpArray:
		return in.execArray(offset, cur)
	case op == decode.OpFail:
		return in.execFail(offset, cur)
	case op == decode.OpLine:
		line, _ := cur.Word()
		in.lastLine = line
	case op == decode.OpPattStrCmp:
		return in.execPattStrCmp(offset)
	case op.IsPatt1():
		return in.execPatt1(offset, op)
	case op == decode.OpCallLread:
		v, err := in.io.Lread()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(v); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpCallLwrite:
		v, err := in.stack.PopOperand()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.io.Lwrite(v); err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(value.Box(0)); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpCallLlength:
		v, err := in.stack.PopOperand()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		l, err := in.heap.Llength(v)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(l); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpCallLstring:
		v, err := in.stack.PopOperand()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		rendered, err := in.heap.Lstring(v)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(rendered); err != nil {
			return false, fail(offset, "%v", err)
		}
	case op == decode.OpCallBarray:
		return in.execCallBarray(offset, cur)
	default:
		return false, fail(offset, "%w: %#02x", decode.ErrUnknownOpcode, byte(op))
	}

	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execBinop(offset int32, op decode.Op, cur *decode.Cursor) (bool, error) {
	if op == decode.OpBinopEq {
		rhs, err := in.stack.PopOperand()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		lhs, err := in.stack.PopOperand()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(value.BoxBool(lhs == rhs)); err != nil {
			return false, fail(offset, "%v", err)
		}
		in.pc = int32(cur.Offset)
		return true, nil
	}

	rhsV, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	lhsV, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if !value.IsInt(rhsV) || !value.IsInt(lhsV) {
		return false, fail(offset, "%w", ErrNotAnInteger)
	}
	lhs, rhs := value.Unbox(lhsV), value.Unbox(rhsV)
	if (op == decode.OpBinopDiv || op == decode.OpBinopMod) && rhs == 0 {
		return false, fail(offset, "%w", ErrDivisionByZero)
	}

	var result int32
	switch op {
	case decode.OpBinopAdd:
		result = lhs + rhs
	case decode.OpBinopSub:
		result = lhs - rhs
	case decode.OpBinopMul:
		result = lhs * rhs
	case decode.OpBinopDiv:
		result = lhs / rhs
	case decode.OpBinopMod:
		result = lhs % rhs
	case decode.OpBinopLt:
		result = boolInt(lhs < rhs)
	case decode.OpBinopLeq:
		result = boolInt(lhs <= rhs)
	case decode.OpBinopGt:
		result = boolInt(lhs > rhs)
	case decode.OpBinopGeq:
		result = boolInt(lhs >= rhs)
	case decode.OpBinopNeq:
		result = boolInt(lhs != rhs)
	case decode.OpBinopAnd:
		result = boolInt(lhs != 0 && rhs != 0)
	case decode.OpBinopOr:
		result = boolInt(lhs != 0 || rhs != 0)
	default:
		return false, fail(offset, "interp: unhandled binop %#02x", byte(op))
	}
	if err := in.stack.PushOperand(value.Box(result)); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (in *Interp) execSexp(offset int32, cur *decode.Cursor) (bool, error) {
	off, _ := cur.StringOffset()
	tagName, err := in.img.LookupString(off)
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	n, _ := cur.NonNegative("nArgs")
	vals, err := in.stack.PopN(int(n))
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	ref := in.heap.Bsexp_(runtimelib.LtagHash(tagName), vals)
	if err := in.stack.PushOperand(ref); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execSta(offset int32) (bool, error) {
	x, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	idx, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	container, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}

	if kind, ok := in.heap.Kind(container); ok && kind == runtimelib.KindAddr {
		addr, err := in.heap.Addr(container)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.setVar(decode.Designation(addr.Designation), addr.Index, x); err != nil {
			return false, fail(offset, "%v", err)
		}
		if err := in.stack.PushOperand(x); err != nil {
			return false, fail(offset, "%v", err)
		}
		in.pc = offset + 1
		return true, nil
	}

	result, err := in.heap.Bsta(container, value.Unbox(idx), x)
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(result); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = offset + 1
	return true, nil
}

func (in *Interp) execEnd(offset int32) (bool, error) {
	ret, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	returnOffset, err := in.stack.PopFrame()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(ret); err != nil {
		return false, fail(offset, "%v", err)
	}
	if in.stack.FrameDepth() == 1 {
		// Only the bootstrap frame is left: the top-level function has
		// returned and the program is finished.
		return false, nil
	}
	in.pc = returnOffset
	return true, nil
}

func (in *Interp) execSwap(offset int32) (bool, error) {
	a, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	b, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(a); err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(b); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = offset + 1
	return true, nil
}

func (in *Interp) execElem(offset int32) (bool, error) {
	idx, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	container, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	v, err := in.heap.Belem(container, value.Unbox(idx))
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(v); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = offset + 1
	return true, nil
}

func (in *Interp) accessVar(offset int32, desig decode.Designation, index int32) (value.Value, error) {
	switch desig {
	case decode.DesigGlobal:
		return in.globals.Get(int(index))
	case decode.DesigLocal:
		return in.stack.Local(int(index))
	case decode.DesigArg:
		return in.stack.Arg(int(index))
	case decode.DesigAccess:
		closureRef, ok := in.stack.Closure()
		if !ok {
			return 0, fmt.Errorf("interp: ACCESS outside a closure frame")
		}
		return in.heap.Access(closureRef, int(index))
	default:
		return 0, fmt.Errorf("%w: %v", decode.ErrDesignation, desig)
	}
}

func (in *Interp) setVar(desig decode.Designation, index int32, v value.Value) error {
	switch desig {
	case decode.DesigGlobal:
		return in.globals.Set(int(index), v)
	case decode.DesigLocal:
		return in.stack.SetLocal(int(index), v)
	case decode.DesigArg:
		return in.stack.SetArg(int(index), v)
	default:
		return fmt.Errorf("%w: cannot store to %v", decode.ErrDesignation, desig)
	}
}

func (in *Interp) execLoad(offset int32, desig decode.Designation, cur *decode.Cursor) (bool, error) {
	index, _ := cur.Word()
	v, err := in.accessVar(offset, desig, index)
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(v); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

// execLoadAddr implements LDA: it allocates a runtimelib.Addr lvalue
// descriptor for (desig, index) and pushes its reference twice, per
// spec.md's "duplicate lvalue convention". A following STA recognizes
// the descriptor and writes straight back to the variable instead of
// treating it as an array/sexp/string container (see
// runtimelib.Addr's doc comment and DESIGN.md).
func (in *Interp) execLoadAddr(offset int32, desig decode.Designation, cur *decode.Cursor) (bool, error) {
	index, _ := cur.Word()
	// Bound-check the designation now, the same way LD does, even
	// though the descriptor itself carries no value yet.
	if _, err := in.accessVar(offset, desig, index); err != nil {
		return false, fail(offset, "%v", err)
	}
	addr := in.heap.NewAddr(byte(desig), index)
	if err := in.stack.PushOperand(addr); err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(addr); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execStore(offset int32, desig decode.Designation, cur *decode.Cursor) (bool, error) {
	index, _ := cur.Word()
	v, err := in.stack.Peek(0)
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.setVar(desig, index, v); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execCjmp(offset int32, op decode.Op, cur *decode.Cursor) (bool, error) {
	target, _ := cur.CodeOffset()
	v, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if !value.IsInt(v) {
		return false, fail(offset, "%w", ErrNotAnInteger)
	}
	truthy := value.Truthy(v)
	take := (op == decode.OpCjmpNz && truthy) || (op == decode.OpCjmpZ && !truthy)
	if take {
		in.pc = target
	} else {
		in.pc = int32(cur.Offset)
	}
	return true, nil
}

func (in *Interp) execBegin(offset int32, cur *decode.Cursor) (bool, error) {
	rawNArgs, _ := cur.Word()
	nLocals, err := cur.NonNegative("nLocals")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	nArgs := int(rawNArgs & 0xffff)
	maxOperandStack := int((uint32(rawNArgs) >> 16) & 0xffff)

	if err := in.stack.PushFrame(nArgs, int(nLocals), in.pendingIsClosure, in.pendingReturn); err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.EnsureHeadroom(maxOperandStack); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pendingIsClosure = false
	in.pendingReturn = 0

	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execClosure(offset int32, cur *decode.Cursor) (bool, error) {
	target, _ := cur.CodeOffset()
	n, err := cur.NonNegative("nClosureVars")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	captured := make([]value.Value, n)
	for i := int32(0); i < n; i++ {
		desig, err := cur.Designation()
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		index, _ := cur.Word()
		v, err := in.accessVar(offset, desig, index)
		if err != nil {
			return false, fail(offset, "%v", err)
		}
		captured[i] = v
	}
	ref := in.heap.Bclosure_(target, captured)
	if err := in.stack.PushOperand(ref); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execCallC(offset int32, cur *decode.Cursor) (bool, error) {
	n, err := cur.NonNegative("nArgs")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	closureRef, err := in.stack.Peek(int(n))
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	c, err := in.heap.Closure(closureRef)
	if err != nil {
		return false, fail(offset, "%w: %v", ErrNotAClosure, err)
	}
	in.pendingReturn = int32(cur.Offset)
	in.pendingIsClosure = true
	in.pc = c.Entry
	return true, nil
}

func (in *Interp) execCall(offset int32, cur *decode.Cursor) (bool, error) {
	target, _ := cur.CodeOffset()
	if _, err := cur.NonNegative("nArgs"); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pendingReturn = int32(cur.Offset)
	in.pendingIsClosure = false
	in.pc = target
	return true, nil
}

func (in *Interp) execTag(offset int32, cur *decode.Cursor) (bool, error) {
	off, _ := cur.StringOffset()
	tagName, err := in.img.LookupString(off)
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	n, err := cur.NonNegative("nArgs")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	target, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	result := in.heap.Btag(target, runtimelib.LtagHash(tagName), n)
	if err := in.stack.PushOperand(result); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execArray(offset int32, cur *decode.Cursor) (bool, error) {
	n, err := cur.NonNegative("nElems")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	v, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	result := in.heap.Barray_patt(v, n)
	if err := in.stack.PushOperand(result); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}

func (in *Interp) execFail(offset int32, cur *decode.Cursor) (bool, error) {
	line, _ := cur.Word()
	if _, err := cur.Word(); err != nil { // col, read and discarded
		return false, fail(offset, "%v", err)
	}
	v, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	reportLine := line
	if reportLine == 0 {
		reportLine = in.lastLine
	}
	return false, fail(offset, "%w", in.heap.Bmatch_failure(v, reportLine))
}

func (in *Interp) execPattStrCmp(offset int32) (bool, error) {
	x, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	y, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	if err := in.stack.PushOperand(in.heap.Bstring_patt(x, y)); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = offset + 1
	return true, nil
}

func (in *Interp) execPatt1(offset int32, op decode.Op) (bool, error) {
	v, err := in.stack.PopOperand()
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	var result value.Value
	switch op {
	case decode.OpPattString:
		result = in.heap.Bstring_tag_patt(v)
	case decode.OpPattArray:
		result = in.heap.Barray_tag_patt(v)
	case decode.OpPattSexp:
		result = in.heap.Bsexp_tag_patt(v)
	case decode.OpPattBoxed:
		result = runtimelib.Bboxed_patt(v)
	case decode.OpPattUnBoxed:
		result = runtimelib.Bunboxed_patt(v)
	case decode.OpPattClosure:
		result = in.heap.Bclosure_tag_patt(v)
	default:
		return false, fail(offset, "interp: unhandled pattern predicate %#02x", byte(op))
	}
	if err := in.stack.PushOperand(result); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = offset + 1
	return true, nil
}

func (in *Interp) execCallBarray(offset int32, cur *decode.Cursor) (bool, error) {
	n, err := cur.NonNegative("nArgs")
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	vals, err := in.stack.PopN(int(n))
	if err != nil {
		return false, fail(offset, "%v", err)
	}
	ref := in.heap.Barray_(vals)
	if err := in.stack.PushOperand(ref); err != nil {
		return false, fail(offset, "%v", err)
	}
	in.pc = int32(cur.Offset)
	return true, nil
}
