// Package verify implements the Lama bytecode verifier: a fixed-point
// walk of the control-flow graph reachable from every public entry
// point, inferring a consistent operand-stack depth at every
// instruction, checking structural invariants on instruction operands,
// and augmenting each function's BEGIN/BEGINcl header with its maximum
// operand-stack size.
package verify

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lama-vm/lama/bytefile"
	"github.com/lama-vm/lama/decode"
	"github.com/lama-vm/lama/value"
)

// Error is a verification failure, tagged with the code offset at
// fault (or -1 if the failure predates any offset, e.g. a malformed
// string table).
type Error struct {
	Offset int
	Err    error
}

func (e *Error) Error() string {
	if e.Offset < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("at %#x: %v", e.Offset, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(offset int, format string, args ...any) error {
	return &Error{Offset: offset, Err: fmt.Errorf(format, args...)}
}

// Sentinel causes, for errors.Is matching in tests.
var (
	ErrUnreachableBegin    = errors.New("verify: BEGIN/BEGINcl reached by fall-through or branch")
	ErrStackMismatch       = errors.New("verify: operand stack size inconsistent across paths")
	ErrStackOverflow       = errors.New("verify: operand stack size overflow")
	ErrStackUnderflow      = errors.New("verify: operand stack underflow")
	ErrVarOutOfRange       = errors.New("verify: variable index out of range")
	ErrClosureMismatch     = errors.New("verify: function entered as both closure and non-closure")
	ErrClosureVarsMismatch = errors.New("verify: inconsistent nClosureVars for the same function entry")
	ErrConstRange          = errors.New("verify: CONST value out of range")
)

const maxOperandStack = 1 << 16

// instMeta tracks per-instruction verifier state.
type instMeta struct {
	reached bool
	depth   uint16
	length  uint8
}

// funcMeta tracks per-function-entry verifier state.
type funcMeta struct {
	reached      bool
	isClosure    bool
	nClosureVars int32
	nArgs        int32
	nLocals      int32
}

type pendingFunc struct {
	entry        int32
	isClosure    bool
	nClosureVars int32
}

type pendingInst struct {
	offset int32
	depth  uint16
}

// verifier holds the fixed-point state for one Image.
type verifier struct {
	img   *bytefile.Image
	insts map[int32]*instMeta
	funcs map[int32]*funcMeta

	// funcOf maps every reached instruction offset to the function
	// entry that reached it, so designation bound-checks can find
	// nArgs/nLocals/nClosureVars for the current function.
	funcOf map[int32]int32
}

// Verify validates img and, on success, rewrites every BEGIN/BEGINcl
// header in img.Code with the augmented max-operand-stack word. It is
// the only function that mutates img.Code.
func Verify(img *bytefile.Image) error {
	if err := verifyStringTable(img); err != nil {
		return err
	}
	if err := verifyPublicSymbols(img); err != nil {
		return err
	}

	v := &verifier{
		img:    img,
		insts:  make(map[int32]*instMeta),
		funcs:  make(map[int32]*funcMeta),
		funcOf: make(map[int32]int32),
	}

	funcQueue := make([]pendingFunc, 0, len(img.PublicSymbols))
	for _, sym := range img.PublicSymbols {
		funcQueue = append(funcQueue, pendingFunc{entry: sym.CodeOffset, isClosure: false})
	}

	for len(funcQueue) > 0 {
		pf := funcQueue[0]
		funcQueue = funcQueue[1:]

		fm, already := v.funcs[pf.entry]
		if already {
			if fm.isClosure != pf.isClosure {
				return fail(int(pf.entry), "%w", ErrClosureMismatch)
			}
			if pf.isClosure && fm.nClosureVars != pf.nClosureVars {
				return fail(int(pf.entry), "%w: %d vs %d", ErrClosureVarsMismatch, fm.nClosureVars, pf.nClosureVars)
			}
			continue
		}

		fm = &funcMeta{reached: true, isClosure: pf.isClosure, nClosureVars: pf.nClosureVars}
		v.funcs[pf.entry] = fm

		more, err := v.verifyFunction(pf.entry, fm)
		if err != nil {
			return err
		}
		funcQueue = append(funcQueue, more...)
	}

	augment(v)
	return nil
}

func verifyStringTable(img *bytefile.Image) error {
	if len(img.StringTable) == 0 {
		return fail(-1, "empty string table")
	}
	if img.StringTable[len(img.StringTable)-1] != 0 {
		return fail(-1, "string table does not end in NUL")
	}
	return nil
}

func verifyPublicSymbols(img *bytefile.Image) error {
	for i, sym := range img.PublicSymbols {
		if sym.NameOffset < 0 || int(sym.NameOffset) >= len(img.StringTable) {
			return fail(-1, "public symbol %d: name offset %#x out of range", i, sym.NameOffset)
		}
		if sym.CodeOffset < 0 || int(sym.CodeOffset) >= len(img.Code) {
			return fail(-1, "public symbol %d: code offset %#x out of range", i, sym.CodeOffset)
		}
	}
	return nil
}

// verifyFunction reads the BEGIN/BEGINcl header at entry, then walks
// its instruction CFG via a nested work queue. It returns the
// functions newly discovered via CALL/CLOSURE inside this function's
// body.
func (v *verifier) verifyFunction(entry int32, fm *funcMeta) ([]pendingFunc, error) {
	cur := decode.NewCursor(v.img.Code, len(v.img.StringTable), int(entry))
	opByte, err := cur.Byte()
	if err != nil {
		return nil, fail(int(entry), "%v", err)
	}
	op := decode.Op(opByte)
	if op != decode.OpBegin && op != decode.OpBeginCl {
		return nil, fail(int(entry), "function entry is not BEGIN/BEGINcl: opcode %#x", opByte)
	}
	rawNArgs, err := cur.Word()
	if err != nil {
		return nil, fail(int(entry), "%v", err)
	}
	nLocals, err := cur.NonNegative("nLocals")
	if err != nil {
		return nil, fail(int(entry), "%v", err)
	}
	nArgs := rawNArgs & 0xffff
	if nArgs < 0 || nArgs > 0xffff {
		return nil, fail(int(entry), "BEGIN nArgs %d does not fit in 16 bits", nArgs)
	}
	fm.nArgs = nArgs
	fm.nLocals = nLocals

	v.markLength(entry, uint8(cur.Offset-int(entry)))

	bodyStart := int32(cur.Offset)
	bm := v.insts[bodyStart]
	if bm == nil {
		bm = &instMeta{}
		v.insts[bodyStart] = bm
	}
	bm.reached = true
	bm.depth = 0

	var discovered []pendingFunc
	instQueue := []pendingInst{{offset: bodyStart, depth: 0}}
	for len(instQueue) > 0 {
		pi := instQueue[0]
		instQueue = instQueue[1:]

		more, err := v.parseInstruction(entry, fm, pi)
		if err != nil {
			return nil, err
		}
		for _, edge := range more.edges {
			if err := v.enqueueInst(&instQueue, edge.offset, edge.depth); err != nil {
				return nil, err
			}
		}
		discovered = append(discovered, more.functions...)
	}

	return discovered, nil
}

func (v *verifier) markLength(offset int32, length uint8) {
	m := v.insts[offset]
	if m == nil {
		m = &instMeta{}
		v.insts[offset] = m
	}
	m.length = length
}

type edge struct {
	offset int32
	depth  uint16
}

type stepResult struct {
	edges     []edge
	functions []pendingFunc
}

// enqueueInst applies the enqueue discipline of spec.md §4.2: a
// previously-reached offset must match its recorded depth; a
// BEGIN/BEGINcl cannot be reached this way at all.
func (v *verifier) enqueueInst(queue *[]pendingInst, offset int32, depth uint16) error {
	if offset < 0 || int(offset) >= len(v.img.Code) {
		return fail(int(offset), "%w", decode.ErrCodeOffset)
	}
	opByte := v.img.Code[offset]
	op := decode.Op(opByte)
	if op == decode.OpBegin || op == decode.OpBeginCl {
		return fail(int(offset), "%w", ErrUnreachableBegin)
	}

	m := v.insts[offset]
	if m == nil {
		m = &instMeta{}
		v.insts[offset] = m
	}
	if m.reached {
		if m.depth != depth {
			return fail(int(offset), "%w: %d vs %d", ErrStackMismatch, m.depth, depth)
		}
		return nil
	}
	m.reached = true
	m.depth = depth
	v.funcOf[offset] = -1 // filled by caller via funcEntry below
	*queue = append(*queue, pendingInst{offset: offset, depth: depth})
	return nil
}

// parseInstruction decodes exactly one instruction at pi.offset,
// checks its structural invariants, and returns its CFG successors
// (as already-validated edges, per the successor rule of spec.md
// §4.2) plus any functions it discovers via CALL/CLOSURE.
func (v *verifier) parseInstruction(funcEntry int32, fm *funcMeta, pi pendingInst) (stepResult, error) {
	v.funcOf[pi.offset] = funcEntry

	cur := decode.NewCursor(v.img.Code, len(v.img.StringTable), int(pi.offset))
	opByte, err := cur.Byte()
	if err != nil {
		return stepResult{}, fail(int(pi.offset), "%v", err)
	}
	op := decode.Op(opByte)
	depth := int32(pi.depth)

	pop := func(k int32) error {
		if depth < k {
			return fail(int(pi.offset), "%w: need %d, have %d", ErrStackUnderflow, k, depth)
		}
		depth -= k
		return nil
	}
	push := func(k int32) error {
		if depth+k >= maxOperandStack {
			return fail(int(pi.offset), "%w", ErrStackOverflow)
		}
		depth += k
		return nil
	}

	var (
		jumpTarget int32
		hasJump    bool
		stops      bool
		discovered []pendingFunc
	)

	switch {
	case op.IsBinop():
		if err := pop(2); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpConst:
		n, err := cur.Word()
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if !value.InRange(n) {
			return stepResult{}, fail(int(pi.offset), "%w: %d", ErrConstRange, n)
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpString:
		if _, err := cur.StringOffset(); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpSexp:
		if _, err := cur.StringOffset(); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		n, err := cur.NonNegative("nArgs")
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(n); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpSta:
		if err := pop(3); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpJmp:
		target, err := cur.CodeOffset()
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		jumpTarget, hasJump, stops = target, true, true

	case op == decode.OpEnd:
		stops = true

	case op == decode.OpSwap:
		// No net stack effect: permutes the top two operands.
		// See SPEC_FULL.md §9 Open Questions: implemented, not
		// rejected.

	case op == decode.OpDrop:
		if err := pop(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpDup:
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpElem:
		if err := pop(2); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op.IsLD():
		if err := v.checkVarBound(funcEntry, fm, decode.Designation(op.Low()), cur); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op.IsLDA():
		if err := v.checkVarBound(funcEntry, fm, decode.Designation(op.Low()), cur); err != nil {
			return stepResult{}, err
		}
		if err := push(2); err != nil {
			return stepResult{}, err
		}

	case op.IsST():
		if err := v.checkVarBound(funcEntry, fm, decode.Designation(op.Low()), cur); err != nil {
			return stepResult{}, err
		}
		// store-peek: net effect is zero (the ST'd value stays).

	case op == decode.OpCjmpZ || op == decode.OpCjmpNz:
		target, err := cur.CodeOffset()
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(1); err != nil {
			return stepResult{}, err
		}
		jumpTarget, hasJump = target, true

	case op == decode.OpBegin || op == decode.OpBeginCl:
		return stepResult{}, fail(int(pi.offset), "%w", ErrUnreachableBegin)

	case op == decode.OpClosure:
		target, err := cur.CodeOffset()
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		n, err := cur.NonNegative("nClosureVars")
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		for i := int32(0); i < n; i++ {
			desig, err := cur.Designation()
			if err != nil {
				return stepResult{}, fail(int(pi.offset), "%v", err)
			}
			if err := v.checkDesignationIndex(funcEntry, fm, desig, cur); err != nil {
				return stepResult{}, err
			}
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}
		discovered = append(discovered, pendingFunc{entry: target, isClosure: true, nClosureVars: n})

	case op == decode.OpCallC:
		n, err := cur.NonNegative("nArgs")
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(n + 1); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpCall:
		target, err := cur.CodeOffset()
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		n, err := cur.NonNegative("nArgs")
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(n); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}
		discovered = append(discovered, pendingFunc{entry: target, isClosure: false})

	case op == decode.OpTag:
		if _, err := cur.StringOffset(); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if _, err := cur.NonNegative("nArgs"); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(1); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpArray:
		if _, err := cur.NonNegative("nElems"); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(1); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpFail:
		if _, err := cur.Word(); err != nil { // line
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if _, err := cur.Word(); err != nil { // col
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		stops = true

	case op == decode.OpLine:
		if _, err := cur.Word(); err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}

	case op == decode.OpPattStrCmp:
		if err := pop(2); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op.IsPatt1():
		if err := pop(1); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpCallLread:
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpCallLwrite, op == decode.OpCallLlength, op == decode.OpCallLstring:
		if err := pop(1); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	case op == decode.OpCallBarray:
		n, err := cur.NonNegative("nArgs")
		if err != nil {
			return stepResult{}, fail(int(pi.offset), "%v", err)
		}
		if err := pop(n); err != nil {
			return stepResult{}, err
		}
		if err := push(1); err != nil {
			return stepResult{}, err
		}

	default:
		return stepResult{}, fail(int(pi.offset), "%w: %#02x", decode.ErrUnknownOpcode, byte(op))
	}

	v.markLength(pi.offset, uint8(cur.Offset-int(pi.offset)))

	newDepth := uint16(depth)
	var edges []edge
	if hasJump {
		edges = append(edges, edge{offset: jumpTarget, depth: newDepth})
	}
	if !stops {
		edges = append(edges, edge{offset: int32(cur.Offset), depth: newDepth})
	}
	return stepResult{edges: edges, functions: discovered}, nil
}

// checkVarBound validates the variable index that follows a
// designation already implied by op.Low() for LD/LDA/ST.
func (v *verifier) checkVarBound(funcEntry int32, fm *funcMeta, desig decode.Designation, cur *decode.Cursor) error {
	return v.checkDesignationIndex(funcEntry, fm, desig, cur)
}

func (v *verifier) checkDesignationIndex(funcEntry int32, fm *funcMeta, desig decode.Designation, cur *decode.Cursor) error {
	idx, err := cur.Word()
	if err != nil {
		return fail(cur.Offset, "%v", err)
	}
	if idx < 0 {
		return fail(cur.Offset, "%w: negative index %d for %s", ErrVarOutOfRange, idx, desig)
	}
	var bound int32
	switch desig {
	case decode.DesigGlobal:
		bound = v.img.GlobalAreaSize
	case decode.DesigLocal:
		bound = fm.nLocals
	case decode.DesigArg:
		bound = fm.nArgs
	case decode.DesigAccess:
		bound = fm.nClosureVars
	default:
		return fail(cur.Offset, "%w: %v", decode.ErrDesignation, desig)
	}
	if idx >= bound {
		return fail(cur.Offset, "%w: %s index %d >= %d", ErrVarOutOfRange, desig, idx, bound)
	}
	return nil
}

// augment rewrites every discovered function's BEGIN/BEGINcl
// immediate in place with maxOperandStack<<16 | nArgs, using the
// instruction depths and function-entry map v already collected
// during Verify's fixed-point pass over v.funcs — every CALL and
// CLOSURE target discovered along the way, not just img.PublicSymbols.
// This is idempotent: the low 16 bits it writes back are the same
// nArgs the compiler (or a prior augmentation pass) already wrote.
func augment(v *verifier) {
	for entry, fm := range v.funcs {
		writeMaxStack(v.img, entry, v, fm)
	}
}

func writeMaxStack(img *bytefile.Image, entry int32, v *verifier, fm *funcMeta) {
	var maxDepth uint16
	for off, m := range v.insts {
		if v.funcOf[off] != entry {
			continue
		}
		if m.depth > maxDepth {
			maxDepth = m.depth
		}
	}
	packed := uint32(maxDepth)<<16 | uint32(fm.nArgs)&0xffff
	binary.LittleEndian.PutUint32(img.Code[entry+1:entry+5], packed)
}
