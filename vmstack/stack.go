// Package vmstack implements the unified call/operand stack the
// interpreter runs on: a single []value.Value region holding caller
// frames, function arguments and locals, plus the operand region of
// whichever frame is active.
package vmstack

import (
	"errors"
	"fmt"

	"github.com/lama-vm/lama/value"
)

// ErrOverflow is returned by PushFrame/PushOperand when growing the
// stack would exceed its configured capacity.
var ErrOverflow = errors.New("vmstack: stack overflow")

// ErrUnderflow is returned by PopOperand/Peek/PopN/DropN when the
// requested depth reaches below the current frame's operand floor.
var ErrUnderflow = errors.New("vmstack: operand stack underflow")

// Frame is the metadata for one activation record. Its argument and
// local slots occupy data[Base : Base+NArgs+NLocals]; its operand
// region starts at OperandBase. A closure's captured-variable ref is
// kept in ClosureRef rather than a stack slot — nothing in the bytecode
// needs it to occupy an addressable stack position, only
// runtimelib.Access(ClosureRef, i) to read it.
type Frame struct {
	Base         int
	NArgs        int
	NLocals      int
	HasClosure   bool
	ClosureRef   value.Value
	OperandBase  int
	ReturnOffset int32
}

// Stack is the VM's unified call/operand stack.
type Stack struct {
	data      []value.Value
	top       int // one past the highest occupied slot
	frames    []Frame
	maxFrames int
}

// New creates a stack with the given slot capacity and maximum frame
// depth.
func New(capacity, maxFrames int) *Stack {
	return &Stack{
		data:      make([]value.Value, capacity),
		maxFrames: maxFrames,
	}
}

// Depth returns the number of operand slots currently pushed in the
// active frame.
func (s *Stack) Depth() int {
	return s.top - s.currentFrame().OperandBase
}

// FrameDepth returns the number of frames on the stack, including the
// bootstrap frame pushed by Bootstrap.
func (s *Stack) FrameDepth() int { return len(s.frames) }

// EnsureHeadroom fails if the active frame's operand region has less
// than maxOperandStack slots of capacity remaining, mirroring the
// original interpreter's "might exhaust stack" guard at the top of
// beginFunction — the verifier's augmentation computed
// maxOperandStack as the deepest this function's operand stack can
// legally grow.
func (s *Stack) EnsureHeadroom(maxOperandStack int) error {
	if s.currentFrame().OperandBase+maxOperandStack > len(s.data) {
		return fmt.Errorf("%w: frame needs %d operand slots", ErrOverflow, maxOperandStack)
	}
	return nil
}

func (s *Stack) currentFrame() *Frame {
	return &s.frames[len(s.frames)-1]
}

// Bootstrap pushes a synthetic base frame with reservedSlots
// zero-valued operands available to the program's top-level
// BEGIN/BEGINcl, mirroring the reserved argc/argv/hidden slots of
// spec.md §9 Open Questions: left unpopulated, never written by
// interp itself.
func (s *Stack) Bootstrap(reservedSlots int) error {
	s.frames = append(s.frames, Frame{Base: 0, OperandBase: 0})
	for i := 0; i < reservedSlots; i++ {
		if err := s.PushOperand(value.Zero); err != nil {
			return err
		}
	}
	return nil
}

// PushOperand pushes v onto the active frame's operand region.
func (s *Stack) PushOperand(v value.Value) error {
	if s.top >= len(s.data) {
		return fmt.Errorf("%w: data region exhausted", ErrOverflow)
	}
	s.data[s.top] = v
	s.top++
	return nil
}

// PopOperand pops and returns the top operand of the active frame.
func (s *Stack) PopOperand() (value.Value, error) {
	if s.top <= s.currentFrame().OperandBase {
		return 0, fmt.Errorf("%w: pop with empty operand region", ErrUnderflow)
	}
	s.top--
	return s.data[s.top], nil
}

// Peek returns the operand n slots below the top without popping
// (n=0 is the top element).
func (s *Stack) Peek(n int) (value.Value, error) {
	idx := s.top - 1 - n
	if idx < s.currentFrame().OperandBase {
		return 0, fmt.Errorf("%w: peek(%d) below operand floor", ErrUnderflow, n)
	}
	return s.data[idx], nil
}

// PopN pops and returns the top n operands in push order (oldest
// first), i.e. PopN(2) after pushing a then b returns [a, b].
func (s *Stack) PopN(n int) ([]value.Value, error) {
	if n == 0 {
		return nil, nil
	}
	if s.top-n < s.currentFrame().OperandBase {
		return nil, fmt.Errorf("%w: popN(%d)", ErrUnderflow, n)
	}
	out := make([]value.Value, n)
	copy(out, s.data[s.top-n:s.top])
	s.top -= n
	return out, nil
}

// DropN discards the top n operands.
func (s *Stack) DropN(n int) error {
	if s.top-n < s.currentFrame().OperandBase {
		return fmt.Errorf("%w: dropN(%d)", ErrUnderflow, n)
	}
	s.top -= n
	return nil
}

// PushFrame begins a new activation. It pops nArgs+1 operands if
// hasClosure (the deepest being the closure reference, the rest
// arg0..arg(nArgs-1) in push order), or nArgs operands otherwise,
// zero-initializes nLocals locals, and leaves the callee's operand
// region empty. returnOffset is recorded so PopFrame can resume the
// caller.
func (s *Stack) PushFrame(nArgs, nLocals int, hasClosure bool, returnOffset int32) error {
	if len(s.frames) >= s.maxFrames {
		return fmt.Errorf("%w: max call depth %d reached", ErrOverflow, s.maxFrames)
	}
	total := nArgs
	if hasClosure {
		total++
	}
	if s.Depth() < total {
		return fmt.Errorf("%w: call needs %d operands, have %d", ErrUnderflow, total, s.Depth())
	}

	start := s.top - total
	var closureRef value.Value
	argsBase := start
	if hasClosure {
		closureRef = s.data[start]
		argsBase = start + 1
	}

	localsBase := argsBase + nArgs
	needed := localsBase + nLocals
	if needed > len(s.data) {
		return fmt.Errorf("%w: data region exhausted reserving locals", ErrOverflow)
	}
	for i := localsBase; i < needed; i++ {
		s.data[i] = value.Zero
	}

	s.frames = append(s.frames, Frame{
		Base:         argsBase,
		NArgs:        nArgs,
		NLocals:      nLocals,
		HasClosure:   hasClosure,
		ClosureRef:   closureRef,
		OperandBase:  needed,
		ReturnOffset: returnOffset,
	})
	s.top = needed
	return nil
}

// PopFrame ends the active activation and returns its return offset.
// The caller should treat FrameDepth()==1 (only the bootstrap frame
// left) as "program finished".
func (s *Stack) PopFrame() (returnOffset int32, err error) {
	if len(s.frames) <= 1 {
		return 0, fmt.Errorf("vmstack: pop frame below bootstrap frame")
	}
	f := s.frames[len(s.frames)-1]
	s.top = f.Base
	if f.HasClosure {
		s.top-- // the closure reference sits just below the arguments
	}
	s.frames = s.frames[:len(s.frames)-1]
	return f.ReturnOffset, nil
}

// Arg returns argument i (0-indexed in declaration order) of the
// active frame.
func (s *Stack) Arg(i int) (value.Value, error) {
	f := s.currentFrame()
	if i < 0 || i >= f.NArgs {
		return 0, fmt.Errorf("vmstack: arg index %d out of range [0,%d)", i, f.NArgs)
	}
	return s.data[f.Base+i], nil
}

// SetArg overwrites argument i of the active frame.
func (s *Stack) SetArg(i int, v value.Value) error {
	f := s.currentFrame()
	if i < 0 || i >= f.NArgs {
		return fmt.Errorf("vmstack: arg index %d out of range [0,%d)", i, f.NArgs)
	}
	s.data[f.Base+i] = v
	return nil
}

// Local returns local i of the active frame.
func (s *Stack) Local(i int) (value.Value, error) {
	f := s.currentFrame()
	if i < 0 || i >= f.NLocals {
		return 0, fmt.Errorf("vmstack: local index %d out of range [0,%d)", i, f.NLocals)
	}
	return s.data[f.Base+f.NArgs+i], nil
}

// SetLocal overwrites local i of the active frame.
func (s *Stack) SetLocal(i int, v value.Value) error {
	f := s.currentFrame()
	if i < 0 || i >= f.NLocals {
		return fmt.Errorf("vmstack: local index %d out of range [0,%d)", i, f.NLocals)
	}
	s.data[f.Base+f.NArgs+i] = v
	return nil
}

// Closure returns the active frame's own closure reference (read by
// ACCESS designations via runtimelib.Access).
func (s *Stack) Closure() (value.Value, bool) {
	f := s.currentFrame()
	return f.ClosureRef, f.HasClosure
}

// Globals is a separate fixed-size region for global variables,
// indexed directly (not part of the call stack).
type Globals struct {
	slots []value.Value
}

// NewGlobals allocates n global slots, all zero-initialized to
// value.Zero (boxed 0), per spec.md §4.4's global setup step.
func NewGlobals(n int) *Globals {
	g := &Globals{slots: make([]value.Value, n)}
	for i := range g.slots {
		g.slots[i] = value.Zero
	}
	return g
}

func (g *Globals) Get(i int) (value.Value, error) {
	if i < 0 || i >= len(g.slots) {
		return 0, fmt.Errorf("vmstack: global index %d out of range [0,%d)", i, len(g.slots))
	}
	return g.slots[i], nil
}

func (g *Globals) Set(i int, v value.Value) error {
	if i < 0 || i >= len(g.slots) {
		return fmt.Errorf("vmstack: global index %d out of range [0,%d)", i, len(g.slots))
	}
	g.slots[i] = v
	return nil
}
