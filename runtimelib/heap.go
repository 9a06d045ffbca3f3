// Package runtimelib implements the Lama runtime-primitive library
// that interp calls into for boxed strings, arrays, S-expressions,
// closures, and pattern-match predicates.
//
// Heap objects live in an arena and are addressed by value.Value heap
// references, which are arena indices rather than raw pointers (see
// DESIGN.md): there is no manual GC to coordinate with, so an
// append-only slice with no reclamation is sufficient for a single
// bytecode run.
package runtimelib

import (
	"errors"
	"fmt"

	"github.com/lama-vm/lama/value"
)

// Kind distinguishes the five heap object shapes.
type Kind int

const (
	KindStr Kind = iota
	KindArr
	KindSexp
	KindClosure
	KindAddr
)

func (k Kind) String() string {
	switch k {
	case KindStr:
		return "string"
	case KindArr:
		return "array"
	case KindSexp:
		return "sexp"
	case KindClosure:
		return "closure"
	case KindAddr:
		return "address"
	default:
		return "?"
	}
}

// Str is a boxed byte string. Lama strings are mutable (Bsta can
// rewrite a single byte), hence []byte rather than string.
type Str struct {
	Bytes []byte
}

// Arr is a boxed array of values.
type Arr struct {
	Elements []value.Value
}

// Sexp is a tagged S-expression: a constructor tag (from LtagHash)
// plus its argument values.
type Sexp struct {
	Tag      int32
	Elements []value.Value
}

// Closure is a boxed function value: a code entry offset plus its
// captured variables, in declaration order.
type Closure struct {
	Entry    int32
	Captured []value.Value
}

// Addr is the runtime representation of an LDA lvalue descriptor: the
// variable designation and index it was taken from. Go has no single
// raw-pointer type spanning globals, stack-resident locals/args, and
// closure captures the way the original interpreter's C pointers did,
// so LDA allocates one of these instead and STA special-cases it (see
// DESIGN.md).
type Addr struct {
	Designation byte
	Index       int32
}

type object struct {
	kind Kind
	str  *Str
	arr  *Arr
	sexp *Sexp
	clos *Closure
	addr *Addr
}

// ErrNotAHeapValue reports that a value.Value expected to be a heap
// reference isn't one, or indexes outside the arena.
var ErrNotAHeapValue = errors.New("runtimelib: not a valid heap reference")

// ErrWrongKind reports that a heap reference denotes a different kind
// of object than the primitive requires.
var ErrWrongKind = errors.New("runtimelib: heap object has the wrong kind")

// ErrIndexOutOfRange reports an out-of-bounds array/sexp/string index.
var ErrIndexOutOfRange = errors.New("runtimelib: index out of range")

// Heap is the append-only object arena backing one interpreter run.
type Heap struct {
	objects []object
}

// NewHeap creates an empty arena.
func NewHeap() *Heap {
	return &Heap{}
}

func (h *Heap) alloc(o object) value.Value {
	idx := uint64(len(h.objects))
	h.objects = append(h.objects, o)
	return value.Ref(idx)
}

func (h *Heap) resolve(v value.Value) (*object, error) {
	if !value.IsRef(v) {
		return nil, fmt.Errorf("%w: %s is an unboxed integer", ErrNotAHeapValue, v)
	}
	idx := value.RefIndex(v)
	if idx >= uint64(len(h.objects)) {
		return nil, fmt.Errorf("%w: index %d, arena size %d", ErrNotAHeapValue, idx, len(h.objects))
	}
	return &h.objects[idx], nil
}

// Kind reports the kind of the heap object v refers to.
func (h *Heap) Kind(v value.Value) (Kind, bool) {
	obj, err := h.resolve(v)
	if err != nil {
		return 0, false
	}
	return obj.kind, true
}

// Str resolves v as a string object.
func (h *Heap) Str(v value.Value) (*Str, error) {
	obj, err := h.resolve(v)
	if err != nil {
		return nil, err
	}
	if obj.kind != KindStr {
		return nil, fmt.Errorf("%w: want string, have %s", ErrWrongKind, obj.kind)
	}
	return obj.str, nil
}

// Arr resolves v as an array object.
func (h *Heap) Arr(v value.Value) (*Arr, error) {
	obj, err := h.resolve(v)
	if err != nil {
		return nil, err
	}
	if obj.kind != KindArr {
		return nil, fmt.Errorf("%w: want array, have %s", ErrWrongKind, obj.kind)
	}
	return obj.arr, nil
}

// Sexp resolves v as an S-expression object.
func (h *Heap) Sexp(v value.Value) (*Sexp, error) {
	obj, err := h.resolve(v)
	if err != nil {
		return nil, err
	}
	if obj.kind != KindSexp {
		return nil, fmt.Errorf("%w: want sexp, have %s", ErrWrongKind, obj.kind)
	}
	return obj.sexp, nil
}

// Closure resolves v as a closure object.
func (h *Heap) Closure(v value.Value) (*Closure, error) {
	obj, err := h.resolve(v)
	if err != nil {
		return nil, err
	}
	if obj.kind != KindClosure {
		return nil, fmt.Errorf("%w: want closure, have %s", ErrWrongKind, obj.kind)
	}
	return obj.clos, nil
}

// NewStr allocates a string object from s's bytes.
func (h *Heap) NewStr(s string) value.Value {
	return h.alloc(object{kind: KindStr, str: &Str{Bytes: []byte(s)}})
}

// NewArr allocates an array object holding elems, taking ownership of
// the slice.
func (h *Heap) NewArr(elems []value.Value) value.Value {
	return h.alloc(object{kind: KindArr, arr: &Arr{Elements: elems}})
}

// NewSexp allocates a tagged S-expression.
func (h *Heap) NewSexp(tag int32, elems []value.Value) value.Value {
	return h.alloc(object{kind: KindSexp, sexp: &Sexp{Tag: tag, Elements: elems}})
}

// NewClosure allocates a closure referring to code offset entry with
// the given captured variables.
func (h *Heap) NewClosure(entry int32, captured []value.Value) value.Value {
	return h.alloc(object{kind: KindClosure, clos: &Closure{Entry: entry, Captured: captured}})
}

// NewAddr allocates an lvalue descriptor for an LDA of the given
// designation and index.
func (h *Heap) NewAddr(designation byte, index int32) value.Value {
	return h.alloc(object{kind: KindAddr, addr: &Addr{Designation: designation, Index: index}})
}

// Addr resolves v as an lvalue descriptor.
func (h *Heap) Addr(v value.Value) (*Addr, error) {
	obj, err := h.resolve(v)
	if err != nil {
		return nil, err
	}
	if obj.kind != KindAddr {
		return nil, fmt.Errorf("%w: want address, have %s", ErrWrongKind, obj.kind)
	}
	return obj.addr, nil
}

// Access returns captured variable i of the closure referenced by
// closureRef.
func (h *Heap) Access(closureRef value.Value, i int) (value.Value, error) {
	c, err := h.Closure(closureRef)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(c.Captured) {
		return 0, fmt.Errorf("%w: closure access %d, have %d captured", ErrIndexOutOfRange, i, len(c.Captured))
	}
	return c.Captured[i], nil
}
