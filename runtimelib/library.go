package runtimelib

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lama-vm/lama/value"
)

// IO bundles the two runtime-primitive I/O primitives (Lread, Lwrite)
// need, so a run can be driven against anything satisfying
// io.Reader/io.Writer instead of hardcoding os.Stdin/os.Stdout.
type IO struct {
	in  *bufio.Reader
	Out io.Writer
}

// NewIO wraps r and w for use by Lread/Lwrite.
func NewIO(r io.Reader, w io.Writer) *IO {
	return &IO{in: bufio.NewReader(r), Out: w}
}

// Lread reads one whitespace-delimited signed integer from the input
// stream and returns it boxed.
func (io_ *IO) Lread() (value.Value, error) {
	for {
		b, err := io_.in.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("runtimelib: Lread: %w", err)
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		io_.in.UnreadByte()
		break
	}
	var sb strings.Builder
	if b, err := io_.in.ReadByte(); err == nil {
		if b == '-' || b == '+' {
			sb.WriteByte(b)
		} else {
			io_.in.UnreadByte()
		}
	}
	for {
		b, err := io_.in.ReadByte()
		if err != nil {
			break
		}
		if b < '0' || b > '9' {
			io_.in.UnreadByte()
			break
		}
		sb.WriteByte(b)
	}
	n, err := strconv.ParseInt(sb.String(), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("runtimelib: Lread: %q is not an integer: %w", sb.String(), err)
	}
	return value.Box(int32(n)), nil
}

// Lwrite writes v's decimal representation followed by a newline.
func (io_ *IO) Lwrite(v value.Value) error {
	_, err := fmt.Fprintf(io_.Out, "%d\n", value.Unbox(v))
	return err
}

// Bstring boxes a Go string as a runtime string object.
func (h *Heap) Bstring(s string) value.Value {
	return h.NewStr(s)
}

// Llength returns the boxed element count of a string, array, or
// sexp.
func (h *Heap) Llength(v value.Value) (value.Value, error) {
	kind, ok := h.Kind(v)
	if !ok {
		return 0, ErrNotAHeapValue
	}
	switch kind {
	case KindStr:
		s, _ := h.Str(v)
		return value.Box(int32(len(s.Bytes))), nil
	case KindArr:
		a, _ := h.Arr(v)
		return value.Box(int32(len(a.Elements))), nil
	case KindSexp:
		s, _ := h.Sexp(v)
		return value.Box(int32(len(s.Elements))), nil
	default:
		return 0, fmt.Errorf("%w: Llength on %s", ErrWrongKind, kind)
	}
}

// Lstring renders v as a runtime string object: integers render as
// decimal, strings pass through unchanged, arrays and sexps render
// with their elements recursively rendered.
func (h *Heap) Lstring(v value.Value) (value.Value, error) {
	return h.NewStr(h.render(v)), nil
}

func (h *Heap) render(v value.Value) string {
	if value.IsInt(v) {
		return strconv.Itoa(int(value.Unbox(v)))
	}
	kind, ok := h.Kind(v)
	if !ok {
		return "<invalid>"
	}
	switch kind {
	case KindStr:
		s, _ := h.Str(v)
		return string(s.Bytes)
	case KindArr:
		a, _ := h.Arr(v)
		parts := make([]string, len(a.Elements))
		for i, e := range a.Elements {
			parts[i] = h.render(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindSexp:
		s, _ := h.Sexp(v)
		parts := make([]string, len(s.Elements))
		for i, e := range s.Elements {
			parts[i] = h.render(e)
		}
		if len(parts) == 0 {
			return fmt.Sprintf("<%d>", s.Tag)
		}
		return fmt.Sprintf("<%d> (%s)", s.Tag, strings.Join(parts, ", "))
	case KindClosure:
		return "<closure>"
	default:
		return "<?>"
	}
}

// Belem returns element index of container, which must be a string,
// array, or sexp.
func (h *Heap) Belem(container value.Value, index int32) (value.Value, error) {
	kind, ok := h.Kind(container)
	if !ok {
		return 0, ErrNotAHeapValue
	}
	switch kind {
	case KindStr:
		s, _ := h.Str(container)
		if index < 0 || int(index) >= len(s.Bytes) {
			return 0, fmt.Errorf("%w: string index %d, length %d", ErrIndexOutOfRange, index, len(s.Bytes))
		}
		return value.Box(int32(s.Bytes[index])), nil
	case KindArr:
		a, _ := h.Arr(container)
		if index < 0 || int(index) >= len(a.Elements) {
			return 0, fmt.Errorf("%w: array index %d, length %d", ErrIndexOutOfRange, index, len(a.Elements))
		}
		return a.Elements[index], nil
	case KindSexp:
		s, _ := h.Sexp(container)
		if index < 0 || int(index) >= len(s.Elements) {
			return 0, fmt.Errorf("%w: sexp index %d, length %d", ErrIndexOutOfRange, index, len(s.Elements))
		}
		return s.Elements[index], nil
	default:
		return 0, fmt.Errorf("%w: Belem on %s", ErrWrongKind, kind)
	}
}

// Bsta stores x at index of container (a string, array, or sexp) and
// returns x, so chained assignments like a[i] := b[j] := x thread the
// stored value back through the operand stack.
func (h *Heap) Bsta(container value.Value, index int32, x value.Value) (value.Value, error) {
	kind, ok := h.Kind(container)
	if !ok {
		return 0, ErrNotAHeapValue
	}
	switch kind {
	case KindStr:
		s, _ := h.Str(container)
		if index < 0 || int(index) >= len(s.Bytes) {
			return 0, fmt.Errorf("%w: string index %d, length %d", ErrIndexOutOfRange, index, len(s.Bytes))
		}
		s.Bytes[index] = byte(value.Unbox(x))
		return x, nil
	case KindArr:
		a, _ := h.Arr(container)
		if index < 0 || int(index) >= len(a.Elements) {
			return 0, fmt.Errorf("%w: array index %d, length %d", ErrIndexOutOfRange, index, len(a.Elements))
		}
		a.Elements[index] = x
		return x, nil
	case KindSexp:
		s, _ := h.Sexp(container)
		if index < 0 || int(index) >= len(s.Elements) {
			return 0, fmt.Errorf("%w: sexp index %d, length %d", ErrIndexOutOfRange, index, len(s.Elements))
		}
		s.Elements[index] = x
		return x, nil
	default:
		return 0, fmt.Errorf("%w: Bsta on %s", ErrWrongKind, kind)
	}
}

// Barray_ allocates an array from vals, in the order they were
// pushed (element 0 is the first argument).
func (h *Heap) Barray_(vals []value.Value) value.Value {
	cp := make([]value.Value, len(vals))
	copy(cp, vals)
	return h.NewArr(cp)
}

// Bsexp_ allocates a tagged S-expression from vals under the given
// tag hash.
func (h *Heap) Bsexp_(tag int32, vals []value.Value) value.Value {
	cp := make([]value.Value, len(vals))
	copy(cp, vals)
	return h.NewSexp(tag, cp)
}

// Bclosure_ allocates a closure over entry with the given captured
// variables, in declaration order.
func (h *Heap) Bclosure_(entry int32, captured []value.Value) value.Value {
	cp := make([]value.Value, len(captured))
	copy(cp, captured)
	return h.NewClosure(entry, cp)
}

// LtagHash computes the constructor-tag hash for a Lama sexp tag
// name. Any deterministic hash works, since every caller (SEXP at
// construction, TAG at match time) derives the tag the same way; this
// one is FNV-1a, folded into 32 bits.
func LtagHash(name string) int32 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return int32(h)
}

// Btag reports whether target is a sexp with the given tag hash and
// exactly n elements, as a boxed bool.
func (h *Heap) Btag(target value.Value, tag int32, n int32) value.Value {
	s, err := h.Sexp(target)
	if err != nil {
		return value.False
	}
	return value.BoxBool(s.Tag == tag && int32(len(s.Elements)) == n)
}

// Barray_patt reports whether d is an array with exactly n elements.
func (h *Heap) Barray_patt(d value.Value, n int32) value.Value {
	a, err := h.Arr(d)
	if err != nil {
		return value.False
	}
	return value.BoxBool(int32(len(a.Elements)) == n)
}

// Bstring_patt reports whether x and y are equal-content strings.
func (h *Heap) Bstring_patt(x, y value.Value) value.Value {
	sx, err := h.Str(x)
	if err != nil {
		return value.False
	}
	sy, err := h.Str(y)
	if err != nil {
		return value.False
	}
	return value.BoxBool(string(sx.Bytes) == string(sy.Bytes))
}

func (h *Heap) kindPatt(x value.Value, want Kind) value.Value {
	kind, ok := h.Kind(x)
	return value.BoxBool(ok && kind == want)
}

func (h *Heap) Bstring_tag_patt(x value.Value) value.Value  { return h.kindPatt(x, KindStr) }
func (h *Heap) Barray_tag_patt(x value.Value) value.Value   { return h.kindPatt(x, KindArr) }
func (h *Heap) Bsexp_tag_patt(x value.Value) value.Value    { return h.kindPatt(x, KindSexp) }
func (h *Heap) Bclosure_tag_patt(x value.Value) value.Value { return h.kindPatt(x, KindClosure) }

// Bboxed_patt reports whether x is a heap reference.
func Bboxed_patt(x value.Value) value.Value { return value.BoxBool(value.IsRef(x)) }

// Bunboxed_patt reports whether x is an unboxed integer.
func Bunboxed_patt(x value.Value) value.Value { return value.BoxBool(value.IsInt(x)) }

// MatchFailure is returned by Bmatch_failure to report a
// non-exhaustive pattern match at runtime.
type MatchFailure struct {
	Rendered string
	Line     int32
}

func (m *MatchFailure) Error() string {
	return fmt.Sprintf("match failure at line %d: value %s did not match any pattern", m.Line, m.Rendered)
}

// Bmatch_failure builds the runtime error for a FAIL instruction.
func (h *Heap) Bmatch_failure(v value.Value, line int32) error {
	return &MatchFailure{Rendered: h.render(v), Line: line}
}
