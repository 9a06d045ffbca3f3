package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel decode errors. Wrapped with the faulting code offset by
// callers (verify and interp both tag these with position before
// reporting them further up).
var (
	ErrTruncated       = errors.New("decode: instruction runs past end of code")
	ErrStringOffset    = errors.New("decode: string offset out of range")
	ErrCodeOffset      = errors.New("decode: code offset out of range")
	ErrDesignation     = errors.New("decode: invalid variable designation")
	ErrNegativeCount   = errors.New("decode: negative count")
	ErrConstOutOfRange = errors.New("decode: CONST value out of range")
	ErrUnknownOpcode   = errors.New("decode: unknown opcode")
)

// Cursor reads instructions from a code segment, validating every
// immediate against the owning image's string-table and code-segment
// sizes as it goes.
type Cursor struct {
	Code            []byte
	StringTableSize int
	Offset          int
}

// NewCursor creates a cursor positioned at the given offset.
func NewCursor(code []byte, stringTableSize, offset int) *Cursor {
	return &Cursor{Code: code, StringTableSize: stringTableSize, Offset: offset}
}

// Byte reads one byte and advances the cursor.
func (c *Cursor) Byte() (byte, error) {
	if c.Offset >= len(c.Code) {
		return 0, fmt.Errorf("%w at %#x", ErrTruncated, c.Offset)
	}
	b := c.Code[c.Offset]
	c.Offset++
	return b, nil
}

// Word reads a little-endian signed 32-bit immediate and advances the
// cursor.
func (c *Cursor) Word() (int32, error) {
	if c.Offset+4 > len(c.Code) {
		return 0, fmt.Errorf("%w at %#x (need a word)", ErrTruncated, c.Offset)
	}
	w := int32(binary.LittleEndian.Uint32(c.Code[c.Offset : c.Offset+4]))
	c.Offset += 4
	return w, nil
}

// StringOffset reads a word and validates it is in
// [0, stringTableSize).
func (c *Cursor) StringOffset() (int32, error) {
	off, err := c.Word()
	if err != nil {
		return 0, err
	}
	if off < 0 || int(off) >= c.StringTableSize {
		return 0, fmt.Errorf("%w: %#x not in [0, %#x)", ErrStringOffset, off, c.StringTableSize)
	}
	return off, nil
}

// CodeOffset reads a word and validates it is in [0, len(code)).
func (c *Cursor) CodeOffset() (int32, error) {
	off, err := c.Word()
	if err != nil {
		return 0, err
	}
	if off < 0 || int(off) >= len(c.Code) {
		return 0, fmt.Errorf("%w: %#x not in [0, %#x)", ErrCodeOffset, off, len(c.Code))
	}
	return off, nil
}

// Designation reads one byte and validates it names a known variable
// location.
func (c *Cursor) Designation() (Designation, error) {
	b, err := c.Byte()
	if err != nil {
		return 0, err
	}
	if b > byte(DesigAccess) {
		return 0, fmt.Errorf("%w: %#x", ErrDesignation, b)
	}
	return Designation(b), nil
}

// NonNegative reads a word and validates it is >= 0 — used for every
// count immediate (nArgs, nElems, nLocals, nClosureVars).
func (c *Cursor) NonNegative(what string) (int32, error) {
	n, err := c.Word()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s = %d", ErrNegativeCount, what, n)
	}
	return n, nil
}
