// Package bytefile loads a Lama bytecode image: the header, the
// public-symbol table, the string table, and the code segment.
//
// The on-disk format is little-endian throughout. Offset 0 holds three
// signed 32-bit header fields (stringTableSize, globalAreaSize,
// publicSymbolsCount), followed by publicSymbolsCount pairs of signed
// 32-bit (nameOffset, codeOffset), followed by stringTableSize bytes of
// NUL-terminated string table, followed by the code segment to EOF.
package bytefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// headerFields is the number of signed int32s in the fixed header.
const headerFields = 3

// Sentinel format errors, reported by Load/Parse. Those with size or
// offset detail to report are wrapped via fmt.Errorf("...: %w", ...)
// at the call site; the rest are returned as is.
var (
	ErrTruncatedHeader    = errors.New("bytefile: truncated header")
	ErrNegativeSize       = errors.New("bytefile: negative size field")
	ErrTruncatedSymbols   = errors.New("bytefile: truncated public symbol table")
	ErrTruncatedStrings   = errors.New("bytefile: truncated string table")
	ErrEmptyStringTable   = errors.New("bytefile: empty string table")
	ErrStringTableNotNUL  = errors.New("bytefile: string table does not end in NUL")
	ErrStringOffsetRange  = errors.New("bytefile: string offset out of range")
	ErrCodeOffsetRange    = errors.New("bytefile: code offset out of range")
)

// PublicSymbol is a (name, codeOffset) pair designating a program entry
// point.
type PublicSymbol struct {
	NameOffset int32
	CodeOffset int32
}

// Image is the in-memory layout of a loaded bytecode program. It is
// immutable after load except for Code, which verify.Verify rewrites
// in exactly one place (the BEGIN/BEGINcl augmentation).
type Image struct {
	StringTable    []byte
	PublicSymbols  []PublicSymbol
	GlobalAreaSize int32
	Code           []byte
}

// Load reads and parses a bytecode image from path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bytefile: read %s: %w", path, err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("bytefile: parse %s: %w", path, err)
	}
	return img, nil
}

// Parse decodes a bytecode image from an in-memory byte slice.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerFields*4 {
		return nil, ErrTruncatedHeader
	}

	stringTableSize := int32(binary.LittleEndian.Uint32(data[0:4]))
	globalAreaSize := int32(binary.LittleEndian.Uint32(data[4:8]))
	publicSymbolsCount := int32(binary.LittleEndian.Uint32(data[8:12]))

	if stringTableSize < 0 || globalAreaSize < 0 || publicSymbolsCount < 0 {
		return nil, fmt.Errorf("%w: stringTableSize=%d globalAreaSize=%d publicSymbolsCount=%d",
			ErrNegativeSize, stringTableSize, globalAreaSize, publicSymbolsCount)
	}

	offset := int64(headerFields * 4)
	symbolTableBytes := int64(publicSymbolsCount) * 2 * 4
	if offset+symbolTableBytes > int64(len(data)) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncatedSymbols, symbolTableBytes, offset, len(data))
	}

	symbols := make([]PublicSymbol, publicSymbolsCount)
	for i := range symbols {
		base := offset + int64(i)*8
		symbols[i] = PublicSymbol{
			NameOffset: int32(binary.LittleEndian.Uint32(data[base : base+4])),
			CodeOffset: int32(binary.LittleEndian.Uint32(data[base+4 : base+8])),
		}
	}
	offset += symbolTableBytes

	if offset+int64(stringTableSize) > int64(len(data)) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncatedStrings, stringTableSize, offset, len(data))
	}
	if stringTableSize == 0 {
		return nil, ErrEmptyStringTable
	}
	stringTable := data[offset : offset+int64(stringTableSize)]
	if stringTable[len(stringTable)-1] != 0 {
		return nil, ErrStringTableNotNUL
	}
	offset += int64(stringTableSize)

	code := data[offset:]

	return &Image{
		StringTable:    stringTable,
		PublicSymbols:  symbols,
		GlobalAreaSize: globalAreaSize,
		Code:           code,
	}, nil
}

// LookupString returns the NUL-terminated C string at byte offset off
// in the string table. It returns an ErrStringOffsetRange error if off
// lies outside the table or no NUL follows it.
func (img *Image) LookupString(off int32) (string, error) {
	if off < 0 || int(off) >= len(img.StringTable) {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrStringOffsetRange, off, len(img.StringTable))
	}
	end := off
	for int(end) < len(img.StringTable) && img.StringTable[end] != 0 {
		end++
	}
	if int(end) >= len(img.StringTable) {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrStringOffsetRange, off)
	}
	return string(img.StringTable[off:end]), nil
}
