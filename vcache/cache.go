// Package vcache is a verification cache: a repeated run of the same
// bytefile skips re-verification by keying the verifier's only
// observable effect (the augmented BEGIN/BEGINcl headers baked into
// the code segment) on the SHA-256 digest of the raw bytefile bytes.
package vcache

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Record is the cached artifact of one successful verification: the
// code segment with its BEGIN/BEGINcl headers already augmented with
// maxOperandStack, plus the global area size the image declared (kept
// alongside the code as a cheap cross-check against the image being
// re-parsed with a different global area).
type Record struct {
	GlobalAreaSize int32  `cbor:"global_area_size"`
	Code           []byte `cbor:"code"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vcache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrMiss is returned by Store.Lookup when no record exists for a
// digest.
var ErrMiss = errors.New("vcache: no cached record for this digest")

// Digest returns the SHA-256 digest of a raw bytefile's bytes, the key
// under which its verification record is cached.
func Digest(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// Store is a directory of CBOR-encoded verification records, one file
// per digest.
type Store struct {
	dir      string
	disabled bool
}

// NewStore returns a cache rooted at dir. If disabled is true, Lookup
// always misses and Put is a no-op — used for -no-cache.
func NewStore(dir string, disabled bool) *Store {
	return &Store{dir: dir, disabled: disabled}
}

func (s *Store) path(digest [32]byte) string {
	return filepath.Join(s.dir, fmt.Sprintf("%x.cbor", digest))
}

// Lookup returns the cached record for digest, or ErrMiss if absent.
// A corrupt cache entry is treated as a miss rather than an error,
// since the cache is purely an optimization: falling back to
// re-verifying is always safe.
func (s *Store) Lookup(digest [32]byte) (*Record, error) {
	if s.disabled {
		return nil, ErrMiss
	}
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		return nil, ErrMiss
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, ErrMiss
	}
	return &rec, nil
}

// Put stores rec under digest, creating the cache directory if
// necessary. A write failure is reported but is never fatal to the
// caller's pipeline — the cache is an optimization, not a source of
// truth.
func (s *Store) Put(digest [32]byte, rec *Record) error {
	if s.disabled {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("vcache: create cache dir %s: %w", s.dir, err)
	}
	data, err := cborEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vcache: marshal record: %w", err)
	}
	if err := os.WriteFile(s.path(digest), data, 0o644); err != nil {
		return fmt.Errorf("vcache: write %s: %w", s.path(digest), err)
	}
	return nil
}
