// Package checksum computes and compares content digests for chunks and
// assembled uploads.
//
// Digests are written either as bare lowercase hex (SHA-256) or tagged with
// their algorithm, e.g. "sha256:9f86d0..." or "blake3:af1349...".
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ErrMismatch is returned by Verify when the computed digest differs.
var ErrMismatch = errors.New("checksum mismatch")

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case BLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

func (a Algorithm) valid() bool {
	return a == SHA256 || a == BLAKE3
}

// Digest is a parsed checksum.
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// String returns the tagged form.
func (d Digest) String() string {
	return string(d.Algorithm) + ":" + d.Hex
}

// IsZero reports whether d holds no checksum.
func (d Digest) IsZero() bool {
	return d.Hex == ""
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm &&
		subtle.ConstantTimeCompare([]byte(d.Hex), []byte(other.Hex)) == 1
}

// Parse reads a bare or algorithm-tagged hex digest. An empty string parses
// to the zero Digest.
func Parse(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, nil
	}

	alg := SHA256
	value := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		alg = Algorithm(strings.ToLower(prefix))
		value = rest
	}
	if !alg.valid() {
		return Digest{}, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}

	value = strings.ToLower(value)
	raw, err := hex.DecodeString(value)
	if err != nil {
		return Digest{}, fmt.Errorf("checksum is not hex: %w", err)
	}
	if len(raw) != 32 {
		return Digest{}, fmt.Errorf("checksum has %d bytes, want 32", len(raw))
	}

	return Digest{Algorithm: alg, Hex: value}, nil
}

// Sum digests data with alg.
func Sum(alg Algorithm, data []byte) Digest {
	h := alg.New()
	h.Write(data)
	return Digest{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
}

// SumReader digests everything read from r.
func SumReader(alg Algorithm, r io.Reader) (Digest, int64, error) {
	h := alg.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("read for checksum: %w", err)
	}
	return Digest{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// Verifier checks byte sequences against expected digests.
type Verifier struct{}

// Verify returns ErrMismatch (wrapped with both values) when data does not
// hash to expected. A zero expected digest always verifies.
func (Verifier) Verify(data []byte, expected Digest) error {
	if expected.IsZero() {
		return nil
	}
	return Compare(Sum(expected.Algorithm, data), expected)
}

// Compare returns ErrMismatch when got and want differ.
func Compare(got, want Digest) error {
	if want.IsZero() || got.Equal(want) {
		return nil
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, want, got)
}

// Hasher accumulates a digest of a stream, for use with io.MultiWriter.
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// NewHasher returns a streaming hasher for alg.
func NewHasher(alg Algorithm) *Hasher {
	return &Hasher{alg: alg, h: alg.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	return Digest{Algorithm: h.alg, Hex: hex.EncodeToString(h.h.Sum(nil))}
}
