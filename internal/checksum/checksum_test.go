package checksum

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// sha256("hello")
const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantAlg Algorithm
		wantErr bool
	}{
		{"empty", "", "", false},
		{"bare hex", helloSHA256, SHA256, false},
		{"tagged sha256", "sha256:" + helloSHA256, SHA256, false},
		{"uppercase", "SHA256:" + strings.ToUpper(helloSHA256), SHA256, false},
		{"tagged blake3", "blake3:" + helloSHA256, BLAKE3, false},
		{"unknown algorithm", "md5:" + helloSHA256, "", true},
		{"not hex", "sha256:zz", "", true},
		{"short", "sha256:abcd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if d.Algorithm != tt.wantAlg {
				t.Errorf("Algorithm = %q, want %q", d.Algorithm, tt.wantAlg)
			}
			if d.Hex != strings.ToLower(d.Hex) {
				t.Errorf("Hex = %q, want lowercase", d.Hex)
			}
		})
	}
}

func TestSum(t *testing.T) {
	d := Sum(SHA256, []byte("hello"))
	if d.Hex != helloSHA256 {
		t.Errorf("Sum(sha256) = %s, want %s", d.Hex, helloSHA256)
	}

	b := Sum(BLAKE3, []byte("hello"))
	if b.Algorithm != BLAKE3 || len(b.Hex) != 64 {
		t.Errorf("Sum(blake3) = %v", b)
	}
	if b.Hex == d.Hex {
		t.Error("blake3 and sha256 digests should differ")
	}
}

func TestVerifier_RoundTrip(t *testing.T) {
	var v Verifier
	data := bytes.Repeat([]byte("chunk"), 1000)

	for _, alg := range []Algorithm{SHA256, BLAKE3} {
		expected := Sum(alg, data)
		if err := v.Verify(data, expected); err != nil {
			t.Errorf("Verify(%s) error = %v", alg, err)
		}

		flipped := bytes.Clone(data)
		flipped[len(flipped)/2] ^= 0x01
		err := v.Verify(flipped, expected)
		if !errors.Is(err, ErrMismatch) {
			t.Errorf("Verify(%s, flipped) = %v, want ErrMismatch", alg, err)
		}
	}
}

func TestVerifier_ZeroDigest(t *testing.T) {
	var v Verifier
	if err := v.Verify([]byte("anything"), Digest{}); err != nil {
		t.Errorf("Verify with zero digest = %v, want nil", err)
	}
}

func TestHasher_MatchesSum(t *testing.T) {
	data := []byte("streamed content")
	h := NewHasher(BLAKE3)
	if _, err := io.Copy(h, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if !h.Digest().Equal(Sum(BLAKE3, data)) {
		t.Errorf("Hasher digest = %v, want %v", h.Digest(), Sum(BLAKE3, data))
	}

	got, n, err := SumReader(SHA256, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf("SumReader n = %d, want %d", n, len(data))
	}
	if !got.Equal(Sum(SHA256, data)) {
		t.Errorf("SumReader = %v, want %v", got, Sum(SHA256, data))
	}
}
