package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"

	"github.com/gowebpki/jcs"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes
// to prevent timing attacks. It returns true if the hashes are equal.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CanonicalJSON encodes v with encoding/json and rewrites the result into
// RFC 8785 canonical form (sorted keys, normalized numbers, no whitespace).
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal for canonicalization")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, xerrors.Wrap(err, "jcs transform")
	}
	return out, nil
}

// CanonicalSHA256 is the hex SHA-256 of CanonicalJSON(v).
func CanonicalSHA256(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HashingWriter forwards writes to w while hashing everything written and
// counting bytes.
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	h := sha256.New()
	if w == nil {
		return &HashingWriter{w: h, h: h}
	}
	return &HashingWriter{w: io.MultiWriter(w, h), h: h}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (hw *HashingWriter) Sum() string { return hex.EncodeToString(hw.h.Sum(nil)) }

// Size returns the number of bytes written so far.
func (hw *HashingWriter) Size() int64 { return hw.n }
