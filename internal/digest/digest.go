// Package digest defines the content-addressing identifier used across the
// chunk store, the two index formats, and the manifest.
//
// A Digest is always 32 bytes: the cryptographic hash of a chunk's
// *plaintext*. When a datastore is keyed, the hash is computed with that key
// (see internal/crypt), so identical plaintext under the same key always
// yields the same digest and thus deduplicates; different keys never
// collide.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the fixed length of a Digest in bytes.
const Size = 32

// Digest is an opaque content identifier.
type Digest [Size]byte

// ErrBadLength is returned by Parse when the input doesn't decode to
// exactly Size bytes.
var ErrBadLength = errors.New("digest: wrong length")

// Compute returns the unkeyed SHA-256 digest of plaintext. Used for
// plain-mode blobs, which have no datastore key to mix in.
func Compute(plaintext []byte) Digest {
	return Digest(sha256.Sum256(plaintext))
}

// Parse decodes a hex string into a Digest.
func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	if len(b) != Size {
		return Digest{}, ErrBadLength
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// String returns the lowercase hex encoding, which also doubles as the
// blob's on-disk filename.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (never a valid content hash
// in practice, used as a sentinel by callers that need one).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Shard returns the 4-hex-character directory name a chunk store shards
// this digest under: the first two bytes, hex-encoded.
func (d Digest) Shard() string {
	return hex.EncodeToString(d[:2])
}
