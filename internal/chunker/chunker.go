// Package chunker splits a byte stream into chunks two ways: content-defined
// (for archives that should deduplicate across backups even when bytes
// shift) and fixed-size (for raw disk images addressed by position).
package chunker

import (
	"errors"
	"io"
	"strconv"

	resticchunker "github.com/restic/chunker"

	"chunkvault/internal/digest"
)

// Size bounds for content-defined chunking (spec §4.6): target mean 4 MiB,
// clamped to [512 KiB, 16 MiB].
const (
	MinSize = 512 * 1024
	MaxSize = 16 * 1024 * 1024
	AvgSize = 4 * 1024 * 1024
)

var ErrBadFixedChunkSize = errors.New("chunker: fixed chunk size must be a power of two in [64KiB, 16MiB]")

// Chunk is one piece produced by either splitter, carrying its plaintext
// digest alongside the bytes so callers never hash twice.
type Chunk struct {
	Data   []byte
	Digest digest.Digest
}

// Polynomial is the rolling-hash polynomial a datastore fixes at creation
// time; every backup against that datastore must chunk with the same
// polynomial for cross-snapshot digests to align.
type Polynomial = resticchunker.Pol

// NewPolynomial returns a fresh random irreducible polynomial, generated
// once per datastore and persisted alongside its configuration.
func NewPolynomial() (Polynomial, error) {
	return resticchunker.RandomPolynomial()
}

// FormatPolynomial renders a polynomial for storage in a datastore's
// config (config.DatastoreConfig.Polynomial).
func FormatPolynomial(p Polynomial) string {
	return strconv.FormatUint(uint64(p), 16)
}

// ParsePolynomial parses a polynomial previously rendered by
// FormatPolynomial. Returns an error if s is empty or malformed.
func ParsePolynomial(s string) (Polynomial, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errBadPolynomial
	}
	return Polynomial(v), nil
}

var errBadPolynomial = errors.New("chunker: invalid or missing polynomial")

// Dynamic wraps a content-defined chunker over rd using pol, yielding
// chunks whose boundaries depend only on content, not on stream position —
// the determinism content deduplication across backups relies on.
type Dynamic struct {
	c *resticchunker.Chunker
}

// NewDynamic returns a Dynamic splitter reading from rd.
func NewDynamic(rd io.Reader, pol Polynomial) *Dynamic {
	c := resticchunker.NewWithBoundaries(rd, pol, MinSize, MaxSize)
	c.SetAverageBits(22) // 1<<22 == AvgSize
	return &Dynamic{c: c}
}

// Next returns the next content-defined chunk, or io.EOF once rd is
// exhausted.
func (d *Dynamic) Next(buf []byte) (Chunk, error) {
	raw, err := d.c.Next(buf)
	if err != nil {
		return Chunk{}, err
	}
	data := append([]byte(nil), raw.Data...)
	return Chunk{Data: data, Digest: digest.Compute(data)}, nil
}

// Fixed splits rd into strictly chunkSize-byte pieces, with a final short
// chunk. chunkSize must be a power of two in [64KiB, 16MiB].
type Fixed struct {
	rd        io.Reader
	chunkSize int
}

// NewFixed validates chunkSize and returns a Fixed splitter reading from rd.
func NewFixed(rd io.Reader, chunkSize int) (*Fixed, error) {
	if !validFixedChunkSize(chunkSize) {
		return nil, ErrBadFixedChunkSize
	}
	return &Fixed{rd: rd, chunkSize: chunkSize}, nil
}

func validFixedChunkSize(n int) bool {
	const minFixed = 64 * 1024
	const maxFixed = 16 * 1024 * 1024
	if n < minFixed || n > maxFixed {
		return false
	}
	return n&(n-1) == 0
}

// Next returns the next fixed-size chunk (shorter only for the final
// chunk), or io.EOF once rd is exhausted.
func (f *Fixed) Next() (Chunk, error) {
	buf := make([]byte, f.chunkSize)
	n, err := io.ReadFull(f.rd, buf)
	if n == 0 {
		if err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Chunk{}, err
	}
	data := buf[:n]
	return Chunk{Data: data, Digest: digest.Compute(data)}, nil
}
