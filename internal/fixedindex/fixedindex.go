// Package fixedindex implements the fixed-size index format (".fidx"): a
// preallocated slot per chunk position, used for archives chunked into
// uniform-size pieces (disk images). The header is a fixed 4096-byte block;
// digests follow as a flat array.
package fixedindex

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/google/uuid"

	"chunkvault/internal/digest"
)

// Magic identifies a fixed index file.
const Magic uint64 = 0x43565046_49445831 // "CVFIDX1"-ish

const (
	headerSize    = 4096
	magicOff      = 0
	uuidOff       = 8
	csumOff       = 24
	sizeOff       = 56
	chunkSizeOff  = 64
	ctimeOff      = 72
	reservedOff   = 80
	digestSize    = digest.Size
	reservedBytes = headerSize - reservedOff
)

var (
	ErrBadMagic    = errors.New("fixedindex: bad magic")
	ErrBadCsum     = errors.New("fixedindex: csum mismatch")
	ErrOutOfRange  = errors.New("fixedindex: position out of range")
	ErrShortHeader = errors.New("fixedindex: file shorter than header")
)

// Header is the decoded fixed-index header.
type Header struct {
	UUID      uuid.UUID
	Csum      digest.Digest
	Size      uint64
	ChunkSize uint64
	Ctime     int64
}

// Writer creates a fixed index with a declared total size and chunk size.
// Chunks are recorded at their precomputed slot by position; Finalize
// writes the header (with its csum) once every slot has been written.
type Writer struct {
	f         *os.File
	size      uint64
	chunkSize uint64
	numChunks uint64
	id        uuid.UUID
	ctime     int64
}

// Create opens path and preallocates a header plus one 32-byte slot per
// chunk, for a fixed index covering size bytes in chunkSize pieces.
func Create(path string, size, chunkSize uint64, ctime int64) (*Writer, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("fixedindex: chunk size must be nonzero")
	}
	numChunks := (size + chunkSize - 1) / chunkSize
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("fixedindex: create: %w", err)
	}
	total := int64(headerSize) + int64(numChunks)*digestSize
	if err := f.Truncate(total); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fixedindex: truncate: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fixedindex: new uuid: %w", err)
	}
	return &Writer{f: f, size: size, chunkSize: chunkSize, numChunks: numChunks, id: id, ctime: ctime}, nil
}

// AddChunk records digest d at the slot for chunk position.
func (w *Writer) AddChunk(position uint64, d digest.Digest) error {
	if position >= w.numChunks {
		return ErrOutOfRange
	}
	off := int64(headerSize) + int64(position)*digestSize
	if _, err := w.f.WriteAt(d[:], off); err != nil {
		return fmt.Errorf("fixedindex: write slot %d: %w", position, err)
	}
	return nil
}

// Finalize writes the header (with a csum over the whole file) and closes
// the writer.
func (w *Writer) Finalize() error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[magicOff:], Magic)
	copy(hdr[uuidOff:csumOff], w.id[:])
	binary.LittleEndian.PutUint64(hdr[sizeOff:], w.size)
	binary.LittleEndian.PutUint64(hdr[chunkSizeOff:], w.chunkSize)
	binary.LittleEndian.PutUint64(hdr[ctimeOff:], uint64(w.ctime))
	// csum field left zero for the hash pass below.

	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("fixedindex: write header: %w", err)
	}
	csum, _, err := hashFile(w.f)
	if err != nil {
		return err
	}
	if _, err := w.f.WriteAt(csum[:], csumOff); err != nil {
		return fmt.Errorf("fixedindex: write csum: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("fixedindex: sync: %w", err)
	}
	return w.f.Close()
}

// hashFile computes the sha256 over f's full contents with the csum field
// zeroed, and returns the total byte size alongside it.
func hashFile(f *os.File) (digest.Digest, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return digest.Digest{}, 0, err
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return digest.Digest{}, 0, fmt.Errorf("fixedindex: read for csum: %w", err)
	}
	var zero [digestSize]byte
	copy(buf[csumOff:csumOff+digestSize], zero[:])
	return digest.Digest(sha256.Sum256(buf)), info.Size(), nil
}

// Reader is a read-only, mmap-backed view of a sealed fixed index.
type Reader struct {
	file   *os.File
	data   []byte
	header Header
}

// Open mmaps path, validates its header and csum, and returns a Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < headerSize {
		_ = f.Close()
		return nil, ErrShortHeader
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fixedindex: mmap: %w", err)
	}
	r := &Reader{file: f, data: data}
	if err := r.parseHeader(); err != nil {
		_ = r.Close()
		return nil, err
	}
	if err := r.verifyCsum(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	if binary.LittleEndian.Uint64(r.data[magicOff:]) != Magic {
		return ErrBadMagic
	}
	var h Header
	copy(h.UUID[:], r.data[uuidOff:csumOff])
	copy(h.Csum[:], r.data[csumOff:sizeOff])
	h.Size = binary.LittleEndian.Uint64(r.data[sizeOff:])
	h.ChunkSize = binary.LittleEndian.Uint64(r.data[chunkSizeOff:])
	h.Ctime = int64(binary.LittleEndian.Uint64(r.data[ctimeOff:]))
	r.header = h
	return nil
}

func (r *Reader) verifyCsum() error {
	got, _, err := r.ComputeCsum()
	if err != nil {
		return err
	}
	if got != r.header.Csum {
		return ErrBadCsum
	}
	return nil
}

// ComputeCsum recomputes the index's content hash from its current on-disk
// bytes, independent of the stored header value (spec §4.4: "recomputed on
// every read to detect corruption").
func (r *Reader) ComputeCsum() (digest.Digest, int64, error) {
	buf := make([]byte, len(r.data))
	copy(buf, r.data)
	var zero [digestSize]byte
	copy(buf[csumOff:csumOff+digestSize], zero[:])
	return digest.Digest(sha256.Sum256(buf)), int64(len(r.data)), nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// IndexCount returns the number of chunk slots.
func (r *Reader) IndexCount() int {
	return (len(r.data) - headerSize) / digestSize
}

// IndexDigest returns the digest stored at position i.
func (r *Reader) IndexDigest(i int) (digest.Digest, error) {
	if i < 0 || i >= r.IndexCount() {
		return digest.Digest{}, ErrOutOfRange
	}
	off := headerSize + i*digestSize
	var d digest.Digest
	copy(d[:], r.data[off:off+digestSize])
	return d, nil
}

// IndexBytes returns the total logical size the index covers.
func (r *Reader) IndexBytes() uint64 {
	return r.header.Size
}

// FindMostUsedChunks returns up to n digests, ordered by descending
// reference count within this index (ties broken by first occurrence), to
// seed a restore session's LRU.
func (r *Reader) FindMostUsedChunks(n int) ([]digest.Digest, error) {
	counts := make(map[digest.Digest]int)
	var order []digest.Digest
	count := r.IndexCount()
	for i := 0; i < count; i++ {
		d, err := r.IndexDigest(i)
		if err != nil {
			return nil, err
		}
		if counts[d] == 0 {
			order = append(order, d)
		}
		counts[d]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order, nil
}

// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		if unmapErr := syscall.Munmap(r.data); unmapErr != nil {
			err = unmapErr
		}
		r.data = nil
	}
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		r.file = nil
	}
	return err
}
