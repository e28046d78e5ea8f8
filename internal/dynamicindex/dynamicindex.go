// Package dynamicindex implements the variable-length index format
// (".didx") used for content-defined-chunked archives: a fixed 4096-byte
// header followed by (end_offset, digest) entries in strictly increasing
// offset order.
package dynamicindex

import (
	"bufio"
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

// Magic identifies a dynamic index file.
const Magic uint64 = 0x43565044_49445831 // "CVDIDX1"-ish

const (
	headerSize = 4096
	magicOff   = 0
	uuidOff    = 8
	csumOff    = 24
	ctimeOff   = 56

	entrySize   = 8 + digest.Size
	offsetInEnt = 0
	digestInEnt = 8
)

var (
	ErrBadMagic      = errors.New("dynamicindex: bad magic")
	ErrBadCsum       = errors.New("dynamicindex: csum mismatch")
	ErrOutOfRange    = errors.New("dynamicindex: position out of range")
	ErrShortHeader   = errors.New("dynamicindex: file shorter than header")
	ErrTruncatedBody = errors.New("dynamicindex: entry table size is not a multiple of the entry size")
)

// Header is the decoded dynamic-index header.
type Header struct {
	UUID  uuid.UUID
	Csum  digest.Digest
	Ctime int64
}

// Writer appends (running_offset, digest) entries for a dynamic index under
// construction.
type Writer struct {
	f             *os.File
	w             *bufio.Writer
	id            uuid.UUID
	ctime         int64
	runningOffset uint64
}

// Create opens path and writes a placeholder header (patched in by
// Finalize once the csum is known).
func Create(path string, ctime int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("dynamicindex: create: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dynamicindex: new uuid: %w", err)
	}
	var placeholder [headerSize]byte
	if _, err := f.Write(placeholder[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dynamicindex: write placeholder header: %w", err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), id: id, ctime: ctime}, nil
}

// AddChunk appends an entry for a chunk of the given length, whose end
// offset is the writer's running offset after adding length.
func (w *Writer) AddChunk(length uint64, d digest.Digest) error {
	w.runningOffset += length
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[offsetInEnt:], w.runningOffset)
	copy(buf[digestInEnt:], d[:])
	if _, err := w.w.Write(buf[:]); err != nil {
		return fmt.Errorf("dynamicindex: write entry: %w", err)
	}
	return nil
}

// Finalize flushes pending entries, writes the header (with a csum over
// the whole file), and closes the writer.
func (w *Writer) Finalize() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("dynamicindex: flush: %w", err)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[magicOff:], Magic)
	copy(hdr[uuidOff:csumOff], w.id[:])
	binary.LittleEndian.PutUint64(hdr[ctimeOff:], uint64(w.ctime))

	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("dynamicindex: write header: %w", err)
	}
	csum, _, err := hashFile(w.f)
	if err != nil {
		return err
	}
	if _, err := w.f.WriteAt(csum[:], csumOff); err != nil {
		return fmt.Errorf("dynamicindex: write csum: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("dynamicindex: sync: %w", err)
	}
	return w.f.Close()
}

func hashFile(f *os.File) (digest.Digest, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return digest.Digest{}, 0, err
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return digest.Digest{}, 0, fmt.Errorf("dynamicindex: read for csum: %w", err)
	}
	var zero [digest.Size]byte
	copy(buf[csumOff:csumOff+digest.Size], zero[:])
	return digest.Digest(sha256.Sum256(buf)), info.Size(), nil
}

// ChunkRange is the byte range a dynamic-index entry covers.
type ChunkRange struct {
	Start uint64
	End   uint64
}

// Reader is a read-only, mmap-backed view of a sealed dynamic index.
type Reader struct {
	file   *os.File
	data   []byte
	header Header
}

// Open mmaps path, validates its header, size, and csum, and returns a
// Reader.
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
	if (info.Size()-headerSize)%entrySize != 0 {
		_ = f.Close()
		return nil, ErrTruncatedBody
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dynamicindex: mmap: %w", err)
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
	copy(h.Csum[:], r.data[csumOff:csumOff+digest.Size])
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
// bytes.
func (r *Reader) ComputeCsum() (digest.Digest, int64, error) {
	buf := make([]byte, len(r.data))
	copy(buf, r.data)
	var zero [digest.Size]byte
	copy(buf[csumOff:csumOff+digest.Size], zero[:])
	return digest.Digest(sha256.Sum256(buf)), int64(len(r.data)), nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// IndexCount returns the number of entries.
func (r *Reader) IndexCount() int {
	return (len(r.data) - headerSize) / entrySize
}

func (r *Reader) entryAt(i int) (endOffset uint64, d digest.Digest) {
	off := headerSize + i*entrySize
	endOffset = binary.LittleEndian.Uint64(r.data[off+offsetInEnt:])
	copy(d[:], r.data[off+digestInEnt:off+entrySize])
	return endOffset, d
}

// IndexDigest returns the digest stored in entry i.
func (r *Reader) IndexDigest(i int) (digest.Digest, error) {
	if i < 0 || i >= r.IndexCount() {
		return digest.Digest{}, ErrOutOfRange
	}
	_, d := r.entryAt(i)
	return d, nil
}

// ChunkInfo returns the byte range and digest for entry i.
func (r *Reader) ChunkInfo(i int) (ChunkRange, digest.Digest, error) {
	if i < 0 || i >= r.IndexCount() {
		return ChunkRange{}, digest.Digest{}, ErrOutOfRange
	}
	var start uint64
	if i > 0 {
		start, _ = r.entryAt(i - 1)
	}
	end, d := r.entryAt(i)
	return ChunkRange{Start: start, End: end}, d, nil
}

// IndexBytes returns the total logical size the index covers: the final
// entry's end offset, or 0 for an empty index.
func (r *Reader) IndexBytes() uint64 {
	count := r.IndexCount()
	if count == 0 {
		return 0
	}
	end, _ := r.entryAt(count - 1)
	return end
}

// FindMostUsedChunks returns up to n digests, ordered by descending
// reference count within this index, to seed a restore session's LRU.
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
