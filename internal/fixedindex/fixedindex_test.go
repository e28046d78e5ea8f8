package fixedindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"chunkvault/internal/digest"
	"chunkvault/internal/fixedindex"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.img.fidx")

	const chunkSize = 64
	const size = chunkSize * 4
	w, err := fixedindex.Create(path, size, chunkSize, 1700000000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	digests := make([]digest.Digest, 4)
	for i := range digests {
		digests[i] = digest.Compute([]byte{byte(i), byte(i), byte(i)})
	}
	// Deliberately write out of order to exercise the precomputed-slot
	// addressing.
	for _, i := range []int{2, 0, 3, 1} {
		if err := w.AddChunk(uint64(i), digests[i]); err != nil {
			t.Fatalf("AddChunk(%d): %v", i, err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := fixedindex.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if got := r.IndexCount(); got != 4 {
		t.Fatalf("IndexCount = %d, want 4", got)
	}
	if got := r.IndexBytes(); got != size {
		t.Fatalf("IndexBytes = %d, want %d", got, size)
	}
	for i, want := range digests {
		got, err := r.IndexDigest(i)
		if err != nil {
			t.Fatalf("IndexDigest(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("IndexDigest(%d) = %s, want %s", i, got, want)
		}
	}
}

func TestOpenDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.img.fidx")

	w, err := fixedindex.Create(path, 64, 64, 1700000000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.AddChunk(0, digest.Compute([]byte("x"))); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	corruptDigestSlot(t, path)

	if _, err := fixedindex.Open(path); err != fixedindex.ErrBadCsum {
		t.Fatalf("expected ErrBadCsum, got %v", err)
	}
}

func TestFindMostUsedChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.img.fidx")

	common := digest.Compute([]byte("zero-filled region"))
	rare := digest.Compute([]byte("unique region"))

	w, err := fixedindex.Create(path, 64*5, 64, 1700000000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, pos := range []int{0, 1, 2, 3} {
		if err := w.AddChunk(uint64(pos), common); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
	if err := w.AddChunk(4, rare); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := fixedindex.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	top, err := r.FindMostUsedChunks(1)
	if err != nil {
		t.Fatalf("FindMostUsedChunks: %v", err)
	}
	if len(top) != 1 || top[0] != common {
		t.Fatalf("FindMostUsedChunks(1) = %v, want [%s]", top, common)
	}
}

func corruptDigestSlot(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[4096] ^= 0xff
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
}
