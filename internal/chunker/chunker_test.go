package chunker_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"chunkvault/internal/chunker"
)

func testInput(size int) []byte {
	buf := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(buf) //nolint:gosec // deterministic test fixture, not a security use
	return buf
}

func readAllDynamic(t *testing.T, data []byte, pol chunker.Polynomial) []chunker.Chunk {
	t.Helper()
	d := chunker.NewDynamic(bytes.NewReader(data), pol)
	var chunks []chunker.Chunk
	buf := make([]byte, chunker.MaxSize)
	for {
		c, err := d.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestPolynomialRoundTrip(t *testing.T) {
	pol, err := chunker.NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	s := chunker.FormatPolynomial(pol)
	if s == "" {
		t.Fatal("FormatPolynomial returned empty string")
	}
	got, err := chunker.ParsePolynomial(s)
	if err != nil {
		t.Fatalf("ParsePolynomial: %v", err)
	}
	if got != pol {
		t.Errorf("round-trip mismatch: got %v, want %v", got, pol)
	}
}

func TestParsePolynomialRejectsEmpty(t *testing.T) {
	if _, err := chunker.ParsePolynomial(""); err == nil {
		t.Fatal("expected error parsing empty polynomial")
	}
}

func TestDynamicChunkingIsDeterministic(t *testing.T) {
	pol, err := chunker.NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	data := testInput(8 * chunker.AvgSize)

	first := readAllDynamic(t, data, pol)
	second := readAllDynamic(t, data, pol)

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Digest != second[i].Digest {
			t.Fatalf("chunk %d digest differs between runs", i)
		}
		if !bytes.Equal(first[i].Data, second[i].Data) {
			t.Fatalf("chunk %d bytes differ between runs", i)
		}
	}
}

func TestDynamicChunkSizeBounds(t *testing.T) {
	pol, err := chunker.NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	data := testInput(8 * chunker.AvgSize)
	chunks := readAllDynamic(t, data, pol)

	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for i, c := range chunks {
		last := i == len(chunks)-1
		if len(c.Data) < chunker.MinSize && !last {
			t.Fatalf("chunk %d shorter than MinSize: %d", i, len(c.Data))
		}
		if len(c.Data) > chunker.MaxSize {
			t.Fatalf("chunk %d longer than MaxSize: %d", i, len(c.Data))
		}
	}
}

func TestFixedChunkingSplitsEvenlyWithShortFinal(t *testing.T) {
	const chunkSize = 64 * 1024
	data := testInput(chunkSize*3 + 100)

	f, err := chunker.NewFixed(bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatalf("NewFixed: %v", err)
	}

	var got []byte
	var sizes []int
	for {
		c, err := f.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, c.Data...)
		sizes = append(sizes, len(c.Data))
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled data does not match input")
	}
	if len(sizes) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(sizes))
	}
	for _, s := range sizes[:3] {
		if s != chunkSize {
			t.Fatalf("non-final chunk size = %d, want %d", s, chunkSize)
		}
	}
	if sizes[3] != 100 {
		t.Fatalf("final chunk size = %d, want 100", sizes[3])
	}
}

func TestFixedChunkingRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := chunker.NewFixed(bytes.NewReader(nil), 100*1024); err != chunker.ErrBadFixedChunkSize {
		t.Fatalf("expected ErrBadFixedChunkSize, got %v", err)
	}
}
