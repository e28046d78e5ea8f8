package wire_test

import (
	"io"
	"net"
	"testing"

	"chunkvault/internal/wire"
)

// pipeConn adapts one side of net.Pipe to io.ReadWriteCloser (it already
// satisfies it; this just documents the intent at call sites).
func pipeConn(c net.Conn) io.ReadWriteCloser { return c }

func TestWriteReadHelloRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientConn := wire.NewConn(pipeConn(client))
	serverConn := wire.NewConn(pipeConn(server))

	want := wire.Hello{
		Protocol:  "chunkvault-1",
		Datastore: "store1",
		Group:     wire.GroupRef{Type: "host", ID: "pve1"},
		Snapshot:  "2024-01-15T10:30:00Z",
		Owner:     "user@pve",
		Reuse:     true,
	}

	done := make(chan error, 1)
	go func() {
		done <- clientConn.WriteMessage(wire.KindHello, want)
	}()

	kind, err := serverConn.ReadKind()
	if err != nil {
		t.Fatalf("ReadKind: %v", err)
	}
	if kind != wire.KindHello {
		t.Fatalf("kind = %q, want %q", kind, wire.KindHello)
	}
	var got wire.Hello
	if err := serverConn.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got != want {
		t.Fatalf("Hello round trip = %+v, want %+v", got, want)
	}
}

func TestWriteReadChunkAndErrorSequence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientConn := wire.NewConn(pipeConn(client))
	serverConn := wire.NewConn(pipeConn(server))

	chunkMsg := wire.Chunk{Digest: "deadbeef", Blob: []byte{1, 2, 3}}
	errMsg := wire.Error{Code: wire.ErrCodeIntegrity, Msg: "bad crc"}

	go func() {
		_ = clientConn.WriteMessage(wire.KindChunk, chunkMsg)
		_ = serverConn.WriteMessage(wire.KindError, errMsg)
	}()

	kind, err := serverConn.ReadKind()
	if err != nil {
		t.Fatalf("ReadKind (chunk): %v", err)
	}
	if kind != wire.KindChunk {
		t.Fatalf("kind = %q, want %q", kind, wire.KindChunk)
	}
	var gotChunk wire.Chunk
	if err := serverConn.Decode(&gotChunk); err != nil {
		t.Fatalf("Decode chunk: %v", err)
	}
	if gotChunk.Digest != chunkMsg.Digest || len(gotChunk.Blob) != 3 {
		t.Fatalf("Chunk round trip = %+v, want %+v", gotChunk, chunkMsg)
	}

	kind, err = clientConn.ReadKind()
	if err != nil {
		t.Fatalf("ReadKind (error): %v", err)
	}
	if kind != wire.KindError {
		t.Fatalf("kind = %q, want %q", kind, wire.KindError)
	}
	var gotErr wire.Error
	if err := clientConn.Decode(&gotErr); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if gotErr != errMsg {
		t.Fatalf("Error round trip = %+v, want %+v", gotErr, errMsg)
	}
}

func TestDoneRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverConn := wire.NewConn(pipeConn(server))

	go func() {
		enc := wire.NewConn(pipeConn(client))
		// A zero-field payload still travels as a full [kind, payload] frame.
		_ = enc.WriteMessage(wire.KindDone, wire.Done{})
	}()

	kind, err := serverConn.ReadKind()
	if err != nil {
		t.Fatalf("ReadKind: %v", err)
	}
	if kind != wire.KindDone {
		t.Fatalf("kind = %q, want %q", kind, wire.KindDone)
	}
	var done wire.Done
	if err := serverConn.Decode(&done); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}
