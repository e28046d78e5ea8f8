// Package wire implements the backup/restore session protocol framing: a
// duplex stream of msgpack-encoded messages, each a two-element array of
// [kind, payload], read and written directly against the connection the
// way the teacher's Fluent Forward ingester streams msgpack off a raw
// net.Conn rather than building its own length-prefixed framing.
package wire

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Message kinds, spec §6. Client→server: Hello, Chunk, Index, Blob, Finish,
// Abort. Server→client: Ready, ChunkOK, IndexOK, Error, Done.
const (
	KindHello   = "HELLO"
	KindChunk   = "CHUNK"
	KindIndex   = "INDEX"
	KindBlob    = "BLOB"
	KindFinish  = "FINISH"
	KindAbort   = "ABORT"
	KindReady   = "READY"
	KindChunkOK = "CHUNK_OK"
	KindIndexOK = "INDEX_OK"
	KindError   = "ERROR"
	KindDone    = "DONE"
)

// GroupRef names a backup group on the wire.
type GroupRef struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id"`
}

// Hello is the client's opening handshake.
type Hello struct {
	Protocol  string   `msgpack:"protocol"`
	Datastore string   `msgpack:"datastore"`
	Group     GroupRef `msgpack:"group"`
	Snapshot  string   `msgpack:"snapshot"` // RFC3339, spec §6 on-disk layout form
	Owner     string   `msgpack:"owner"`
	Reuse     bool     `msgpack:"reuse"`
}

// Chunk uploads one content-addressed blob frame.
type Chunk struct {
	Digest string `msgpack:"digest"` // hex-encoded
	Blob   []byte `msgpack:"blob"`
}

// Index registers one chunk at a position/offset within an archive.
type Index struct {
	Archive string `msgpack:"archive"`
	Pos     uint64 `msgpack:"pos"`
	Digest  string `msgpack:"digest"`
}

// BlobOpts mirrors backup.BlobOpts for non-indexed snapshot files.
type BlobOpts struct {
	Compress bool `msgpack:"compress"`
	Encrypt  bool `msgpack:"encrypt"`
}

// Blob uploads a whole non-indexed snapshot file (e.g. client.log.blob).
type Blob struct {
	Name  string   `msgpack:"name"`
	Opts  BlobOpts `msgpack:"opts"`
	Bytes []byte   `msgpack:"bytes"`
}

// Finish signals a clean end of upload; Abort signals a client-initiated
// cancellation. Both carry no required fields.
type Finish struct{}

// Abort optionally explains why the client is cancelling.
type Abort struct {
	Reason string `msgpack:"reason,omitempty"`
}

// Ready answers Hello, carrying the previous manifest when reuse was
// requested and a prior snapshot exists.
type Ready struct {
	PrevManifest []byte `msgpack:"prev_manifest,omitempty"`
}

// ChunkOK answers Chunk.
type ChunkOK struct {
	Existed bool  `msgpack:"existed"`
	Size    int64 `msgpack:"size"`
}

// IndexOK answers Index; it carries no fields.
type IndexOK struct{}

// ErrorCode classifies a terminal session error for the client's exit code
// (spec §6: 0 success, 1 usage, 2 auth, 3 protocol/transport, 4 integrity,
// 5 permission).
type ErrorCode int

const (
	ErrCodeUsage ErrorCode = iota + 1
	ErrCodeAuth
	ErrCodeProtocol
	ErrCodeIntegrity
	ErrCodePermission
)

// Error answers any message with a terminal failure; the connection closes
// after it.
type Error struct {
	Code ErrorCode `msgpack:"code"`
	Msg  string    `msgpack:"msg"`
}

// Done answers Finish once the manifest is written and locks are released.
type Done struct{}

// Conn wraps a duplex stream with the [kind, payload] framing both sides
// use. It is not safe for concurrent use by multiple goroutines on the
// same direction (one reader, one writer is fine).
type Conn struct {
	rwc io.ReadWriteCloser
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

// NewConn wraps rwc for framed message exchange.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, enc: msgpack.NewEncoder(rwc), dec: msgpack.NewDecoder(rwc)}
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// WriteMessage sends one [kind, payload] frame.
func (c *Conn) WriteMessage(kind string, payload any) error {
	if err := c.enc.EncodeArrayLen(2); err != nil {
		return fmt.Errorf("wire: encode frame header: %w", err)
	}
	if err := c.enc.EncodeString(kind); err != nil {
		return fmt.Errorf("wire: encode kind: %w", err)
	}
	if err := c.enc.Encode(payload); err != nil {
		return fmt.Errorf("wire: encode payload for %s: %w", kind, err)
	}
	return nil
}

// ReadKind reads a frame's kind, leaving the payload positioned for a
// single call to Decode. Callers must always call Decode afterward, even
// for zero-field payloads like Finish or Done, to keep the stream aligned.
func (c *Conn) ReadKind() (kind string, err error) {
	n, err := c.dec.DecodeArrayLen()
	if err != nil {
		return "", err
	}
	if n != 2 {
		return "", fmt.Errorf("wire: expected a 2-element frame, got %d", n)
	}
	kind, err = c.dec.DecodeString()
	if err != nil {
		return "", fmt.Errorf("wire: decode kind: %w", err)
	}
	return kind, nil
}

// Decode reads the current frame's payload into v. Call exactly once per
// ReadKind, even when v is a pointer to an empty struct.
func (c *Conn) Decode(v any) error {
	if err := c.dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}
