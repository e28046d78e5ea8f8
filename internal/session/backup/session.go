// Package backup implements the server side of a write-only backup session:
// the state machine that turns a stream of uploaded chunks and index
// entries into a finalized, signed snapshot.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"chunkvault/internal/auth"
	"chunkvault/internal/blob"
	"chunkvault/internal/crypt"
	"chunkvault/internal/datastore"
	"chunkvault/internal/digest"
	"chunkvault/internal/dynamicindex"
	"chunkvault/internal/fixedindex"
	"chunkvault/internal/manifest"
)

// State is one point in a session's lifecycle.
type State int

const (
	StateIdle State = iota
	StateRegistered
	StateRunning
	StateFinalizing
	StateDone
	StateAborted
)

// maxInFlightChunks bounds concurrent uploads per session (spec §4.8).
const maxInFlightChunks = 10

var (
	// ErrDigestNotFound is returned by RegisterFixedChunk/RegisterDynamicChunk
	// when the referenced chunk was never uploaded (fail-closed, spec §4.8).
	ErrDigestNotFound = errors.New("backup: digest not present in chunk store")
	// ErrBadChunkCRC is a protocol error: an uploaded chunk's blob frame
	// failed its CRC check.
	ErrBadChunkCRC = errors.New("backup: uploaded chunk failed CRC check")
	// ErrWrongState is returned when an operation is invoked outside the
	// state it requires.
	ErrWrongState = errors.New("backup: operation invalid in current session state")
	// ErrUnknownArchive is returned when an index entry references an
	// archive that was never opened.
	ErrUnknownArchive = errors.New("backup: archive not open in this session")
	// ErrNotOwner is the Auth-kind error Start returns when caller does
	// not match the backup group's recorded owner (spec scenario S6): the
	// group lock is released and no snapshot directory is created.
	ErrNotOwner = datastore.ErrOwnerMismatch
)

// fixedArchive tracks one open fixed-index writer under construction.
type fixedArchive struct {
	w *fixedindex.Writer
}

type dynamicArchive struct {
	w *dynamicindex.Writer
}

// Session is one server-side backup session: one client connection writing
// exactly one snapshot.
type Session struct {
	ds        *datastore.Store
	key       *crypt.Config // nil for an unencrypted/plain datastore
	sem       *semaphore.Weighted
	endWriter func()

	group      datastore.Group
	snap       datastore.Snapshot
	backupType string

	groupRelease func() error
	snapRelease  func() error

	state State

	prevManifest *manifest.Manifest
	fixed        map[string]*fixedArchive
	dynamic      map[string]*dynamicArchive
	files        []manifest.FileEntry
}

// Start registers and opens a new snapshot: acquires the group lock,
// creates the snapshot directory, and acquires a shared chunk-store lock
// for the session's lifetime. caller is the authenticated principal
// driving this session; it becomes the group's owner on first use and is
// checked against the recorded owner on every later one, rejecting with
// ErrNotOwner before any snapshot directory is touched (spec S6). If
// reusePrevious is true and a prior finalized snapshot exists in the
// group, its manifest is loaded for known-chunk short-circuiting.
func Start(ds *datastore.Store, group datastore.Group, snap datastore.Snapshot, caller auth.Principal, backupType string, reusePrevious bool) (*Session, error) {
	_, groupRelease, err := ds.CreateLockedBackupGroup(group, caller.ID)
	if err != nil {
		return nil, err
	}

	_, isNew, snapRelease, err := ds.CreateLockedBackupDir(snap)
	if err != nil {
		_ = groupRelease()
		return nil, err
	}
	if !isNew {
		_ = snapRelease()
		_ = groupRelease()
		return nil, datastore.ErrSnapshotExists
	}

	releaseChunkLock, err := ds.Chunks().Lock(false)
	if err != nil {
		_ = snapRelease()
		_ = groupRelease()
		return nil, err
	}
	endWriter := ds.Chunks().BeginWriter()

	s := &Session{
		ds:           ds,
		sem:          semaphore.NewWeighted(maxInFlightChunks),
		endWriter:    endWriter,
		group:        group,
		snap:         snap,
		backupType:   backupType,
		groupRelease: groupRelease,
		snapRelease: func() error {
			defer releaseChunkLock()
			return snapRelease()
		},
		state:   StateRegistered,
		fixed:   make(map[string]*fixedArchive),
		dynamic: make(map[string]*dynamicArchive),
	}

	if reusePrevious {
		if prev, ok := previousSnapshot(ds, group, snap); ok {
			if m, _, err := ds.LoadManifest(prev); err == nil {
				s.prevManifest = &m
			}
		}
	}

	s.state = StateRunning
	return s, nil
}

// WithKey sets the datastore's key for a session that will encrypt/sign
// uploaded content. Must be called before any upload, from start.
func (s *Session) WithKey(key *crypt.Config) *Session {
	s.key = key
	return s
}

// previousSnapshot finds the most recent finalized snapshot in group that
// sorts before snap, by directory listing (snapshot names are RFC3339
// strings, which sort lexicographically in time order).
func previousSnapshot(ds *datastore.Store, group datastore.Group, before datastore.Snapshot) (datastore.Snapshot, bool) {
	groupDir := filepath.Join(ds.Root(), group.RelPath())
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return datastore.Snapshot{}, false
	}
	var best string
	for _, e := range entries {
		if !e.IsDir() || e.Name() >= before.TimeString() {
			continue
		}
		t, err := time.Parse("2006-01-02T15:04:05Z", e.Name())
		if err != nil {
			continue
		}
		cand := datastore.Snapshot{Group: group, Time: t}
		if ds.IsCreating(cand) {
			continue
		}
		if e.Name() > best {
			best = e.Name()
		}
	}
	if best == "" {
		return datastore.Snapshot{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", best)
	if err != nil {
		return datastore.Snapshot{}, false
	}
	return datastore.Snapshot{Group: group, Time: t}, true
}

// PreviousBackupTime returns the time of the snapshot whose manifest was
// loaded for reuse, if any.
func (s *Session) PreviousBackupTime() (time.Time, bool) {
	if s.prevManifest == nil {
		return time.Time{}, false
	}
	return time.Unix(s.prevManifest.BackupTime, 0).UTC(), true
}

// DownloadPreviousManifest returns the manifest loaded at start, if any.
func (s *Session) DownloadPreviousManifest() (manifest.Manifest, bool) {
	if s.prevManifest == nil {
		return manifest.Manifest{}, false
	}
	return *s.prevManifest, true
}

// UploadChunk validates raw's CRC and inserts it into the chunk store. If
// the chunk already existed, no write occurs and existed=true is returned
// with the existing on-disk size.
func (s *Session) UploadChunk(ctx context.Context, d digest.Digest, raw []byte) (existed bool, size int64, err error) {
	if s.state != StateRunning {
		return false, 0, ErrWrongState
	}
	if err := blob.VerifyCRC(raw); err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrBadChunkCRC, err)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, 0, err
	}
	defer s.sem.Release(1)

	return s.ds.Chunks().Insert(d, raw)
}

// HasChunk reports whether digest d is already present, without inserting
// anything — used by the client's per-digest "do you have this?" probe
// against the previous snapshot's chunk set.
func (s *Session) HasChunk(d digest.Digest) (bool, error) {
	return s.ds.Chunks().Exists(d)
}

// OpenFixedArchive creates a new fixed-size index writer for archive,
// keyed for later RegisterFixedChunk calls.
func (s *Session) OpenFixedArchive(archive string, size, chunkSize uint64) error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	w, err := s.ds.CreateFixedWriter(s.snap, archive, size, chunkSize, time.Now().Unix())
	if err != nil {
		return err
	}
	s.fixed[archive] = &fixedArchive{w: w}
	return nil
}

// OpenDynamicArchive creates a new content-defined index writer for
// archive.
func (s *Session) OpenDynamicArchive(archive string) error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	w, err := s.ds.CreateDynamicWriter(s.snap, archive, time.Now().Unix())
	if err != nil {
		return err
	}
	s.dynamic[archive] = &dynamicArchive{w: w}
	return nil
}

// RegisterFixedChunk appends a chunk at position to archive's index. Fails
// closed if the digest isn't in the chunk store yet.
func (s *Session) RegisterFixedChunk(archive string, position uint64, d digest.Digest) error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	a, ok := s.fixed[archive]
	if !ok {
		return ErrUnknownArchive
	}
	if ok, err := s.ds.Chunks().Exists(d); err != nil {
		return err
	} else if !ok {
		return ErrDigestNotFound
	}
	return a.w.AddChunk(position, d)
}

// RegisterDynamicChunk appends a chunk of the given length to archive's
// index. Fails closed if the digest isn't in the chunk store yet.
func (s *Session) RegisterDynamicChunk(archive string, length uint64, d digest.Digest) error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	a, ok := s.dynamic[archive]
	if !ok {
		return ErrUnknownArchive
	}
	if ok, err := s.ds.Chunks().Exists(d); err != nil {
		return err
	} else if !ok {
		return ErrDigestNotFound
	}
	return a.w.AddChunk(length, d)
}

// BlobOpts controls how UploadBlob stores a non-indexed file.
type BlobOpts struct {
	Compress bool
	Encrypt  bool
}

// UploadBlob stores a non-indexed file (config, log, catalog, encrypted
// key) directly under the snapshot directory.
func (s *Session) UploadBlob(name string, data []byte, opts BlobOpts) error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	var key *crypt.Config
	if opts.Encrypt {
		key = s.key
	}
	framed, err := blob.Encode(data, key)
	if err != nil {
		return err
	}
	cryptMode := manifest.CryptModeNone
	if s.key != nil {
		cryptMode = manifest.CryptModeSignOnly
	}
	if opts.Encrypt && s.key != nil {
		cryptMode = manifest.CryptModeEncrypt
	}

	path := filepath.Join(s.ds.SnapshotPath(s.snap), name)
	if err := os.WriteFile(path, framed, 0o640); err != nil {
		return fmt.Errorf("backup: write blob %s: %w", name, err)
	}

	var csum digest.Digest
	if s.key != nil {
		sum := s.key.DigestOf(data)
		csum = digest.Digest(sum)
	} else {
		csum = digest.Compute(data)
	}
	s.files = append(s.files, manifest.FileEntry{
		Filename:  name,
		Size:      uint64(len(data)),
		Csum:      csum.String(),
		CryptMode: cryptMode,
	})
	return nil
}

// RegisterArchiveFile records a completed index archive's manifest entry.
// Callers pass the on-disk size and content csum of the finalized index.
func (s *Session) RegisterArchiveFile(filename string, size uint64, csum digest.Digest) {
	cryptMode := manifest.CryptModeNone
	if s.key != nil {
		cryptMode = manifest.CryptModeSignOnly
	}
	s.files = append(s.files, manifest.FileEntry{
		Filename:  filename,
		Size:      size,
		Csum:      csum.String(),
		CryptMode: cryptMode,
	})
}

// Finish closes every open index writer, fsyncs the snapshot directory,
// writes the (signed, if keyed) manifest, and releases all locks.
func (s *Session) Finish() error {
	if s.state != StateRunning {
		return ErrWrongState
	}
	s.state = StateFinalizing

	for archive, a := range s.fixed {
		if err := a.w.Finalize(); err != nil {
			return s.abortOnFinishError(fmt.Errorf("backup: finalize fixed archive %s: %w", archive, err))
		}
	}
	for archive, a := range s.dynamic {
		if err := a.w.Finalize(); err != nil {
			return s.abortOnFinishError(fmt.Errorf("backup: finalize dynamic archive %s: %w", archive, err))
		}
	}

	if err := fsyncDir(s.ds.SnapshotPath(s.snap)); err != nil {
		return s.abortOnFinishError(err)
	}

	m := manifest.Manifest{
		BackupType: s.backupType,
		BackupID:   s.group.ID,
		BackupTime: s.snap.Time.Unix(),
		Files:      s.files,
	}
	if s.key != nil {
		if err := m.Sign(s.key); err != nil {
			return s.abortOnFinishError(err)
		}
	}
	data, err := m.Marshal()
	if err != nil {
		return s.abortOnFinishError(err)
	}
	path := filepath.Join(s.ds.SnapshotPath(s.snap), "index.json.blob")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return s.abortOnFinishError(fmt.Errorf("backup: write manifest: %w", err))
	}

	s.endWriter()
	if err := s.snapRelease(); err != nil {
		return err
	}
	if err := s.groupRelease(); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// abortOnFinishError removes the (still-Creating) snapshot directory and
// propagates err, per spec §4.8: any error before finish leaves no partial
// snapshot behind.
func (s *Session) abortOnFinishError(cause error) error {
	s.endWriter()
	_ = os.RemoveAll(s.ds.SnapshotPath(s.snap))
	_ = s.snapRelease()
	_ = s.groupRelease()
	s.state = StateAborted
	return cause
}

// Cancel removes the snapshot directory and releases all locks without
// writing a manifest.
func (s *Session) Cancel() error {
	if s.state == StateDone || s.state == StateAborted {
		return ErrWrongState
	}
	s.endWriter()
	err := os.RemoveAll(s.ds.SnapshotPath(s.snap))
	_ = s.snapRelease()
	_ = s.groupRelease()
	s.state = StateAborted
	return err
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: open snapshot dir for fsync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("backup: fsync snapshot dir: %w", err)
	}
	return nil
}
