// Package chunkstore implements the content-addressed blob store shared by
// every datastore: a sharded directory tree keyed by digest, a process lock
// used to coordinate writers with the garbage collector, and the two-phase
// atime-cutoff sweep that reclaims unreferenced chunks.
package chunkstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"chunkvault/internal/digest"
)

const shardDirName = ".chunks"
const lockFileName = ".lock"

var (
	// ErrNotFound is returned by Get when no chunk exists for a digest.
	ErrNotFound = errors.New("chunkstore: chunk not found")
)

// Store is a sharded on-disk chunk store rooted at a directory. One Store
// corresponds to one datastore's chunk namespace.
type Store struct {
	root     string
	lockPath string
	lockFile *os.File

	tempSeq atomic.Uint64

	writersMu sync.Mutex
	writers   map[uint64]time.Time
	writerSeq atomic.Uint64
}

// Open creates (if missing) the shard root under dir and returns a Store.
// It does not acquire the process lock; call Lock for that.
func Open(dir string) (*Store, error) {
	shardRoot := filepath.Join(dir, shardDirName)
	if err := os.MkdirAll(shardRoot, 0o750); err != nil {
		return nil, fmt.Errorf("chunkstore: create shard root: %w", err)
	}
	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open lock file: %w", err)
	}
	return &Store{root: dir, lockPath: lockPath, lockFile: lockFile, writers: make(map[uint64]time.Time)}, nil
}

// Close releases the store's held lock file descriptor.
func (s *Store) Close() error {
	return s.lockFile.Close()
}

func (s *Store) shardDir(d digest.Digest) string {
	return filepath.Join(s.root, shardDirName, d.Shard())
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.shardDir(d), d.String())
}

// Lock acquires the store's process lock, shared for concurrent writers or
// exclusive for the garbage collector's entry barrier. The returned func
// releases it; callers must call it exactly once.
//
// Both modes block until acquired against holders in other processes. Every
// caller in this process flocks the same descriptor, so a shared holder here
// never makes GC's exclusive request wait: flock converts the descriptor's
// lock instead (spec §4.10 — GC drops the lock again immediately afterward
// so writers can resume while marking proceeds).
func (s *Store) Lock(exclusive bool) (release func() error, err error) {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(s.lockFile.Fd()), how); err != nil {
		return nil, fmt.Errorf("chunkstore: flock: %w", err)
	}
	var once bool
	return func() error {
		if once {
			return nil
		}
		once = true
		return syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	}, nil
}

// BeginWriter records a new active writer's start time, for GC's atime-cutoff
// rule (spec §4.10: a chunk referenced only by a still-running writer that
// started before GC must survive). Callers must call the returned end func
// exactly once when the session finishes or aborts.
func (s *Store) BeginWriter() (end func()) {
	id := s.writerSeq.Add(1)
	s.writersMu.Lock()
	s.writers[id] = time.Now()
	s.writersMu.Unlock()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		s.writersMu.Lock()
		delete(s.writers, id)
		s.writersMu.Unlock()
	}
}

// OldestWriterStart returns the start time of the longest-running active
// writer, or ok=false if none are active.
func (s *Store) OldestWriterStart() (start time.Time, ok bool) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	for _, t := range s.writers {
		if !ok || t.Before(start) {
			start, ok = t, true
		}
	}
	return start, ok
}

// Insert writes blob under digest d, fsyncing before an atomic rename into
// place. If a file already exists at that path, the temp file is discarded,
// the existing file's atime is refreshed, and existed=true is returned.
func (s *Store) Insert(d digest.Digest, blob []byte) (existed bool, size int64, err error) {
	dir := s.shardDir(d)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, 0, fmt.Errorf("chunkstore: create shard dir: %w", err)
	}
	final := s.blobPath(d)

	tmp, err := s.createTemp(dir)
	if err != nil {
		return false, 0, err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: write temp chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: fsync temp chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: close temp chunk: %w", err)
	}

	// The digest is content-addressed, so a rename over an existing final
	// file is harmless even if another writer raced us here: both temp
	// files hold identical bytes. Stat first only to report existed/size
	// accurately and to avoid an unnecessary rename.
	if info, statErr := os.Stat(final); statErr == nil {
		_ = os.Remove(tmpPath)
		if _, err := s.CondTouch(d, false); err != nil {
			return false, 0, err
		}
		return true, info.Size(), nil
	}

	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("chunkstore: rename temp chunk into place: %w", err)
	}
	return false, int64(len(blob)), nil
}

// createTemp opens an O_EXCL temp file in dir, named with a PID and an
// in-process sequence number so concurrent inserts (even of the same
// digest) never collide, and crashed temp files are easy to recognize and
// sweep later.
func (s *Store) createTemp(dir string) (*os.File, error) {
	seq := s.tempSeq.Add(1)
	name := fmt.Sprintf(".tmp_%d_%d_%d", os.Getpid(), time.Now().UnixNano(), seq)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: create temp chunk: %w", err)
	}
	return f, nil
}

// CondTouch sets the digest's blob file atime to now iff it exists. If
// failIfMissing is true and the chunk is absent, it returns an error instead
// of existed=false (used by phase 1 mark when a finalized index references a
// chunk that must be present).
func (s *Store) CondTouch(d digest.Digest, failIfMissing bool) (existed bool, err error) {
	path := s.blobPath(d)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			if failIfMissing {
				return false, fmt.Errorf("chunkstore: chunk %s missing: %w", d, ErrNotFound)
			}
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: touch chunk %s: %w", d, err)
	}
	return true, nil
}

// Get reads and returns the raw blob bytes stored under digest d.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(s.blobPath(d)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chunkstore: read chunk %s: %w", d, err)
	}
	return data, nil
}

// Exists reports whether a chunk is present, without touching its atime.
func (s *Store) Exists(d digest.Digest) (bool, error) {
	_, err := os.Stat(s.blobPath(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SweepStats summarizes one Sweep pass.
type SweepStats struct {
	DiskChunks    int64
	DiskBytes     int64
	RemovedChunks int64
	RemovedBytes  int64
	RemovedBad    int64
	StillBad      int64
	PendingChunks int64
	PendingBytes  int64
}

// Sweep walks every shard directory and deletes any chunk file whose atime
// is strictly older than cutoff. Leftover temp files (the ".tmp_" prefix
// from a crashed Insert) are removed unconditionally, since nothing can ever
// reference an unfinished upload. ".bad" variant files whose atime is older
// than cutoff are deleted too and counted as RemovedBad; the others are
// counted as StillBad. The mark phase keeps a .bad file by touching it via
// Store.MarkBad, which it calls when an index references a missing chunk.
//
// phase1Start is the mark phase's start time: a surviving chunk whose atime
// falls short of it was not touched this run, i.e. it is unreferenced but
// kept alive only by the safety margin — reported as "pending" so the next
// run's accounting isn't a surprise.
func (s *Store) Sweep(cutoff, phase1Start time.Time) (SweepStats, error) {
	var stats SweepStats
	shardRoot := filepath.Join(s.root, shardDirName)

	entries, err := os.ReadDir(shardRoot)
	if err != nil {
		return stats, fmt.Errorf("chunkstore: list shard root: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(shardRoot, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return stats, fmt.Errorf("chunkstore: list shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			path := filepath.Join(shardPath, name)

			if isTempName(name) {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return stats, fmt.Errorf("chunkstore: remove orphan temp file %s: %w", path, err)
				}
				continue
			}

			info, err := f.Info()
			if err != nil {
				return stats, fmt.Errorf("chunkstore: stat %s: %w", path, err)
			}
			atime := accessTime(info)
			bad := isBadVariant(name)

			stats.DiskChunks++
			stats.DiskBytes += info.Size()
			if bad {
				// counted separately below via StillBad/RemovedBad
				stats.DiskChunks--
				stats.DiskBytes -= info.Size()
			}

			if atime.Before(cutoff) {
				if err := os.Remove(path); err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return stats, fmt.Errorf("chunkstore: remove swept chunk %s: %w", path, err)
				}
				if bad {
					stats.RemovedBad++
				} else {
					stats.RemovedChunks++
					stats.RemovedBytes += info.Size()
				}
				continue
			}
			if bad {
				stats.StillBad++
				continue
			}
			if atime.Before(phase1Start) {
				stats.PendingChunks++
				stats.PendingBytes += info.Size()
			}
		}
	}
	return stats, nil
}

func isTempName(name string) bool {
	return len(name) > 5 && name[:5] == ".tmp_"
}

func isBadVariant(name string) bool {
	return filepath.Ext(name) == ".bad"
}

// accessTime extracts the POSIX atime from a directory entry's FileInfo.
// os.FileInfo has no portable atime accessor; the underlying Stat_t does.
func accessTime(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}

// Root returns the datastore directory this store is rooted under.
func (s *Store) Root() string {
	return s.root
}

// MarkBad touches the atime of every "<digest>.N.bad" variant file next to
// digest d's shard, so phase 1 mark preserves bad-chunk investigation
// artifacts across a GC run (spec §4.10).
func (s *Store) MarkBad(d digest.Digest) error {
	dir := s.shardDir(d)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("chunkstore: list shard dir for bad variants: %w", err)
	}
	prefix := d.String() + "."
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if !isBadVariant(name) || len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if err := os.Chtimes(filepath.Join(dir, name), now, now); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("chunkstore: touch bad variant %s: %w", name, err)
		}
	}
	return nil
}
