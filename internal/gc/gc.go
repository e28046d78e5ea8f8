// Package gc implements the datastore garbage collector: a two-phase
// mark-and-sweep that reclaims chunks no longer referenced by any
// finalized snapshot, while never disturbing an in-flight backup session.
package gc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"chunkvault/internal/datastore"
	"chunkvault/internal/digest"
	"chunkvault/internal/dynamicindex"
	"chunkvault/internal/fixedindex"
	"chunkvault/internal/logging"
)

// DefaultSafetyMargin is the minimum age an unreferenced chunk must reach
// before Sweep may remove it (spec §4.10: "at least 24 hours or the
// configured retention buffer, whichever is larger").
const DefaultSafetyMargin = 24 * time.Hour

// ErrAlreadyRunning is returned by Run when another GC pass holds the
// datastore's GC mutex.
var ErrAlreadyRunning = errors.New("gc: already running on this datastore")

// Status is the persisted `.gc-status` document (spec §4.10), readable
// while GC is running as well as after it completes.
type Status struct {
	IndexFileCount int64  `json:"index-file-count"`
	IndexDataBytes int64  `json:"index-data-bytes"`
	DiskBytes      int64  `json:"disk-bytes"`
	DiskChunks     int64  `json:"disk-chunks"`
	RemovedBytes   int64  `json:"removed-bytes"`
	RemovedChunks  int64  `json:"removed-chunks"`
	RemovedBad     int64  `json:"removed-bad"`
	StillBad       int64  `json:"still-bad"`
	PendingBytes   int64  `json:"pending-bytes"`
	PendingChunks  int64  `json:"pending-chunks"`
	UPID           string `json:"upid"`
}

// Runner drives garbage collection for one datastore.
type Runner struct {
	ds           *datastore.Store
	safetyMargin time.Duration
	logger       *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) Option {
	return func(r *Runner) { r.safetyMargin = d }
}

// WithLogger attaches a logger; nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner builds a Runner for ds.
func NewRunner(ds *datastore.Store, opts ...Option) *Runner {
	r := &Runner{ds: ds, safetyMargin: DefaultSafetyMargin}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Default(r.logger).With("component", "gc", "datastore", ds.Name())
	return r
}

// Run executes one full mark-and-sweep pass and persists the resulting
// Status to the datastore's .gc-status file. It refuses to run concurrently
// with another pass on the same datastore (spec §4.10: "under the
// datastore's GC mutex").
func (r *Runner) Run() (Status, error) {
	mu := r.ds.GCMutex()
	if !mu.TryLock() {
		return Status{}, ErrAlreadyRunning
	}
	defer mu.Unlock()

	status := Status{UPID: uuid.NewString()}
	r.logger.Info("garbage collection started", "upid", status.UPID)

	// The exclusive process lock is only a barrier against writers in other
	// processes (sessions in this process share the lock's descriptor and do
	// not hold it off); it is released immediately so writers can resume
	// while marking proceeds (spec §4.10).
	release, err := r.ds.Chunks().Lock(true)
	if err != nil {
		return Status{}, fmt.Errorf("gc: acquire exclusive barrier: %w", err)
	}
	phase1Start := time.Now()
	release()

	if err := r.markUsedChunks(&status); err != nil {
		r.logger.Error("garbage collection aborted during mark phase", "error", err)
		return status, fmt.Errorf("gc: mark phase: %w", err)
	}

	cutoff := phase1Start.Add(-r.safetyMargin)
	if oldest, ok := r.ds.Chunks().OldestWriterStart(); ok && oldest.Before(phase1Start) {
		cutoff = oldest.Add(-r.safetyMargin)
	}

	sweepStats, err := r.ds.Chunks().Sweep(cutoff, phase1Start)
	if err != nil {
		return status, fmt.Errorf("gc: sweep phase: %w", err)
	}
	status.DiskBytes = sweepStats.DiskBytes
	status.DiskChunks = sweepStats.DiskChunks
	status.RemovedBytes = sweepStats.RemovedBytes
	status.RemovedChunks = sweepStats.RemovedChunks
	status.RemovedBad = sweepStats.RemovedBad
	status.StillBad = sweepStats.StillBad
	status.PendingBytes = sweepStats.PendingBytes
	status.PendingChunks = sweepStats.PendingChunks

	r.logger.Info("garbage collection finished",
		"removed_chunks", status.RemovedChunks,
		"removed_bytes", status.RemovedBytes,
		"disk_chunks", status.DiskChunks,
		"disk_bytes", status.DiskBytes,
	)

	if err := r.persistStatus(status); err != nil {
		return status, err
	}
	return status, nil
}

// indexFile is the common surface of both index readers the mark phase
// iterates over.
type indexFile interface {
	IndexCount() int
	IndexDigest(i int) (digest.Digest, error)
	IndexBytes() uint64
	Close() error
}

func (r *Runner) markUsedChunks(status *Status) error {
	indexes, err := r.listFinalizedIndexes()
	if err != nil {
		return err
	}
	for _, path := range indexes {
		if err := r.markIndex(path, status); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) markIndex(path string, status *Status) error {
	var idx indexFile
	switch {
	case hasSuffix(path, ".fidx"):
		fr, err := fixedindex.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("gc: open %s: %w", path, err)
		}
		idx = fr
	case hasSuffix(path, ".didx"):
		dr, err := dynamicindex.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("gc: open %s: %w", path, err)
		}
		idx = dr
	default:
		return nil
	}
	defer idx.Close()

	status.IndexFileCount++
	status.IndexDataBytes += int64(idx.IndexBytes())

	store := r.ds.Chunks()
	for i := 0; i < idx.IndexCount(); i++ {
		d, err := idx.IndexDigest(i)
		if err != nil {
			return fmt.Errorf("gc: read digest %d in %s: %w", i, path, err)
		}
		existed, err := store.CondTouch(d, false)
		if err != nil {
			return fmt.Errorf("gc: touch chunk referenced by %s: %w", path, err)
		}
		if !existed {
			r.logger.Warn("index references missing chunk", "index", path, "digest", d.String())
			if err := store.MarkBad(d); err != nil {
				return fmt.Errorf("gc: touch bad variants for %s: %w", path, err)
			}
		}
	}
	return nil
}

// listFinalizedIndexes walks the datastore root for .fidx/.didx files,
// skipping any snapshot directory still in the Creating state (spec §4.10:
// "GC recognizes them by absence of the manifest file and refuses to open
// their indexes"). A permission error below the datastore root's immediate
// children aborts the walk rather than silently under-marking, except for
// the conventional ext-filesystem lost+found directory at depth 1.
func (r *Runner) listFinalizedIndexes() ([]string, error) {
	var out []string
	root := r.ds.Root()

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				rel, relErr := filepath.Rel(root, path)
				if relErr == nil && rel == "lost+found" {
					return filepath.SkipDir
				}
				return fmt.Errorf("gc: permission denied walking %s: %w", path, err)
			}
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if len(name) > 0 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasSuffix(name, ".fidx") && !hasSuffix(name, ".didx") {
			return nil
		}
		snapDir := filepath.Dir(path)
		if _, statErr := os.Stat(filepath.Join(snapDir, "index.json.blob")); statErr != nil {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) persistStatus(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("gc: marshal status: %w", err)
	}
	path := r.ds.GCStatusPath()
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp_gc_status_*")
	if err != nil {
		return fmt.Errorf("gc: create temp status file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("gc: chmod temp status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("gc: write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("gc: close temp status file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("gc: rename status file into place: %w", err)
	}
	return nil
}

// LoadStatus reads the most recently persisted .gc-status document, for
// callers that want to report GC progress without holding the GC mutex.
func LoadStatus(ds *datastore.Store) (Status, error) {
	data, err := os.ReadFile(filepath.Clean(ds.GCStatusPath()))
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("gc: unmarshal status: %w", err)
	}
	return status, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
