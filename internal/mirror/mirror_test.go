package mirror_test

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chunkvault/internal/auth"
	"chunkvault/internal/blob"
	"chunkvault/internal/datastore"
	"chunkvault/internal/digest"
	"chunkvault/internal/mirror"
	"chunkvault/internal/session/backup"
)

type fakeTarget struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{objects: make(map[string][]byte)}
}

func (f *fakeTarget) Name() string { return "fake://test" }

func (f *fakeTarget) PutObject(ctx context.Context, key string, data io.Reader, size int64) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = buf
	return nil
}

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	root := t.TempDir()
	runDir := filepath.Join(t.TempDir(), "run")
	ds, err := datastore.Open("test", root, runDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func finalizedSnapshot(t *testing.T, ds *datastore.Store) datastore.Snapshot {
	t.Helper()
	snap := datastore.Snapshot{
		Group: datastore.Group{Type: "host", ID: "pve1"},
		Time:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	s, err := backup.Start(ds, snap.Group, snap, auth.Principal{ID: "user@pve", Role: "admin"}, "host", false)
	if err != nil {
		t.Fatalf("backup.Start: %v", err)
	}
	plaintext := []byte("mirrorable content")
	d := digest.Compute(plaintext)
	framed, err := blob.Encode(plaintext, nil)
	if err != nil {
		t.Fatalf("blob.Encode: %v", err)
	}
	if _, _, err := s.UploadChunk(context.Background(), d, framed); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := s.OpenDynamicArchive("root.pxar.didx"); err != nil {
		t.Fatalf("OpenDynamicArchive: %v", err)
	}
	if err := s.RegisterDynamicChunk("root.pxar.didx", uint64(len(plaintext)), d); err != nil {
		t.Fatalf("RegisterDynamicChunk: %v", err)
	}
	s.RegisterArchiveFile("root.pxar.didx", 4096, digest.Compute([]byte("index")))
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return snap
}

func TestSyncSnapshotUploadsEveryFile(t *testing.T) {
	ds := newTestStore(t)
	snap := finalizedSnapshot(t, ds)
	target := newFakeTarget()

	m := mirror.New(ds, target, nil)
	n, err := m.SyncSnapshot(context.Background(), snap)
	if err != nil {
		t.Fatalf("SyncSnapshot: %v", err)
	}
	if n != 2 {
		t.Fatalf("filesCopied = %d, want 2 (index.json.blob + root.pxar.didx)", n)
	}

	key := filepath.Join(snap.RelPath(), "index.json.blob")
	if _, ok := target.objects[key]; !ok {
		t.Fatalf("manifest not uploaded under key %q; have %v", key, keysOf(target.objects))
	}
}

func TestSyncSnapshotRefusesCreating(t *testing.T) {
	ds := newTestStore(t)
	snap := datastore.Snapshot{
		Group: datastore.Group{Type: "host", ID: "pve2"},
		Time:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	s, err := backup.Start(ds, snap.Group, snap, auth.Principal{ID: "user@pve", Role: "admin"}, "host", false)
	if err != nil {
		t.Fatalf("backup.Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Cancel() })

	m := mirror.New(ds, newFakeTarget(), nil)
	if _, err := m.SyncSnapshot(context.Background(), snap); err == nil {
		t.Fatalf("SyncSnapshot accepted a Creating snapshot")
	}
}

func keysOf(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
