package datastore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/internal/datastore"
	"chunkvault/internal/manifest"
)

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	root := t.TempDir()
	runDir := filepath.Join(t.TempDir(), "run")
	s, err := datastore.Open("test", root, runDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot() datastore.Snapshot {
	return datastore.Snapshot{
		Group: datastore.Group{Type: "host", ID: "pve1"},
		Time:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestCreateLockedBackupGroupSetsOwnerOnce(t *testing.T) {
	s := newTestStore(t)
	g := datastore.Group{Type: "host", ID: "pve1"}

	owner, release, err := s.CreateLockedBackupGroup(g, "user@pve")
	if err != nil {
		t.Fatalf("CreateLockedBackupGroup: %v", err)
	}
	if owner != "user@pve" {
		t.Fatalf("owner = %q, want user@pve", owner)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	owner2, release2, err := s.CreateLockedBackupGroup(g, "user@pve")
	if err != nil {
		t.Fatalf("CreateLockedBackupGroup (second, same caller): %v", err)
	}
	defer release2()
	if owner2 != "user@pve" {
		t.Fatalf("owner on second create = %q, want unchanged user@pve", owner2)
	}
}

func TestCreateLockedBackupGroupRejectsOwnerMismatch(t *testing.T) {
	s := newTestStore(t)
	g := datastore.Group{Type: "host", ID: "pve1"}

	_, release, err := s.CreateLockedBackupGroup(g, "user@pve")
	if err != nil {
		t.Fatalf("CreateLockedBackupGroup: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, _, err = s.CreateLockedBackupGroup(g, "someone-else@pve")
	if !errors.Is(err, datastore.ErrOwnerMismatch) {
		t.Fatalf("CreateLockedBackupGroup (different caller) = %v, want ErrOwnerMismatch", err)
	}

	if _, err := os.Stat(filepath.Join(s.Root(), g.RelPath())); err != nil {
		t.Fatalf("group directory should still exist after a rejected caller: %v", err)
	}
}

func TestListGroupsAndSnapshots(t *testing.T) {
	s := newTestStore(t)

	groups := []datastore.Group{
		{Type: "host", ID: "pve1"},
		{Type: "host", ID: "pve2"},
		{Type: "vm", ID: "100"},
	}
	for _, g := range groups {
		_, release, err := s.CreateLockedBackupGroup(g, "user@pve")
		if err != nil {
			t.Fatalf("CreateLockedBackupGroup(%v): %v", g, err)
		}
		release()
	}

	got, err := s.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListGroups returned %d groups, want 3: %+v", len(got), got)
	}
	if got[0] != groups[0] || got[1] != groups[1] || got[2] != groups[2] {
		t.Fatalf("ListGroups order = %+v, want sorted %+v", got, groups)
	}

	g := groups[0]
	times := []time.Time{
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC),
	}
	for _, tm := range times {
		_, _, release, err := s.CreateLockedBackupDir(datastore.Snapshot{Group: g, Time: tm})
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		release()
	}

	snaps, err := s.ListSnapshots(g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("ListSnapshots returned %d, want 2: %+v", len(snaps), snaps)
	}
	if !snaps[0].Time.Equal(times[0]) || !snaps[1].Time.Equal(times[1]) {
		t.Fatalf("ListSnapshots order = %+v, want oldest first %+v", snaps, times)
	}

	// Other groups with no snapshots yet list as empty, not an error.
	empty, err := s.ListSnapshots(groups[1])
	if err != nil {
		t.Fatalf("ListSnapshots (empty group): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no snapshots, got %+v", empty)
	}
}

func TestCreateLockedBackupDirDetectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	snap := testSnapshot()

	_, isNew, release, err := s.CreateLockedBackupDir(snap)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	if !isNew {
		t.Fatalf("isNew = false on first creation")
	}
	release()

	_, isNew2, release2, err := s.CreateLockedBackupDir(snap)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir (second): %v", err)
	}
	defer release2()
	if isNew2 {
		t.Fatalf("isNew = true on duplicate snapshot dir")
	}
}

func TestIsCreatingUntilManifestWritten(t *testing.T) {
	s := newTestStore(t)
	snap := testSnapshot()

	_, _, release, err := s.CreateLockedBackupDir(snap)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	defer release()

	if !s.IsCreating(snap) {
		t.Fatalf("IsCreating = false before manifest written")
	}

	m := manifest.Manifest{BackupType: "host", BackupID: "pve1", BackupTime: snap.Time.Unix()}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	writeManifest(t, s, snap, data)

	if s.IsCreating(snap) {
		t.Fatalf("IsCreating = true after manifest written")
	}
}

func TestSweepStaleSessionsRemovesOldCreatingOnly(t *testing.T) {
	s := newTestStore(t)
	g := datastore.Group{Type: "host", ID: "pve1"}
	_, releaseGroup, err := s.CreateLockedBackupGroup(g, "user@pve")
	if err != nil {
		t.Fatalf("CreateLockedBackupGroup: %v", err)
	}
	defer releaseGroup()

	stale := datastore.Snapshot{Group: g, Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fresh := datastore.Snapshot{Group: g, Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	finalized := datastore.Snapshot{Group: g, Time: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)}

	for _, snap := range []datastore.Snapshot{stale, fresh, finalized} {
		_, _, release, err := s.CreateLockedBackupDir(snap)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir(%v): %v", snap, err)
		}
		release()
	}

	m := manifest.Manifest{BackupType: "host", BackupID: "pve1", BackupTime: finalized.Time.Unix()}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	writeManifest(t, s, finalized, data)

	staleDir := filepath.Join(s.Root(), stale.RelPath())
	oldTime := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(staleDir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := s.SweepStaleSessions(48 * time.Hour)
	if err != nil {
		t.Fatalf("SweepStaleSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	snaps, err := s.ListSnapshots(g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("ListSnapshots after sweep = %+v, want fresh+finalized only", snaps)
	}
	for _, snap := range snaps {
		if snap.Time.Equal(stale.Time) {
			t.Fatalf("stale snapshot %v survived sweep", stale)
		}
	}
}

func TestUpdateManifestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := testSnapshot()

	_, _, release, err := s.CreateLockedBackupDir(snap)
	if err != nil {
		t.Fatalf("CreateLockedBackupDir: %v", err)
	}
	defer release()

	m := manifest.Manifest{BackupType: "host", BackupID: "pve1", BackupTime: snap.Time.Unix()}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	writeManifest(t, s, snap, data)

	if err := s.UpdateManifest(snap, func(m *manifest.Manifest) {
		m.Unprotected.Notes = "scrubbed clean"
	}); err != nil {
		t.Fatalf("UpdateManifest: %v", err)
	}

	got, _, err := s.LoadManifest(snap)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got.Unprotected.Notes != "scrubbed clean" {
		t.Fatalf("Unprotected.Notes = %q, want %q", got.Unprotected.Notes, "scrubbed clean")
	}
}

func writeManifest(t *testing.T, s *datastore.Store, snap datastore.Snapshot, data []byte) {
	t.Helper()
	path := filepath.Join(s.SnapshotPath(snap), "index.json.blob")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}
