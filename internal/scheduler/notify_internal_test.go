package scheduler

import (
	"path/filepath"
	"testing"

	"chunkvault/internal/datastore"
	"chunkvault/internal/gc"
	"chunkvault/internal/notify"
	"chunkvault/internal/prune"
)

type fakeRenderer struct {
	calls []notify.TaskStatus
}

func (f *fakeRenderer) Render(ts notify.TaskStatus) (string, string, error) {
	f.calls = append(f.calls, ts)
	return ts.Phase, "", nil
}

func newScheduledStore(t *testing.T) *datastore.Store {
	t.Helper()
	root := t.TempDir()
	runDir := filepath.Join(t.TempDir(), "run")
	ds, err := datastore.Open("notify-test", root, runDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestRunGCRendersTaskStatus(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	renderer := &fakeRenderer{}
	s.WithNotifier(renderer)

	ds := newScheduledStore(t)
	s.runGC(ds.Name(), ds, gc.NewRunner(ds))

	if len(renderer.calls) != 1 {
		t.Fatalf("renderer calls = %d, want 1", len(renderer.calls))
	}
	if renderer.calls[0].Phase != gcJobKey(ds.Name()) {
		t.Fatalf("Phase = %q, want %q", renderer.calls[0].Phase, gcJobKey(ds.Name()))
	}
	if renderer.calls[0].Err != nil {
		t.Fatalf("Err = %v, want nil", renderer.calls[0].Err)
	}
	if renderer.calls[0].GC == nil {
		t.Fatalf("GC status not attached to rendered TaskStatus")
	}
}

func TestRunPruneRendersTaskStatus(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	renderer := &fakeRenderer{}
	s.WithNotifier(renderer)

	ds := newScheduledStore(t)
	s.runPrune(ds.Name(), ds, prune.Policy{KeepLast: 3})

	if len(renderer.calls) != 1 {
		t.Fatalf("renderer calls = %d, want 1", len(renderer.calls))
	}
	if renderer.calls[0].Phase != pruneJobKey(ds.Name()) {
		t.Fatalf("Phase = %q, want %q", renderer.calls[0].Phase, pruneJobKey(ds.Name()))
	}
}
