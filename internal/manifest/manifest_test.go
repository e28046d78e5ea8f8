package manifest_test

import (
	"strings"
	"testing"

	"chunkvault/internal/crypt"
	"chunkvault/internal/manifest"
)

func newTestConfig(t *testing.T) *crypt.Config {
	t.Helper()
	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := crypt.New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testManifest() manifest.Manifest {
	return manifest.Manifest{
		BackupType: "host",
		BackupID:   "pve1",
		BackupTime: 1700000000,
		Files: []manifest.FileEntry{
			{Filename: "root.pxar", Size: 4096, Csum: "deadbeef", CryptMode: manifest.CryptModeEncrypt},
			{Filename: "index.json.blob", Size: 128, Csum: "c0ffee", CryptMode: manifest.CryptModeSignOnly},
		},
	}
}

func TestCanonicalizeOmitsSignatureAndUnprotected(t *testing.T) {
	m := testManifest()
	m.Signature = "should-not-appear"
	m.Unprotected = manifest.Unprotected{Notes: "also should not appear"}

	canonical, err := m.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	s := string(canonical)
	if strings.Contains(s, "should-not-appear") || strings.Contains(s, "also should not appear") {
		t.Fatalf("canonical form leaked an unprotected field: %s", s)
	}
	wantPrefix := `{"backup-id":"pve1","backup-time":1700000000,"backup-type":"host","files":`
	if !strings.HasPrefix(s, wantPrefix) {
		t.Fatalf("canonical form = %s, want prefix %s", s, wantPrefix)
	}
}

func TestCanonicalizeIsStableAcrossCalls(t *testing.T) {
	m := testManifest()
	a, err := m.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	b, err := m.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical form differs between calls: %s vs %s", a, b)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	m := testManifest()

	if err := m.Sign(cfg); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if m.Signature == "" {
		t.Fatalf("Sign left Signature empty")
	}
	if err := m.Verify(cfg); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedProtectedField(t *testing.T) {
	cfg := newTestConfig(t)
	m := testManifest()
	if err := m.Sign(cfg); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	m.Files[0].Size = 999999
	if err := m.Verify(cfg); err != manifest.ErrBadSignature {
		t.Fatalf("Verify after tamper = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	cfg := newTestConfig(t)
	other := newTestConfig(t)
	m := testManifest()
	if err := m.Sign(cfg); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := m.Verify(other); err != manifest.ErrBadSignature {
		t.Fatalf("Verify with wrong key = %v, want ErrBadSignature", err)
	}
}

func TestVerifyWithNoSignature(t *testing.T) {
	cfg := newTestConfig(t)
	m := testManifest()
	if err := m.Verify(cfg); err != manifest.ErrNoSignature {
		t.Fatalf("Verify unsigned manifest = %v, want ErrNoSignature", err)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	m := testManifest()
	if err := m.Sign(cfg); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	m.Unprotected = manifest.Unprotected{
		Notes:       "verified during weekly scrub",
		VerifyState: &manifest.VerifyState{State: "ok", Time: 1700003600},
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := manifest.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.BackupType != m.BackupType || got.BackupID != m.BackupID || got.BackupTime != m.BackupTime {
		t.Fatalf("round trip changed protected fields: %+v", got)
	}
	if len(got.Files) != len(m.Files) {
		t.Fatalf("round trip changed file count: %d vs %d", len(got.Files), len(m.Files))
	}
	if got.Signature != m.Signature {
		t.Fatalf("round trip changed signature")
	}
	if got.Unprotected.VerifyState == nil || got.Unprotected.VerifyState.State != "ok" {
		t.Fatalf("round trip lost verify_state: %+v", got.Unprotected)
	}
	if err := got.Verify(cfg); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
}
