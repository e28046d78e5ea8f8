// Package manifest implements the signed snapshot manifest: the JSON
// document listing every archive in a backup snapshot, its index/blob csum,
// and an optional HMAC signature over its canonicalized protected part.
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"chunkvault/internal/crypt"
)

// CryptMode records how an individual archive file was stored.
type CryptMode string

const (
	CryptModeNone     CryptMode = "none"
	CryptModeSignOnly CryptMode = "sign-only"
	CryptModeEncrypt  CryptMode = "encrypt"
)

// FileEntry describes one archive within a snapshot.
type FileEntry struct {
	Filename  string    `json:"filename"`
	Size      uint64    `json:"size"`
	Csum      string    `json:"csum"`
	CryptMode CryptMode `json:"crypt-mode"`
}

// VerifyState records the outcome of a post-hoc integrity walk, stored in
// the manifest's unprotected section so recording it never invalidates the
// signature (spec §6, §8.10).
type VerifyState struct {
	State string `json:"state"`
	Time  int64  `json:"time"`
}

// Unprotected holds the fields a manifest may carry that are never signed
// and may be updated after the snapshot is finalized.
type Unprotected struct {
	Notes       string       `json:"notes,omitempty"`
	VerifyState *VerifyState `json:"verify_state,omitempty"`
}

// Manifest is the decoded form of a snapshot's index.json.blob payload.
type Manifest struct {
	BackupType  string      `json:"backup-type"`
	BackupID    string      `json:"backup-id"`
	BackupTime  int64       `json:"backup-time"`
	Files       []FileEntry `json:"files"`
	Signature   string      `json:"signature,omitempty"`
	Unprotected Unprotected `json:"unprotected,omitempty"`
}

var (
	// ErrNoSignature is returned by Verify when the manifest carries no
	// signature but one was required.
	ErrNoSignature = errors.New("manifest: no signature present")
	// ErrBadSignature is returned by Verify on signature mismatch.
	ErrBadSignature = errors.New("manifest: signature verification failed")
)

// protectedView is the subset of fields eligible for signing: everything
// except signature and unprotected.
type protectedView struct {
	BackupType string      `json:"backup-type"`
	BackupID   string      `json:"backup-id"`
	BackupTime int64       `json:"backup-time"`
	Files      []FileEntry `json:"files"`
}

// Canonicalize returns the deterministic byte form used for signing:
// lexicographically sorted keys, signature and unprotected omitted.
func (m Manifest) Canonicalize() ([]byte, error) {
	view := protectedView{
		BackupType: m.BackupType,
		BackupID:   m.BackupID,
		BackupTime: m.BackupTime,
		Files:      m.Files,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sortedProtected(view)); err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// sortedProtected re-renders the protected view through a map so its JSON
// keys come out in strict lexicographic order ("backup-id" <
// "backup-time" < "backup-type" < "files"), independent of struct field
// declaration order. Each file entry is re-rendered the same way.
func sortedProtected(v protectedView) map[string]any {
	var files []map[string]any
	if v.Files != nil {
		files = make([]map[string]any, 0, len(v.Files))
	}
	for _, f := range v.Files {
		files = append(files, map[string]any{
			"crypt-mode": f.CryptMode,
			"csum":       f.Csum,
			"filename":   f.Filename,
			"size":       f.Size,
		})
	}
	return map[string]any{
		"backup-id":   v.BackupID,
		"backup-time": v.BackupTime,
		"backup-type": v.BackupType,
		"files":       files,
	}
}

// Sign computes and sets m.Signature from cfg's HMAC key over the
// canonical protected form.
func (m *Manifest) Sign(cfg *crypt.Config) error {
	canonical, err := m.Canonicalize()
	if err != nil {
		return err
	}
	sig := cfg.Sign(canonical)
	m.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks m.Signature against cfg's key over the canonical protected
// form.
func (m Manifest) Verify(cfg *crypt.Config) error {
	if m.Signature == "" {
		return ErrNoSignature
	}
	canonical, err := m.Canonicalize()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("manifest: decode signature: %w", err)
	}
	if !cfg.VerifySignature(canonical, sig) {
		return ErrBadSignature
	}
	return nil
}

// Marshal encodes the manifest to its on-disk JSON form.
func (m Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a manifest from its on-disk JSON form.
func Unmarshal(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	return m, nil
}
