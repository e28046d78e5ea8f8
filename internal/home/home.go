// Package home manages the server's home directory layout.
//
// The home directory owns all persistent state: the datastore definitions
// config, user credentials, and one root directory per configured
// datastore — the bit-exact layout datastore.Store itself expects (spec
// §6: ".chunks/", ".gc-status", ".lock", "<type>/<id>/...").
//
// Layout:
//
//	<root>/
//	  config.json   or  config.db     (datastore definitions, type-dependent)
//	  users.json                       (principal credentials, JSON file store only)
//	  datastores/
//	    <name>/                        (one datastore.Store root per name)
//	  run/
//	    <name>/                        (manifest locks — survives config reloads)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents the server's home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/chunkvault
//   - macOS:   ~/Library/Application Support/chunkvault
//   - Windows: %APPDATA%/chunkvault
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "chunkvault")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config file for the given store type.
// "json" -> config.json, "sqlite" -> config.db.
func (d Dir) ConfigPath(storeType string) string {
	switch storeType {
	case "json":
		return filepath.Join(d.root, "config.json")
	default:
		return filepath.Join(d.root, "config.db")
	}
}

// UsersPath returns the path to the users JSON file.
func (d Dir) UsersPath() string {
	return filepath.Join(d.root, "users.json")
}

// DatastoreRoot returns the filesystem root for a named datastore, the
// path datastore.Open's root argument expects.
func (d Dir) DatastoreRoot(name string) string {
	return filepath.Join(d.root, "datastores", name)
}

// DatastoreRunDir returns the runtime directory for a named datastore's
// manifest locks, the path datastore.Open's runDir argument expects. It is
// deliberately outside DatastoreRoot so it survives a config reload that
// points the same name at a different root.
func (d Dir) DatastoreRunDir(name string) string {
	return filepath.Join(d.root, "run", name)
}

// TokenPath returns the path to the locally cached auth token, written by
// the CLI's login command and read by anything that needs a Principal
// without re-authenticating.
func (d Dir) TokenPath() string {
	return filepath.Join(d.root, "token")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
