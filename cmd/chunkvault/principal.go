package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"chunkvault/internal/auth"
)

// writePrincipal caches p as the token file login writes and backup/
// restore read back for every later invocation against this home
// directory.
func writePrincipal(e *env, p auth.Principal) error {
	data := fmt.Sprintf("%s\t%s\n", p.ID, p.Role)
	return os.WriteFile(e.home.TokenPath(), []byte(data), 0o600)
}

// readCachedPrincipal loads the principal login cached in the home
// directory's token file. If none was ever cached, it falls back to a
// StaticAuthenticator for fallbackID so a single-user CLI invocation still
// works without an explicit login step — but once any group has an owner
// on disk, CreateLockedBackupGroup enforces that this ID matches it.
func readCachedPrincipal(e *env, fallbackID string) (auth.Principal, error) {
	data, err := os.ReadFile(e.home.TokenPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return auth.StaticAuthenticator{Principal: auth.Principal{ID: fallbackID, Role: "admin"}}.Authenticate(context.Background())
		}
		return auth.Principal{}, fmt.Errorf("read cached principal: %w", err)
	}
	id, role, ok := strings.Cut(strings.TrimRight(string(data), "\n"), "\t")
	if !ok {
		return auth.Principal{}, fmt.Errorf("read cached principal: malformed token file %s", e.home.TokenPath())
	}
	return auth.Principal{ID: id, Role: role}, nil
}
