package main

import (
	"context"
	"fmt"

	"chunkvault/internal/chunker"
	"chunkvault/internal/config"
)

// resolvePolynomial returns the content-defined-chunking polynomial fixed
// for dsCfg, generating and persisting one on first use. Every later
// backup against this datastore must reuse the same polynomial — it's
// read straight off dsCfg, never regenerated once set.
func resolvePolynomial(ctx context.Context, cfgStore config.Store, dsCfg *config.DatastoreConfig) (chunker.Polynomial, error) {
	if dsCfg.Polynomial != "" {
		pol, err := chunker.ParsePolynomial(dsCfg.Polynomial)
		if err != nil {
			return 0, fmt.Errorf("datastore %q has a corrupt polynomial: %w", dsCfg.ID, err)
		}
		return pol, nil
	}

	pol, err := chunker.NewPolynomial()
	if err != nil {
		return 0, fmt.Errorf("generate chunking polynomial: %w", err)
	}
	dsCfg.Polynomial = chunker.FormatPolynomial(pol)
	if err := cfgStore.PutDatastore(ctx, *dsCfg); err != nil {
		return 0, fmt.Errorf("persist chunking polynomial for datastore %q: %w", dsCfg.ID, err)
	}
	return pol, nil
}
