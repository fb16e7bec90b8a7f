// Package store implements the flag definition store (spec §4.4): a
// narrow Repository abstraction over persistence, wrapped by a
// DefinitionStore that adds a TTL cache, a firm negative-cache contract,
// and single-flight coalescing of concurrent cache misses.
package store

import (
	"context"
	"errors"

	"github.com/flagforge/evalservice/internal/domain"
)

// ErrNotFound is returned by a Repository when the (tenant, key) pair has
// no flag definition. DefinitionStore turns this into a cached negative
// lookup, never an error surfaced to the evaluator.
var ErrNotFound = errors.New("store: flag not found")

// Repository is the narrow persistence interface the evaluator depends
// on. It isolates flag-matching logic from any particular database
// driver or ORM — the source system this was modeled on mixed a
// database-access framework directly into evaluation logic; this
// interface is the seam that keeps them apart.
type Repository interface {
	// Get returns the flag definition for (tenant, key), with its
	// targeting rules ordered by Position ascending. Returns ErrNotFound
	// if no such flag exists.
	Get(ctx context.Context, tenant, key string) (*domain.FeatureFlag, error)
}
