// Package mapping loads named per-data-type field maps. A mapping is pure
// data: logical target field to source field. Jobs snapshot their mapping
// at start; later edits never affect an in-flight job.
package mapping

import (
	"context"

	"github.com/countygov/syncbridge/pkg/store"
)

// Loader resolves named field maps from the audit store.
type Loader struct {
	store *store.Store
}

// NewLoader creates a Loader backed by the audit store.
func NewLoader(s *store.Store) *Loader {
	return &Loader{store: s}
}

// List returns mapping names grouped by data type.
func (l *Loader) List(ctx context.Context) (map[string][]string, error) {
	return l.store.ListMappings(ctx)
}

// Get returns the target-to-source field map, or a not-found error. The
// returned map is a fresh copy: callers hold it read-only for the duration
// of a job without further store reads.
func (l *Loader) Get(ctx context.Context, dataType, name string) (map[string]string, error) {
	return l.store.GetMapping(ctx, dataType, name)
}

// Create stores a named field map; fails with an exists error when the
// name is taken and overwrite is false.
func (l *Loader) Create(ctx context.Context, dataType, name string,
	fields map[string]string, overwrite bool) error {
	return l.store.CreateMapping(ctx, dataType, name, fields, overwrite)
}

// Delete removes a named mapping.
func (l *Loader) Delete(ctx context.Context, dataType, name string) error {
	return l.store.DeleteMapping(ctx, dataType, name)
}

// Identity builds a pass-through mapping over the given target fields,
// used when a job is started without naming a mapping.
func Identity(fields []string) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f] = f
	}
	return m
}
