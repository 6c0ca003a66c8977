// Package mock provides an in-memory catalog.Table for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dexter/pkg/catalog"
)

// Table is a mock implementation of catalog.Table. Records are kept in
// insertion order; a re-insert of the same key replaces the record in place.
type Table struct {
	mu sync.Mutex

	// Records holds the stored rows.
	Records []catalog.Record

	// InsertErr and QueryErr, if non-nil, are returned by the corresponding
	// methods.
	InsertErr error
	QueryErr  error

	// Calls.
	InsertCalls []catalog.Record
	QueryCalls  []catalog.Filter
}

var _ catalog.Table = (*Table)(nil)

// Insert records the call and stores r unless InsertErr is set.
func (t *Table) Insert(_ context.Context, r catalog.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.InsertCalls = append(t.InsertCalls, r)
	if t.InsertErr != nil {
		return t.InsertErr
	}
	if err := r.Validate(); err != nil {
		return err
	}
	for i, existing := range t.Records {
		if existing.UserID == r.UserID && existing.RequestID == r.RequestID {
			t.Records[i] = r
			return nil
		}
	}
	t.Records = append(t.Records, r)
	return nil
}

// Query records the call and filters Records in memory.
func (t *Table) Query(_ context.Context, f catalog.Filter) ([]catalog.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.QueryCalls = append(t.QueryCalls, f)
	if t.QueryErr != nil {
		return nil, t.QueryErr
	}
	return f.Apply(t.Records), nil
}

// Inserts returns a copy of the recorded Insert calls.
func (t *Table) Inserts() []catalog.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]catalog.Record(nil), t.InsertCalls...)
}

// Queries returns a copy of the recorded Query filters.
func (t *Table) Queries() []catalog.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]catalog.Filter(nil), t.QueryCalls...)
}
