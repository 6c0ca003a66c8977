// Package catalog defines the metadata table that indexes stored frames.
//
// Every frame written to blob storage gets one [Record]. Records are keyed by
// (UserID, RequestID); inserting a record for an existing key replaces it, in
// line with the upsert semantics of the blob write it describes.
//
// Two backends are provided: catalog/postgres for deployments and
// catalog/sqlite for single-node and local runs.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TableName is the name of the metadata table in every backend.
const TableName = "captured_photos"

// Record describes one stored frame.
type Record struct {
	UserID     string    `json:"user_id"`
	RequestID  string    `json:"request_id"`
	Path       string    `json:"path"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
	Scene      string    `json:"scene"`
	Object     string    `json:"object"`
}

// Order selects the sort order of query results by CapturedAt.
type Order int

const (
	// NewestFirst sorts by CapturedAt descending. It is the zero value.
	NewestFirst Order = iota

	// OldestFirst sorts by CapturedAt ascending.
	OldestFirst
)

// Filter narrows a query. Empty string fields are not applied. A Limit ≤ 0
// returns all matching records.
type Filter struct {
	UserID    string
	RequestID string
	Scene     string
	Object    string
	Order     Order
	Limit     int
}

// Table is the metadata table abstraction.
//
// Implementations must be safe for concurrent use.
type Table interface {
	// Insert stores r, replacing any record with the same UserID and
	// RequestID.
	Insert(ctx context.Context, r Record) error

	// Query returns the records matching f in the requested order.
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// Validate reports whether r has the fields required for insertion.
func (r Record) Validate() error {
	var missing []string
	if r.UserID == "" {
		missing = append(missing, "user_id")
	}
	if r.RequestID == "" {
		missing = append(missing, "request_id")
	}
	if r.Path == "" {
		missing = append(missing, "path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog: record missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Where renders the filter as a SQL WHERE/ORDER BY/LIMIT suffix. placeholder
// returns the bind parameter syntax for the n-th (1-based) argument, e.g.
// "$1" for PostgreSQL or "?" for SQLite.
func (f Filter) Where(placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, column+" = "+placeholder(len(args)))
	}
	add("user_id", f.UserID)
	add("request_id", f.RequestID)
	add("scene", f.Scene)
	add("object", f.Object)

	var b strings.Builder
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if f.Order == OldestFirst {
		b.WriteString(" ORDER BY captured_at ASC, request_id ASC")
	} else {
		b.WriteString(" ORDER BY captured_at DESC, request_id DESC")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT " + placeholder(len(args)))
	}
	return b.String(), args
}

// Matches reports whether r satisfies the equality conditions of f. Order
// and Limit are ignored.
func (f Filter) Matches(r Record) bool {
	return (f.UserID == "" || f.UserID == r.UserID) &&
		(f.RequestID == "" || f.RequestID == r.RequestID) &&
		(f.Scene == "" || f.Scene == r.Scene) &&
		(f.Object == "" || f.Object == r.Object)
}

// Apply filters, sorts, and limits records in memory the same way the SQL
// backends do.
func (f Filter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			if f.Order == OldestFirst {
				return a.CapturedAt.Before(b.CapturedAt)
			}
			return a.CapturedAt.After(b.CapturedAt)
		}
		if f.Order == OldestFirst {
			return a.RequestID < b.RequestID
		}
		return a.RequestID > b.RequestID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
