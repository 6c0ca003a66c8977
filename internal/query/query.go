// Package query serves a user's stored captures: the newest one behind a
// short-lived signed URL, a single one by request id, and folder listings.
//
// Every method takes the caller's resolved user id and only ever returns
// that user's records.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/pkg/blob"
	"github.com/MrWong99/dexter/pkg/catalog"
)

// DefaultSignedURLTTL is the lifetime of the URL returned by
// [Service.LatestPhoto].
const DefaultSignedURLTTL = 5 * time.Minute

// Listing bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrNotFound means the user has no matching capture.
var ErrNotFound = errors.New("query: not found")

// Latest describes the newest capture of a user.
type Latest struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	SignedURL string    `json:"signedUrl"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
}

// Photo is a capture's bytes with its recorded content type.
type Photo struct {
	RequestID string
	MimeType  string
	Data      []byte
}

// Option configures a [Service].
type Option func(*Service)

// WithSignedURLTTL overrides [DefaultSignedURLTTL].
func WithSignedURLTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// Service answers capture queries against a catalog table and blob store.
// It is safe for concurrent use.
type Service struct {
	table catalog.Table
	blobs blob.Store
	ttl   time.Duration
}

// New returns a Service.
func New(table catalog.Table, blobs blob.Store, opts ...Option) *Service {
	s := &Service{table: table, blobs: blobs, ttl: DefaultSignedURLTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LatestPhoto returns the user's newest capture by capture time with a
// signed URL valid for the configured TTL.
func (s *Service) LatestPhoto(ctx context.Context, userID string) (Latest, error) {
	ctx, span := observe.StartSpan(ctx, "query.LatestPhoto",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rec, err := s.one(ctx, catalog.Filter{UserID: userID, Order: catalog.NewestFirst, Limit: 1})
	if err != nil {
		observe.SpanError(span, err)
		return Latest{}, err
	}

	url, err := s.blobs.SignedURL(ctx, rec.Path, s.ttl)
	if err != nil {
		err = fmt.Errorf("query: sign %s: %w", rec.Path, err)
		observe.SpanError(span, err)
		return Latest{}, err
	}
	return Latest{
		RequestID: rec.RequestID,
		Timestamp: rec.CapturedAt,
		SignedURL: url,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
	}, nil
}

// PhotoByID returns the bytes of the user's capture with requestID. A
// request id that belongs to another user is reported as [ErrNotFound].
func (s *Service) PhotoByID(ctx context.Context, userID, requestID string) (Photo, error) {
	ctx, span := observe.StartSpan(ctx, "query.PhotoByID",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("request_id", requestID),
		))
	defer span.End()

	rec, err := s.one(ctx, catalog.Filter{UserID: userID, RequestID: requestID, Limit: 1})
	if err != nil {
		observe.SpanError(span, err)
		return Photo{}, err
	}

	data, err := s.blobs.Download(ctx, rec.Path)
	if errors.Is(err, blob.ErrNotFound) {
		// The record outlived its blob.
		observe.Logger(ctx).Warn("catalog record without blob", "path", rec.Path, "request_id", requestID)
		return Photo{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		err = fmt.Errorf("query: download %s: %w", rec.Path, err)
		observe.SpanError(span, err)
		return Photo{}, err
	}
	return Photo{RequestID: rec.RequestID, MimeType: rec.MimeType, Data: data}, nil
}

// ListCaptures returns the user's records of a scene/object pair, newest
// first. limit is clamped to [1, MaxListLimit]; zero means
// [DefaultListLimit].
func (s *Service) ListCaptures(ctx context.Context, userID, scene, object string, limit int) ([]catalog.Record, error) {
	ctx, span := observe.StartSpan(ctx, "query.ListCaptures",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("scene", scene),
			attribute.String("object", object),
		))
	defer span.End()

	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	recs, err := s.table.Query(ctx, catalog.Filter{
		UserID: userID,
		Scene:  scene,
		Object: object,
		Order:  catalog.NewestFirst,
		Limit:  limit,
	})
	if err != nil {
		err = fmt.Errorf("query: list captures: %w", err)
		observe.SpanError(span, err)
		return nil, err
	}
	return recs, nil
}

func (s *Service) one(ctx context.Context, f catalog.Filter) (catalog.Record, error) {
	if f.UserID == "" {
		return catalog.Record{}, errors.New("query: missing user id")
	}
	recs, err := s.table.Query(ctx, f)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("query: catalog: %w", err)
	}
	if len(recs) == 0 {
		return catalog.Record{}, ErrNotFound
	}
	return recs[0], nil
}
