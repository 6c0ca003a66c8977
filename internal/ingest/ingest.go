// Package ingest files captured frames into blob storage and the metadata
// catalog.
//
// [Pipeline.CachePhoto] runs the same sequence for every frame:
//
//  1. Wrap the photo with the session's current scene/object labels.
//  2. Remember it as the session's last photo.
//  3. Drop it with [ErrSetupMissing] if either label is absent.
//  4. Upload to scene/object/requestId.ext with upsert.
//  5. Insert the metadata record.
//
// A failed upload aborts before any record is written. A failed insert is
// reported but the uploaded blob stays in place.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/dexter/internal/observe"
	"github.com/MrWong99/dexter/pkg/blob"
	"github.com/MrWong99/dexter/pkg/capture"
	"github.com/MrWong99/dexter/pkg/catalog"
)

var (
	// ErrSetupMissing means the session has no scene or object label. The
	// frame was not stored.
	ErrSetupMissing = errors.New("ingest: recording setup missing scene or object")

	// ErrStorageWrite means the blob upload failed. No record was written.
	ErrStorageWrite = errors.New("ingest: storage write failed")

	// ErrMetadataWrite means the blob was stored but its catalog record was
	// not.
	ErrMetadataWrite = errors.New("ingest: metadata write failed")
)

// Ingestion result attribute values.
const (
	ResultStored        = "stored"
	ResultSetupMissing  = "setup_missing"
	ResultStorageError  = "storage_error"
	ResultMetadataError = "metadata_error"
)

// Target is the session-side view the pipeline needs.
type Target interface {
	// UserID returns the owner of the session.
	UserID() string

	// Setup returns a copy of the current recording labels.
	Setup() capture.Setup

	// SetLastPhoto records the most recent frame seen by the session.
	SetLastPhoto(p capture.StoredPhoto)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline writes frames to a blob store and a catalog table. It holds no
// per-call state and is safe for concurrent use.
type Pipeline struct {
	blobs   blob.Store
	table   catalog.Table
	metrics *observe.Metrics
}

// New returns a Pipeline writing to blobs and table.
func New(blobs blob.Store, table catalog.Table, opts ...Option) *Pipeline {
	p := &Pipeline{blobs: blobs, table: table}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// CachePhoto stores photo for the session behind target and returns the
// stored form. On [ErrSetupMissing] nothing is written; on
// [ErrStorageWrite] no record is written; on [ErrMetadataWrite] the blob is
// already stored.
func (p *Pipeline) CachePhoto(ctx context.Context, target Target, photo capture.Photo) (capture.StoredPhoto, error) {
	ctx, span := observe.StartSpan(ctx, "ingest.CachePhoto",
		trace.WithAttributes(
			attribute.String("user_id", target.UserID()),
			attribute.String("request_id", photo.RequestID),
		),
	)
	defer span.End()
	log := observe.Logger(ctx).With("user_id", target.UserID(), "request_id", photo.RequestID)

	// Frames are always filed under the session owner.
	photo.UserID = target.UserID()
	if photo.Size == 0 {
		photo.Size = int64(len(photo.Data))
	}
	setup := target.Setup()
	stored := capture.StoredPhoto{Photo: photo, Scene: setup.Scene, Object: setup.Object}
	target.SetLastPhoto(stored)

	if !setup.Complete() {
		log.Warn("dropping photo, no scene or object set", "scene", setup.Scene, "object", setup.Object)
		p.metrics.RecordIngest(ctx, ResultSetupMissing)
		observe.SpanError(span, ErrSetupMissing)
		return stored, ErrSetupMissing
	}

	path := capture.ObjectPath(setup.Scene, setup.Object, photo.RequestID, photo.MimeType)
	span.SetAttributes(attribute.String("path", path))

	start := time.Now()
	err := p.blobs.Upload(ctx, path, photo.Data, blob.UploadOptions{
		ContentType: photo.MimeType,
		Upsert:      true,
	})
	p.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStorageWrite, path, err)
		log.Error("photo upload failed", "path", path, "err", err)
		p.metrics.RecordIngest(ctx, ResultStorageError)
		observe.SpanError(span, err)
		return stored, err
	}

	rec := catalog.Record{
		UserID:     photo.UserID,
		RequestID:  photo.RequestID,
		Path:       path,
		MimeType:   photo.MimeType,
		Size:       photo.Size,
		CapturedAt: photo.CapturedAt,
		Scene:      setup.Scene,
		Object:     setup.Object,
	}
	if err := p.table.Insert(ctx, rec); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrMetadataWrite, photo.RequestID, err)
		log.Error("photo record insert failed, blob left in place", "path", path, "err", err)
		p.metrics.RecordIngest(ctx, ResultMetadataError)
		observe.SpanError(span, err)
		return stored, err
	}

	log.Info("photo stored", "path", path, "size", photo.Size, "mime_type", photo.MimeType)
	p.metrics.RecordIngest(ctx, ResultStored)
	return stored, nil
}
