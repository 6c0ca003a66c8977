// Package export downloads the stored frames of one scene/object folder to
// a local directory, ready for offline 3D reconstruction.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dexter/internal/command"
	"github.com/MrWong99/dexter/pkg/blob"
	"github.com/MrWong99/dexter/pkg/catalog"
)

// DefaultConcurrency is the number of parallel downloads.
const DefaultConcurrency = 4

// ErrInvalidPath is returned by [ParsePath] for malformed folder arguments.
var ErrInvalidPath = errors.New("export: invalid path, expected [mentra_scenes/]scene/object")

var pathPattern = regexp.MustCompile(`^(?:mentra_scenes/)?([^/]+/[^/]+)$`)

// imageExts are the extensions written to disk. Anything else is skipped.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
}

// ParsePath splits "[mentra_scenes/]scene/object" into its normalised
// labels. Dot segments are rejected so the labels stay inside the output
// directory.
func ParsePath(arg string) (scene, object string, err error) {
	m := pathPattern.FindStringSubmatch(arg)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, arg)
	}
	s, o, _ := strings.Cut(m[1], "/")
	scene, object = command.Label(s), command.Label(o)
	if scene == "" || object == "" || dotSegment(scene) || dotSegment(object) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, arg)
	}
	return scene, object, nil
}

func dotSegment(label string) bool { return label == "." || label == ".." }

// Result summarises an export.
type Result struct {
	// Dir is the directory the files were written to.
	Dir string

	// Files are the written paths in capture order.
	Files []string

	// Skipped counts records whose extension is not an image type.
	Skipped int
}

// Option configures an [Exporter].
type Option func(*Exporter)

// WithConcurrency overrides [DefaultConcurrency].
func WithConcurrency(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// Exporter copies stored frames out of the blob store.
type Exporter struct {
	table       catalog.Table
	blobs       blob.Store
	concurrency int
	log         *slog.Logger
}

// New returns an Exporter.
func New(table catalog.Table, blobs blob.Store, opts ...Option) *Exporter {
	e := &Exporter{table: table, blobs: blobs, concurrency: DefaultConcurrency, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Export writes every image the user stored under scene/object to
// outDir/scene/object, oldest first. Existing files are overwritten.
func (e *Exporter) Export(ctx context.Context, userID, scene, object, outDir string) (Result, error) {
	if userID == "" {
		return Result{}, errors.New("export: missing user id")
	}
	recs, err := e.table.Query(ctx, catalog.Filter{
		UserID: userID,
		Scene:  scene,
		Object: object,
		Order:  catalog.OldestFirst,
	})
	if err != nil {
		return Result{}, fmt.Errorf("export: list %s/%s: %w", scene, object, err)
	}

	dir := filepath.Join(outDir, scene, object)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}
	res := Result{Dir: dir}

	var wanted []catalog.Record
	for _, r := range recs {
		if !imageExts[strings.ToLower(path.Ext(r.Path))] {
			e.log.Debug("skipping non-image", "path", r.Path)
			res.Skipped++
			continue
		}
		wanted = append(wanted, r)
	}

	files := make([]string, len(wanted))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, r := range wanted {
		g.Go(func() error {
			data, err := e.blobs.Download(gctx, r.Path)
			if errors.Is(err, blob.ErrNotFound) {
				e.log.Warn("catalog record without blob", "path", r.Path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("export: download %s: %w", r.Path, err)
			}
			dst := filepath.Join(dir, path.Base(r.Path))
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			mu.Lock()
			files[i] = dst
			mu.Unlock()
			e.log.Info("downloaded", "path", r.Path, "bytes", len(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	for _, f := range files {
		if f != "" {
			res.Files = append(res.Files, f)
		}
	}
	return res, nil
}
