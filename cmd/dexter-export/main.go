// Command dexter-export downloads the frames a user captured for one
// scene/object into a local directory.
//
// Usage:
//
//	dexter-export [mentra_scenes/]scene/object -user <id> [-out <dir>] [-config <file>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrWong99/dexter/internal/app"
	"github.com/MrWong99/dexter/internal/config"
	"github.com/MrWong99/dexter/internal/export"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dexter-export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	user := fs.String("user", "", "user id whose captures are exported (required)")
	out := fs.String("out", "downloaded_images", "output directory")
	concurrency := fs.Int("concurrency", export.DefaultConcurrency, "parallel downloads")
	verbose := fs.Bool("v", false, "log every downloaded file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: dexter-export [mentra_scenes/]scene/object -user <id> [flags]")
		fs.PrintDefaults()
	}

	// The folder argument may precede the flags.
	var folder string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		folder, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if folder == "" && fs.NArg() > 0 {
		folder = fs.Arg(0)
	}
	if folder == "" || *user == "" {
		fs.Usage()
		return 2
	}

	scene, object, err := export.ParsePath(folder)
	if err != nil {
		fmt.Fprintf(stderr, "dexter-export: %v\n", err)
		return 2
	}

	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "dexter-export: %v\n", err)
		return 1
	}
	table, blobs, closeStorage, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "dexter-export: %v\n", err)
		return 1
	}
	defer closeStorage()

	res, err := export.New(table, blobs,
		export.WithConcurrency(*concurrency),
		export.WithLogger(logger),
	).Export(ctx, *user, scene, object, *out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stderr, "dexter-export: interrupted")
		} else {
			fmt.Fprintf(stderr, "dexter-export: %v\n", err)
		}
		return 1
	}

	if len(res.Files) == 0 {
		fmt.Fprintf(stderr, "dexter-export: no images found for %s/%s\n", scene, object)
		return 1
	}
	fmt.Fprintf(stdout, "exported %d images to %s", len(res.Files), res.Dir)
	if res.Skipped > 0 {
		fmt.Fprintf(stdout, " (%d non-image files skipped)", res.Skipped)
	}
	fmt.Fprintln(stdout)
	return 0
}
