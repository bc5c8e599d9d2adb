// Package build orchestrates one bundle build: prepare directories, group
// the bundle root, run the packaging pipeline and publish summaries.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/simplebundler/internal/bundle"
	"github.com/schaermu/simplebundler/internal/config"
	"github.com/schaermu/simplebundler/internal/pipeline"
)

// ErrUnsafeClear is returned when clearing the output directory would also
// delete the bundle sources.
var ErrUnsafeClear = errors.New("refusing to clear output directory")

// Engine orchestrates the build process
type Engine struct {
	cfg      *config.Config
	pipeline pipeline.Pipeline
	sink     bundle.MetadataSink
	logger   *slog.Logger
	cache    *Cache
}

// NewEngine creates a new build engine
func NewEngine(cfg *config.Config, p pipeline.Pipeline, sink bundle.MetadataSink, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		pipeline: p,
		sink:     sink,
		logger:   logger,
		cache:    &Cache{},
	}
}

// Cache returns the summaries cache updated by successful runs
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Run executes the complete build process
func (e *Engine) Run(ctx context.Context) ([]Summary, error) {
	bundleDir := e.cfg.BundleRoot()
	outputDir := e.cfg.OutputRoot()

	opts, err := e.cfg.BuildOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to parse build options: %w", err)
	}
	target, err := e.cfg.BuildTarget()
	if err != nil {
		return nil, fmt.Errorf("failed to parse build target: %w", err)
	}

	e.logger.Info("starting build",
		"bundle_dir", bundleDir,
		"output_dir", outputDir,
		"options", opts.String(),
		"target", target)

	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	switch {
	case !e.cfg.ClearOutput():
	case opts.Has(pipeline.OptionDryRun):
		e.logger.Info("dry run, keeping output directory", "dir", outputDir)
	default:
		e.logger.Info("clearing output directory", "dir", outputDir)
		if err := ClearDirectory(outputDir, bundleDir); err != nil {
			return nil, fmt.Errorf("failed to clear output directory: %w", err)
		}
	}

	defs, err := e.Plan(ctx, e.sink)
	if err != nil {
		return nil, err
	}

	res, err := e.pipeline.Build(ctx, pipeline.Request{
		OutputDir: outputDir,
		Bundles:   defs,
		Flags:     opts.Flags(),
		Target:    target,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bundles: %w", err)
	}

	summaries, err := Summarize(res)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize build result: %w", err)
	}
	e.cache.Store(summaries)

	e.logger.Info("build completed successfully", "bundles", len(summaries))
	return summaries, nil
}

// Plan groups the bundle root without packaging. Assignments go to sink; a
// nil sink discards them.
func (e *Engine) Plan(ctx context.Context, sink bundle.MetadataSink) ([]bundle.Definition, error) {
	importer, err := bundle.NewPatternImporter(e.cfg.Import.Include, e.cfg.Import.Exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to create importer: %w", err)
	}

	root := e.cfg.BundleRoot()
	grouper := bundle.NewGrouper(root, importer, sink, e.logger)

	// An output directory below the bundle root must not be packed into itself.
	nested, err := relativeBelow(root, e.cfg.OutputRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if nested != "" {
		grouper.SkipDir(filepath.Join(root, nested))
	}

	defs, err := grouper.Group(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to group bundles: %w", err)
	}

	members := 0
	for _, def := range defs {
		members += len(def.Members)
	}
	e.logger.Info("grouped bundles", "bundles", len(defs), "members", members)
	return defs, nil
}

// ClearDirectory deletes every child of dir, depth first, keeping dir
// itself. It refuses when dir is or contains protected.
func ClearDirectory(dir, protected string) error {
	if protected != "" {
		inside, err := within(dir, protected)
		if err != nil {
			return err
		}
		if inside {
			return fmt.Errorf("%w: %s contains %s", ErrUnsafeClear, dir, protected)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := removeTree(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// removeTree deletes path after deleting its children.
func removeTree(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := removeTree(filepath.Join(path, entry.Name())); err != nil {
				return err
			}
		}
	}
	return os.Remove(path)
}

// within reports whether child is parent or lies below it.
func within(parent, child string) (bool, error) {
	if same, err := samePath(parent, child); err != nil || same {
		return same, err
	}
	rel, err := relativeBelow(parent, child)
	return rel != "", err
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

// relativeBelow returns the path of child relative to parent when child lies
// strictly below parent, and "" otherwise.
func relativeBelow(parent, child string) (string, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return "", err
	}
	c, err := filepath.Abs(child)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p, c)
	if err != nil {
		return "", nil
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", nil
	}
	return rel, nil
}
