package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Assignment is the bundle membership recorded for one file
type Assignment struct {
	Path            string
	Bundle          string
	Variant         string
	AddressablePath string
}

// MetadataSink receives the bundle assignment of every grouped file. Writes
// are not rolled back if grouping fails halfway.
type MetadataSink interface {
	Assign(ctx context.Context, a Assignment) error
}

// NopSink discards assignments
type NopSink struct{}

// Assign does nothing
func (NopSink) Assign(context.Context, Assignment) error { return nil }

// pruner is implemented by importers that can exclude whole directories.
type pruner interface {
	ExcludesDir(relDir string) bool
}

// Grouper turns the subdirectories of a bundle root into definitions
type Grouper struct {
	root     string
	importer Importer
	sink     MetadataSink
	logger   *slog.Logger
	skip     map[string]bool
}

// NewGrouper creates a grouper for root. A nil importer accepts every
// regular file; a nil sink discards assignments.
func NewGrouper(root string, importer Importer, sink MetadataSink, logger *slog.Logger) *Grouper {
	if importer == nil {
		importer = ImporterFunc(func(string) bool { return true })
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Grouper{
		root:     filepath.Clean(root),
		importer: importer,
		sink:     sink,
		logger:   logger,
		skip:     make(map[string]bool),
	}
}

// SkipDir excludes dir and everything below it from grouping
func (g *Grouper) SkipDir(dir string) {
	g.skip[filepath.Clean(dir)] = true
}

// Root returns the bundle root directory
func (g *Grouper) Root() string {
	return g.root
}

// Group produces one definition per immediate subdirectory of the root, in
// directory listing order. The root must exist.
func (g *Grouper) Group(ctx context.Context) ([]Definition, error) {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundle root %s: %w", g.root, err)
	}

	defs := make([]Definition, 0, len(entries))
	seen := make(map[string]string)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(g.root, entry.Name())
		raw, err := g.rawName(dir)
		if err != nil {
			return nil, err
		}
		if g.skip[dir] || g.excluded(raw) {
			g.logger.Debug("skipping excluded bundle directory", "dir", dir)
			continue
		}

		name, variant := ParseVariant(raw)
		if name == "" {
			return nil, fmt.Errorf("%w: directory %s yields an empty bundle name", ErrNameUnresolvable, dir)
		}

		def := Definition{
			Name:    name,
			Variant: variant,
			Dir:     dir,
			Members: make([]Member, 0),
		}
		if prev, ok := seen[def.Key()]; ok {
			return nil, fmt.Errorf("%w: %s and %s both resolve to %q", ErrDuplicateBundle, prev, dir, def.FullName())
		}
		seen[def.Key()] = dir

		if err := g.collect(ctx, &def, dir); err != nil {
			return nil, err
		}

		g.logger.Debug("grouped bundle",
			"bundle", def.Name,
			"variant", def.Variant,
			"members", len(def.Members))
		defs = append(defs, def)
	}

	return defs, nil
}

// rawName strips the root prefix from a subdirectory path.
func (g *Grouper) rawName(dir string) (string, error) {
	raw, err := filepath.Rel(g.root, dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNameUnresolvable, dir, err)
	}
	if raw == "." || raw == ".." || strings.HasPrefix(raw, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is not below %s", ErrNameUnresolvable, dir, g.root)
	}
	return raw, nil
}

// collect walks dir depth-first: files of a directory before its
// subdirectories, siblings in listing order.
func (g *Grouper) collect(ctx context.Context, def *Definition, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var subdirs []string
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			subdirs = append(subdirs, full)
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		rel, err := filepath.Rel(g.root, full)
		if err != nil {
			return fmt.Errorf("failed to compute relative path of %s: %w", full, err)
		}
		if !g.importer.CanImport(filepath.ToSlash(rel)) {
			g.logger.Debug("skipping file without import handler", "path", full)
			continue
		}

		addressable, err := AddressablePath(def.Dir, def.Name, full)
		if err != nil {
			return err
		}

		if err := g.sink.Assign(ctx, Assignment{
			Path:            full,
			Bundle:          def.Name,
			Variant:         def.Variant,
			AddressablePath: addressable,
		}); err != nil {
			return fmt.Errorf("failed to record bundle assignment for %s: %w", full, err)
		}

		def.Members = append(def.Members, Member{
			SourcePath:      full,
			AddressablePath: addressable,
		})
	}

	for _, sub := range subdirs {
		rel, err := filepath.Rel(g.root, sub)
		if err != nil {
			return fmt.Errorf("failed to compute relative path of %s: %w", sub, err)
		}
		if g.skip[sub] || g.excluded(rel) {
			g.logger.Debug("skipping excluded directory", "dir", sub)
			continue
		}
		if err := g.collect(ctx, def, sub); err != nil {
			return err
		}
	}

	return nil
}

func (g *Grouper) excluded(rel string) bool {
	p, ok := g.importer.(pruner)
	return ok && p.ExcludesDir(filepath.ToSlash(rel))
}
