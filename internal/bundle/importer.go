package bundle

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Importer decides whether a file has a content-import handler. Files it
// rejects are skipped silently.
type Importer interface {
	CanImport(relPath string) bool
}

// ImporterFunc adapts a function to Importer
type ImporterFunc func(relPath string) bool

// CanImport calls f(relPath)
func (f ImporterFunc) CanImport(relPath string) bool { return f(relPath) }

// PatternImporter accepts files matching at least one include pattern and no
// exclude pattern. Patterns use doublestar syntax and are matched against
// the slash-separated path relative to the bundle root.
//
// Only exclude patterns of the form "<dir>/**" prune directories, so a file
// pattern such as "**/*.meta" never hides a bundle directory named Foo.meta.
type PatternImporter struct {
	include []string
	exclude []string
	dirs    []string
}

// NewPatternImporter validates the patterns and returns an importer
func NewPatternImporter(include, exclude []string) (*PatternImporter, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid import pattern %q", p)
		}
	}
	if len(include) == 0 {
		include = []string{"**"}
	}
	var dirs []string
	for _, p := range exclude {
		if prefix, ok := strings.CutSuffix(p, "/**"); ok && prefix != "" {
			dirs = append(dirs, prefix)
		}
	}
	return &PatternImporter{include: include, exclude: exclude, dirs: dirs}, nil
}

// CanImport reports whether relPath has an import handler
func (p *PatternImporter) CanImport(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if p.Excluded(relPath) {
		return false
	}
	for _, pattern := range p.include {
		if doublestar.MatchUnvalidated(pattern, relPath) {
			return true
		}
	}
	return false
}

// Excluded reports whether relPath matches an exclude pattern
func (p *PatternImporter) Excluded(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range p.exclude {
		if doublestar.MatchUnvalidated(pattern, relPath) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether a directory-form exclude pattern names relDir.
// The grouper skips such directories without reading them.
func (p *PatternImporter) ExcludesDir(relDir string) bool {
	relDir = filepath.ToSlash(relDir)
	for _, prefix := range p.dirs {
		if doublestar.MatchUnvalidated(prefix, relDir) {
			return true
		}
	}
	return false
}
