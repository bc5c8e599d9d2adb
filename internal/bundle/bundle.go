// Package bundle groups the files under a bundle root into bundle
// definitions.
//
// Every immediate subdirectory of the root is one bundle. A directory name of
// the form "name.variant" declares a variant of bundle "name"; the split
// happens at the first period, so "ui.hd.de" is bundle "ui" with variant
// "hd.de". Every importable file beneath the subdirectory, at any depth,
// becomes a member of that bundle.
package bundle

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrNameUnresolvable is returned when a subdirectory cannot be expressed
	// relative to the bundle root.
	ErrNameUnresolvable = errors.New("bundle name not resolvable")
	// ErrDuplicateBundle is returned when two subdirectories resolve to the
	// same bundle identity.
	ErrDuplicateBundle = errors.New("duplicate bundle")
)

// Definition is one bundle ready to be handed to a packaging pipeline
type Definition struct {
	Name    string
	Variant string // empty when the bundle has no variant
	Dir     string // source subdirectory
	Members []Member
}

// Member is one file of a bundle
type Member struct {
	SourcePath      string // path on disk, rooted like the bundle root
	AddressablePath string // slash-separated load-time path, variant removed
}

// FullName returns "name" or "name.variant".
func (d Definition) FullName() string {
	if d.Variant == "" {
		return d.Name
	}
	return d.Name + "." + d.Variant
}

// Key identifies a bundle across a build. Names and variants are compared
// case-insensitively because archives land on filesystems that may be.
func (d Definition) Key() string {
	return strings.ToLower(d.Name) + "\x00" + strings.ToLower(d.Variant)
}

// SourcePaths returns the member source paths in member order
func (d Definition) SourcePaths() []string {
	out := make([]string, len(d.Members))
	for i, m := range d.Members {
		out[i] = m.SourcePath
	}
	return out
}

// AddressablePaths returns the member addressable paths in member order
func (d Definition) AddressablePaths() []string {
	out := make([]string, len(d.Members))
	for i, m := range d.Members {
		out[i] = m.AddressablePath
	}
	return out
}

// ParseVariant splits a raw directory name at its first period.
//
//	"Foo.bar"     -> "Foo", "bar"
//	"Foo.bar.baz" -> "Foo", "bar.baz"
//	"Foo."        -> "Foo.", ""
//	"Foo"         -> "Foo", ""
func ParseVariant(raw string) (name, variant string) {
	idx := strings.IndexByte(raw, '.')
	if idx == -1 || idx+1 >= len(raw) {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}

// AddressablePath computes the load-time path of file inside the bundle
// subdirectory dir.
//
// The path is anchored at the subdirectory boundary: the part of file below
// dir is appended to the bundle name, so a bundle name that also appears in
// an ancestor folder cannot shift the result. The variant never appears.
func AddressablePath(dir, name, file string) (string, error) {
	rel, err := filepath.Rel(dir, file)
	if err != nil {
		return "", fmt.Errorf("failed to compute path of %s below %s: %w", file, dir, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not below %s", file, dir)
	}
	return path.Join(name, rel), nil
}
