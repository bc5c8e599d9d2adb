package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/schaermu/simplebundler/internal/bundle"
	"gopkg.in/yaml.v3"
)

// ManifestVersion is written into every manifest
const ManifestVersion = 1

// ManifestExt is appended to an archive path to name its manifest
const ManifestExt = ".manifest"

// ErrNameCollision is returned when two outputs of one build would share a file
var ErrNameCollision = errors.New("output name collision")

// Manifest describes one archive
type Manifest struct {
	Version     int             `yaml:"version"`
	Bundle      string          `yaml:"bundle"`
	Variant     string          `yaml:"variant,omitempty"`
	Target      Target          `yaml:"target"`
	Flags       Flags           `yaml:"flags"`
	ContentHash string          `yaml:"content_hash"`
	Entries     []ManifestEntry `yaml:"entries"`
}

// ManifestEntry describes one file inside an archive
type ManifestEntry struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// IndexManifest lists every archive of one build. It is named after the
// output directory.
type IndexManifest struct {
	Version int          `yaml:"version"`
	Target  Target       `yaml:"target"`
	Bundles []IndexEntry `yaml:"bundles"`
}

// IndexEntry is one archive in the index
type IndexEntry struct {
	Name    string `yaml:"name"`
	Variant string `yaml:"variant,omitempty"`
	Archive string `yaml:"archive"`
	Hash    string `yaml:"hash"`
}

// ArchivePipeline writes one zip archive per bundle plus YAML manifests.
type ArchivePipeline struct {
	logger *slog.Logger
}

// NewArchivePipeline creates the built-in pipeline
func NewArchivePipeline(logger *slog.Logger) *ArchivePipeline {
	return &ArchivePipeline{logger: logger}
}

// Build packages every bundle of req into req.OutputDir
func (p *ArchivePipeline) Build(ctx context.Context, req Request) (*Result, error) {
	dryRun := req.Flags.Has(FlagDryRun)

	if req.Flags.Has(FlagStrict) {
		for _, def := range req.Bundles {
			if len(def.Members) == 0 {
				return nil, fmt.Errorf("strict mode: bundle %q has no members", def.FullName())
			}
		}
	}

	planned, err := planArchives(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{Bundles: make([]BuiltBundle, 0, len(planned))}
	index := IndexManifest{Version: ManifestVersion, Target: req.Target}

	for _, pa := range planned {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, manifest, archiveName, archivePath := pa.def, pa.manifest, pa.name, pa.path

		skipped := false
		switch {
		case dryRun:
			p.logger.Info("[dry-run] would write archive", "bundle", def.FullName(), "archive", archivePath, "entries", len(manifest.Entries))
		case !req.Flags.Has(FlagForceRebuild) && upToDate(archivePath, manifest.ContentHash):
			skipped = true
			p.logger.Info("archive up to date", "bundle", def.FullName(), "archive", archivePath)
		default:
			p.logger.Info("writing archive", "bundle", def.FullName(), "archive", archivePath, "entries", len(manifest.Entries))
			if err := writeArchive(archivePath, def, req.Flags); err != nil {
				return nil, fmt.Errorf("failed to write archive %s: %w", archivePath, err)
			}
			if err := writeYAML(archivePath+ManifestExt, manifest); err != nil {
				return nil, fmt.Errorf("failed to write manifest for %s: %w", archivePath, err)
			}
		}

		result.Bundles = append(result.Bundles, BuiltBundle{
			Name:             def.Name,
			Variant:          def.Variant,
			AssetNames:       def.SourcePaths(),
			AddressableNames: def.AddressablePaths(),
			Archive:          archivePath,
			Hash:             manifest.ContentHash,
			Skipped:          skipped,
		})
		index.Bundles = append(index.Bundles, IndexEntry{
			Name:    def.Name,
			Variant: def.Variant,
			Archive: archiveName,
			Hash:    manifest.ContentHash,
		})
	}

	if !dryRun {
		if err := writeYAML(IndexPath(req.OutputDir), index); err != nil {
			return nil, fmt.Errorf("failed to write index manifest: %w", err)
		}
	}

	return result, nil
}

// plannedArchive is one bundle with its manifest and output names resolved
type plannedArchive struct {
	def      bundle.Definition
	manifest *Manifest
	name     string
	path     string
}

// planArchives hashes every bundle and resolves its archive name. Every
// archive, manifest and the index must land on a distinct file, compared
// case-insensitively; otherwise nothing is written.
func planArchives(ctx context.Context, req Request) ([]plannedArchive, error) {
	indexName := filepath.Base(IndexPath(req.OutputDir))
	claimed := map[string]string{strings.ToLower(indexName): "the index manifest"}
	claim := func(file, owner string) error {
		key := strings.ToLower(file)
		if prev, ok := claimed[key]; ok {
			return fmt.Errorf("%w: %s of %s is also %s", ErrNameCollision, file, owner, prev)
		}
		claimed[key] = owner
		return nil
	}

	planned := make([]plannedArchive, 0, len(req.Bundles))
	for _, def := range req.Bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		manifest, err := buildManifest(def, req)
		if err != nil {
			return nil, fmt.Errorf("failed to hash bundle %s: %w", def.FullName(), err)
		}

		name := def.FullName()
		if req.Flags.Has(FlagAppendHash) {
			name += "_" + manifest.ContentHash[:8]
		}
		owner := fmt.Sprintf("bundle %q", def.FullName())
		if err := claim(name, "the archive of "+owner); err != nil {
			return nil, err
		}
		if err := claim(name+ManifestExt, "the manifest of "+owner); err != nil {
			return nil, err
		}

		planned = append(planned, plannedArchive{
			def:      def,
			manifest: manifest,
			name:     name,
			path:     filepath.Join(req.OutputDir, name),
		})
	}
	return planned, nil
}

// IndexPath returns the index manifest path for an output directory
func IndexPath(outputDir string) string {
	return filepath.Join(outputDir, filepath.Base(filepath.Clean(outputDir))+ManifestExt)
}

// buildManifest hashes every member. The content hash covers addressable
// names, file contents, flags and target, so any of them changing forces a
// rewrite.
func buildManifest(def bundle.Definition, req Request) (*Manifest, error) {
	m := &Manifest{
		Version: ManifestVersion,
		Bundle:  def.Name,
		Variant: def.Variant,
		Target:  req.Target,
		Flags:   req.Flags &^ (FlagDryRun | FlagForceRebuild),
		Entries: make([]ManifestEntry, 0, len(def.Members)),
	}

	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d\x00%s\x00%d\n", ManifestVersion, m.Target, m.Flags)

	for _, member := range def.Members {
		sum, size, err := fileHash(member.SourcePath)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, ManifestEntry{
			Path:   member.AddressablePath,
			Source: filepath.ToSlash(member.SourcePath),
			Size:   size,
			SHA256: sum,
		})
		_, _ = fmt.Fprintf(h, "%s\x00%s\n", member.AddressablePath, sum)
	}

	m.ContentHash = hex.EncodeToString(h.Sum(nil))
	return m, nil
}

// upToDate reports whether archivePath exists and its manifest records hash.
func upToDate(archivePath, hash string) bool {
	if _, err := os.Stat(archivePath); err != nil {
		return false
	}
	prev, err := ReadManifest(archivePath + ManifestExt)
	if err != nil {
		return false
	}
	return prev.ContentHash == hash
}

// ReadManifest loads an archive manifest
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// compressionMethod picks the zip method for the flags
func compressionMethod(flags Flags) uint16 {
	switch {
	case flags.Has(FlagUncompressed):
		return zip.Store
	case flags.Has(FlagChunkCompression):
		return zstd.ZipMethodWinZip
	default:
		return zip.Deflate
	}
}

// writeArchive writes the zip for def via a temp file and atomic rename
func writeArchive(archivePath string, def bundle.Definition, flags Flags) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(archivePath), ".simplebundler-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	zw := zip.NewWriter(tmpFile)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())

	method := compressionMethod(flags)
	for _, member := range def.Members {
		if err := addEntry(zw, member, method, flags.Has(FlagDeterministic)); err != nil {
			_ = zw.Close()
			_ = tmpFile.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, archivePath)
}

func addEntry(zw *zip.Writer, member bundle.Member, method uint16, deterministic bool) error {
	src, err := os.Open(member.SourcePath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	header := &zip.FileHeader{
		Name:   member.AddressablePath,
		Method: method,
	}
	if !deterministic {
		info, err := src.Stat()
		if err != nil {
			return err
		}
		header.Modified = info.ModTime()
	}

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// writeYAML marshals v to path via a temp file and atomic rename
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}

// OpenArchive opens an archive written by ArchivePipeline, including
// zstd-compressed entries.
func OpenArchive(path string) (*zip.ReadCloser, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	rc.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return rc, nil
}

// fileHash computes the SHA256 hash and size of a file
func fileHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
