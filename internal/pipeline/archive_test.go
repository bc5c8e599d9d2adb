package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/simplebundler/internal/bundle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixture writes files below root and returns a definition for them.
func fixture(t *testing.T, root, name, variant string, files map[string]string) bundle.Definition {
	t.Helper()
	dir := filepath.Join(root, name)
	if variant != "" {
		dir += "." + variant
	}
	def := bundle.Definition{Name: name, Variant: variant, Dir: dir}

	keys := make([]string, 0, len(files))
	for rel := range files {
		keys = append(keys, rel)
	}
	sort.Strings(keys)

	for _, rel := range keys {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(files[rel]), 0644); err != nil {
			t.Fatal(err)
		}
		def.Members = append(def.Members, bundle.Member{
			SourcePath:      path,
			AddressablePath: name + "/" + rel,
		})
	}
	return def
}

func readEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	rc, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("failed to open archive %s: %v", path, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	out := make(map[string]string)
	for _, f := range rc.File {
		r, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func TestArchivePipeline_Build(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "AssetBundles")

	ui := fixture(t, src, "UI", "", map[string]string{"button.png": "btn", "fonts/main.ttf": "font"})
	hd := fixture(t, src, "Characters", "hd", map[string]string{"hero.png": "hero-hd"})

	p := NewArchivePipeline(testLogger())
	res, err := p.Build(context.Background(), Request{
		OutputDir: out,
		Bundles:   []bundle.Definition{ui, hd},
		Flags:     FlagUncompressed,
		Target:    TargetLinux,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Bundles) != 2 {
		t.Fatalf("expected 2 built bundles, got %d", len(res.Bundles))
	}
	if diff := cmp.Diff(ui.AddressablePaths(), res.Bundles[0].AddressableNames); diff != "" {
		t.Errorf("addressable names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ui.SourcePaths(), res.Bundles[0].AssetNames); diff != "" {
		t.Errorf("asset names mismatch (-want +got):\n%s", diff)
	}

	wantUI := map[string]string{"UI/button.png": "btn", "UI/fonts/main.ttf": "font"}
	if diff := cmp.Diff(wantUI, readEntries(t, filepath.Join(out, "UI"))); diff != "" {
		t.Errorf("UI archive entries mismatch (-want +got):\n%s", diff)
	}
	if got := readEntries(t, filepath.Join(out, "Characters.hd")); got["Characters/hero.png"] != "hero-hd" {
		t.Errorf("variant archive entries = %v", got)
	}

	m, err := ReadManifest(filepath.Join(out, "UI"+ManifestExt))
	if err != nil {
		t.Fatal(err)
	}
	if m.Bundle != "UI" || m.Target != TargetLinux || len(m.Entries) != 2 || m.ContentHash != res.Bundles[0].Hash {
		t.Errorf("unexpected manifest: %+v", m)
	}

	if _, err := os.Stat(IndexPath(out)); err != nil {
		t.Errorf("index manifest missing: %v", err)
	}
	if got := filepath.Base(IndexPath(out)); got != "AssetBundles.manifest" {
		t.Errorf("index manifest name = %s", got)
	}
}

func TestArchivePipeline_CompressionMethods(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags Flags
	}{
		{name: "deflate", flags: FlagNone},
		{name: "store", flags: FlagUncompressed},
		{name: "zstd", flags: FlagChunkCompression | FlagDeterministic},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := t.TempDir()
			out := t.TempDir()
			content := strings.Repeat("asset data ", 200)
			def := fixture(t, src, "Env", "", map[string]string{"a.txt": content})

			_, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
				OutputDir: out,
				Bundles:   []bundle.Definition{def},
				Flags:     tc.flags,
				Target:    TargetStandalone,
			})
			if err != nil {
				t.Fatal(err)
			}

			rc, err := OpenArchive(filepath.Join(out, "Env"))
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				_ = rc.Close()
			}()
			if got, want := rc.File[0].Method, compressionMethod(tc.flags); got != want {
				t.Errorf("entry method = %d, want %d", got, want)
			}
			if got := readEntries(t, filepath.Join(out, "Env"))["Env/a.txt"]; got != content {
				t.Error("entry content did not round-trip")
			}
		})
	}
}

func TestArchivePipeline_SkipsUnchanged(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	def := fixture(t, src, "UI", "", map[string]string{"a.png": "a"})
	p := NewArchivePipeline(testLogger())
	req := Request{OutputDir: out, Bundles: []bundle.Definition{def}, Target: TargetStandalone}

	first, err := p.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Bundles[0].Skipped {
		t.Fatal("first build must not be skipped")
	}

	second, err := p.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Bundles[0].Skipped {
		t.Error("unchanged bundle should be skipped")
	}
	if first.Bundles[0].Hash != second.Bundles[0].Hash {
		t.Error("content hash changed without input changes")
	}

	req.Flags = FlagForceRebuild
	third, err := p.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if third.Bundles[0].Skipped {
		t.Error("force-rebuild must rewrite the archive")
	}

	if err := os.WriteFile(def.Members[0].SourcePath, []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}
	req.Flags = FlagNone
	fourth, err := p.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Bundles[0].Skipped || fourth.Bundles[0].Hash == first.Bundles[0].Hash {
		t.Error("changed content must produce a new archive")
	}
}

func TestArchivePipeline_AppendHash(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	def := fixture(t, src, "UI", "hd", map[string]string{"a.png": "a"})

	res, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
		OutputDir: out,
		Bundles:   []bundle.Definition{def},
		Flags:     FlagAppendHash,
		Target:    TargetStandalone,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(out, "UI.hd_"+res.Bundles[0].Hash[:8])
	if res.Bundles[0].Archive != want {
		t.Errorf("archive = %s, want %s", res.Bundles[0].Archive, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Error(err)
	}
}

func TestArchivePipeline_DryRunWritesNothing(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	def := fixture(t, src, "UI", "", map[string]string{"a.png": "a"})

	res, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
		OutputDir: out,
		Bundles:   []bundle.Definition{def},
		Flags:     FlagDryRun,
		Target:    TargetStandalone,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Bundles) != 1 || len(res.Bundles[0].AddressableNames) != 1 {
		t.Errorf("dry run should still report bundles, got %+v", res.Bundles)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run wrote %d entries", len(entries))
	}
}

func TestArchivePipeline_StrictRejectsEmptyBundle(t *testing.T) {
	out := t.TempDir()
	empty := bundle.Definition{Name: "Empty", Members: []bundle.Member{}}

	_, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
		OutputDir: out,
		Bundles:   []bundle.Definition{empty},
		Flags:     FlagStrict,
		Target:    TargetStandalone,
	})
	if err == nil {
		t.Fatal("expected strict mode error")
	}

	// Without strict, empty bundles produce empty archives.
	if _, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
		OutputDir: out,
		Bundles:   []bundle.Definition{empty},
		Target:    TargetStandalone,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestArchivePipeline_MissingSourceFails(t *testing.T) {
	def := bundle.Definition{
		Name:    "UI",
		Members: []bundle.Member{{SourcePath: filepath.Join(t.TempDir(), "gone.png"), AddressablePath: "UI/gone.png"}},
	}
	_, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
		OutputDir: t.TempDir(),
		Bundles:   []bundle.Definition{def},
		Target:    TargetStandalone,
	})
	if err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestArchivePipeline_CanceledContext(t *testing.T) {
	src := t.TempDir()
	def := fixture(t, src, "UI", "", map[string]string{"a.png": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewArchivePipeline(testLogger()).Build(ctx, Request{
		OutputDir: t.TempDir(),
		Bundles:   []bundle.Definition{def},
		Target:    TargetStandalone,
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestArchivePipeline_NameCollisions(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		bundles func(t *testing.T, src string) []bundle.Definition
	}{
		{
			name: "variant named like a manifest",
			out:  "AssetBundles",
			bundles: func(t *testing.T, src string) []bundle.Definition {
				return []bundle.Definition{
					fixture(t, src, "Foo", "", map[string]string{"a.png": "a"}),
					fixture(t, src, "Foo", "manifest", map[string]string{"b.png": "b"}),
				}
			},
		},
		{
			name: "bundle named like the output directory",
			out:  "AssetBundles",
			bundles: func(t *testing.T, src string) []bundle.Definition {
				return []bundle.Definition{
					fixture(t, src, "assetbundles", "", map[string]string{"a.png": "a"}),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := t.TempDir()
			out := filepath.Join(t.TempDir(), tt.out)

			_, err := NewArchivePipeline(testLogger()).Build(context.Background(), Request{
				OutputDir: out,
				Bundles:   tt.bundles(t, src),
				Target:    TargetStandalone,
			})
			if !errors.Is(err, ErrNameCollision) {
				t.Fatalf("expected ErrNameCollision, got %v", err)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Error("nothing may be written when names collide")
			}
		})
	}
}
