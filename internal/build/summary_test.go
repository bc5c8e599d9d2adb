package build

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/simplebundler/internal/bundle"
	"github.com/schaermu/simplebundler/internal/pipeline"
)

func TestSummarize(t *testing.T) {
	res := &pipeline.Result{Bundles: []pipeline.BuiltBundle{
		{
			Name:             "UI",
			AssetNames:       []string{"Assets/Bundles/UI/a.png", "Assets/Bundles/UI/sub/b.png"},
			AddressableNames: []string{"UI/a.png", "UI/sub/b.png"},
			Archive:          "AssetBundles/UI",
		},
		{Name: "Empty"},
	}}

	got, err := Summarize(res)
	if err != nil {
		t.Fatal(err)
	}

	want := []Summary{
		{
			Name:    "UI",
			Archive: "AssetBundles/UI",
			Pairs: []Pair{
				{LocalPath: "Assets/Bundles/UI/a.png", AddressablePath: "UI/a.png"},
				{LocalPath: "Assets/Bundles/UI/sub/b.png", AddressablePath: "UI/sub/b.png"},
			},
		},
		{Name: "Empty", Pairs: []Pair{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize_Nil(t *testing.T) {
	got, err := Summarize(nil)
	if err != nil || got != nil {
		t.Errorf("Summarize(nil) = %v, %v", got, err)
	}
}

func TestSummarize_LengthMismatch(t *testing.T) {
	_, err := Summarize(&pipeline.Result{Bundles: []pipeline.BuiltBundle{{
		Name:             "UI",
		AssetNames:       []string{"a"},
		AddressableNames: []string{"UI/a", "UI/b"},
	}}})
	if err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestPreview(t *testing.T) {
	defs := []bundle.Definition{
		{Name: "Characters", Variant: "hd", Members: []bundle.Member{
			{SourcePath: "Assets/Bundles/Characters.hd/hero.png", AddressablePath: "Characters/hero.png"},
		}},
		{Name: "Empty", Members: []bundle.Member{}},
	}

	want := []Summary{
		{Name: "Characters", Variant: "hd", Pairs: []Pair{
			{LocalPath: "Assets/Bundles/Characters.hd/hero.png", AddressablePath: "Characters/hero.png"},
		}},
		{Name: "Empty", Pairs: []Pair{}},
	}
	if diff := cmp.Diff(want, Preview(defs)); diff != "" {
		t.Errorf("Preview() mismatch (-want +got):\n%s", diff)
	}
}

func TestCache(t *testing.T) {
	var c Cache
	if _, ok := c.Load(); ok {
		t.Fatal("empty cache should report no build")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Store([]Summary{{Name: "UI"}})
			_, _ = c.Load()
		}()
	}
	wg.Wait()

	got, ok := c.Load()
	if !ok || len(got) != 1 || got[0].Name != "UI" {
		t.Errorf("Load() = %v, %v", got, ok)
	}
}

func TestClearDirectory(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "a.bundle"), "a")
	writeFile(t, filepath.Join(out, "nested", "deep", "b.bundle"), "b")
	if err := os.MkdirAll(filepath.Join(out, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := ClearDirectory(out, ""); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("output root must remain: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty directory, got %d entries", len(entries))
	}
}

func TestClearDirectory_RefusesProtected(t *testing.T) {
	tmpDir := t.TempDir()
	bundles := filepath.Join(tmpDir, "Assets", "Bundles")
	writeFile(t, filepath.Join(bundles, "UI", "a.png"), "a")

	tests := []struct {
		name string
		dir  string
	}{
		{name: "same directory", dir: bundles},
		{name: "parent directory", dir: tmpDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClearDirectory(tt.dir, bundles)
			if err == nil {
				t.Fatal("expected ErrUnsafeClear")
			}
			if _, statErr := os.Stat(filepath.Join(bundles, "UI", "a.png")); statErr != nil {
				t.Error("bundle sources must not be touched")
			}
		})
	}

	// A sibling output directory is fine.
	sibling := filepath.Join(tmpDir, "AssetBundles")
	if err := os.MkdirAll(sibling, 0755); err != nil {
		t.Fatal(err)
	}
	if err := ClearDirectory(sibling, bundles); err != nil {
		t.Errorf("sibling clear failed: %v", err)
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/a/b", "/a/..b", false},
	}
	for _, tt := range tests {
		got, err := within(filepath.FromSlash(tt.parent), filepath.FromSlash(tt.child))
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}
