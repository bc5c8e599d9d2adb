package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
	"github.com/schaermu/simplebundler/internal/config"
	"github.com/schaermu/simplebundler/internal/pipeline"
	"github.com/spf13/cobra"
)

func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"simplebundler": run,
	}))
}

// TestScripts runs the CLI scripts in testdata/script.
func TestScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: filepath.Join("testdata", "script"),
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	configContent := []byte(`paths:
  bundle_dir: "` + filepath.Join(tmpDir, "bundles") + `"
  output_dir: "` + filepath.Join(tmpDir, "out") + `"
build:
  options: [deterministic, chunk-compression]
  target: webgl
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Build.Target != "webgl" {
		t.Errorf("target = %q, want webgl", cfg.Build.Target)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPathFallsBackToDefaults(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""
	chdir(t, t.TempDir())

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("expected defaults when %s is absent, got %v", config.DefaultFileName, err)
	}
	if cfg.Paths.BundleDir != config.DefaultBundleDir || cfg.Paths.OutputDir != config.DefaultOutputDir {
		t.Errorf("unexpected default paths: %+v", cfg.Paths)
	}
}

func TestLoadBuildConfig_FlagOverrides(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""
	chdir(t, t.TempDir())

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "")
	cmd.Flags().StringSliceVar(&options, "option", nil, "")
	cmd.Flags().StringVar(&target, "target", "", "")
	cmd.Flags().BoolVar(&clearOut, "clear", true, "")

	if err := cmd.Flags().Parse([]string{
		"--bundle-dir", "src",
		"--option", "strict,deterministic",
		"--target", "ios",
		"--clear=false",
	}); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadBuildConfig(cmd, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.BundleDir != "src" {
		t.Errorf("bundle dir = %q", cfg.Paths.BundleDir)
	}
	if cfg.Paths.OutputDir != config.DefaultOutputDir {
		t.Errorf("unchanged flag must not override output dir, got %q", cfg.Paths.OutputDir)
	}
	if cfg.ClearOutput() {
		t.Error("--clear=false should disable clearing")
	}
	opts, err := cfg.BuildOptions()
	if err != nil {
		t.Fatal(err)
	}
	if want := pipeline.FlagStrict | pipeline.FlagDeterministic; opts.Flags() != want {
		t.Errorf("flags = %#x, want %#x", opts.Flags(), want)
	}
	if cfg.Build.Target != "ios" {
		t.Errorf("target = %q", cfg.Build.Target)
	}
}

func TestLoadBuildConfig_InvalidOverride(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""
	chdir(t, t.TempDir())

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&target, "target", "", "")
	if err := cmd.Flags().Parse([]string{"--target", "dreamcast"}); err != nil {
		t.Fatal(err)
	}
	if _, err := loadBuildConfig(cmd, testLogger()); err == nil {
		t.Fatal("expected validation error for unknown target")
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := config.Default()
	p, err := newPipeline(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*pipeline.ArchivePipeline); !ok {
		t.Errorf("default pipeline = %T, want *pipeline.ArchivePipeline", p)
	}

	cfg.Build.Pipeline = config.PipelineExec
	cfg.Build.Command = []string{"packer", "--json"}
	p, err = newPipeline(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*pipeline.ExecPipeline); !ok {
		t.Errorf("exec pipeline = %T, want *pipeline.ExecPipeline", p)
	}

	cfg.Build.Pipeline = "carrier-pigeon"
	if _, err := newPipeline(cfg, testLogger()); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestRelativeInside(t *testing.T) {
	tests := []struct {
		parent, child string
		want          string
		ok            bool
	}{
		{"Assets/Bundles", "Assets/Bundles/out", "out", true},
		{"Assets/Bundles", "AssetBundles", "", false},
		{"Assets/Bundles", "Assets/Bundles", "", false},
		{"Assets/Bundles", "Assets", "", false},
	}
	for _, tt := range tests {
		got, ok := relativeInside(filepath.FromSlash(tt.parent), filepath.FromSlash(tt.child))
		if got != tt.want || ok != tt.ok {
			t.Errorf("relativeInside(%q, %q) = %q, %v; want %q, %v", tt.parent, tt.child, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	if !bytes.Contains(buf.Bytes(), []byte("simplebundler "+version)) {
		t.Errorf("unexpected version output: %q", buf.String())
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
