package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schaermu/simplebundler/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the project-local config file looked up when no
// explicit path is given.
const DefaultFileName = ".simplebundler.yaml"

// Default values applied to zero-value fields.
const (
	DefaultBundleDir  = "Assets/Bundles"
	DefaultOutputDir  = "AssetBundles"
	DefaultMetadataDB = ".simplebundler/metadata.db"
	DefaultListenAddr = "127.0.0.1:8787"
	DefaultDebounce   = 500 * time.Millisecond
)

// PipelineKind selects the packaging pipeline implementation
type PipelineKind string

const (
	PipelineArchive PipelineKind = "archive"
	PipelineExec    PipelineKind = "exec"
)

// DefaultExclude lists the import patterns that never become bundle members:
// sidecar metadata, hidden files and directories, editor backups. Only
// patterns ending in "/**" skip whole directories, bundle directories
// included; the others match files.
var DefaultExclude = []string{
	"**/*.meta",
	"**/.*",
	"**/.*/**",
	"**/*~",
}

// Config represents the complete simplebundler configuration
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Build  BuildConfig  `yaml:"build"`
	Import ImportConfig `yaml:"import"`
	Watch  WatchConfig  `yaml:"watch"`
	Serve  ServeConfig  `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	BundleDir  string `yaml:"bundle_dir"`
	OutputDir  string `yaml:"output_dir"`
	MetadataDB string `yaml:"metadata_db"`
}

// BuildConfig configures one build invocation.
type BuildConfig struct {
	// ClearOnBuild deletes everything under OutputDir before packaging.
	// Pointer so an explicit false in the file survives applyDefaults.
	ClearOnBuild *bool        `yaml:"clear_on_build"`
	Options      []string     `yaml:"options"`
	Target       string       `yaml:"target"`
	Pipeline     PipelineKind `yaml:"pipeline"`
	Command      []string     `yaml:"command"`
}

// ImportConfig selects which files have a content-import handler.
type ImportConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// WatchConfig configures the rebuild-on-change loop
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// ServeConfig configures the HTTP build trigger
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Paths.BundleDir = os.ExpandEnv(c.Paths.BundleDir)
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Paths.MetadataDB = os.ExpandEnv(c.Paths.MetadataDB)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for i, arg := range c.Build.Command {
		c.Build.Command[i] = os.ExpandEnv(arg)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.BundleDir == "" {
		c.Paths.BundleDir = DefaultBundleDir
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = DefaultOutputDir
	}
	if c.Paths.MetadataDB == "" {
		c.Paths.MetadataDB = DefaultMetadataDB
	}
	if c.Build.ClearOnBuild == nil {
		enabled := true
		c.Build.ClearOnBuild = &enabled
	}
	if c.Build.Options == nil {
		c.Build.Options = []string{string(pipeline.OptionUncompressed)}
	}
	if c.Build.Target == "" {
		c.Build.Target = string(pipeline.TargetStandalone)
	}
	if c.Build.Pipeline == "" {
		c.Build.Pipeline = PipelineArchive
	}
	if len(c.Import.Include) == 0 {
		c.Import.Include = []string{"**"}
	}
	if c.Import.Exclude == nil {
		c.Import.Exclude = append([]string(nil), DefaultExclude...)
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = DefaultDebounce
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.BundleDir == "" {
		return fmt.Errorf("paths.bundle_dir is required")
	}
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}

	if _, err := pipeline.ParseOptions(c.Build.Options); err != nil {
		return fmt.Errorf("build.options: %w", err)
	}
	if _, err := pipeline.ParseTarget(c.Build.Target); err != nil {
		return fmt.Errorf("build.target: %w", err)
	}

	switch c.Build.Pipeline {
	case PipelineArchive:
		// valid
	case PipelineExec:
		if len(c.Build.Command) == 0 {
			return fmt.Errorf("build.command is required when build.pipeline is %q", PipelineExec)
		}
	default:
		return fmt.Errorf("invalid build.pipeline: %s (must be archive or exec)", c.Build.Pipeline)
	}

	for _, pattern := range append(append([]string(nil), c.Import.Include...), c.Import.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid import pattern: %q", pattern)
		}
	}

	return nil
}

// ClearOutput reports whether the output directory is emptied before a build
func (c *Config) ClearOutput() bool {
	return c.Build.ClearOnBuild == nil || *c.Build.ClearOnBuild
}

// BuildOptions returns the parsed user-facing build options
func (c *Config) BuildOptions() (pipeline.Options, error) {
	return pipeline.ParseOptions(c.Build.Options)
}

// BuildTarget returns the parsed target platform
func (c *Config) BuildTarget() (pipeline.Target, error) {
	return pipeline.ParseTarget(c.Build.Target)
}

// BundleRoot returns the cleaned bundle root directory
func (c *Config) BundleRoot() string {
	return filepath.Clean(c.Paths.BundleDir)
}

// OutputRoot returns the cleaned output directory
func (c *Config) OutputRoot() string {
	return filepath.Clean(c.Paths.OutputDir)
}
