package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schaermu/simplebundler/internal/build"
	"github.com/schaermu/simplebundler/internal/config"
	"github.com/schaermu/simplebundler/internal/metadata"
	"github.com/schaermu/simplebundler/internal/pipeline"
	"github.com/schaermu/simplebundler/internal/present"
	"github.com/schaermu/simplebundler/internal/server"
	"github.com/schaermu/simplebundler/internal/watch"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Build flags
	bundleDir  string
	outputDir  string
	clearOut   bool
	options    []string
	target     string
	jsonOut    bool
	collapse   bool
	watchBuild bool
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "simplebundler",
	Short: "Group asset folders into bundles and build them",
	Long: `simplebundler scans a bundle root directory and turns every immediate
subdirectory into a named bundle. A period in the folder name separates the
bundle name from its variant, so "Characters.hd" is the "hd" variant of the
"Characters" bundle.

Grouped files are recorded in a metadata database and handed to a packaging
pipeline, which writes one archive per bundle into the output directory.`,
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Group the bundle root and build every bundle",
	Long: `Build creates the bundle and output directories if needed, clears the
output directory (unless disabled), groups the bundle root, runs the packaging
pipeline and prints the resulting entries of every bundle.

Clearing deletes everything below the output directory and cannot be undone.`,
	RunE: runBuild,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how files would be grouped without building",
	Long: `Plan groups the bundle root and prints the resulting bundles and their
addressable paths. It does not touch the output directory, the metadata
database or the packaging pipeline.`,
	RunE: runPlan,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild bundles whenever the bundle root changes",
	Long: `Watch performs an initial build and then rebuilds after every burst of
changes below the bundle root. Builds run one at a time.`,
	RunE: runWatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP build trigger server",
	Long: `Serve performs an initial build and starts an HTTP server.

POST /build triggers a build when the request carries a valid
X-Simplebundler-Signature-256 header (HMAC-SHA256 of the body, keyed with the
contents of serve.secret_file). GET /summary returns the last build summary.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "simplebundler %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Build overrides shared by build, plan, watch and serve
	for _, cmd := range []*cobra.Command{buildCmd, planCmd, watchCmd, serveCmd} {
		cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "bundle root directory (overrides paths.bundle_dir)")
		cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory (overrides paths.output_dir)")
		cmd.Flags().StringSliceVar(&options, "option", nil, "build option, repeatable (overrides build.options)")
		cmd.Flags().StringVar(&target, "target", "", "target platform (overrides build.target)")
		cmd.Flags().BoolVar(&clearOut, "clear", true, "clear the output directory before building (overrides build.clear_on_build)")
	}
	for _, cmd := range []*cobra.Command{buildCmd, planCmd, watchCmd} {
		cmd.Flags().BoolVar(&jsonOut, "json", false, "print summaries as JSON")
		cmd.Flags().BoolVar(&collapse, "collapse", false, "print bundle names only")
	}
	watchCmd.Flags().BoolVar(&watchBuild, "initial-build", true, "build once before watching")

	// Add commands
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadBuildConfig(cmd, logger)
	if err != nil {
		return err
	}

	engine, closeFn, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	summaries, err := engine.Run(ctx)
	if err != nil {
		logger.Error("build failed", "error", err)
		return err
	}

	return printSummaries(cmd, summaries)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadBuildConfig(cmd, logger)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.BundleRoot()); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("bundle directory does not exist yet", "dir", cfg.BundleRoot())
		return printSummaries(cmd, nil)
	}

	engine := build.NewEngine(cfg, nil, nil, logger)
	defs, err := engine.Plan(ctx, nil)
	if err != nil {
		return err
	}

	return printSummaries(cmd, build.Preview(defs))
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadBuildConfig(cmd, logger)
	if err != nil {
		return err
	}

	engine, closeFn, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	rebuild := func(ctx context.Context, changed []string) error {
		logger.Debug("rebuilding", "changed", changed)
		summaries, err := engine.Run(ctx)
		if err != nil {
			return err
		}
		return printSummaries(cmd, summaries)
	}

	if watchBuild {
		if err := rebuild(ctx, nil); err != nil {
			logger.Error("initial build failed", "error", err)
		}
	} else if err := os.MkdirAll(cfg.BundleRoot(), 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	ignore := append([]string(nil), cfg.Import.Exclude...)
	if rel, ok := relativeInside(cfg.BundleRoot(), cfg.OutputRoot()); ok {
		ignore = append(ignore, rel, rel+"/**")
	}

	w, err := watch.New(cfg.BundleRoot(), ignore, cfg.Watch.Debounce, rebuild, logger)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	return w.Run(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadBuildConfig(cmd, logger)
	if err != nil {
		return err
	}

	engine, closeFn, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	srv, err := server.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start(ctx)
}

// newEngine wires the configured pipeline and metadata store into a build
// engine. The returned func closes the store.
func newEngine(cfg *config.Config, logger *slog.Logger) (*build.Engine, func(), error) {
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := metadata.Open(cfg.Paths.MetadataDB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close metadata database", "error", err)
		}
	}
	return build.NewEngine(cfg, p, store, logger), closeFn, nil
}

func newPipeline(cfg *config.Config, logger *slog.Logger) (pipeline.Pipeline, error) {
	switch cfg.Build.Pipeline {
	case config.PipelineExec:
		return pipeline.NewExecPipeline(cfg.Build.Command, logger)
	case config.PipelineArchive, "":
		return pipeline.NewArchivePipeline(logger), nil
	default:
		return nil, fmt.Errorf("unknown pipeline: %s", cfg.Build.Pipeline)
	}
}

func printSummaries(cmd *cobra.Command, summaries []build.Summary) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return present.RenderJSON(out, summaries)
	}

	state := present.NewViewState()
	if !collapse {
		state.ExpandAll()
	}
	return present.NewRenderer(out, state).Render(summaries)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout carries summaries.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultFileName
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no configuration file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"bundle_dir", cfg.Paths.BundleDir,
		"output_dir", cfg.Paths.OutputDir,
		"pipeline", cfg.Build.Pipeline)

	return cfg, nil
}

// loadBuildConfig loads the configuration and applies the command's flag
// overrides.
func loadBuildConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("bundle-dir") {
		cfg.Paths.BundleDir = bundleDir
	}
	if flags.Changed("output-dir") {
		cfg.Paths.OutputDir = outputDir
	}
	if flags.Changed("option") {
		cfg.Build.Options = options
	}
	if flags.Changed("target") {
		cfg.Build.Target = target
	}
	if flags.Changed("clear") {
		enabled := clearOut
		cfg.Build.ClearOnBuild = &enabled
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// relativeInside returns the slash-separated path of child below parent.
func relativeInside(parent, child string) (string, bool) {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
