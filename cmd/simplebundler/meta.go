package main

import (
	"fmt"

	"github.com/schaermu/simplebundler/internal/metadata"
	"github.com/spf13/cobra"
)

var metaBundle string

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Inspect recorded bundle assignments",
	Long: `Meta reads the metadata database written by build, watch and serve. Every
grouped file is recorded with its bundle name, variant and addressable path.`,
}

var metaShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show the bundle assignment of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetaShow,
}

var metaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded assignments",
	Args:  cobra.NoArgs,
	RunE:  runMetaList,
}

var metaPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove assignments of files that no longer exist",
	Args:  cobra.NoArgs,
	RunE:  runMetaPrune,
}

func init() {
	metaListCmd.Flags().StringVar(&metaBundle, "bundle", "", "only list assignments of this bundle")

	metaCmd.AddCommand(metaShowCmd)
	metaCmd.AddCommand(metaListCmd)
	metaCmd.AddCommand(metaPruneCmd)
}

func openStore() (*metadata.Store, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := metadata.Open(cfg.Paths.MetadataDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	return store, nil
}

func runMetaShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	rec, err := store.Lookup(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "path:        %s\n", rec.Path)
	_, _ = fmt.Fprintf(out, "bundle:      %s\n", rec.Bundle)
	_, _ = fmt.Fprintf(out, "variant:     %s\n", rec.Variant)
	_, _ = fmt.Fprintf(out, "addressable: %s\n", rec.AddressablePath)
	return nil
}

func runMetaList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.List(cmd.Context(), metaBundle)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, rec := range records {
		bundle := rec.Bundle
		if rec.Variant != "" {
			bundle += "." + rec.Variant
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", rec.Path, bundle, rec.AddressablePath)
	}
	return nil
}

func runMetaPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	removed, err := store.Prune(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to prune assignments: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale assignments\n", removed)
	return nil
}
