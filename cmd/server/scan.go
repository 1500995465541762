package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pluginlookup/internal/codec"
	"pluginlookup/internal/logging"
	"pluginlookup/internal/registry"
)

var scanFormat string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the registry once and print the providers found",
	Long: `Scan queries every enabled registry source once, normalizes the
results and prints the provider descriptors. No connections are made.

A partial scan still prints what the reachable sources returned and exits
non-zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := codec.ExporterFor(scanFormat)
		if err != nil {
			return err
		}

		// stdout carries the listing
		cfg, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}

		srcs, err := buildSources(cfg, logger)
		if err != nil {
			return err
		}
		defer srcs.Close()

		scanner := registry.NewScanner(srcs.source, registry.WithLogger(logging.Component(logger, "scanner")))
		descs, scanErr := scanner.Scan(cmd.Context(), cfg.Discovery.Action)
		if scanErr != nil && !registry.IsPartial(scanErr) {
			return scanErr
		}

		if err := exporter.Export(descs, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("write %s: %w", exporter.Format(), err)
		}
		return scanErr
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanFormat, "format", "o", "yaml", "output format (yaml, json)")
}
