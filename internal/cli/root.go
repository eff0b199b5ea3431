// Package cli is the auditlens command line: ask questions against the
// pipeline in-process and inspect the catalog.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/auditlens/pkg/catalog"
	"github.com/malbeclabs/auditlens/pkg/logger"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:   "auditlens",
		Short: "Ask questions about radiology audit data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var catalogPath string
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", os.Getenv("CATALOG_PATH"), "catalog yaml overriding the built-in radiology catalog (env: CATALOG_PATH)")

	rootCmd.AddCommand(
		NewAskCmd().Command(),
		NewSchemaCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}

	return exitCodeSuccess
}

// newLogger writes to stderr so answers on stdout stay pipeable.
func newLogger(verbose bool) *slog.Logger {
	return logger.New(os.Stderr, logger.Options{Verbose: verbose})
}

func loadCatalog(cmd *cobra.Command) (*catalog.Catalog, error) {
	path, err := cmd.Root().PersistentFlags().GetString("catalog")
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog flag: %w", err)
	}
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return cat, nil
}
