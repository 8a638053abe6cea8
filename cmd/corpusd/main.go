package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"corpusd/internal/types"
)

var (
	// Global flags
	dataRoot string
	verbose  bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "corpusd",
	Short: "corpusd - local knowledge base daemon",
	Long: `corpusd is a local-first knowledge base server for coding agents.

It maintains per-project knowledge bases backed by SQLite: a structural
index (tree-sitter symbols, dependency graph, ranked repo map) and a
semantic index (chunked documents with embeddings), queried through
hybrid vector + BM25 retrieval over HTTP and JSON-RPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataRoot == "" {
			dataRoot = os.Getenv("CORPUSD_DATA_ROOT")
		}
		if dataRoot == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			dataRoot = filepath.Join(home, ".corpusd")
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "data directory (default $CORPUSD_DATA_ROOT or ~/.corpusd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(restoreCmd)
}

// exitCode maps the error taxonomy to the documented process exit codes:
// 1 user error, 2 transient failure, 3 fatal.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation, types.KindNotFound, types.KindConflict:
		return 1
	case types.KindDependency:
		return 2
	}
	return 3
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "corpusd: %v\n", err)
		os.Exit(exitCode(err))
	}
}
