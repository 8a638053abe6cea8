package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <project>",
	Short: "Export a project's knowledge bases to a standalone snapshot",
	Long: `Writes a read-only snapshot of the project's knowledge bases as a
standalone database file plus a manifest JSON describing its contents.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output directory (default <data-root>/exports)")
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	dir := exportOutput
	if dir == "" {
		dir = c.cfg.ExportsDir()
	}
	dbPath, manifestPath, err := c.store.ExportProject(args[0], dir)
	if err != nil {
		return err
	}
	fmt.Printf("exported %q\n  snapshot: %s\n  manifest: %s\n", args[0], dbPath, manifestPath)
	return nil
}
