package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"corpusd/internal/indexer"
)

var importCmd = &cobra.Command{
	Use:   "import <kb> <path>",
	Short: "Import a directory of documents into a knowledge base",
	Long: `Walks the directory, chunks and embeds every eligible file, and stores
the result in the named knowledge base. Unchanged files are skipped, so
re-running an import is cheap.`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

// percentBar adapts a terminal progress bar to the indexer's progress
// callback, which reports percent.
type percentBar struct {
	bar *progressbar.ProgressBar
}

func newPercentBar(description string) percentBar {
	return percentBar{bar: progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p percentBar) SetProgress(pct float64, message string) {
	_ = p.bar.Set(int(pct))
}

func (p percentBar) finish() { _ = p.bar.Finish() }

func runImport(cmd *cobra.Command, args []string) error {
	kbName, dir := args[0], args[1]
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	kb, err := c.store.GetKB(kbName)
	if err != nil {
		return err
	}

	bar := newPercentBar("importing " + filepath.Base(abs))
	result, err := c.indexer.IndexSemantic(cmd.Context(), kb.ID, 0, abs, false, bar)
	bar.finish()
	if err != nil {
		return err
	}

	fmt.Printf("imported %s into %q: %d selected, %d embedded, %d unchanged or skipped\n",
		abs, kb.Name, result.Selected, result.Embedded, result.Skipped)
	for file, reason := range result.Failures {
		fmt.Fprintf(os.Stderr, "  failed %s: %s\n", file, reason)
	}
	return nil
}

var _ indexer.Progress = percentBar{}
