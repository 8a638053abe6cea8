package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"corpusd/internal/types"
)

var reindexBudget int

var reindexCmd = &cobra.Command{
	Use:   "reindex <project>",
	Short: "Rebuild a project's structural index and selectively re-embed",
	Long: `Runs the structural pass (parse, rank, repo map) over the project root,
then a selective semantic pass that embeds documentation, recently
modified files, and the top-ranked code files.`,
	Args: cobra.ExactArgs(1),
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().IntVar(&reindexBudget, "token-budget", 0, "repo map token budget (default 1024)")
}

func runReindex(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	project, err := c.store.GetProjectByName(args[0])
	if err != nil {
		return err
	}
	structKB, ok := project.KBs[types.RoleStructure]
	if !ok {
		return types.E(types.KindIntegrity, "project %q has no structure KB", project.Name)
	}
	indexKB, ok := project.KBs[types.RoleIndex]
	if !ok {
		return types.E(types.KindIntegrity, "project %q has no index KB", project.Name)
	}

	ctx := cmd.Context()

	bar := newPercentBar("structural " + project.Name)
	structural, err := c.indexer.IndexStructural(ctx, structKB, project.Path, reindexBudget, nil, bar)
	bar.finish()
	if err != nil {
		return err
	}
	fmt.Printf("structural: %d files, %d symbols, %d edges, repo map %d tokens\n",
		structural.Files, structural.Symbols, structural.Edges, structural.MapTokens)

	bar = newPercentBar("semantic " + project.Name)
	semantic, err := c.indexer.IndexSemantic(ctx, indexKB, structKB, project.Path, true, bar)
	bar.finish()
	if err != nil {
		return err
	}
	fmt.Printf("semantic: %d selected, %d embedded, %d unchanged or skipped\n",
		semantic.Selected, semantic.Embedded, semantic.Skipped)
	return nil
}
