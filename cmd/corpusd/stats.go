package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats <kb>",
	Short: "Show document and symbol counts for a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	kb, err := c.store.GetKB(args[0])
	if err != nil {
		return err
	}
	stats, err := c.store.Stats(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s, %s, %dd)\n", kb.Name, kb.Slug, kb.Type, kb.Dimensions)
	fmt.Printf("  documents:  %d\n", stats.Documents)
	fmt.Printf("  chunks:     %d\n", stats.Chunks)
	fmt.Printf("  embeddings: %d\n", stats.Embeddings)
	fmt.Printf("  symbols:    %d\n", stats.Symbols)
	fmt.Printf("  edges:      %d\n", stats.Edges)
	if !stats.LastUpdated.IsZero() {
		fmt.Printf("  updated:    %s\n", stats.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	return nil
}
