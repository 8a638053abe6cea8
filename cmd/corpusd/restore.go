package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"corpusd/internal/store"
)

var restoreEmbed bool

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore knowledge bases from an exported snapshot",
	Long: `Imports an export file back into the store. Knowledge bases are created
when missing; restored documents are re-chunked and left un-embedded
until the next semantic index pass, or embedded immediately with --embed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreEmbed, "embed", false, "embed restored chunks right away")
}

func runRestore(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	path, err := store.FindExport(c.cfg.ExportsDir(), args[0])
	if err != nil {
		return err
	}
	if err := c.store.Restore(path); err != nil {
		return err
	}
	fmt.Printf("restored from %s\n", path)

	if !restoreEmbed {
		return nil
	}
	kbs, err := c.store.ListKBs()
	if err != nil {
		return err
	}
	for _, kb := range kbs {
		bar := newPercentBar("embed " + kb.Slug)
		n, err := c.indexer.EmbedPendingChunks(cmd.Context(), kb.ID, bar)
		bar.finish()
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Printf("embedded %d documents in %s\n", n, kb.Slug)
		}
	}
	return nil
}
