package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/export"
	"github.com/pagekeep/pagekeep/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "data",
	Short:   "Export a user's synced data to a JSONL archive",
	Long: `Write the user's full state as a JSONL archive: one client-shaped
update per line, in change-log order.

The archive replays cleanly through 'pk import', on this server or
another one.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		tr, closeStore := openTranslator(settings)
		defer closeStore()

		res, err := export.ToJSONL(context.Background(), tr, export.Options{
			UserID:   userID,
			Path:     args[0],
			PageSize: settings.Sync.PageSize,
		})
		if err != nil {
			fatal("export failed: %v", err)
		}
		fmt.Printf("%s Exported %d updates to %s\n", ui.RenderPass("✓"), res.UpdatesWritten, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Replay a JSONL archive into the store",
	Long: `Read a JSONL archive produced by 'pk export' and replay each line as
a push for the user. Entries that fail to apply are reported and
skipped; the rest of the archive still lands.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		tr, closeStore := openTranslator(settings)
		defer closeStore()

		res, err := export.FromJSONL(context.Background(), tr, export.Options{
			UserID:   userID,
			DeviceID: currentDevice().ID,
			Path:     args[0],
		})
		if err != nil {
			fatal("import failed: %v", err)
		}

		fmt.Printf("%s Imported %d updates from %s\n", ui.RenderPass("✓"), res.UpdatesApplied, args[0])
		for _, in := range res.Instructions {
			fmt.Printf("%s Upload %s to %s\n", ui.RenderWarn("⚠"), in.Field, in.Path)
		}
		for _, e := range res.Errors {
			fmt.Printf("%s %s\n", ui.RenderFail("✗"), e)
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
