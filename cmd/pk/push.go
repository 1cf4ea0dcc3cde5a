package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/schema"
	pksync "github.com/pagekeep/pagekeep/internal/sync"
	"github.com/pagekeep/pagekeep/internal/ui"
)

var (
	pushFile   string
	pushDelete bool
)

var pushCmd = &cobra.Command{
	Use:     "push <collection> [json]",
	GroupID: "sync",
	Short:   "Apply one client update to the local store",
	Long: `Push a single client-shaped update into the normalized store, the
same way a syncing device would.

The object (or, with --delete, the matcher) is given inline as JSON, via
--file, or on stdin.

Examples:
  # Save a page
  pk push pages '{"url":"example.com/article","fullTitle":"An Article"}'

  # Tag it
  pk push tags '{"name":"reading","url":"example.com/article"}'

  # Remove it
  pk push --delete pages '{"url":"example.com/article"}'`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		collection := args[0]
		payload := readPayload(args)

		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			fatal("invalid JSON payload: %v", err)
		}

		update := pksync.PushUpdate{
			Type:          pksync.UpdateOverwrite,
			Collection:    collection,
			Object:        fields,
			DeviceID:      currentDevice().ID,
			SchemaVersion: schema.Version,
		}
		if pushDelete {
			update.Type = pksync.UpdateDelete
			update.Object = nil
			update.Where = fields
		}

		settings := loadSettings()
		tr, closeStore := openTranslator(settings)
		defer closeStore()

		instructions, err := tr.PushUpdate(context.Background(), userID, update)
		if err != nil {
			fatal("push failed: %v", err)
		}

		fmt.Printf("%s Applied %s to %s\n", ui.RenderPass("✓"), update.Type, collection)
		for _, in := range instructions {
			fmt.Printf("%s Upload %s to %s\n", ui.RenderWarn("⚠"), in.Field, in.Path)
		}
	},
}

// readPayload takes the update body from the argument list, --file, or
// stdin, in that order of preference.
func readPayload(args []string) []byte {
	if len(args) == 2 {
		return []byte(args[1])
	}
	if pushFile != "" {
		// #nosec G304 - controlled path from CLI
		data, err := os.ReadFile(pushFile)
		if err != nil {
			fatal("reading %s: %v", pushFile, err)
		}
		return data
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal("reading stdin: %v", err)
	}
	return data
}

func init() {
	pushCmd.Flags().StringVar(&pushFile, "file", "", "Read the update payload from a file")
	pushCmd.Flags().BoolVar(&pushDelete, "delete", false, "Delete matching records instead of overwriting")
	rootCmd.AddCommand(pushCmd)
}
