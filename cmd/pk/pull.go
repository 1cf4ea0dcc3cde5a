package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/ui"
)

var (
	pullCursor   int64
	pullSince    string
	pullPageSize int
	pullFollow   bool
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Read changes from the local store after a cursor",
	Long: `Pull client-shaped updates from the change log, one page at a time,
exactly as a syncing device would. Updates print as JSON lines.

The starting point is either a raw --cursor (ms timestamp) or --since
with a natural-language time.

Examples:
  # Everything, from the beginning
  pk pull

  # Changes from the last day
  pk pull --since "yesterday"

  # Keep the cursor moving until the log is drained
  pk pull --follow`,
	Run: func(cmd *cobra.Command, args []string) {
		cursor := pullCursor
		if pullSince != "" {
			cursor = parseSince(pullSince)
		}

		settings := loadSettings()
		tr, closeStore := openTranslator(settings)
		defer closeStore()

		encoder := json.NewEncoder(os.Stdout)
		total := 0
		for {
			res, err := tr.Pull(context.Background(), userID, cursor, pullPageSize)
			if err != nil {
				fatal("pull failed: %v", err)
			}
			for _, update := range res.Batch {
				if err := encoder.Encode(update); err != nil {
					fatal("writing update: %v", err)
				}
				total++
			}
			cursor = res.LastSeen
			if !res.MaybeHasMore || !pullFollow {
				fmt.Fprintf(os.Stderr, "%s %d updates, cursor %d",
					ui.RenderPass("✓"), total, cursor)
				if res.MaybeHasMore {
					fmt.Fprintf(os.Stderr, " %s", ui.RenderMuted("(more available)"))
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	},
}

// parseSince turns a natural-language time ("yesterday", "2 hours ago")
// into a change-log cursor.
func parseSince(text string) int64 {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		fatal("parsing --since: %v", err)
	}
	if result == nil {
		fatal("could not understand --since %q", text)
	}
	return result.Time.UnixMilli()
}

func init() {
	pullCmd.Flags().Int64Var(&pullCursor, "cursor", 0, "Cursor to pull after (ms timestamp)")
	pullCmd.Flags().StringVar(&pullSince, "since", "", "Natural-language starting time, e.g. \"yesterday\"")
	pullCmd.Flags().IntVar(&pullPageSize, "page-size", 50, "Updates per page")
	pullCmd.Flags().BoolVar(&pullFollow, "follow", false, "Keep pulling while more pages are available")
	rootCmd.AddCommand(pullCmd)
}
