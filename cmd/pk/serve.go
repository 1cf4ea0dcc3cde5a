package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/config"
	"github.com/pagekeep/pagekeep/internal/media"
	"github.com/pagekeep/pagekeep/internal/server"
	"github.com/pagekeep/pagekeep/internal/transport"
	"github.com/pagekeep/pagekeep/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server (foreground)",
	Long: `Start the PageKeep sync server in the foreground.

The server exposes:
  POST /sync/push    apply a batch of client updates
  GET  /sync/pull    read one page of changes after a cursor
  GET  /sync/events  WebSocket stream of change batches
  PUT  /media/...    upload an externalized blob
  GET  /media/...    download an externalized blob
  GET  /health       liveness and schema version

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		logger := config.NewLogger(&settings.Log)

		tr, closeStore := openTranslator(settings)
		defer closeStore()

		blobs, err := media.NewStore(settings.Media.Dir)
		if err != nil {
			fatal("opening media store: %v", err)
		}
		watcher, err := media.NewWatcher(blobs)
		if err != nil {
			fatal("creating media watcher: %v", err)
		}
		if err := watcher.Start(); err != nil {
			fatal("starting media watcher: %v", err)
		}
		defer watcher.Stop()
		go func() {
			for ev := range watcher.Events() {
				logger.Printf("media %s: %s", ev.Op, ev.Path)
			}
		}()

		hub := transport.NewHub(tr, &transport.Config{
			Blobs:    blobs,
			PageSize: settings.Sync.PageSize,
			Logger:   logger,
		})
		srv := server.New(hub, &server.Config{
			Port:   settings.Server.Port,
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			fatal("starting server: %v", err)
		}

		fmt.Printf("%s PageKeep sync server listening on %s\n", ui.RenderPass("✓"), srv.Addr())
		fmt.Printf("   Store: %s\n", settings.Store.DSN)
		fmt.Printf("   Media: %s\n", settings.Media.Dir)
		fmt.Printf("\nPress Ctrl+C to stop\n")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		fmt.Printf("\n%s Shutting down...\n", ui.RenderAccent("⏻"))
		if err := srv.Stop(); err != nil {
			fatal("stopping server: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
