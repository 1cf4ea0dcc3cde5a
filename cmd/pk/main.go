// Command pk is the PageKeep sync server and its companion tooling:
// serve the sync API, push and pull updates locally, and move archives
// in and out of the normalized store.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/config"
	"github.com/pagekeep/pagekeep/internal/store/sqlitestore"
	pksync "github.com/pagekeep/pagekeep/internal/sync"
)

var (
	configPath string
	userID     string
	devicePath string
)

var rootCmd = &cobra.Command{
	Use:   "pk",
	Short: "Personal data sync server for saved pages and annotations",
	Long: `PageKeep keeps saved pages, annotations, tags, lists, and templates
in sync across devices through a central normalized store.

Devices push client-shaped updates; the server translates them into a
normalized model plus an append-only change log, and devices pull the
log incrementally from their own cursor.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pagekeep.yaml",
		"Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "local",
		"User id data commands operate as")
	rootCmd.PersistentFlags().StringVar(&devicePath, "device-file", "device.toml",
		"Path to the device identity file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error the way every subcommand reports failures.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadSettings() *config.Settings {
	settings, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	return settings
}

// storeDSN folds a hosted database auth token into the DSN.
func storeDSN(settings *config.Settings) string {
	dsn := settings.Store.DSN
	if settings.Store.AuthToken != "" && strings.HasPrefix(dsn, "libsql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "authToken=" + settings.Store.AuthToken
	}
	return dsn
}

// openTranslator opens the configured store and builds a translator
// over it. The returned closer releases the store.
func openTranslator(settings *config.Settings) (*pksync.Translator, func()) {
	st, err := sqlitestore.Open(storeDSN(settings))
	if err != nil {
		fatal("opening store: %v", err)
	}
	tr := pksync.New(st, &pksync.Config{
		Logger:               config.NewLogger(&settings.Log),
		ExternalizeThreshold: settings.Sync.ExternalizeKB << 10,
	})
	return tr, func() { _ = st.Close() }
}

// currentDevice loads (or mints) this installation's identity.
func currentDevice() *config.Device {
	device, err := config.LoadDevice(devicePath, "")
	if err != nil {
		fatal("loading device identity: %v", err)
	}
	return device
}
