package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pagekeep/pagekeep/internal/config"
	"github.com/pagekeep/pagekeep/internal/ui"
)

var initYes bool

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "server",
	Short:   "Create config and device identity interactively",
	Long: `Set up a new PageKeep installation: walk through the server settings,
write the config file, and mint this machine's device identity.

With --yes the wizard is skipped and defaults are written as-is.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := config.Load("")
		if err != nil {
			fatal("%v", err)
		}

		port := strconv.Itoa(settings.Server.Port)
		deviceName := ""

		if !initYes {
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Server port").
						Value(&port).
						Validate(func(s string) error {
							if _, err := strconv.Atoi(s); err != nil {
								return fmt.Errorf("not a number: %q", s)
							}
							return nil
						}),
					huh.NewInput().
						Title("Store DSN").
						Description("A SQLite file path, or libsql://... for a hosted database").
						Value(&settings.Store.DSN),
					huh.NewInput().
						Title("Auth token").
						Description("Only for libsql:// databases; leave empty otherwise").
						Value(&settings.Store.AuthToken).
						EchoMode(huh.EchoModePassword),
					huh.NewInput().
						Title("Media directory").
						Description("Where externalized page content and annotation bodies land").
						Value(&settings.Media.Dir),
					huh.NewInput().
						Title("Device name").
						Description("How this machine shows up in change attribution").
						Value(&deviceName),
				),
			)
			if err := form.Run(); err != nil {
				fatal("%v", err)
			}
			settings.Server.Port, _ = strconv.Atoi(port)
		}

		if strings.HasPrefix(settings.Store.DSN, "libsql://") && settings.Store.AuthToken == "" {
			fmt.Printf("%s Hosted database without an auth token; the server may fail to connect\n",
				ui.RenderWarn("⚠"))
		}

		if err := config.Write(settings, configPath); err != nil {
			fatal("%v", err)
		}
		device, err := config.LoadDevice(devicePath, deviceName)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("\n%s PageKeep initialized\n", ui.RenderPass("✓"))
		fmt.Printf("   Config: %s\n", configPath)
		fmt.Printf("   Device: %s (%s)\n", device.Name, device.ID)
		fmt.Printf("\nNext: %s\n", ui.RenderAccent("pk serve"))
	},
}

func init() {
	initCmd.Flags().BoolVar(&initYes, "yes", false, "Accept defaults without prompting")
	rootCmd.AddCommand(initCmd)
}
