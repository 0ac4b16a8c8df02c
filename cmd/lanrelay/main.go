// lanrelay: CLI entry point.
//
// It runs the LAN meeting relays (video, audio, chat, file transfer and
// screen sharing) and provides small client commands for file transfer and
// server discovery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/lanrelay/internal/config"
	"github.com/1ureka/lanrelay/internal/util"
)

var version = "dev"

// Persistent flags shared by every subcommand.
var (
	debugMode bool
	envFiles  []string
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lanrelay",
		Short:         "LAN meeting relay for video, audio, chat, files and screen sharing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debugMode {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("lanrelay v%s", version))
			pterm.Println()
		},
	}

	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "Extra .env files to load (default ./.env if present)")

	root.AddCommand(newServeCmd(), newUploadCmd(), newDownloadCmd(), newDiscoverCmd())
	return root
}

// loadConfig reads .env files and LANRELAY_* variables. --debug on the
// command line wins over LANRELAY_DEBUG.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Debug && !debugMode {
		debugMode = true
		util.EnableDebug()
	}
	return cfg, nil
}
