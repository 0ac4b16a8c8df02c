package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/lanrelay/internal/config"
	"github.com/1ureka/lanrelay/internal/discovery"
	"github.com/1ureka/lanrelay/internal/filetransfer"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

// relayAddrFlags adds --server and --port to cmd.
func relayAddrFlags(cmd *cobra.Command, server *string, port *int) {
	cmd.Flags().StringVar(server, "server", "127.0.0.1", "Relay server host")
	cmd.Flags().IntVar(port, "port", config.DefaultFilePort, "File relay port")
}

func newUploadCmd() *cobra.Command {
	var (
		server string
		port   int
	)

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := transport.JoinHostPort(server, port)
			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("uploading %s to %s", filepath.Base(args[0]), addr))

			if err := filetransfer.Upload(cmd.Context(), addr, args[0]); err != nil {
				spinner.Fail(err.Error())
				return fmt.Errorf("upload failed: %w", err)
			}
			spinner.Success(fmt.Sprintf("uploaded %s", filepath.Base(args[0])))
			return nil
		},
	}
	relayAddrFlags(cmd, &server, &port)
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		server string
		port   int
	)

	cmd := &cobra.Command{
		Use:   "download <name> [dir]",
		Short: "Download a stored file from the relay",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}

			addr := transport.JoinHostPort(server, port)
			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("downloading %s from %s", args[0], addr))

			path, err := filetransfer.Download(cmd.Context(), addr, args[0], dir)
			if err != nil {
				spinner.Fail(err.Error())
				return fmt.Errorf("download failed: %w", err)
			}
			spinner.Success(fmt.Sprintf("saved %s", path))
			return nil
		},
	}
	relayAddrFlags(cmd, &server, &port)
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		port int
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relay servers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := discovery.Discover(cmd.Context(), discovery.BroadcastTarget(port), wait)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				util.LogWarning("no relay server answered within %s", wait)
				return nil
			}
			util.LogSuccess("found %d server(s)", len(servers))
			for _, s := range servers {
				pterm.Println("  " + s)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultDiscoveryPort, "Discovery UDP port")
	cmd.Flags().DurationVar(&wait, "wait", discovery.DefaultWait, "How long to collect replies")
	return cmd
}
