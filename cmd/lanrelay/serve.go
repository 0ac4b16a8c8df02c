package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/lanrelay/internal/config"
	"github.com/1ureka/lanrelay/internal/server"
	"github.com/1ureka/lanrelay/internal/util"
)

func newServeCmd() *cobra.Command {
	var (
		services  string
		host      string
		storage   string
		maxSize   int64
		ports     = make(map[string]*int)
		portFlags = []struct {
			name  string
			def   int
			usage string
		}{
			{"video-port", config.DefaultVideoPort, "UDP port of the video relay"},
			{"audio-port", config.DefaultAudioPort, "UDP port of the audio relay"},
			{"chat-port", config.DefaultChatPort, "TCP port of the chat relay"},
			{"file-port", config.DefaultFilePort, "TCP port of the file relay"},
			{"screen-port", config.DefaultScreenPort, "TCP port of the screen relay"},
			{"discovery-port", config.DefaultDiscoveryPort, "UDP port of the discovery responder, 0 disables"},
			{"monitor-port", config.DefaultMonitorPort, "HTTP port of the monitor, 0 disables"},
		}
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: "Run the selected relays in one process. Settings come from .env files and\n" +
			"LANRELAY_* variables; flags given on the command line override both.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("service") {
				if cfg.Services, err = config.ParseServices(services); err != nil {
					return err
				}
			}
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("storage") {
				cfg.StorageDir = storage
			}
			if flags.Changed("max-file-size") {
				cfg.MaxFileSize = maxSize
			}

			targets := map[string]*int{
				"video-port":     &cfg.VideoPort,
				"audio-port":     &cfg.AudioPort,
				"chat-port":      &cfg.ChatPort,
				"file-port":      &cfg.FilePort,
				"screen-port":    &cfg.ScreenPort,
				"discovery-port": &cfg.DiscoveryPort,
				"monitor-port":   &cfg.MonitorPort,
			}
			for name, dst := range targets {
				if flags.Changed(name) {
					*dst = *ports[name]
				}
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			if err := srv.Run(cmd.Context()); err != nil {
				return err
			}
			util.LogInfo("server stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&services, "service", "s", "all", "Comma separated relays to run: all, video, audio, chat, file, screen")
	flags.StringVar(&host, "host", "", "Bind address (default all interfaces)")
	flags.StringVar(&storage, "storage", config.DefaultStorageDir, "Directory for uploaded files")
	flags.Int64Var(&maxSize, "max-file-size", config.DefaultMaxFileSize, "Largest accepted upload in bytes")
	for _, pf := range portFlags {
		ports[pf.name] = flags.Int(pf.name, pf.def, pf.usage)
	}

	return cmd
}
