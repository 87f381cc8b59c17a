package main

import (
	"github.com/spf13/cobra"

	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/server"
)

var (
	configPath string
	debug      bool
)

// Execute builds the command tree and runs it. Without a subcommand the
// server is started.
func Execute() error {
	root := &cobra.Command{
		Use:           "talkative-server",
		Short:         "Chat server speaking framed JSON over TCP, SSH and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logx.Init(debug, nil)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), nil)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.talkative/server.toml", "path to the TOML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "human-readable debug logging")

	root.AddCommand(serveCmd(), useraddCmd())

	if err := root.Execute(); err != nil {
		logx.Error(err, "talkative-server failed")
		return err
	}
	return nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (server.ServerConfig, error) {
	file, err := server.LoadConfig(configPath)
	if err != nil {
		return server.ServerConfig{}, err
	}
	return file.ToServerConfig()
}
