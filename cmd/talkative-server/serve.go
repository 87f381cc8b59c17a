package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		tcpPort  int
		httpPort int
		sshPort  int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), func(cfg *server.ServerConfig) {
				flags := cmd.Flags()
				if flags.Changed("port") {
					cfg.TCPPort = tcpPort
				}
				if flags.Changed("http-port") {
					cfg.HTTPPort = httpPort
				}
				if flags.Changed("ssh-port") {
					cfg.SSHPort = sshPort
				}
			})
		},
	}
	cmd.Flags().IntVar(&tcpPort, "port", 0, "TCP port (overrides the config file)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP port for /metrics, /health and /ws (0 disables)")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 0, "SSH port (0 disables)")
	return cmd
}

// runServe starts the server and blocks until SIGINT or SIGTERM. Command
// line flags are applied on top of the file and environment settings.
func runServe(ctx context.Context, override func(*server.ServerConfig)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if override != nil {
		override(&cfg)
	}

	gw, err := database.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Engine, err)
	}

	srv, err := server.New(cfg, gw)
	if err != nil {
		gw.Close()
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}
	logx.Info("talkative server started",
		"tcp", cfg.TCPPort,
		"http", cfg.HTTPPort,
		"ssh", cfg.SSHPort,
		"storage", cfg.Storage.Engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logx.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
	return srv.Stop()
}
