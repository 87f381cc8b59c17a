// Command loadtest drives a talkative server with many bot clients that
// message each other and reports throughput and latency.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
)

type options struct {
	server       string
	clients      int
	duration     time.Duration
	minDelay     time.Duration
	maxDelay     time.Duration
	prefix       string
	password     string
	keyDir       string
	provision    string // sqlite path, empty to skip
	provisionDSN string // postgres DSN, empty to skip
	debug        bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		logx.Error(err, "loadtest failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Run bot clients against a talkative server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRun: func(cmd *cobra.Command, args []string) {
			logx.Init(o.debug, nil)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.clients < 2 {
				return fmt.Errorf("need at least 2 clients, got %d", o.clients)
			}
			if o.maxDelay <= o.minDelay {
				return fmt.Errorf("--max-delay must be greater than --min-delay")
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.server, "server", "127.0.0.1:7777", "server address (host:port, ws://..., ssh://...)")
	f.IntVar(&o.clients, "clients", 10, "number of concurrent clients")
	f.DurationVar(&o.duration, "duration", time.Minute, "test duration")
	f.DurationVar(&o.minDelay, "min-delay", 100*time.Millisecond, "minimum delay between messages")
	f.DurationVar(&o.maxDelay, "max-delay", time.Second, "maximum delay between messages")
	f.StringVar(&o.prefix, "user-prefix", "bot", "bot usernames are prefix followed by the bot number")
	f.StringVar(&o.password, "password", "loadtest", "password shared by all bots")
	f.StringVar(&o.keyDir, "key-dir", "", "send end-to-end encrypted messages using keys stored here")
	f.StringVar(&o.provision, "provision-sqlite", "", "create the bot users in this sqlite database first")
	f.StringVar(&o.provisionDSN, "provision-postgres", "", "create the bot users in this postgres database first")
	f.BoolVar(&o.debug, "debug", false, "human-readable debug logging")
	return cmd
}

func run(ctx context.Context, o options) error {
	names := make([]string, o.clients)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", o.prefix, i)
	}

	if cfg, ok := o.provisionConfig(); ok {
		created, err := provisionUsers(ctx, cfg, names, o.password)
		if err != nil {
			return fmt.Errorf("provision users: %w", err)
		}
		logx.Info("provisioned bot users", "engine", cfg.Engine, "created", created)
	}

	// Ramp up over a quarter of the test, ramp down in reverse.
	rampUp := o.duration / 4
	stagger := rampUp / time.Duration(o.clients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logx.Info("starting load test",
		"server", o.server,
		"clients", o.clients,
		"duration", o.duration.String(),
		"ramp_up", rampUp.String(),
		"encrypted", o.keyDir != "",
	)

	stats := &Stats{}
	stopReport := make(chan struct{})
	go reportLoop(stats, stopReport)

	var wg sync.WaitGroup
	start := time.Now()
spawn:
	for i, name := range names {
		select {
		case <-ctx.Done():
			break spawn
		default:
		}

		wg.Add(1)
		go func(id int, name string, shutdownDelay time.Duration) {
			defer wg.Done()
			bot := NewBotClient(id, name, names, o, stats)
			if err := bot.Connect(ctx); err != nil {
				stats.recordConnectionError()
				logx.Warn("bot failed to connect", "bot", name, "error", err.Error())
				return
			}
			stats.successfulClients.Add(1)
			bot.Run(ctx, o.duration, shutdownDelay)
		}(i, name, stagger*time.Duration(o.clients-i-1))

		time.Sleep(stagger)
	}

	wg.Wait()
	close(stopReport)
	printResults(stats, o, time.Since(start))
	return nil
}

func (o options) provisionConfig() (database.Config, bool) {
	switch {
	case o.provision != "":
		return database.Config{Engine: "sqlite", Path: o.provision}, true
	case o.provisionDSN != "":
		return database.Config{Engine: "postgres", DSN: o.provisionDSN}, true
	}
	return database.Config{}, false
}

func reportLoop(stats *Stats, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			s := stats.snapshot()
			elapsed := time.Since(start).Seconds()
			logx.Info("stats",
				"sent", s.Sent,
				"rate", fmt.Sprintf("%.1f/s", float64(s.Sent)/elapsed),
				"received", s.Received,
				"failed", s.Failed,
				"conn_errors", s.ConnErrors,
				"avg_ms", fmt.Sprintf("%.2f", s.AvgLatencyUs/1000),
				"goroutines", runtime.NumGoroutine(),
			)
		case <-stop:
			return
		}
	}
}

func printResults(stats *Stats, o options, elapsed time.Duration) {
	s := stats.snapshot()
	ok := stats.successfulClients.Load()

	avgDelay := (o.minDelay + o.maxDelay) / 2
	perClient := float64(o.duration) / float64(avgDelay)
	expected := perClient * float64(ok)
	efficiency := 0.0
	if expected > 0 {
		efficiency = float64(s.Sent) / expected * 100
	}

	fmt.Println()
	fmt.Println("=== Final Results ===")
	fmt.Printf("Clients: %d attempted, %d connected (%.1f%%)\n", o.clients, ok, float64(ok)/float64(o.clients)*100)
	fmt.Printf("Elapsed: %v\n", elapsed.Round(time.Second))
	fmt.Printf("Messages sent: %d (%.1f/s)\n", s.Sent, float64(s.Sent)/o.duration.Seconds())
	fmt.Printf("Messages received: %d\n", s.Received)
	fmt.Printf("Failures: %d\n", s.Failed)
	fmt.Printf("  - Send failures: %d\n", stats.sendFailures.Load())
	fmt.Printf("  - Request failures: %d\n", stats.requestFailures.Load())
	fmt.Printf("  - Decrypt failures: %d\n", stats.decryptFailures.Load())
	fmt.Printf("  - Disconnections: %d\n", stats.disconnections.Load())
	fmt.Printf("Connection errors: %d\n", s.ConnErrors)
	fmt.Printf("Average request latency: %.2fms\n", s.AvgLatencyUs/1000)
	fmt.Printf("Expected throughput: %.0f messages (%.1f per client)\n", expected, perClient)
	fmt.Printf("Actual vs expected: %.1f%%\n", efficiency)
	if s.Sent > 0 {
		fmt.Printf("Delivery rate: %.1f%%\n", float64(s.Received)/float64(s.Sent)*100)
	}
}
