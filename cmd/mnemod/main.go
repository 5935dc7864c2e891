// mnemod runs the bot core: serve attaches a line-based chat adapter stub,
// stats prints store statistics.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemobot/mnemo/config"
	"github.com/mnemobot/mnemo/core"
)

func main() {
	root := &cobra.Command{
		Use:           "mnemod",
		Short:         "Memory-backed Discord agent core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	var ce *core.ConfigError
	if errors.As(err, &ce) {
		return config.ExitConfig
	}
	var se *core.StoreError
	if errors.As(err, &se) && se.Kind == core.StoreUnavailable {
		return config.ExitUnavailable
	}
	return config.ExitRuntime
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot core against a stdin/stdout chat adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.Info("mnemod serving", "provider", cfg.ChatProvider, "model", cfg.ChatModel)
			return serveLines(ctx, a)
		},
	}
}

// serveLines reads one message per stdin line and streams replies to stdout.
// It is the adapter stub standing in for a real chat gateway.
func serveLines(ctx context.Context, a *app) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			ev := core.InboundEvent{
				AuthorID:  "local",
				ChannelID: "cli",
				IsDM:      true,
				Text:      line,
				Received:  time.Now(),
			}
			err := a.pipe.Handle(ctx, ev, func(chunk string, done bool) error {
				if chunk != "" {
					fmt.Print(chunk)
				}
				if done {
					fmt.Println()
				}
				return nil
			})
			if err != nil && !core.IsCancelled(err) {
				a.logger.Error("handle failed", "error", err)
			}
		}
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			stats, err := a.pipe.Stats(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
