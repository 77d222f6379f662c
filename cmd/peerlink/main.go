// peerlink is a small command line front end for the peerlink library:
// run a server, send a one-off query, run the Hello demo in-process or
// measure query throughput over loopback.
//
// Run:  go run ./cmd/peerlink --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ironfang-ltd/go-peerlink"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "peerlink: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "peerlink",
		Usage: "peer-to-peer message endpoints over TCP or QUIC",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "minimum log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"PEERLINK_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "transport: tcp or quic",
				Value:   string(peerlink.NetworkTCP),
				EnvVars: []string{"PEERLINK_NETWORK"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := peerlink.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{"log": peerlink.NewLogger(level)}
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["log"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			queryCmd(),
			demoCmd(),
			benchCmd(),
		},
	}
}

func logger(c *cli.Context) *zap.Logger {
	if log, ok := c.App.Metadata["log"].(*zap.Logger); ok {
		return log
	}
	return zap.NewNop()
}

// baseOptions are shared by every endpoint a command creates.
func baseOptions(c *cli.Context, name string) []peerlink.Option {
	return []peerlink.Option{
		peerlink.WithNetwork(peerlink.Network(c.String("network"))),
		peerlink.WithLogger(logger(c).Named(name)),
	}
}
