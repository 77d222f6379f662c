package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ironfang-ltd/go-peerlink"
)

func queryCmd() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "connect to a server, send one query and print the reply",
		ArgsUsage: "[payload]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7400", Usage: "server address"},
			&cli.StringFlag{Name: "alias", Value: "IpcClient"},
			&cli.StringFlag{Name: "header", Value: "Echo", Usage: "query header"},
			&cli.StringSliceFlag{Name: "meta", Usage: "extra metadata as key=value"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
		},
		Action: func(c *cli.Context) error {
			host, portStr, err := net.SplitHostPort(c.String("addr"))
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("bad port %q: %w", portStr, err)
			}

			meta := peerlink.Metadata{peerlink.MetaHeader: c.String("header")}
			for _, kv := range c.StringSlice("meta") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("bad metadata %q, want key=value", kv)
				}
				meta[k] = v
			}

			cl, err := peerlink.NewClient(append(baseOptions(c, "client"), peerlink.WithAlias(c.String("alias")))...)
			if err != nil {
				return err
			}
			if err := cl.Start(); err != nil {
				return err
			}
			defer cl.Disconnect("query done")

			timeout := c.Duration("timeout")
			resp, err := cl.Connect(host, port, timeout, peerlink.Content{})
			if err != nil {
				return err
			}
			fmt.Printf("connected to %s, handshake response %s %v\n",
				cl.Server().Alias, resp.Kind(), peerlink.ContentOf(resp).Metadata)

			reply, err := cl.Query(peerlink.Content{Metadata: meta, Payload: []byte(c.Args().First())}, timeout, peerlink.DeliveryDefault)
			if err != nil {
				return err
			}
			fmt.Printf("reply %d: %s %v %q\n", reply.ID, reply.Status, reply.Metadata, reply.Payload)
			return nil
		},
	}
}
