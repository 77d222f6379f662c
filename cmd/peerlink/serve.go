package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ironfang-ltd/go-peerlink"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a server until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7400", Usage: "listen address"},
			&cli.StringFlag{Name: "alias", Value: "IpcServer"},
			&cli.StringFlag{Name: "admin", Usage: "admin HTTP address (status, peers, metrics); empty disables"},
			&cli.IntFlag{Name: "port-retries", Value: 0, Usage: "try up to N following ports when the listen port is taken"},
			&cli.StringSliceFlag{Name: "allow", Usage: "approve only these client aliases (default: approve all)"},
			&cli.BoolFlag{Name: "allow-duplicate-alias"},
		},
		Action: func(c *cli.Context) error {
			log := logger(c)
			opts := append(baseOptions(c, "server"),
				peerlink.WithAlias(c.String("alias")),
				peerlink.WithPortRetries(c.Int("port-retries")),
				peerlink.WithAllowDuplicateAlias(c.Bool("allow-duplicate-alias")),
			)
			if a := c.String("admin"); a != "" {
				opts = append(opts, peerlink.WithAdminAddr(a))
			}

			s, err := peerlink.NewServer(c.String("addr"), opts...)
			if err != nil {
				return err
			}
			if allow := c.StringSlice("allow"); len(allow) > 0 {
				s.OnHandshake(allowList(allow))
			}
			installDemoHandlers(s)
			s.OnMessageReceived(func(me *peerlink.MessageEvent) {
				log.Info("message",
					zap.String("from", me.Peer.Alias),
					zap.Any("metadata", me.Message.Metadata),
					zap.Int("bytes", len(me.Message.Payload)))
			})
			s.OnClientDisconnected(func(p *peerlink.Peer, reason string) {
				log.Info("client left", zap.String("alias", p.Alias), zap.String("reason", reason))
			})

			if err := s.Start(); err != nil {
				return err
			}
			log.Info("serving", zap.String("addr", s.Addr()), zap.String("network", c.String("network")))
			fmt.Printf("listening on %s\n", s.Addr())

			<-c.Context.Done()
			return s.Stop("server shutting down")
		},
	}
}

func allowList(aliases []string) peerlink.HandshakeFunc {
	allowed := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		allowed[strings.TrimSpace(a)] = true
	}
	return func(req *peerlink.HandshakeRequest) error {
		if !allowed[req.Alias] {
			return req.Deny("alias not allowed")
		}
		return req.Approve(peerlink.NewInfo(peerlink.Content{Metadata: peerlink.Metadata{"Welcome": "1"}}))
	}
}

// installDemoHandlers answers "Hello" by reversing the payload and "Echo"
// by returning it unchanged.
func installDemoHandlers(s *peerlink.Server) {
	s.HandleQuery("Hello", func(qe *peerlink.QueryEvent) {
		qe.Respond(peerlink.Content{Payload: reversed(qe.Query.Payload)}, peerlink.StatusSuccess)
	})
	s.HandleQuery("Echo", func(qe *peerlink.QueryEvent) {
		qe.Respond(peerlink.Content{Payload: qe.Query.Payload}, peerlink.StatusSuccess)
	})
}

func reversed(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}
