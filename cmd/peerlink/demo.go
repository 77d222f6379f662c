package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ironfang-ltd/go-peerlink"
)

func demoCmd() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "start a server and a client in-process and exchange a Hello query",
		Action: func(c *cli.Context) error {
			s, err := peerlink.NewServer("127.0.0.1:0", append(baseOptions(c, "server"), peerlink.WithAlias("IpcServer"))...)
			if err != nil {
				return err
			}
			s.OnHandshake(allowList([]string{"IpcClient"}))
			s.OnClientConnected(func(p *peerlink.Peer) {
				fmt.Printf("[server] %s connected from %s\n", p.Alias, p.Address)
			})
			installDemoHandlers(s)
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Stop("demo complete")
			fmt.Printf("[server] listening on %s\n", s.Addr())

			cl, err := peerlink.NewClient(append(baseOptions(c, "client"), peerlink.WithAlias("IpcClient"))...)
			if err != nil {
				return err
			}
			if err := cl.Start(); err != nil {
				return err
			}
			defer cl.Disconnect("demo complete")

			resp, err := cl.Connect("127.0.0.1", portOf(s.Addr()), 5*time.Second, peerlink.Content{})
			if err != nil {
				return err
			}
			fmt.Printf("[client] connected, Welcome=%s\n", peerlink.ContentOf(resp).Metadata["Welcome"])

			payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
			fmt.Printf("[client] Hello %v\n", payload)
			reply, err := cl.Query(peerlink.Content{
				Metadata: peerlink.Metadata{peerlink.MetaHeader: "Hello"},
				Payload:  payload,
			}, 5*time.Second, peerlink.DeliveryDefault)
			if err != nil {
				return err
			}
			fmt.Printf("[client] reply %s %v\n", reply.Status, reply.Payload)

			if reply.Status != peerlink.StatusSuccess || string(reply.Payload) != string(reversed(payload)) {
				return fmt.Errorf("unexpected reply: %s %v", reply.Status, reply.Payload)
			}
			fmt.Println("\nDemo complete.")
			return nil
		},
	}
}
