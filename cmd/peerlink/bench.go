package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ironfang-ltd/go-peerlink"
)

type benchCounters struct {
	queries  atomic.Int64
	infos    atomic.Int64
	failures atomic.Int64
	waited   atomic.Int64 // total query round trip, ns
}

func benchCmd() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "measure query throughput between an in-process server and clients",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second},
			&cli.IntFlag{Name: "clients", Value: 4},
			&cli.IntFlag{Name: "workers", Value: 8, Usage: "concurrent callers per client"},
			&cli.IntFlag{Name: "payload", Value: 64, Usage: "payload size in bytes"},
			&cli.Float64Flag{Name: "info-ratio", Value: 0.0, Usage: "fraction of operations sent as fire-and-forget Info"},
			&cli.Float64Flag{Name: "rate", Value: 0, Usage: "operations per second across all workers; 0 is unlimited"},
		},
		Action: runBench,
	}
}

func runBench(c *cli.Context) error {
	clients, workers := c.Int("clients"), c.Int("workers")
	if clients < 1 || workers < 1 {
		return errors.New("clients and workers must be positive")
	}
	limit := rate.Inf
	if r := c.Float64("rate"); r > 0 {
		limit = rate.Limit(r)
	}
	limiter := rate.NewLimiter(limit, workers*clients)

	fmt.Printf("=== peerlink bench ===\n")
	fmt.Printf("  Network:    %s\n", c.String("network"))
	fmt.Printf("  Clients:    %d\n", clients)
	fmt.Printf("  Workers:    %d per client\n", workers)
	fmt.Printf("  Payload:    %d bytes\n", c.Int("payload"))
	fmt.Printf("  Info ratio: %.2f\n", c.Float64("info-ratio"))
	fmt.Printf("  Duration:   %s\n", c.Duration("duration"))
	fmt.Printf("  GOMAXPROCS: %d\n\n", runtime.GOMAXPROCS(0))

	s, err := peerlink.NewServer("127.0.0.1:0", append(baseOptions(c, "server"), peerlink.WithAlias("bench-server"))...)
	if err != nil {
		return err
	}
	s.HandleQuery("Echo", func(qe *peerlink.QueryEvent) {
		qe.Respond(peerlink.Content{Payload: qe.Query.Payload}, peerlink.StatusSuccess)
	})
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop("bench done")
	port := portOf(s.Addr())

	var conns []*peerlink.Client
	defer func() {
		for _, cl := range conns {
			cl.Disconnect("bench done")
		}
	}()
	for i := range clients {
		cl, err := peerlink.NewClient(append(baseOptions(c, "client"), peerlink.WithAlias(fmt.Sprintf("bench-%d", i+1)))...)
		if err != nil {
			return err
		}
		if err := cl.Start(); err != nil {
			return err
		}
		conns = append(conns, cl)
		if _, err := cl.Connect("127.0.0.1", port, 5*time.Second, peerlink.Content{}); err != nil {
			return fmt.Errorf("client %d: %w", i+1, err)
		}
	}

	var counters benchCounters
	payload := make([]byte, c.Int("payload"))
	infoEvery := 0
	if r := c.Float64("info-ratio"); r > 0 {
		infoEvery = max(1, int(1/r))
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("duration"))
	defer cancel()

	startCPU := processCPUTime()
	start := time.Now()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printProgress(s, &counters, time.Since(start))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, cl := range conns {
		for range workers {
			g.Go(func() error {
				return benchWorker(gctx, cl, limiter, payload, infoEvery, &counters)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	cpu := processCPUTime() - startCPU
	ops := counters.queries.Load() + counters.infos.Load()

	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Queries:         %d\n", counters.queries.Load())
	fmt.Printf("  Infos:           %d\n", counters.infos.Load())
	fmt.Printf("  Failures:        %d\n", counters.failures.Load())
	fmt.Printf("  Aggregate ops/s: %.0f\n", float64(ops)/elapsed.Seconds())
	if q := counters.queries.Load(); q > 0 {
		fmt.Printf("  Mean round trip: %s\n", time.Duration(counters.waited.Load()/q))
	}
	fmt.Printf("  CPU time:        %s (%.1f cores)\n\n", cpu.Truncate(time.Millisecond), cpu.Seconds()/elapsed.Seconds())
	printProgress(s, &counters, elapsed)
	return nil
}

func benchWorker(ctx context.Context, cl *peerlink.Client, limiter *rate.Limiter, payload []byte, infoEvery int, n *benchCounters) error {
	content := peerlink.Content{
		Metadata: peerlink.Metadata{peerlink.MetaHeader: "Echo"},
		Payload:  payload,
	}
	for i := 1; ; i++ {
		// Wait also fails early when the next token lands past the deadline.
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if infoEvery > 0 && i%infoEvery == 0 {
			if err := cl.Send(content, peerlink.DeliveryDefault); err != nil {
				n.failures.Add(1)
				continue
			}
			n.infos.Add(1)
			continue
		}
		sent := time.Now()
		reply, err := cl.Query(content, 5*time.Second, peerlink.DeliveryDefault)
		if err != nil || reply.Status != peerlink.StatusSuccess {
			if errors.Is(err, peerlink.ErrInvalidState) || errors.Is(err, peerlink.ErrClosed) {
				return err
			}
			n.failures.Add(1)
			continue
		}
		n.waited.Add(int64(time.Since(sent)))
		n.queries.Add(1)
	}
}

func printProgress(s *peerlink.Server, n *benchCounters, elapsed time.Duration) {
	snap := s.Metrics().Snapshot()
	ops := n.queries.Load() + n.infos.Load()
	rps := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rps = float64(ops) / secs
	}
	fmt.Printf("[%s] %10s %10s %10s %10s %8s %10s\n",
		elapsed.Truncate(time.Second), "RECV_Q", "RECV_I", "SENT_R", "DROPPED", "PEERS", "OPS/S")
	fmt.Printf("  %-8s %10d %10d %10d %10d %8d %10.0f\n",
		s.Alias(),
		snap["messages_received_total.query"],
		snap["messages_received_total.info"],
		snap["messages_sent_total.reply"],
		snap["frames_dropped_total.malformed"]+snap["frames_dropped_total.unauthorized"],
		snap["peers"],
		rps,
	)
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
