package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/chn0318/replog/config"
	"github.com/chn0318/replog/crdt"
	"github.com/chn0318/replog/mapservice"
	"github.com/chn0318/replog/sharedlog"
	"github.com/chn0318/replog/sharedlog/memorylog"
	"github.com/chn0318/replog/syncserver"
)

type (
	op    = crdt.MapOp[string, string, string]
	state = crdt.Map[string, string, string]
)

var (
	addr        string
	totalOps    int
	concurrency int
	batch       int
	loglevel    string
)

var rootCmd = &cobra.Command{
	Use:   "perf",
	Short: "Measure commit and push throughput against a hub",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&addr, "addr", "localhost:50051", "gRPC address of the hub")
	f.IntVar(&totalOps, "total-ops", 10000, "total number of committed operations")
	f.IntVar(&concurrency, "concurrency", 32, "number of concurrent replicas")
	f.IntVar(&batch, "batch", 100, "operations committed between two pushes")
	f.StringVar(&loglevel, "log-level", "info", "debug, info, warn or error")
}

type result struct {
	ops    int
	pushes int
	errs   int
}

// worker drives one in-memory replica: it commits n additions and pushes
// to the hub after every batch.
func worker(ctx context.Context, id, n int, c *syncserver.Client[string, op]) result {
	actor := fmt.Sprintf("perf-%d", id)
	l := memorylog.NewMemoryLog[string, op](actor, sharedlog.WithMetrics(sharedlog.NewMetrics("memory")))
	r := mapservice.NewReplica[string, op](l, crdt.NewMap[string, string, string]())

	var res result
	var pending int
	push := func() {
		if _, err := c.Push(ctx, l); err != nil {
			res.errs++
			return
		}
		res.pushes++
		pending = 0
	}

	for i := 0; i < n; i++ {
		var next op
		r.View(func(m *state) {
			key := fmt.Sprintf("k-%d", i%64)
			next = m.Update(key, m.Dot(actor), func(s *crdt.Orswot[string, string], d sharedlog.Dot[string]) crdt.SetOp[string, string] {
				return s.Add(fmt.Sprintf("m-%d", i), d)
			})
		})
		if _, err := r.Update(next); err != nil {
			res.errs++
			continue
		}
		res.ops++
		pending++
		if pending >= batch {
			push()
		}
	}
	if pending > 0 {
		push()
	}
	return res
}

func run(cmd *cobra.Command, args []string) error {
	logger := config.NewLogger(os.Stderr, loglevel)
	level.Info(logger).Log("msg", "benchmark start", "addr", addr, "total", totalOps, "concurrency", concurrency, "batch", batch)

	c, err := syncserver.Dial[string, op](addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	results := make([]result, concurrency)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		n := totalOps / concurrency
		if w < totalOps%concurrency {
			n++
		}
		wg.Add(1)
		go func(id, n int) {
			defer wg.Done()
			results[id] = worker(ctx, id, n, c)
		}(w, n)
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	var total result
	for _, r := range results {
		total.ops += r.ops
		total.pushes += r.pushes
		total.errs += r.errs
	}

	level.Info(logger).Log(
		"msg", "benchmark result",
		"ops", total.ops,
		"pushes", total.pushes,
		"errors", total.errs,
		"elapsed_s", fmt.Sprintf("%.3f", elapsed),
		"ops_per_s", fmt.Sprintf("%.2f", float64(total.ops)/elapsed),
	)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
