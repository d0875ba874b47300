// Command kiwibench drives a configurable concurrent Push/TryPop workload
// against a kiwiqueue.Queue, for manual load testing and for reproducing
// the scenarios in the package's own test suite at larger scale.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pbnjay/memory"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	kiwiqueue "github.com/joeycumines/go-kiwiqueue"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "kiwibench",
		Usage: "drive a concurrent push/pop workload against a kiwiqueue.Queue",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "producers",
				Value: runtime.GOMAXPROCS(0),
				Usage: "number of concurrent producer goroutines",
			},
			&cli.IntFlag{
				Name:  "consumers",
				Value: runtime.GOMAXPROCS(0),
				Usage: "number of concurrent consumer goroutines",
			},
			&cli.IntFlag{
				Name:  "n",
				Value: 1_000_000,
				Usage: "total number of keys to push",
			},
			&cli.IntFlag{
				Name:  "chunk-capacity",
				Value: 1024,
				Usage: "fixed per-chunk slot capacity (N)",
			},
			&cli.Uint64Flag{
				Name:  "seed",
				Value: 0xDEADBEEF,
				Usage: "seed for each producer's key generator",
			},
			&cli.BoolFlag{
				Name:  "set-mem-limit",
				Usage: "derive GOMEMLIMIT from the cgroup/host memory limit before running",
			},
		},
		Action: func(cctx *cli.Context) error {
			return bench(cctx)
		},
	}
	return app.Run(args)
}

func bench(cctx *cli.Context) error {
	if cctx.Bool("set-mem-limit") {
		if _, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(0.9),
			memlimit.WithProvider(memlimit.FromSystem),
		); err != nil {
			log.Printf("kiwibench: automemlimit: %v (continuing with default GOMEMLIMIT)", err)
		}
	}

	producers := cctx.Int("producers")
	consumers := cctx.Int("consumers")
	n := cctx.Int("n")
	seed := cctx.Uint64("seed")

	log.Printf("kiwibench: total system memory: %d MiB", memory.TotalMemory()/(1<<20))
	log.Printf("kiwibench: producers=%d consumers=%d n=%d chunk-capacity=%d seed=0x%x",
		producers, consumers, n, cctx.Int("chunk-capacity"), seed)

	q := kiwiqueue.NewOrdered[uint64](
		kiwiqueue.WithCapacity[uint64](cctx.Int("chunk-capacity")),
		kiwiqueue.WithSeed[uint64](seed),
	)

	var pushed, popped atomic.Int64
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group

	for p := 0; p < producers; p++ {
		p := p
		share := n / producers
		if p == producers-1 {
			share = n - share*(producers-1)
		}
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, uint64(p)))
			for i := 0; i < share; i++ {
				q.Push(r.Uint64())
				pushed.Add(1)
			}
			return nil
		})
	}

	for c := 0; c < consumers; c++ {
		g.Go(func() error {
			for {
				if _, ok := q.TryPop(); ok {
					if popped.Add(1) >= int64(n) {
						return nil
					}
					continue
				}
				select {
				case <-done:
					if _, ok := q.TryPop(); ok {
						popped.Add(1)
					}
					return nil
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
		})
	}

	start := time.Now()
	go func() {
		for pushed.Load() < int64(n) {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	if err := g.Wait(); err != nil {
		return fmt.Errorf("kiwibench: %w", err)
	}

	elapsed := time.Since(start)
	log.Printf("kiwibench: pushed=%d popped=%d remaining=%d elapsed=%s",
		pushed.Load(), popped.Load(), q.Len(), elapsed)
	return nil
}
