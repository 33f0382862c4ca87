package cli

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/internal/metrics"
	"github.com/calvinalkan/exmap/pkg/coord"
)

// BenchCmd returns the bench command.
func BenchCmd(a *app) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	flags.IntP("iterations", "n", 1000, "Fix/Unfix rounds per worker")
	flags.Uint64("hot", 256, "Number of pages the workers contend on")
	flags.Int("evict-every", 16, "Rounds between eviction passes")
	flags.Uint64("seed", 1, "Random seed for page selection")
	flags.String("metrics-file", "", "Write prometheus text metrics to `path`")

	return &Command{
		Flags:  flags,
		Device: true,
		Usage:  "bench [flags]",
		Short:  "Run all workers against a shared set of hot pages",
		Long: `Every worker repeatedly fixes a random hot page, bumps a counter stored
in it and unfixes it. Every --evict-every rounds it marks the pages it
touched and evicts the ones still marked.

Keep --hot at or below the buffer page budget, or refills fail once the
budget is exhausted.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			iterations, _ := flags.GetInt("iterations")
			hot, _ := flags.GetUint64("hot")
			evictEvery, _ := flags.GetInt("evict-every")
			seed, _ := flags.GetUint64("seed")
			metricsFile, _ := flags.GetString("metrics-file")

			switch {
			case metricsFile == "":
				metricsFile = a.cfg.MetricsFileAbs
			case !filepath.IsAbs(metricsFile):
				metricsFile = filepath.Join(a.cfg.EffectiveCwd, metricsFile)
			}

			return execBench(ctx, o, a, benchParams{
				iterations:  iterations,
				hot:         hot,
				evictEvery:  evictEvery,
				seed:        seed,
				metricsFile: metricsFile,
			})
		},
	}
}

type benchParams struct {
	iterations  int
	hot         uint64
	evictEvery  int
	seed        uint64
	metricsFile string
}

type benchStats struct {
	fixes    atomic.Int64
	refilled atomic.Int64
	marked   atomic.Int64
	evicted  atomic.Int64
}

func execBench(ctx context.Context, o *IO, a *app, p benchParams) (err error) {
	if p.iterations < 1 || p.evictEvery < 1 || p.hot < 1 {
		return fmt.Errorf("%w: iterations, hot and evict-every must be positive", errInvalidBench)
	}

	m := metrics.New()

	s, err := openSession(a.cfg, a.log, sessionOptions{pool: true, recorder: m})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	if p.hot > uint64(s.table.Len()) {
		return fmt.Errorf("%w: hot %d > %d region pages", errInvalidBench, p.hot, s.table.Len())
	}

	if err := m.WatchTable(s.table); err != nil {
		return err
	}

	var stats benchStats

	start := time.Now()

	err = s.pool.Run(ctx, func(ctx context.Context, w *coord.Worker) error {
		return benchWorker(ctx, s, w, p, &stats)
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start)

	o.Printf("threads=%d iterations=%d hot=%d\n", len(s.pool.Workers()), p.iterations, p.hot)
	o.Printf("fixes=%d refilled=%d marked=%d evicted=%d lock_retries=%d\n",
		stats.fixes.Load(), stats.refilled.Load(), stats.marked.Load(), stats.evicted.Load(), s.table.Retries())
	o.Printf("elapsed=%s per_fix=%s\n", elapsed.Round(time.Microsecond), perOp(elapsed, stats.fixes.Load()))

	if p.metricsFile != "" {
		if err := m.WriteFile(p.metricsFile); err != nil {
			return err
		}

		o.Println("metrics_file=" + p.metricsFile)
	}

	return nil
}

func benchWorker(ctx context.Context, s *session, w *coord.Worker, p benchParams, stats *benchStats) error {
	rng := rand.New(rand.NewPCG(p.seed, uint64(w.Index())))
	touched := make([]uint64, 0, p.evictEvery)

	for i := range p.iterations {
		id := rng.Uint64N(p.hot)

		refilled, err := w.Fix(ctx, id)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.Index(), err)
		}

		page, err := s.region.Page(id)
		if err != nil {
			return errors.Join(err, w.Unfix(id))
		}

		binary.NativeEndian.PutUint64(page, binary.NativeEndian.Uint64(page)+1)

		if err := w.Unfix(id); err != nil {
			return err
		}

		stats.fixes.Add(1)
		stats.refilled.Add(int64(refilled))

		touched = append(touched, id)

		if (i+1)%p.evictEvery != 0 {
			continue
		}

		marked, err := w.Mark(touched...)
		if err != nil {
			return err
		}

		evicted, err := w.Evict(ctx, touched)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.Index(), err)
		}

		stats.marked.Add(int64(marked))
		stats.evicted.Add(int64(evicted))

		touched = touched[:0]
	}

	return nil
}

func perOp(d time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}

	return d / time.Duration(n)
}
