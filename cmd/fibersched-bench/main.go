//go:build linux || darwin

// fibersched-bench runs a mixed CPU and I/O workload on one or more fiber
// schedulers, and reports the average wall time per round.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joeycumines/go-fibersched"
	"github.com/joeycumines/go-fibersched/internal/workload"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	fibers     int
	rounds     int
	schedulers int
	primeLimit int
	yieldEvery int
	shortSleep time.Duration
	longSleep  time.Duration
	timeout    time.Duration
	dir        string
	logLevel   string
	metrics    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	def := workload.DefaultConfig()
	o := options{
		fibers:     def.Fibers,
		rounds:     3,
		schedulers: 1,
		primeLimit: def.PrimeLimit,
		shortSleep: def.ShortSleep,
		longSleep:  def.LongSleep,
		timeout:    def.Timeout,
		dir:        def.Dir,
		logLevel:   logiface.LevelWarning.String(),
	}

	cmd := &cobra.Command{
		Use:   "fibersched-bench",
		Short: "Benchmark the fiber scheduler with CPU and I/O bound fibers",
		Long: `fibersched-bench spawns fibers on one or more schedulers. Half of them sum
primes, the rest sleep and then write or read a scratch file. Each scheduler
runs on its own goroutine, and the wall time is averaged over the rounds.

Examples:
  # The default: 3 rounds of 4 fibers
  fibersched-bench

  # 4 schedulers in parallel, CPU fibers yielding every 1000 candidates
  fibersched-bench --schedulers 4 --yield-every 1000
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), o)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&o.fibers, "fibers", "n", o.fibers, "Fibers per scheduler, split evenly between CPU and I/O work")
	flags.IntVarP(&o.rounds, "rounds", "r", o.rounds, "Rounds to average over")
	flags.IntVarP(&o.schedulers, "schedulers", "s", o.schedulers, "Schedulers to run in parallel, one goroutine each")
	flags.IntVar(&o.primeLimit, "prime-limit", o.primeLimit, "Upper bound of the prime sum computed by CPU fibers")
	flags.IntVar(&o.yieldEvery, "yield-every", o.yieldEvery, "Yield after this many prime candidates (0 disables)")
	flags.DurationVar(&o.shortSleep, "short-sleep", o.shortSleep, "Sleep before writing")
	flags.DurationVar(&o.longSleep, "long-sleep", o.longSleep, "Sleep before reading")
	flags.DurationVar(&o.timeout, "io-timeout", o.timeout, "Timeout for each file transfer")
	flags.StringVar(&o.dir, "dir", o.dir, "Directory for scratch files")
	flags.StringVar(&o.logLevel, "log-level", o.logLevel, "Log level (emerg, alert, crit, err, warning, notice, info, debug, trace, disabled)")
	flags.BoolVar(&o.metrics, "metrics", false, "Report scheduler counters")

	return cmd
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func run(ctx context.Context, stdout, stderr io.Writer, o options) error {
	if o.rounds < 1 || o.schedulers < 1 {
		return errors.New("rounds and schedulers must be positive")
	}
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	cfg := workload.Config{
		Logger:     logger,
		Dir:        o.dir,
		Fibers:     o.fibers,
		PrimeLimit: o.primeLimit,
		YieldEvery: o.yieldEvery,
		ShortSleep: o.shortSleep,
		LongSleep:  o.longSleep,
		Timeout:    o.timeout,
	}

	var total time.Duration
	for round := 1; round <= o.rounds; round++ {
		elapsed, stats, err := runRound(ctx, logger, cfg, o)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		total += elapsed
		fmt.Fprintf(stdout, "round %d: %s, %s fibers, prime sums %s, %s transferred\n",
			round,
			elapsed.Round(time.Millisecond),
			humanize.Comma(int64(stats.fibers)),
			humanize.Comma(int64(stats.sum)),
			humanize.IBytes(uint64(stats.bytes)),
		)
		if o.metrics {
			m := stats.metrics
			fmt.Fprintf(stdout, "  dispatches %s, polls %s, timeouts %s, unblocks %s\n",
				humanize.Comma(int64(m.Dispatches)),
				humanize.Comma(int64(m.Polls)),
				humanize.Comma(int64(m.Timeouts)),
				humanize.Comma(int64(m.Unblocks)),
			)
		}
	}

	avg := total / time.Duration(o.rounds)
	fmt.Fprintf(stdout, "average over %d rounds: %s\n", o.rounds, avg.Round(time.Millisecond))
	return nil
}

type roundStats struct {
	fibers  int
	sum     int
	bytes   int
	metrics fibersched.Metrics
}

func (x *roundStats) merge(results []workload.Result, m fibersched.Metrics) {
	x.fibers += len(results)
	for _, res := range results {
		x.sum += res.Sum
		x.bytes += res.Bytes
	}
	x.metrics.Dispatches += m.Dispatches
	x.metrics.Polls += m.Polls
	x.metrics.Timeouts += m.Timeouts
	x.metrics.Unblocks += m.Unblocks
}

// runRound runs one scheduler per goroutine. Schedulers bind to the goroutine
// that first runs them, so each is created inside its own goroutine.
func runRound(ctx context.Context, logger *logiface.Logger[logiface.Event], cfg workload.Config, o options) (time.Duration, roundStats, error) {
	type output struct {
		results []workload.Result
		metrics fibersched.Metrics
	}
	outputs := make([]output, o.schedulers)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := range o.schedulers {
		cfg := cfg
		cfg.Label = fmt.Sprintf("s%d-", i)
		g.Go(func() error {
			s, err := fibersched.New(
				fibersched.WithLogger(logger),
				fibersched.WithMetrics(o.metrics),
			)
			if err != nil {
				return err
			}
			defer s.Close()
			results, err := workload.Run(ctx, s, cfg)
			outputs[i] = output{results: results, metrics: s.Metrics()}
			return err
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)

	var stats roundStats
	for _, out := range outputs {
		stats.merge(out.results, out.metrics)
	}
	return elapsed, stats, err
}
