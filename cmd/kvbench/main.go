package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-kvcache/internal/arrow_client"
	"github.com/23skdu/longbow-kvcache/internal/attention"
	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/monitoring"
	"github.com/23skdu/longbow-kvcache/internal/sequence"
	"github.com/23skdu/longbow-kvcache/internal/simd"
	"github.com/23skdu/longbow-kvcache/internal/snapshot"
)

var (
	numSteps    = flag.Int("n", 64, "Number of generation steps")
	hiddenDim   = flag.Int("d", 0, "Hidden dimension (overrides KVQ_HIDDEN_DIM)")
	capacity    = flag.Int("capacity", -1, "Cache capacity in steps, 0 for unbounded (overrides KVQ_CAPACITY)")
	weightsDir  = flag.String("weights", "", "Directory with q_proj/k_proj/v_proj raw tensors; synthetic weights when empty")
	quantized   = flag.Bool("quantized-weights", false, "Load int4 .kvq weights from -weights")
	int4Cache   = flag.Bool("int4-cache", false, "Store the KV cache as int4")
	scaled      = flag.Bool("scaled", false, "Scale attention scores by 1/sqrt(d)")
	seed        = flag.Int64("seed", 42, "Seed for synthetic weights and hidden states")
	skipBase    = flag.Bool("no-baseline", false, "Skip the cache-free recompute baseline")
	flightAddr  = flag.String("flight", "", "Push the final snapshot to this Flight server (host:port)")
	sequenceID  = flag.String("sequence", "kvbench", "Sequence id for the pushed snapshot")
	resumeSeq   = flag.String("resume", "", "Restore this sequence from the -flight server before generating")
	metricsAddr = flag.String("metrics", "", "Address to serve /health and /metrics (overrides KVQ_METRICS_ADDR)")
	noProgress  = flag.Bool("quiet", false, "Disable the progress bar")
)

type benchOptions struct {
	cfg        config.Config
	steps      int
	seed       int64
	weightsDir string
	quantized  bool
	baseline   bool
	progress   io.Writer
	monitor    *monitoring.HealthMonitor
	sequence   string
	resume     string
	store      arrow_client.SnapshotStore
}

type benchReport struct {
	Steps        int
	Resumed      int
	CachedTime   time.Duration
	BaselineTime time.Duration
	MaxDeviation float32
	Footprint    kvcache.Stats
	FootprintMB  float64
	Final        snapshot.Snapshot
}

func (r benchReport) Speedup() float64 {
	if r.CachedTime <= 0 || r.BaselineTime <= 0 {
		return 0
	}
	return r.BaselineTime.Seconds() / r.CachedTime.Seconds()
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg := config.Default()
	if err := cfg.LoadFromEnv(config.EnvPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *hiddenDim > 0 {
		cfg.HiddenDim = *hiddenDim
	}
	if *capacity >= 0 {
		cfg.Capacity = *capacity
	}
	if *int4Cache {
		cfg.Strategy = config.CacheInt4
	}
	if *scaled {
		cfg.ScaleScores = true
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *flightAddr != "" {
		cfg.FlightAddr = *flightAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		return 1
	}
	if *resumeSeq != "" && cfg.FlightAddr == "" {
		fmt.Fprintln(os.Stderr, "Error: -resume requires -flight or KVQ_FLIGHT_ADDR")
		return 1
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	monitor := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitor.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("Health server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = monitor.Stop(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sigChan:
			logger.Log.Info("Interrupt received, stopping after current step")
			cancel()
		case <-ctx.Done():
		}
	}()

	var progress io.Writer = os.Stderr
	if *noProgress {
		progress = nil
	}
	opts := benchOptions{
		cfg:        cfg,
		steps:      *numSteps,
		seed:       *seed,
		weightsDir: *weightsDir,
		quantized:  *quantized,
		baseline:   !*skipBase,
		progress:   progress,
		monitor:    monitor,
		sequence:   *sequenceID,
		resume:     *resumeSeq,
	}

	if cfg.FlightAddr != "" {
		client, err := arrow_client.NewFlightClientAddr(cfg.FlightAddr)
		if err != nil {
			logger.Log.Error("Invalid Flight address", "addr", cfg.FlightAddr, "error", err)
			return 1
		}
		if err := client.Connect(ctx); err != nil {
			logger.Log.Error("Flight connect failed", "addr", cfg.FlightAddr, "error", err)
			return 1
		}
		defer client.Close()
		opts.store = client
	}

	report, err := runBench(ctx, opts)
	if err != nil {
		logger.Log.Error("Benchmark failed", "error", err)
		return 1
	}
	printReport(os.Stdout, cfg, report)

	if opts.store != nil {
		if err := pushSnapshot(ctx, opts.store, report.Final); err != nil {
			logger.Log.Error("Snapshot push failed", "addr", cfg.FlightAddr, "error", err)
			return 1
		}
	}
	return 0
}

func loadWeights(opts benchOptions) (*sequence.Weights, error) {
	d := opts.cfg.HiddenDim
	switch {
	case opts.weightsDir == "":
		logger.Log.Info("Using synthetic projection weights", "hidden_dim", d, "seed", opts.seed)
		return sequence.SyntheticWeights(d, opts.seed)
	case opts.quantized:
		qw, err := sequence.LoadQuantizedWeights(opts.weightsDir, d)
		if err != nil {
			return nil, err
		}
		logger.Log.Info("Loaded int4 projection weights", "dir", opts.weightsDir, "bytes", qw.ByteSize())
		return qw.Dequantize()
	default:
		logger.Log.Info("Loading projection weights", "dir", opts.weightsDir)
		return sequence.LoadWeights(opts.weightsDir, d)
	}
}

func runBench(ctx context.Context, opts benchOptions) (benchReport, error) {
	if opts.steps <= 0 {
		return benchReport{}, fmt.Errorf("steps must be positive, got %d", opts.steps)
	}
	w, err := loadWeights(opts)
	if err != nil {
		return benchReport{}, err
	}
	runner, err := sequence.NewRunner(opts.cfg, w)
	if err != nil {
		return benchReport{}, err
	}
	report := benchReport{}
	if opts.resume != "" {
		if report.Resumed, err = resume(ctx, opts, runner.Cache()); err != nil {
			return report, err
		}
		if opts.baseline {
			logger.Log.Warn("Skipping recompute baseline, resumed snapshot carries no hidden states", "sequence", opts.resume)
			opts.baseline = false
		}
	}

	var attnOpts []attention.Option
	if opts.cfg.ScaleScores {
		attnOpts = append(attnOpts, attention.WithScaledScores())
	}

	var bar *progressbar.ProgressBar
	if opts.progress != nil {
		bar = progressbar.NewOptions(opts.steps,
			progressbar.OptionSetWriter(opts.progress),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	d := opts.cfg.HiddenDim
	rng := rand.New(rand.NewSource(opts.seed + 1))
	history := make([][]float32, 0, opts.steps)

	for i := 0; i < opts.steps; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		h := make([]float32, d)
		for j := range h {
			h[j] = float32(rng.NormFloat64())
		}
		history = append(history, h)

		start := time.Now()
		res, err := runner.Step(h)
		if err != nil {
			return report, fmt.Errorf("step %d: %w", i, err)
		}
		elapsed := time.Since(start)
		report.CachedTime += elapsed
		report.Steps++
		if opts.monitor != nil {
			opts.monitor.RecordStep(elapsed)
			opts.monitor.Publish(opts.sequence, runner.Cache())
		}

		if opts.baseline {
			start = time.Now()
			base, err := sequence.Recompute(runner.Weights(), history, attnOpts...)
			if err != nil {
				return report, fmt.Errorf("baseline step %d: %w", i, err)
			}
			report.BaselineTime += time.Since(start)
			if dev := simd.MaxAbsDiff(res.Output, base.Output); dev > report.MaxDeviation {
				report.MaxDeviation = dev
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	report.Footprint = kvcache.Describe(runner.Cache())
	report.FootprintMB = kvcache.FootprintMB(runner.Cache())
	report.Final = snapshot.Capture(opts.sequence, runner.Cache())
	return report, nil
}

func resume(ctx context.Context, opts benchOptions, c kvcache.KVCache) (int, error) {
	if opts.store == nil {
		return 0, fmt.Errorf("resume %s: no snapshot store configured", opts.resume)
	}
	snap, err := opts.store.GetSnapshot(ctx, opts.resume)
	if err != nil {
		return 0, fmt.Errorf("resume %s: %w", opts.resume, err)
	}
	if err := snap.Restore(c); err != nil {
		return 0, fmt.Errorf("resume %s: %w", opts.resume, err)
	}
	logger.Log.Info("Resumed KV snapshot", "sequence", opts.resume, "steps", snap.Steps, "strategy", snap.Strategy)
	return snap.Steps, nil
}

func printReport(w io.Writer, cfg config.Config, r benchReport) {
	fmt.Fprintf(w, "\nsteps:          %d (hidden_dim %d, %s cache)\n", r.Steps, cfg.HiddenDim, r.Footprint.Strategy)
	if r.Resumed > 0 {
		fmt.Fprintf(w, "resumed:        %d steps\n", r.Resumed)
	}
	fmt.Fprintf(w, "cached:         %v (%.2f steps/s)\n", r.CachedTime, float64(r.Steps)/max(r.CachedTime.Seconds(), 1e-9))
	if r.BaselineTime > 0 {
		fmt.Fprintf(w, "recompute:      %v\n", r.BaselineTime)
		fmt.Fprintf(w, "speedup:        %.2fx\n", r.Speedup())
		fmt.Fprintf(w, "max deviation:  %.3g\n", r.MaxDeviation)
	}
	if cfg.Bounded() {
		fmt.Fprintf(w, "capacity:       %d steps (%.1f%% used)\n", cfg.Capacity, r.Footprint.Usage*100)
	} else {
		fmt.Fprintf(w, "capacity:       unbounded\n")
	}
	fmt.Fprintf(w, "cache memory:   %.4f MB\n", r.FootprintMB)
}

func pushSnapshot(ctx context.Context, store arrow_client.SnapshotStore, s snapshot.Snapshot) error {
	if err := store.PutSnapshot(ctx, s); err != nil {
		return err
	}
	logger.Log.Info("Pushed KV snapshot", "sequence", s.Sequence, "steps", s.Steps)
	return nil
}
