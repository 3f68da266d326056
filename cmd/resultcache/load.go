package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/resultcache/cache"
	"github.com/flanksource/resultcache/config"
	"github.com/flanksource/resultcache/exec"
	"github.com/flanksource/resultcache/metrics"
	"github.com/flanksource/resultcache/shutdown"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const loadURLPattern = "https://load.test/item/%d"

// analysis stands in for the result of an expensive analysis call
type analysis struct {
	URL    string `json:"url"`
	Worker int    `json:"worker"`
	Score  int    `json:"score"`
}

// workerReport is what a worker prints to stdout for its parent
type workerReport struct {
	Errors   []string         `json:"errors,omitempty"`
	Metrics  metrics.Snapshot `json:"metrics"`
	Worker   int              `json:"worker"`
	Requests int              `json:"requests"`
	Cached   int              `json:"cached"`
	Computed int              `json:"computed"`
	Deleted  int              `json:"deleted"`
	Duration time.Duration    `json:"duration"`
}

func newLoadCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Exercise the cache from several worker processes at once",
		Long: `Initialize the cache, then spawn worker processes that each fetch, store and
delete results for a shared set of URLs, the way analysis workers would. When
all workers finish, their reports are summarized together with the cache
statistics, and maintenance runs on the way out.`,
		Example: `  resultcache load --workers 8 --requests 1000 --urls 100
  resultcache load --metrics-address :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, opts)
		},
	}

	load := config.DefaultConfig().Load
	flags := cmd.Flags()
	flags.IntVarP(&load.Workers, "workers", "w", load.Workers, "Worker processes to spawn")
	flags.IntVar(&load.Requests, "requests", load.Requests, "Operations per worker")
	flags.IntVar(&load.URLs, "urls", load.URLs, "Distinct URLs shared by all workers")
	flags.StringVar(&load.MetricsAddress, "metrics-address", load.MetricsAddress, "Serve Prometheus metrics on this address while running")
	flags.DurationVar(&load.Timeout, "timeout", load.Timeout, "Abort the run after this long")

	// explicit flags override the configuration loaded by the root command
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		flags.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "workers":
				opts.Config.Load.Workers = load.Workers
			case "requests":
				opts.Config.Load.Requests = load.Requests
			case "urls":
				opts.Config.Load.URLs = load.URLs
			case "metrics-address":
				opts.Config.Load.MetricsAddress = load.MetricsAddress
			case "timeout":
				opts.Config.Load.Timeout = load.Timeout
			}
		})
		return opts.Config.Validate()
	}
	return cmd
}

func runLoad(cmd *cobra.Command, opts *options) error {
	cfg := opts.Config.Load
	log := logger.GetLogger("load")

	ctx, stop := shutdown.OnSignal(cmd.Context())
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := cache.Initialize(ctx, opts.Config.Cache); err != nil {
		return err
	}

	recorder := metrics.NewRecorder(nil)
	c, err := opts.newCache(cache.WithMetrics(recorder), cache.WithLogger(log))
	if err != nil {
		return err
	}

	// Hooks run when this function returns, or on the first signal via ctx:
	// metrics server first, then any worker still running, then maintenance
	// once nothing else is writing.
	defer shutdown.Shutdown()
	shutdown.AddHookWithPriority("cache maintenance", shutdown.PriorityDatabase, func() {
		if err := c.Maintenance(context.Background()); err != nil {
			log.Warnf("maintenance after load failed: %v", err)
		}
	})
	if cfg.MetricsAddress != "" {
		serveMetrics(cfg.MetricsAddress, recorder, log)
	}

	seed := rand.Uint64()
	reports := make([]workerReport, cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		args := append([]string{
			"worker",
			"--id", fmt.Sprint(i),
			"--requests", fmt.Sprint(cfg.Requests),
			"--urls", fmt.Sprint(cfg.URLs),
			"--seed", fmt.Sprint(seed),
		}, opts.cacheArgs()...)

		p, err := exec.Self(args...)
		if err != nil {
			return err
		}
		p.WithLogger(logger.GetLogger(fmt.Sprintf("worker-%d", i)))
		if err := p.Start(gctx); err != nil {
			return err
		}

		g.Go(func() error {
			if err := p.Wait(); err != nil {
				return fmt.Errorf("worker %d failed: %w", i, err)
			}
			if err := json.Unmarshal(p.Stdout.Bytes(), &reports[i]); err != nil {
				return fmt.Errorf("worker %d returned an unreadable report: %w", i, err)
			}
			return nil
		})
	}
	log.Infof("Started %d workers against %s", cfg.Workers, opts.Config.Cache.DBPath)

	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	summary := summarize(reports)
	if err := writeLoadSummary(out, reports, summary, elapsed); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := writeStats(out, opts.Config.Cache.DBPath, stats, formatTable); err != nil {
		return err
	}

	if summary.Errors > 0 {
		return fmt.Errorf("%d operations failed across %d workers", summary.Errors, cfg.Workers)
	}
	return nil
}

func serveMetrics(addr string, recorder *metrics.Recorder, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server failed: %v", err)
		}
	}()
	log.Infof("Serving metrics on http://%s/metrics", addr)

	shutdown.AddHookWithPriority("metrics server", shutdown.PriorityIngress, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warnf("failed to stop metrics server: %v", err)
		}
	})
}

type loadSummary struct {
	Metrics  metrics.Snapshot
	Requests int
	Cached   int
	Computed int
	Deleted  int
	Errors   int
}

func summarize(reports []workerReport) loadSummary {
	summary := loadSummary{
		Requests: lo.SumBy(reports, func(r workerReport) int { return r.Requests }),
		Cached:   lo.SumBy(reports, func(r workerReport) int { return r.Cached }),
		Computed: lo.SumBy(reports, func(r workerReport) int { return r.Computed }),
		Deleted:  lo.SumBy(reports, func(r workerReport) int { return r.Deleted }),
		Errors:   lo.SumBy(reports, func(r workerReport) int { return len(r.Errors) }),
	}
	for _, r := range reports {
		summary.Metrics.Merge(r.Metrics)
	}
	return summary
}

func writeLoadSummary(w io.Writer, reports []workerReport, summary loadSummary, elapsed time.Duration) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "WORKER\tREQUESTS\tCACHED\tCOMPUTED\tDELETED\tRETRIES\tERRORS\tDURATION\n")
	fmt.Fprintf(tw, "------\t--------\t------\t--------\t-------\t-------\t------\t--------\n")
	for _, r := range reports {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%.0f\t%d\t%s\n",
			r.Worker, r.Requests, r.Cached, r.Computed, r.Deleted,
			totalRetries(r.Metrics), len(r.Errors), r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t%.0f\t%d\t%s\n",
		summary.Requests, summary.Cached, summary.Computed, summary.Deleted,
		totalRetries(summary.Metrics), summary.Errors, elapsed.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	lookups := summary.Cached + summary.Computed
	if lookups > 0 {
		fmt.Fprintf(w, "\nHit ratio: %.1f%%, %.0f ops/s\n",
			100*float64(summary.Cached)/float64(lookups),
			float64(summary.Requests)/elapsed.Seconds())
	}
	for _, r := range reports {
		for _, msg := range lo.Uniq(r.Errors) {
			fmt.Fprintf(w, "worker %d: %s\n", r.Worker, msg)
		}
	}
	return nil
}

func totalRetries(s metrics.Snapshot) float64 {
	return lo.Sum(lo.Values(s.Retries))
}

func newWorkerCommand(opts *options) *cobra.Command {
	var id, requests, urls int
	var seed uint64

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one load worker and print its report as JSON",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recorder := metrics.NewRecorder(nil)
			c, err := opts.newCache(cache.WithMetrics(recorder), cache.WithLogger(logger.GetLogger(fmt.Sprintf("worker-%d", id))))
			if err != nil {
				return err
			}

			ctx, stop := shutdown.OnSignal(cmd.Context())
			defer stop()

			report := runWorker(ctx, c, id, requests, urls, seed)
			if report.Metrics, err = recorder.Snapshot(); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "Worker number")
	cmd.Flags().IntVar(&requests, "requests", 100, "Operations to perform")
	cmd.Flags().IntVar(&urls, "urls", 50, "Distinct URLs to pick from")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed shared by all workers of a run")
	return cmd
}

// runWorker performs requests operations against urls shared URLs: mostly
// fetches, which compute and store on a miss, and an occasional delete so
// writers keep contending. Every result read back is checked against the
// URL it was stored for.
func runWorker(ctx context.Context, c *cache.Cache, id, requests, urls int, seed uint64) workerReport {
	rng := rand.New(rand.NewPCG(seed, uint64(id)))
	report := workerReport{Worker: id}
	start := time.Now()

	for i := 0; i < requests; i++ {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		report.Requests++
		url := fmt.Sprintf(loadURLPattern, rng.IntN(urls))

		if rng.IntN(20) == 0 {
			deleted, err := c.Delete(ctx, url)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			} else if deleted {
				report.Deleted++
			}
			continue
		}

		score := rng.IntN(100)
		result, cached, err := c.Fetch(ctx, url, func(context.Context) (any, error) {
			return analysis{URL: url, Worker: id, Score: score}, nil
		})
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if cached {
			report.Cached++
		} else {
			report.Computed++
		}

		var got analysis
		if err := json.Unmarshal(result, &got); err != nil || got.URL != url {
			report.Errors = append(report.Errors, fmt.Sprintf("result for %s does not match: %s", url, result))
		}
	}

	report.Duration = time.Since(start)
	return report
}
