package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
)

type enrichOptions struct {
	provider   string
	limit      int
	days       int
	seedOnMiss bool
	all        bool
}

func newEnrichCmd(a *app) *cobra.Command {
	var opts enrichOptions

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Resolve pending and stale click ids against the upstream",
		Example: `  attribution enrich --provider fb --limit 200
  attribution enrich --days 7 --seed-on-miss
  attribution enrich --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wcfg := usecase.WorkerConfigFromConfig(a.cfg)
			if opts.days > 0 {
				wcfg.StaleAfter = time.Duration(opts.days) * 24 * time.Hour
			}
			if cmd.Flags().Changed("seed-on-miss") {
				wcfg.SeedOnMiss = opts.seedOnMiss
			}
			if opts.all {
				return runEnrichAll(cmd, a, wcfg, opts.limit)
			}
			return runEnrich(cmd, a, wcfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "fb", "provider to enrich (fb, google)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum rows to process, 0 drains every eligible row")
	cmd.Flags().IntVar(&opts.days, "days", 0, "re-query resolved and not found rows older than this many days")
	cmd.Flags().BoolVar(&opts.seedOnMiss, "seed-on-miss", false, "post a conversion event for ids the search cannot resolve")
	cmd.Flags().BoolVar(&opts.all, "all", false, "enrich every configured provider in parallel")
	return cmd
}

func runEnrich(cmd *cobra.Command, a *app, wcfg usecase.WorkerConfig, opts enrichOptions) error {
	ctx := cmd.Context()
	provider, err := model.ParseProvider(opts.provider)
	if err != nil {
		return err
	}
	resolver, err := a.resolverFor(provider)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}

	worker := usecase.NewEnrichmentWorker(store, resolver, wcfg, a.log)
	result, runErr := worker.Drain(ctx, opts.limit)
	if perr := a.print(cmd.OutOrStdout(), result, func(w io.Writer) { printBatch(w, result) }); perr != nil {
		return perr
	}
	if runErr != nil {
		return runErr
	}
	return partial(result.Error, result.Total)
}

func runEnrichAll(cmd *cobra.Command, a *app, wcfg usecase.WorkerConfig, limit int) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}
	workers, err := a.workers(store, a.cfg.Enrichment.Providers, wcfg)
	if err != nil {
		return err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return err
	}

	rcfg := usecase.RunnerConfigFromConfig(a.cfg)
	rcfg.MaxRows = limit
	runner, err := usecase.NewRunner(workers, locker, rcfg, a.log)
	if err != nil {
		return err
	}
	defer runner.Stop()

	results, runErr := runner.RunOnce(ctx)
	providers := make([]string, 0, len(results))
	for p := range results {
		providers = append(providers, string(p))
	}
	sort.Strings(providers)

	var total usecase.BatchResult
	for _, p := range providers {
		total.Add(results[model.Provider(p)])
	}
	perr := a.print(cmd.OutOrStdout(), results, func(w io.Writer) {
		for _, p := range providers {
			printBatch(w, results[model.Provider(p)])
		}
	})
	if runErr != nil {
		return runErr
	}
	if perr != nil {
		return perr
	}
	if err := partial(total.Error, total.Total); err != nil {
		a.log.Warn("Enrichment finished with errored rows", zap.Int("errored", total.Error), zap.Int("total", total.Total))
		return err
	}
	return nil
}

func printBatch(w io.Writer, r usecase.BatchResult) {
	fmt.Fprintf(w, "%-8s total=%d resolved=%d not_found=%d error=%d duration=%s\n",
		r.Provider, r.Total, r.Success, r.NotFound, r.Error, r.Duration.Round(time.Millisecond))
	if r.AuthAborted {
		fmt.Fprintln(w, "         aborted: upstream rejected the access token")
	}
}
