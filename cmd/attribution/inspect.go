package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

type inspectResult struct {
	Attribution model.Attribution      `json:"attribution"`
	Row         *model.ClickIdentifier `json:"row,omitempty"`
	Errors      []model.ClickError     `json:"errors,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	var (
		enrich     bool
		errorLimit int
	)

	cmd := &cobra.Command{
		Use:   "inspect <raw_id>",
		Short: "Show the stored state and error history of one click id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rawID := args[0]
			store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
			if err != nil {
				return err
			}

			var enrichers []usecase.RowEnricher
			if enrich {
				if resolver, rerr := a.resolverFor(model.ProviderFacebook); rerr == nil {
					enrichers = append(enrichers, usecase.NewEnrichmentWorker(store, resolver, usecase.WorkerConfigFromConfig(a.cfg), a.log))
				}
			}
			view, err := a.facade(store, enrichers...).AttributionFor(ctx, rawID, usecase.LookupOptions{Enrich: enrich})
			if err != nil {
				return err
			}

			result := inspectResult{Attribution: view}
			if view.Known {
				row, err := store.Get(ctx, rawID)
				if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
					return err
				}
				result.Row = row
				if result.Errors, err = store.ErrorsFor(ctx, rawID, errorLimit); err != nil {
					return err
				}
			}
			return a.print(cmd.OutOrStdout(), result, func(w io.Writer) { printInspect(w, result) })
		},
	}

	cmd.Flags().BoolVar(&enrich, "enrich", false, "resolve the id now when it is missing or pending")
	cmd.Flags().IntVar(&errorLimit, "errors", 10, "number of recent errors to show")
	return cmd
}

func printInspect(w io.Writer, r inspectResult) {
	v := r.Attribution
	fmt.Fprintf(w, "raw_id:       %s\n", v.RawID)
	fmt.Fprintf(w, "state:        %s\n", v.State)
	fmt.Fprintf(w, "campaign:     %s\n", v.DisplayName)
	if !v.Known {
		fmt.Fprintln(w, "(not in store)")
		return
	}
	fmt.Fprintf(w, "canonical_id: %s\n", v.CanonicalID)
	fmt.Fprintf(w, "provider:     %s\n", v.Provider)
	fmt.Fprintf(w, "tenant:       %s\n", v.Tenant)
	if v.AdsetName != nil {
		fmt.Fprintf(w, "adset:        %s\n", *v.AdsetName)
	}
	if v.AdName != nil {
		fmt.Fprintf(w, "ad:           %s\n", *v.AdName)
	}
	if v.LastUpdated != nil {
		fmt.Fprintf(w, "last_updated: %s\n", utils.FormatISO8601(*v.LastUpdated))
	}
	if r.Row != nil {
		fmt.Fprintf(w, "attempts:     %d\n", r.Row.Attempts)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s  %s\n", e.Ts.Format(time.RFC3339), e.Reason)
		}
	}
}
