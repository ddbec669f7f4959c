package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	var tenantID, from, to string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count click ids by state for a tenant and date window",
		Example: `  attribution stats --tenant degrau
  attribution stats --tenant acme --from 2025-01-01 --to 2025-02-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fromTime, toTime, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
			if err != nil {
				return err
			}

			stats, err := a.facade(store).Stats(ctx, tenantID, fromTime, toTime)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				label := tenantID
				if label == "" {
					label = "all tenants"
				}
				fmt.Fprintf(w, "Tenant:           %s\n", label)
				fmt.Fprintf(w, "Total:            %d\n", stats.Total)
				fmt.Fprintf(w, "Resolved:         %d\n", stats.Resolved)
				fmt.Fprintf(w, "Not found:        %d\n", stats.NotFound)
				fmt.Fprintf(w, "Pending:          %d\n", stats.Pending)
				fmt.Fprintf(w, "Error:            %d\n", stats.Error)
				fmt.Fprintf(w, "Unique campaigns: %d\n", stats.UniqueCampaigns)
			})
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to aggregate, empty for all")
	cmd.Flags().StringVar(&from, "from", "", "window start (inclusive), e.g. 2025-01-01")
	cmd.Flags().StringVar(&to, "to", "", "window end (exclusive)")
	return cmd
}
