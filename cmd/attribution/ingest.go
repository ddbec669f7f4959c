package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/ingestion"
	"gitlab.com/timkado/api/click-attribution/internal/jetstream"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		file     string
		tenantID string
		publish  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest --file leads.csv",
		Short: "Load click ids from a CSV or XLSX lead export as pending rows",
		Long: `Load click ids from a lead export. The first row must name an fbclid,
gclid or raw_id column; tenant and created_at columns are optional.

With --publish the records are sent to the NATS ingest subjects instead of
the local store, so a running serve instance picks them up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if file == "" {
				return fmt.Errorf("%w: --file is required", apperrors.ErrValidation)
			}
			lf, err := ingestion.ReadLeadFile(file)
			if err != nil {
				return err
			}
			for _, s := range lf.Skipped {
				a.log.Warn("Skipped lead row", zap.String("file", file), zap.String("reason", s))
			}

			if publish {
				client, err := jetstream.NewClient(a.cfg.NATS.URL, "click-attribution-ingest-cli")
				if err != nil {
					return err
				}
				defer client.Close()
				defaultTenant := tenantID
				if defaultTenant == "" {
					defaultTenant = a.cfg.Tenant.Default
				}
				res, err := ingestion.Publish(ctx, client, lf.Records, defaultTenant)
				out := map[string]int{
					"read":       len(lf.Records),
					"published":  res.Published,
					"duplicates": res.Duplicates,
					"skipped":    len(lf.Skipped),
				}
				if perr := a.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Published %d of %d records, %d duplicates (%d rows skipped)\n",
						res.Published, len(lf.Records), res.Duplicates, len(lf.Skipped))
				}); perr != nil {
					return perr
				}
				return err
			}

			store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
			if err != nil {
				return err
			}
			if tenantID != "" {
				ctx = tenant.WithTenant(ctx, tenantID)
			}
			svc := usecase.NewIngestService(store, a.cfg.Enrichment.BatchSize, a.cfg.Tenant.Default, a.log)
			report, err := svc.Ingest(ctx, usecase.SourceFile, lf.Records)
			if err != nil {
				return err
			}
			if perr := a.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Read %d records, inserted %d new, %d invalid, %d rows skipped\n",
					report.Received, report.Inserted, report.Invalid, len(lf.Skipped))
				for _, e := range report.Errors {
					fmt.Fprintf(w, "  record %d %q: %s\n", e.Index, e.RawID, e.Reason)
				}
			}); perr != nil {
				return perr
			}
			return partial(report.Invalid, report.Received)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "CSV or XLSX lead export")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant for rows without a tenant column")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish to NATS instead of writing the store")
	return cmd
}
