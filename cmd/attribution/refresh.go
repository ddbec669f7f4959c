package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
)

func newRefreshCmd(a *app) *cobra.Command {
	var campaign string

	cmd := &cobra.Command{
		Use:   "refresh [raw_id...]",
		Short: "Move click ids back to pending so the next enrich run re-queries them",
		Example: `  attribution refresh IwAR_abc IwAR_def
  attribution refresh --campaign "Promo-Enero"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && campaign == "" {
				return fmt.Errorf("%w: pass raw ids or --campaign", apperrors.ErrValidation)
			}
			store, err := a.openStore(ctx, a.cfg.Database.AutoMigrate)
			if err != nil {
				return err
			}
			facade := a.facade(store)

			ids := append([]string(nil), args...)
			if campaign != "" {
				rows, err := facade.ByCampaign(ctx, campaign, "", 0)
				if err != nil {
					return err
				}
				for _, r := range rows {
					ids = append(ids, r.RawID)
				}
			}

			n, err := facade.Refresh(ctx, ids...)
			if err != nil {
				return err
			}
			out := map[string]int{"requested": len(ids), "refreshed": n}
			return a.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Refreshed %d of %d ids\n", n, len(ids))
			})
		},
	}

	cmd.Flags().StringVar(&campaign, "campaign", "", "refresh every id resolved to this campaign")
	return cmd
}
