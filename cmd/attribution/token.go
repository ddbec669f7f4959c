package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange and inspect upstream access tokens",
	}
	cmd.AddCommand(newTokenExchangeCmd(a), newTokenDebugCmd(a))
	return cmd
}

func newTokenExchangeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <short_lived_token>",
		Short: "Trade a short-lived user token for a long-lived one",
		Long: `Trade a short-lived user token for a long-lived one using FB_APP_ID and
FB_APP_SECRET. The new token is printed once; store it as FB_ACCESS_TOKEN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, expiresAt, err := a.upstreamClient().ExchangeLongLivedToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.log.Info("Long-lived token issued",
				zap.String("token_fingerprint", utils.Fingerprint(token)),
				zap.Time("expires_at", expiresAt))

			out := map[string]interface{}{"access_token": token, "expires_at": expiresAt}
			return a.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintln(w, token)
				if !expiresAt.IsZero() {
					fmt.Fprintf(w, "expires %s (in %s)\n", utils.FormatISO8601(expiresAt), time.Until(expiresAt).Round(time.Hour))
				}
			})
		},
	}
}

func newTokenDebugCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "debug [token]",
		Short: "Show validity, expiry and scopes of a token (the configured one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			}
			info, err := a.upstreamClient().DebugToken(cmd.Context(), token)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), info, func(w io.Writer) { printTokenInfo(w, info) })
		},
	}
}

func printTokenInfo(w io.Writer, info *model.TokenInfo) {
	fmt.Fprintf(w, "valid:   %t\n", info.IsValid)
	fmt.Fprintf(w, "type:    %s\n", info.Type)
	fmt.Fprintf(w, "app_id:  %s\n", info.AppID)
	if info.ExpiresAt.IsZero() {
		fmt.Fprintln(w, "expires: never")
	} else {
		fmt.Fprintf(w, "expires: %s\n", utils.FormatISO8601(info.ExpiresAt))
	}
	if len(info.Scopes) > 0 {
		fmt.Fprintf(w, "scopes:  %s\n", strings.Join(info.Scopes, ", "))
	}
}
