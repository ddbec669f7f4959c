package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/storage"
)

func newMigrateCmd(a *app) *cobra.Command {
	var backupOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Check the store schema and bring it up to date",
		Long: `Check the attribution store and apply missing tables, columns and indexes.

On sqlite the file is integrity checked first and copied to a timestamped
backup before any existing table is altered. A corrupted file is never
modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx, false)
			if err != nil {
				return err
			}

			if backupOnly {
				path, err := store.Backup(ctx)
				if err != nil {
					return fmt.Errorf("backup failed: %w", err)
				}
				a.log.Info("Attribution store backed up", zap.String("backup_path", path))
				return a.print(cmd.OutOrStdout(), map[string]string{"backup_path": path}, func(w io.Writer) {
					fmt.Fprintf(w, "Backup written to %s\n", path)
				})
			}

			report, err := store.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return a.print(cmd.OutOrStdout(), report, func(w io.Writer) { printMigration(w, report) })
		},
	}

	cmd.Flags().BoolVar(&backupOnly, "backup-only", false, "only copy the sqlite file to a timestamped backup")
	return cmd
}

func printMigration(w io.Writer, r *storage.MigrationReport) {
	if !r.Changed() {
		fmt.Fprintln(w, "Schema is up to date")
		return
	}
	list := func(label string, items []string) {
		if len(items) > 0 {
			fmt.Fprintf(w, "%s: %s\n", label, strings.Join(items, ", "))
		}
	}
	list("Created tables", r.CreatedTables)
	list("Added columns", r.AddedColumns)
	list("Created indexes", r.CreatedIndexes)
	if r.Backfilled > 0 {
		fmt.Fprintf(w, "Backfilled rows: %d\n", r.Backfilled)
	}
	if r.BackupPath != "" {
		fmt.Fprintf(w, "Backup: %s\n", r.BackupPath)
	}
}
