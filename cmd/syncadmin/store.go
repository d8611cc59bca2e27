package main

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server"
	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"github.com/spf13/cobra"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "migrate",
		GroupID: "store",
		Short:   "Apply pending schema migrations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := g.load()
			if c.Storage != config.StoragePostgres {
				return fmt.Errorf("migrate needs postgres storage, got %q", c.Storage)
			}
			db, err := repomanager.Open(cmd.Context(), c.DatabaseDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repomanager.NewPostgresRepositoryManager().RunMigrations(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCompactCmd(g *globalFlags) *cobra.Command {
	var retention time.Duration
	var batch int

	cmd := &cobra.Command{
		Use:     "compact",
		GroupID: "store",
		Short:   "Archive and remove ledger records past retention, purge expired idempotency keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := g.load()
			if cmd.Flags().Changed("retention") {
				c.LedgerRetention = retention
			}
			if cmd.Flags().Changed("batch") {
				c.CompactionBatchSize = batch
			}

			store, err := openStore(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer store.Close()

			archiver, err := server.NewArchiver(cmd.Context(), c)
			if err != nil {
				return err
			}

			stats, err := services.NewCompactor(store, archiver, nil, c, logging.Nop{}).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed=%d purged=%d horizon=%d\n", stats.Removed, stats.Purged, stats.Horizon)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override ledger retention")
	cmd.Flags().IntVar(&batch, "batch", 0, "override compaction batch size")
	return cmd
}

func parseRole(s string) (models.Role, error) {
	switch r := models.Role(s); r {
	case models.RoleViewer, models.RoleEditor, models.RoleAdmin:
		return r, nil
	}
	return models.RoleNone, fmt.Errorf("unknown role %q (want viewer, editor or admin)", s)
}

func newGrantCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "grant <user> <budget> <role>",
		GroupID: "store",
		Short:   "Give a user a role on a budget",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(args[2])
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), g.load())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Repos().Memberships.Upsert(cmd.Context(), args[0], args[1], role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s of %s\n", args[0], role, args[1])
			return nil
		},
	}
}

func newRevokeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <user> <budget>",
		GroupID: "store",
		Short:   "Remove a user's membership of a budget",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), g.load())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Repos().Memberships.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from %s\n", args[0], args[1])
			return nil
		},
	}
}
