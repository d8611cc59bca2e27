package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/budgetsync/internal/buildinfo"
	"github.com/dmitrijs2005/budgetsync/internal/server"
	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// openStore is replaced in tests.
var openStore = func(ctx context.Context, c *config.Config) (repomanager.Store, error) {
	return server.OpenStore(ctx, c)
}

type globalFlags struct {
	configFile string
	storage    string
	dsn        string
	secret     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "syncadmin",
		Short:         "Administer a budgetsync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// -c is read again by the config loader; it is declared here so cobra
	// accepts it.
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "JSON config file")
	root.PersistentFlags().StringVar(&g.storage, "storage", "", "storage backend (postgres or memory)")
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&g.secret, "secret", "", "token signing secret")

	root.AddGroup(
		&cobra.Group{ID: "store", Title: "Storage commands:"},
		&cobra.Group{ID: "remote", Title: "Server commands:"},
	)

	root.AddCommand(
		newMigrateCmd(g),
		newCompactCmd(g),
		newGrantCmd(g),
		newRevokeCmd(g),
		newTokenCmd(g),
		newStatusCmd(g),
		newConflictsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				buildinfo.PrintBuildData(cmd.OutOrStdout())
			},
		},
	)
	return root
}

// load merges command-line overrides into the file and environment config.
func (g *globalFlags) load() *config.Config {
	c := config.LoadWithoutFlags()
	if g.storage != "" {
		c.Storage = g.storage
	}
	if g.dsn != "" {
		c.DatabaseDSN = g.dsn
	}
	if g.secret != "" {
		c.SecretKey = g.secret
	}
	return c
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
