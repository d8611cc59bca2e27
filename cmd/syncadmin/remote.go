package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/auth"
	gs "github.com/dmitrijs2005/budgetsync/internal/server/grpc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Mint an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.load()
			if !cmd.Flags().Changed("ttl") {
				ttl = c.AccessTokenValidityDuration
			}
			token, err := auth.GenerateToken(args[0], []byte(c.SecretKey), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	return cmd
}

type remoteFlags struct {
	addr   string
	user   string
	device string
}

func (r *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.addr, "addr", "localhost:50051", "gRPC address of the server")
	cmd.Flags().StringVar(&r.user, "user", "", "user to act as")
	cmd.Flags().StringVar(&r.device, "device", "syncadmin", "device id to report")
	_ = cmd.MarkFlagRequired("user")
}

// dial connects to the server and returns a context carrying a token for
// the chosen user.
func (r *remoteFlags) dial(ctx context.Context, g *globalFlags) (*gs.SyncClient, context.Context, func(), error) {
	c := g.load()
	token, err := auth.GenerateToken(r.user, []byte(c.SecretKey), 5*time.Minute)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := grpc.NewClient(r.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		common.AccessTokenHeaderName, token,
		common.DeviceIDHeaderName, r.device,
	)
	return gs.NewSyncClient(conn), ctx, func() { _ = conn.Close() }, nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	r := &remoteFlags{}
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "remote",
		Short:   "Show sync status of a user's device",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, closeFn, err := r.dial(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := client.Status(ctx, &gs.StatusRequest{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	r.register(cmd)
	return cmd
}

func newConflictsCmd(g *globalFlags) *cobra.Command {
	r := &remoteFlags{}
	var budgets []string
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "remote",
		Short:   "List pending conflicts visible to a user",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, closeFn, err := r.dial(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := client.ListConflicts(ctx, &gs.ListConflictsRequest{BudgetIDs: budgets})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Conflicts)
		},
	}
	r.register(cmd)
	cmd.Flags().StringSliceVar(&budgets, "budget", nil, "restrict to these budgets")
	return cmd
}
