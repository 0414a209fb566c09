package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omoke1/Flowpay-sub000/internal/store"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := store.RunMigrations(ctx, pool)
			if err != nil {
				return err
			}
			applog.Bootstrap.Info().Int("applied", applied).Msg("migrations complete")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refund every expired pending transfer once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) (interface{}, error) {
				return rt.service.SweepExpiredTransfers(ctx)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var limit int
	var audit bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve stuck settlements against the ledger and exit",
		Long: `Resolve transfers left in claiming, refunding or failed states by reading
the ledger's view of each escrow. With --audit, also compare total ledger
custody against the store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) (interface{}, error) {
				result, err := rt.service.ReconcileStuckSettlements(ctx, limit)
				if err != nil || !audit {
					return result, err
				}
				report, err := rt.service.EscrowReconciliation(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"reconcile": result, "escrow": report}, nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum transfers to inspect")
	cmd.Flags().BoolVar(&audit, "audit", false, "also run the escrow custody audit")
	return cmd
}

// withRuntime builds the service, runs job and prints its result as JSON.
func withRuntime(cmd *cobra.Command, job func(context.Context, *runtime) (interface{}, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := job(ctx, rt)
	if err != nil {
		return fmt.Errorf("%s failed: %w", cmd.Name(), err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
