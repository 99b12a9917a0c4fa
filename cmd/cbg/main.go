package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nexfon/cbg/internal/apilog"
	"github.com/nexfon/cbg/internal/branch"
	"github.com/nexfon/cbg/internal/cache"
	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	"github.com/nexfon/cbg/internal/customer"
	"github.com/nexfon/cbg/internal/destination"
	"github.com/nexfon/cbg/internal/failedjob"
	"github.com/nexfon/cbg/internal/invoice"
	"github.com/nexfon/cbg/internal/lease"
	"github.com/nexfon/cbg/internal/logger"
	"github.com/nexfon/cbg/internal/migration"
	"github.com/nexfon/cbg/internal/mis"
	"github.com/nexfon/cbg/internal/observability/metrics"
	"github.com/nexfon/cbg/internal/observability/push"
	"github.com/nexfon/cbg/internal/operator"
	"github.com/nexfon/cbg/internal/packageplan"
	"github.com/nexfon/cbg/internal/payment"
	"github.com/nexfon/cbg/internal/profit"
	"github.com/nexfon/cbg/internal/ratingengine"
	"github.com/nexfon/cbg/internal/runtimeconfig"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	"github.com/nexfon/cbg/internal/scheduler"
	"github.com/nexfon/cbg/internal/server"
	"github.com/nexfon/cbg/internal/subscription"
	"github.com/nexfon/cbg/internal/tracking"
	"github.com/nexfon/cbg/internal/trunk"
	"github.com/nexfon/cbg/pkg/db"
	"github.com/nexfon/cbg/pkg/telemetry"
)

var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "cbg",
		Short:   "Charging and billing gateway",
		Version: Version,
	}
	root.AddCommand(serveCmd(), schedulerCmd(), allCmd(), migrateCmd(), importCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// infraModules are shared by every process variant. Migrations run on
// startup so a new schema version never races a rolling deploy.
func infraModules() fx.Option {
	return fx.Options(
		config.Module,
		logger.Module,
		telemetry.Module,
		db.Module,
		migration.Module,
		clock.Module,
		tracking.Module,
		metrics.Module,
		cache.Module,
	)
}

func domainModules() fx.Option {
	return fx.Options(
		runtimeconfig.Module,
		failedjob.Module,
		destination.Module,
		branch.Module,
		operator.Module,
		packageplan.Module,
		customer.Module,
		subscription.Module,
		invoice.Module,
		payment.Module,
		profit.Module,
		apilog.Module,
		ratingengine.Module,
		trunk.Module,
		mis.Module,
	)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API without background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			fx.New(
				infraModules(),
				domainModules(),
				server.Module,
				fx.Invoke(reconcileConfigs),
			).Run()
			return nil
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run background jobs without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fx.New(
				infraModules(),
				domainModules(),
				lease.Module,
				push.Module,
				scheduler.Module,
			).Run()
			return nil
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the HTTP API and background jobs in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			fx.New(
				infraModules(),
				domainModules(),
				server.Module,
				lease.Module,
				push.Module,
				scheduler.Module,
			).Run()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				logger.Module,
				db.Module,
				migration.Module,
			)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}
			return app.Stop(ctx)
		},
	}
}

// The scheduler reconciles runtime configs itself; serve-only processes do
// it here so a fresh deploy never reads an incomplete config table.
func reconcileConfigs(lc fx.Lifecycle, configs runtimeconfigdomain.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			inserted, pruned, err := configs.Reconcile(ctx)
			if err != nil {
				return err
			}
			if inserted > 0 || pruned > 0 {
				log.Info("runtime configs reconciled",
					zap.Int("inserted", inserted),
					zap.Int("pruned", pruned),
				)
			}
			return nil
		},
	})
}
