package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Run),
)

func Run(lc fx.Lifecycle, sched *Scheduler, configs runtimeconfigdomain.Service, log *zap.Logger) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			inserted, pruned, err := configs.Reconcile(startCtx)
			if err != nil {
				return err
			}
			if inserted > 0 || pruned > 0 {
				log.Info("runtime configs reconciled",
					zap.Int("inserted", inserted),
					zap.Int("pruned", pruned),
				)
			}

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
