package maintenance

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("maintenance",
	fx.Provide(New),
	fx.Invoke(RunSweeper),
)

func RunSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				sweeper.RunForever(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}
