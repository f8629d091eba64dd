package settlement

import (
	"context"

	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	"github.com/smallbiznis/orderledger/internal/settlement/queue"
	"github.com/smallbiznis/orderledger/internal/settlement/repository"
	"github.com/smallbiznis/orderledger/internal/settlement/service"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(repository.Provide),
	fx.Provide(
		service.NewService,
		func(s *service.Service) domain.Processor { return s },
	),
	fx.Provide(
		queue.New,
		func(q *queue.Queue) webhookdomain.Enqueuer { return q },
	),
	fx.Invoke(RunQueue),
)

func RunQueue(lc fx.Lifecycle, q *queue.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				q.Run(ctx)
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
