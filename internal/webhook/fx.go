package webhook

import (
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/paylink"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/woocommerce"
	"github.com/smallbiznis/orderledger/internal/webhook/repository"
	"github.com/smallbiznis/orderledger/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			woocommerce.NewFactory(),
			paylink.NewFactory(),
		)
	}),
	fx.Provide(service.NewService),
)
