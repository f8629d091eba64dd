package ordersession

import (
	"github.com/smallbiznis/orderledger/internal/ordersession/repository"
	"github.com/smallbiznis/orderledger/internal/ordersession/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ordersession.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
