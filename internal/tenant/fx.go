package tenant

import (
	"github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/smallbiznis/orderledger/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(
		repository.NewDirectory,
		func(d *repository.Directory) domain.Directory { return d },
	),
)
