package migration

import (
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	settlementdomain "github.com/smallbiznis/orderledger/internal/settlement/domain"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
)

// Models lists every persisted type, used by AutoMigrate on dialects the
// embedded SQL does not target.
func Models() []any {
	return []any{
		&tenantdomain.GuildConfig{},
		&tenantdomain.Product{},
		&tenantdomain.ProductVariant{},
		&tenantdomain.Integration{},
		&orderdomain.OrderSession{},
		&pointsdomain.Account{},
		&pointsdomain.LedgerEntry{},
		&referraldomain.Claim{},
		&referraldomain.FirstPaidGate{},
		&webhookdomain.Event{},
		&settlementdomain.PaidOrder{},
	}
}
