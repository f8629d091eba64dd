package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/smallbiznis/orderledger/internal/tenant/secrets"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
	Cfg config.Config
}

type Directory struct {
	db  *gorm.DB
	log *zap.Logger
	box *secrets.Box
}

func NewDirectory(p Params) *Directory {
	return &Directory{
		db:  p.DB,
		log: p.Log.Named("tenant.directory"),
		box: secrets.NewBox(p.Cfg.IntegrationConfigSecret),
	}
}

// NewDirectoryWithBox builds a directory over an explicit secret box.
func NewDirectoryWithBox(db *gorm.DB, log *zap.Logger, box *secrets.Box) *Directory {
	return &Directory{db: db, log: log.Named("tenant.directory"), box: box}
}

func (d *Directory) GetGuildConfig(ctx context.Context, tenantID snowflake.ID, guildID string) (*domain.GuildConfig, error) {
	var item domain.GuildConfig
	err := d.db.WithContext(ctx).Raw(
		`SELECT tenant_id, guild_id, currency, paid_log_channel_id, referral_log_channel_id,
			point_value_minor, earn_category_keys, redeem_category_keys, referral_category_keys,
			referral_reward_minor, referral_reward_template, bot_credential, updated_at
		 FROM guild_configs
		 WHERE tenant_id = ? AND guild_id = ?
		 LIMIT 1`,
		tenantID,
		strings.TrimSpace(guildID),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TenantID == 0 {
		return nil, domain.ErrGuildConfigNotFound
	}
	return &item, nil
}

func (d *Directory) GetProduct(ctx context.Context, tenantID, productID snowflake.ID) (*domain.Product, error) {
	var item domain.Product
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, name, category_key, fields, active, created_at
		 FROM products
		 WHERE tenant_id = ? AND id = ?
		 LIMIT 1`,
		tenantID,
		productID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrProductNotFound
	}
	return &item, nil
}

func (d *Directory) GetVariant(ctx context.Context, tenantID, productID, variantID snowflake.ID) (*domain.ProductVariant, error) {
	var item domain.ProductVariant
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, product_id, name, price_minor, currency, active, created_at
		 FROM product_variants
		 WHERE tenant_id = ? AND product_id = ? AND id = ?
		 LIMIT 1`,
		tenantID,
		productID,
		variantID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, domain.ErrVariantNotFound
	}
	return &item, nil
}

func (d *Directory) ResolveByWebhookKey(ctx context.Context, provider, webhookKey string) (*domain.ResolvedIntegration, error) {
	webhookKey = strings.TrimSpace(webhookKey)
	if webhookKey == "" {
		return nil, domain.ErrIntegrationNotFound
	}
	var item domain.Integration
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, provider, webhook_key, base_url, config, is_active, created_at
		 FROM integrations
		 WHERE webhook_key = ? AND provider = ? AND is_active = TRUE
		 LIMIT 1`,
		webhookKey,
		strings.ToLower(strings.TrimSpace(provider)),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	return d.resolve(item)
}

func (d *Directory) ResolveByID(ctx context.Context, integrationID snowflake.ID) (*domain.ResolvedIntegration, error) {
	var item domain.Integration
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, provider, webhook_key, base_url, config, is_active, created_at
		 FROM integrations
		 WHERE id = ?
		 LIMIT 1`,
		integrationID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	return d.resolve(item)
}

func (d *Directory) ResolveForGuild(ctx context.Context, tenantID snowflake.ID, guildID string) (*domain.ResolvedIntegration, error) {
	var item domain.Integration
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, provider, webhook_key, base_url, config, is_active, created_at
		 FROM integrations
		 WHERE tenant_id = ? AND guild_id = ? AND is_active = TRUE
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID,
		strings.TrimSpace(guildID),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	return d.resolve(item)
}

func (d *Directory) OpenSecret(envelope []byte) (map[string]any, error) {
	return d.box.Open(envelope)
}

func (d *Directory) resolve(item domain.Integration) (*domain.ResolvedIntegration, error) {
	if item.ID == 0 {
		return nil, domain.ErrIntegrationNotFound
	}
	secretsMap, err := d.box.Open(item.Config)
	if err != nil {
		d.log.Warn("integration secrets unreadable",
			zap.String("integration_id", item.ID.String()),
			zap.String("provider", item.Provider),
			zap.Error(err),
		)
		return nil, err
	}
	return &domain.ResolvedIntegration{
		ID:       item.ID,
		TenantID: item.TenantID,
		GuildID:  item.GuildID,
		Provider: item.Provider,
		BaseURL:  strings.TrimRight(strings.TrimSpace(item.BaseURL), "/"),
		Secrets:  secretsMap,
	}, nil
}

var _ domain.Directory = (*Directory)(nil)
