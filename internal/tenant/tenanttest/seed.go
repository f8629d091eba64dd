// Package tenanttest seeds tenant-owned rows for package tests.
package tenanttest

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/smallbiznis/orderledger/internal/tenant/secrets"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ConfigSecret = "tenanttest-config-secret"

// Models lists the tenant tables for AutoMigrate.
func Models() []any {
	return []any{&domain.GuildConfig{}, &domain.Product{}, &domain.ProductVariant{}, &domain.Integration{}}
}

type Store struct {
	TenantID  snowflake.ID
	GuildID   string
	ProductID snowflake.ID
	VariantID snowflake.ID
	Config    domain.GuildConfig
}

type StoreOptions struct {
	PointValueMinor     int64
	PriceMinor          int64
	CategoryKey         string
	EarnCategories      []string
	RedeemCategories    []string
	ReferralCategories  []string
	ReferralRewardMinor int64
	RewardTemplate      string
	PaidLogChannelID    string
	ReferralLogChannel  string
	Fields              datatypes.JSON
	BotCredential       datatypes.JSON
}

// SeedStore inserts a guild config with one product and one variant.
func SeedStore(t testing.TB, db *gorm.DB, node *snowflake.Node, opts StoreOptions) Store {
	t.Helper()

	if opts.PointValueMinor == 0 {
		opts.PointValueMinor = 10
	}
	if opts.PriceMinor == 0 {
		opts.PriceMinor = 2000
	}
	if opts.CategoryKey == "" {
		opts.CategoryKey = "accounts"
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := Store{
		TenantID:  node.Generate(),
		GuildID:   "guild-" + node.Generate().String(),
		ProductID: node.Generate(),
		VariantID: node.Generate(),
	}
	store.Config = domain.GuildConfig{
		TenantID:               store.TenantID,
		GuildID:                store.GuildID,
		Currency:               "GBP",
		PaidLogChannelID:       opts.PaidLogChannelID,
		ReferralLogChannelID:   opts.ReferralLogChannel,
		PointValueMinor:        opts.PointValueMinor,
		EarnCategoryKeys:       domain.EncodeKeys(opts.EarnCategories...),
		RedeemCategoryKeys:     domain.EncodeKeys(opts.RedeemCategories...),
		ReferralCategoryKeys:   domain.EncodeKeys(opts.ReferralCategories...),
		ReferralRewardMinor:    opts.ReferralRewardMinor,
		ReferralRewardTemplate: opts.RewardTemplate,
		BotCredential:          opts.BotCredential,
		UpdatedAt:              now,
	}
	if err := db.Create(&store.Config).Error; err != nil {
		t.Fatalf("seed guild config: %v", err)
	}

	if err := db.Create(&domain.Product{
		ID:          store.ProductID,
		TenantID:    store.TenantID,
		GuildID:     store.GuildID,
		Name:        "Starter account",
		CategoryKey: opts.CategoryKey,
		Fields:      opts.Fields,
		Active:      true,
		CreatedAt:   now,
	}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if err := db.Create(&domain.ProductVariant{
		ID:         store.VariantID,
		TenantID:   store.TenantID,
		ProductID:  store.ProductID,
		Name:       "Standard",
		PriceMinor: opts.PriceMinor,
		Currency:   "GBP",
		Active:     true,
		CreatedAt:  now,
	}).Error; err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	return store
}

// SeedIntegration stores an active integration with sealed secrets.
func SeedIntegration(t testing.TB, db *gorm.DB, node *snowflake.Node, store Store, provider, webhookKey, baseURL string, secretValues map[string]any) domain.Integration {
	t.Helper()

	sealed, err := secrets.NewBox(ConfigSecret).Seal(secretValues)
	if err != nil {
		t.Fatalf("seal integration config: %v", err)
	}
	item := domain.Integration{
		ID:         node.Generate(),
		TenantID:   store.TenantID,
		GuildID:    store.GuildID,
		Provider:   provider,
		WebhookKey: webhookKey,
		BaseURL:    baseURL,
		Config:     sealed,
		IsActive:   true,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return item
}
