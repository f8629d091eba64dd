package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// ConfigLookup reads guild store settings.
type ConfigLookup interface {
	GetGuildConfig(ctx context.Context, tenantID snowflake.ID, guildID string) (*GuildConfig, error)
}

// Catalog reads products and their variants.
type Catalog interface {
	GetProduct(ctx context.Context, tenantID, productID snowflake.ID) (*Product, error)
	GetVariant(ctx context.Context, tenantID, productID, variantID snowflake.ID) (*ProductVariant, error)
}

// IntegrationResolver opens integration records and their secrets.
type IntegrationResolver interface {
	ResolveByWebhookKey(ctx context.Context, provider, webhookKey string) (*ResolvedIntegration, error)
	ResolveByID(ctx context.Context, integrationID snowflake.ID) (*ResolvedIntegration, error)
	ResolveForGuild(ctx context.Context, tenantID snowflake.ID, guildID string) (*ResolvedIntegration, error)
}

// Directory bundles every tenant-owned lookup the settlement engine consumes.
type Directory interface {
	ConfigLookup
	Catalog
	IntegrationResolver
	// OpenSecret decrypts an envelope stored in a tenant column.
	OpenSecret(envelope []byte) (map[string]any, error)
}
