package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/allocation"
	"gorm.io/datatypes"
)

// GuildConfig is the per-guild store configuration owned by the dashboard.
type GuildConfig struct {
	TenantID               snowflake.ID   `json:"tenant_id" gorm:"primaryKey"`
	GuildID                string         `json:"guild_id" gorm:"primaryKey;size:191"`
	Currency               string         `json:"currency" gorm:"size:191;not null;default:'GBP'"`
	PaidLogChannelID       string         `json:"paid_log_channel_id" gorm:"size:191"`
	ReferralLogChannelID   string         `json:"referral_log_channel_id" gorm:"size:191"`
	PointValueMinor        int64          `json:"point_value_minor" gorm:"not null;default:1"`
	EarnCategoryKeys       datatypes.JSON `json:"earn_category_keys"`
	RedeemCategoryKeys     datatypes.JSON `json:"redeem_category_keys"`
	ReferralCategoryKeys   datatypes.JSON `json:"referral_category_keys"`
	ReferralRewardMinor    int64          `json:"referral_reward_minor" gorm:"not null;default:0"`
	ReferralRewardTemplate string         `json:"referral_reward_template" gorm:"type:text"`
	// BotCredential is an encrypted envelope holding a tenant-owned bot token.
	BotCredential datatypes.JSON `json:"-"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
}

func (GuildConfig) TableName() string { return "guild_configs" }

func (c GuildConfig) EarnCategories() allocation.CategorySet {
	return allocation.NewCategorySet(decodeKeys(c.EarnCategoryKeys)...)
}

func (c GuildConfig) RedeemCategories() allocation.CategorySet {
	return allocation.NewCategorySet(decodeKeys(c.RedeemCategoryKeys)...)
}

func (c GuildConfig) ReferralCategories() allocation.CategorySet {
	return allocation.NewCategorySet(decodeKeys(c.ReferralCategoryKeys)...)
}

func decodeKeys(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil
	}
	return keys
}

// EncodeKeys stores category keys in the JSON column layout.
func EncodeKeys(keys ...string) datatypes.JSON {
	if keys == nil {
		keys = []string{}
	}
	out, _ := json.Marshal(keys)
	return datatypes.JSON(out)
}

type Product struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID    snowflake.ID   `json:"tenant_id" gorm:"not null;index"`
	GuildID     string         `json:"guild_id" gorm:"size:191;not null"`
	Name        string         `json:"name" gorm:"size:191;not null"`
	CategoryKey string         `json:"category_key" gorm:"size:191;not null"`
	Fields      datatypes.JSON `json:"fields"`
	Active      bool           `json:"active" gorm:"not null;default:true"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// ProductField describes one checkout question asked for a product.
type ProductField struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Sensitive bool   `json:"sensitive"`
}

func (p Product) FieldDefinitions() []ProductField {
	if len(p.Fields) == 0 {
		return nil
	}
	var fields []ProductField
	if err := json.Unmarshal(p.Fields, &fields); err != nil {
		return nil
	}
	return fields
}

// SensitiveFieldKeys returns the lowercased keys whose answers must be masked.
func (p Product) SensitiveFieldKeys() map[string]struct{} {
	out := map[string]struct{}{}
	for _, field := range p.FieldDefinitions() {
		if field.Sensitive {
			out[strings.ToLower(strings.TrimSpace(field.Key))] = struct{}{}
		}
	}
	return out
}

type ProductVariant struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID   snowflake.ID `json:"tenant_id" gorm:"not null;index"`
	ProductID  snowflake.ID `json:"product_id" gorm:"not null;index"`
	Name       string       `json:"name" gorm:"size:191;not null"`
	PriceMinor int64        `json:"price_minor" gorm:"not null"`
	Currency   string       `json:"currency" gorm:"size:191;not null"`
	Active     bool         `json:"active" gorm:"not null;default:true"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
}

func (ProductVariant) TableName() string { return "product_variants" }

// Integration links a guild to an external payment provider.
type Integration struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID   snowflake.ID   `json:"tenant_id" gorm:"not null;index"`
	GuildID    string         `json:"guild_id" gorm:"size:191;not null"`
	Provider   string         `json:"provider" gorm:"size:191;not null"`
	WebhookKey string         `json:"webhook_key" gorm:"size:191;not null;uniqueIndex"`
	BaseURL    string         `json:"base_url" gorm:"type:text"`
	Config     datatypes.JSON `json:"-" gorm:"not null"`
	IsActive   bool           `json:"is_active" gorm:"not null;default:true"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null"`
}

func (Integration) TableName() string { return "integrations" }

// ResolvedIntegration is an integration with its secrets opened.
type ResolvedIntegration struct {
	ID       snowflake.ID
	TenantID snowflake.ID
	GuildID  string
	Provider string
	BaseURL  string
	Secrets  map[string]any
}

func (r ResolvedIntegration) Secret(key string) string {
	if r.Secrets == nil {
		return ""
	}
	value, ok := r.Secrets[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
