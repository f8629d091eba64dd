package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventReservationCreated  EventType = "reservation_created"
	EventReservationReleased EventType = "reservation_released"
	EventReservationConsumed EventType = "reservation_consumed"
	EventEarn                EventType = "earn"
	EventManualAdd           EventType = "manual_add"
	EventManualRemove        EventType = "manual_remove"
	EventReferralReward      EventType = "referral_reward"
)

// AccountKey identifies a points account.
type AccountKey struct {
	TenantID snowflake.ID
	GuildID  string
	Email    string
}

func NewAccountKey(tenantID snowflake.ID, guildID, email string) AccountKey {
	return AccountKey{
		TenantID: tenantID,
		GuildID:  strings.TrimSpace(guildID),
		Email:    NormalizeEmail(email),
	}
}

func (k AccountKey) Valid() bool {
	return k.TenantID != 0 && k.GuildID != "" && k.Email != ""
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Account struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID       snowflake.ID `json:"tenant_id" gorm:"not null;uniqueIndex:ux_points_accounts_identity,priority:1"`
	GuildID        string       `json:"guild_id" gorm:"size:191;not null;uniqueIndex:ux_points_accounts_identity,priority:2"`
	Email          string       `json:"email" gorm:"size:191;not null;uniqueIndex:ux_points_accounts_identity,priority:3"`
	BalancePoints  int64        `json:"balance_points" gorm:"not null;default:0"`
	ReservedPoints int64        `json:"reserved_points" gorm:"not null;default:0"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "points_accounts" }

// Available is the spendable balance; reserved may exceed balance after removals.
func (a Account) Available() int64 {
	available := a.BalancePoints - a.ReservedPoints
	if available < 0 {
		return 0
	}
	return available
}

// LedgerEntry is an append-only record of one account mutation.
type LedgerEntry struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	AccountID      snowflake.ID   `json:"account_id" gorm:"not null;index"`
	TenantID       snowflake.ID   `json:"tenant_id" gorm:"not null;index:ix_points_ledger_scope,priority:1"`
	GuildID        string         `json:"guild_id" gorm:"size:191;not null;index:ix_points_ledger_scope,priority:2"`
	Email          string         `json:"email" gorm:"size:191;not null;index:ix_points_ledger_scope,priority:3"`
	DeltaPoints    int64          `json:"delta_points" gorm:"not null"`
	ReservedDelta  int64          `json:"reserved_delta" gorm:"not null;default:0"`
	EventType      EventType      `json:"event_type" gorm:"size:191;not null"`
	OrderSessionID *snowflake.ID  `json:"order_session_id,omitempty" gorm:"index"`
	Metadata       datatypes.JSON `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "points_ledger_entries" }

// Adjustment reports what a mutation actually applied.
type Adjustment struct {
	Account   Account
	Requested int64
	Applied   int64
	Entry     *LedgerEntry
}

// Projection is an account balance recomputed from the ledger.
type Projection struct {
	BalancePoints  int64
	ReservedPoints int64
	Entries        int
}
