package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/allocation"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusCancelled      Status = "cancelled"
	StatusPaid           Status = "paid"
)

type ReservationState string

const (
	ReservationNone              ReservationState = "none"
	ReservationReserved          ReservationState = "reserved"
	ReservationReleasedExpired   ReservationState = "released_expired"
	ReservationReleasedCancelled ReservationState = "released_cancelled"
	ReservationConsumed          ReservationState = "consumed"
)

// Terminal reports whether no further reservation transition is allowed.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationReleasedExpired, ReservationReleasedCancelled, ReservationConsumed:
		return true
	default:
		return false
	}
}

type ReleaseReason string

const (
	ReleaseExpired   ReleaseReason = "expired"
	ReleaseCancelled ReleaseReason = "cancelled"
)

func (r ReleaseReason) TargetState() (ReservationState, bool) {
	switch r {
	case ReleaseExpired:
		return ReservationReleasedExpired, true
	case ReleaseCancelled:
		return ReservationReleasedCancelled, true
	default:
		return "", false
	}
}

// OrderSession is one checkout attempt. Rows are never deleted.
type OrderSession struct {
	ID                          snowflake.ID     `json:"id" gorm:"primaryKey"`
	TenantID                    snowflake.ID     `json:"tenant_id" gorm:"not null;index:ix_order_sessions_channel,priority:1"`
	GuildID                     string           `json:"guild_id" gorm:"size:191;not null;index:ix_order_sessions_channel,priority:2"`
	TicketChannelID             string           `json:"ticket_channel_id" gorm:"size:191;not null;index:ix_order_sessions_channel,priority:3"`
	StaffUserID                 string           `json:"staff_user_id" gorm:"size:191"`
	CustomerUserID              string           `json:"customer_user_id" gorm:"size:191"`
	ProductID                   snowflake.ID     `json:"product_id" gorm:"not null"`
	VariantID                   snowflake.ID     `json:"variant_id" gorm:"not null"`
	LineItems                   datatypes.JSON   `json:"line_items" gorm:"not null"`
	Currency                    string           `json:"currency" gorm:"size:191;not null"`
	CouponCode                  string           `json:"coupon_code" gorm:"size:191"`
	CouponDiscountMinor         int64            `json:"coupon_discount_minor" gorm:"not null;default:0"`
	CustomerEmail               string           `json:"customer_email" gorm:"size:191;not null"`
	CustomerEmailFingerprint    string           `json:"customer_email_fingerprint" gorm:"size:191;not null"`
	PointsReserved              int64            `json:"points_reserved" gorm:"not null;default:0"`
	PointsDiscountMinor         int64            `json:"points_discount_minor" gorm:"not null;default:0"`
	PointsReservationState      ReservationState `json:"points_reservation_state" gorm:"size:191;not null;index"`
	PointValueMinorSnapshot     int64            `json:"point_value_minor_snapshot" gorm:"not null"`
	EarnCategoriesSnapshot      datatypes.JSON   `json:"earn_categories_snapshot"`
	RedeemCategoriesSnapshot    datatypes.JSON   `json:"redeem_categories_snapshot"`
	PointsEarnSnapshot          int64            `json:"points_earn_snapshot" gorm:"not null;default:0"`
	ReferralRewardMinorSnapshot int64            `json:"referral_reward_minor_snapshot" gorm:"not null;default:0"`
	TipMinor                    int64            `json:"tip_minor" gorm:"not null;default:0"`
	SubtotalMinor               int64            `json:"subtotal_minor" gorm:"not null"`
	TotalMinor                  int64            `json:"total_minor" gorm:"not null"`
	Answers                     datatypes.JSON   `json:"answers"`
	CheckoutToken               string           `json:"checkout_token" gorm:"size:191;not null;uniqueIndex"`
	CheckoutExpiresAt           time.Time        `json:"checkout_expires_at" gorm:"not null;index"`
	Status                      Status           `json:"status" gorm:"size:191;not null;index"`
	PaidAt                      *time.Time       `json:"paid_at"`
	CancelledAt                 *time.Time       `json:"cancelled_at"`
	CreatedAt                   time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt                   time.Time        `json:"updated_at" gorm:"not null"`
}

func (OrderSession) TableName() string { return "order_sessions" }

func (s OrderSession) AccountKey() pointsdomain.AccountKey {
	return pointsdomain.NewAccountKey(s.TenantID, s.GuildID, s.CustomerEmail)
}

func (s OrderSession) Lines() []allocation.Line {
	var lines []allocation.Line
	if len(s.LineItems) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.LineItems, &lines); err != nil {
		return nil
	}
	return lines
}

func (s OrderSession) EarnCategories() allocation.CategorySet {
	return allocation.NewCategorySet(decodeKeys(s.EarnCategoriesSnapshot)...)
}

func (s OrderSession) RedeemCategories() allocation.CategorySet {
	return allocation.NewCategorySet(decodeKeys(s.RedeemCategoriesSnapshot)...)
}

func (s OrderSession) AnswerMap() map[string]string {
	out := map[string]string{}
	if len(s.Answers) == 0 {
		return out
	}
	_ = json.Unmarshal(s.Answers, &out)
	return out
}

// EmailFingerprint is the sha256 hex of the normalized email.
func EmailFingerprint(email string) string {
	sum := sha256.Sum256([]byte(pointsdomain.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
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
