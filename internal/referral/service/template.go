package service

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const DefaultThankYouTemplate = "Thanks for the referral! {referred_email} just placed their first order and you earned {points} points (£{amount_gbp})."

type ThankYouVars struct {
	Points         int64
	AmountMinor    int64
	ReferredEmail  string
	ReferrerEmail  string
	OrderSessionID snowflake.ID
}

// RenderThankYou substitutes known placeholders. Unknown ones are left as written.
func RenderThankYou(template string, vars ThankYouVars) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultThankYouTemplate
	}
	return strings.NewReplacer(
		"{points}", fmt.Sprintf("%d", vars.Points),
		"{amount_gbp}", FormatMinor(vars.AmountMinor),
		"{referred_email}", vars.ReferredEmail,
		"{referrer_email}", vars.ReferrerEmail,
		"{order_session_id}", vars.OrderSessionID.String(),
	).Replace(template)
}

// FormatMinor renders minor units as a two-decimal major amount.
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
