package notify

import (
	"fmt"
	"strings"
)

type PaidOrderSummary struct {
	OrderSessionID  string
	ProductName     string
	VariantName     string
	CustomerEmail   string
	CustomerUserID  string
	StaffUserID     string
	Provider        string
	Reference       string
	TotalMinor      int64
	Currency        string
	PointsUsed      int64
	PointsEarned    int64
	ReferralOutcome string
	Answers         map[string]string
}

// StaffMessage is the paid-log entry. Answers must already be masked.
func StaffMessage(s PaidOrderSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Paid order %s\n", s.OrderSessionID)
	fmt.Fprintf(&b, "Product: %s / %s\n", s.ProductName, s.VariantName)
	fmt.Fprintf(&b, "Total: %s %s via %s", formatAmount(s.TotalMinor), s.Currency, s.Provider)
	if s.Reference != "" {
		fmt.Fprintf(&b, " (%s)", s.Reference)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Customer: %s", MaskEmail(s.CustomerEmail))
	if s.CustomerUserID != "" {
		fmt.Fprintf(&b, " <@%s>", s.CustomerUserID)
	}
	b.WriteString("\n")
	if s.StaffUserID != "" {
		fmt.Fprintf(&b, "Staff: <@%s>\n", s.StaffUserID)
	}
	fmt.Fprintf(&b, "Points used: %d, earned: %d\n", s.PointsUsed, s.PointsEarned)
	if s.ReferralOutcome != "" {
		fmt.Fprintf(&b, "Referral: %s\n", s.ReferralOutcome)
	}
	for _, key := range sortedKeys(s.Answers) {
		fmt.Fprintf(&b, "%s: %s\n", key, s.Answers[key])
	}
	return strings.TrimSpace(b.String())
}

func CustomerMessage(s PaidOrderSummary) string {
	var b strings.Builder
	if s.CustomerUserID != "" {
		fmt.Fprintf(&b, "<@%s> ", s.CustomerUserID)
	}
	fmt.Fprintf(&b, "payment received for %s (%s %s).", s.ProductName, formatAmount(s.TotalMinor), s.Currency)
	if s.PointsEarned > 0 {
		fmt.Fprintf(&b, " You earned %d points.", s.PointsEarned)
	}
	fmt.Fprintf(&b, " Order reference: %s", s.OrderSessionID)
	return b.String()
}

func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
