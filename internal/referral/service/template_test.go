package service

import (
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestRenderThankYou(t *testing.T) {
	got := RenderThankYou(
		"{referrer_email}: +{points} pts (£{amount_gbp}) for {referred_email} on {order_session_id} {unknown}",
		ThankYouVars{
			Points:         50,
			AmountMinor:    505,
			ReferredEmail:  "bob@example.com",
			ReferrerEmail:  "alice@example.com",
			OrderSessionID: snowflake.ID(42),
		},
	)
	want := "alice@example.com: +50 pts (£5.05) for bob@example.com on 42 {unknown}"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderThankYouDefaultTemplate(t *testing.T) {
	got := RenderThankYou("  ", ThankYouVars{Points: 3, AmountMinor: 30, ReferredEmail: "bob@example.com"})
	want := "Thanks for the referral! bob@example.com just placed their first order and you earned 3 points (£0.30)."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestFormatMinor(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 1999: "19.99", -250: "-2.50"}
	for in, want := range cases {
		if got := FormatMinor(in); got != want {
			t.Fatalf("FormatMinor(%d) = %q, want %q", in, got, want)
		}
	}
}
