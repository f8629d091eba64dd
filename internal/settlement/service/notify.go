package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/orderledger/internal/notify"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	referralservice "github.com/smallbiznis/orderledger/internal/referral/service"
	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sendThankYou posts the referral thank-you. Failures are logged only.
func (s *Service) sendThankYou(ctx context.Context, sc *settlementContext, reward *referraldomain.RewardResult) {
	vars := referralservice.ThankYouVars{
		Points:         reward.RewardPoints,
		AmountMinor:    reward.RewardMinor,
		ReferredEmail:  reward.ReferredEmail,
		OrderSessionID: sc.session.ID,
	}
	if reward.Claim != nil {
		vars.ReferrerEmail = reward.Claim.ReferrerEmail
	}
	_, err := s.dispatcher.WithTimeout(s.settlement.Get().NotifyTimeout).Send(ctx, notify.Message{
		Kind:     "referral_thank_you",
		TenantID: sc.guild.TenantID,
		Guild:    sc.guild,
		Channels: []string{sc.guild.ReferralLogChannelID, sc.guild.PaidLogChannelID},
		Content:  referralservice.RenderThankYou(sc.guild.ReferralRewardTemplate, vars),
	})
	if err != nil {
		sc.log.Warn("referral thank-you not delivered", zap.Error(err))
	}
}

// notify sends the staff paid-log entry and the customer confirmation
// concurrently. Each is claimed on the paid order first so a retried
// settlement never repeats a message that was already delivered.
func (s *Service) notify(ctx context.Context, sc *settlementContext, result *domain.Result) error {
	answers := notify.MaskAnswers(sc.session.AnswerMap(), sc.product.SensitiveFieldKeys())
	summary := notify.PaidOrderSummary{
		OrderSessionID:  sc.session.ID.String(),
		ProductName:     sc.product.Name,
		VariantName:     sc.variant.Name,
		CustomerEmail:   sc.session.CustomerEmail,
		CustomerUserID:  sc.session.CustomerUserID,
		StaffUserID:     sc.session.StaffUserID,
		Provider:        sc.event.Provider,
		Reference:       sc.signal.ProviderReference,
		TotalMinor:      sc.session.TotalMinor,
		Currency:        sc.session.Currency,
		PointsUsed:      sc.session.PointsReserved,
		PointsEarned:    sc.session.PointsEarnSnapshot,
		ReferralOutcome: result.Referral,
		Answers:         answers,
	}
	dispatcher := s.dispatcher.WithTimeout(s.settlement.Get().NotifyTimeout)

	var g errgroup.Group
	g.Go(func() error {
		return s.deliverOnce(ctx, sc, dispatcher, domain.NotificationStaff, notify.Message{
			Kind:     string(domain.NotificationStaff),
			TenantID: sc.guild.TenantID,
			Guild:    sc.guild,
			Channels: []string{sc.guild.PaidLogChannelID, sc.guild.ReferralLogChannelID},
			Content:  notify.StaffMessage(summary),
		})
	})
	g.Go(func() error {
		return s.deliverOnce(ctx, sc, dispatcher, domain.NotificationCustomer, notify.Message{
			Kind:     string(domain.NotificationCustomer),
			TenantID: sc.guild.TenantID,
			Guild:    sc.guild,
			Channels: []string{sc.session.TicketChannelID, sc.guild.PaidLogChannelID},
			Content:  notify.CustomerMessage(summary),
		})
	})
	return g.Wait()
}

func (s *Service) deliverOnce(ctx context.Context, sc *settlementContext, dispatcher *notify.Dispatcher, kind domain.NotificationKind, msg notify.Message) error {
	claimed, err := s.repo.ClaimNotification(ctx, s.db, sc.paid.ID, kind, s.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	delivery, sendErr := dispatcher.Send(ctx, msg)
	if sendErr != nil {
		// released even when the caller's ctx is already done
		if err := s.repo.ReleaseNotification(context.WithoutCancel(ctx), s.db, sc.paid.ID, kind); err != nil {
			sc.log.Error("release notification claim failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		return fmt.Errorf("%s notification: %w", kind, sendErr)
	}
	if delivery.FallbackUsed {
		sc.log.Info("notification delivered with fallback",
			zap.String("kind", string(kind)),
			zap.String("channel_id", delivery.ChannelID),
			zap.String("credential", delivery.Credential),
		)
	}
	return nil
}
