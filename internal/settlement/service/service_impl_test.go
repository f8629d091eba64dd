package service_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/notify"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	orderrepo "github.com/smallbiznis/orderledger/internal/ordersession/repository"
	orderservice "github.com/smallbiznis/orderledger/internal/ordersession/service"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	pointsrepo "github.com/smallbiznis/orderledger/internal/points/repository"
	pointsservice "github.com/smallbiznis/orderledger/internal/points/service"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	referralrepo "github.com/smallbiznis/orderledger/internal/referral/repository"
	referralservice "github.com/smallbiznis/orderledger/internal/referral/service"
	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	"github.com/smallbiznis/orderledger/internal/settlement/repository"
	"github.com/smallbiznis/orderledger/internal/settlement/service"
	tenantrepo "github.com/smallbiznis/orderledger/internal/tenant/repository"
	"github.com/smallbiznis/orderledger/internal/tenant/secrets"
	"github.com/smallbiznis/orderledger/internal/tenant/tenanttest"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/paylink"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/woocommerce"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	webhookrepo "github.com/smallbiznis/orderledger/internal/webhook/repository"
	"github.com/smallbiznis/orderledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	paidLogChannel     = "paid-log"
	referralLogChannel = "referral-log"
	ticketChannel      = "ticket-1"
)

type post struct {
	token   string
	channel string
	content string
}

type recordingPoster struct {
	mu    sync.Mutex
	posts []post
	fail  func(channel, content string) error
}

func (p *recordingPoster) PostMessage(ctx context.Context, token, channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(channelID, content); err != nil {
			return err
		}
	}
	p.posts = append(p.posts, post{token: token, channel: channelID, content: content})
	return nil
}

func (p *recordingPoster) setFail(fn func(channel, content string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
}

func (p *recordingPoster) sent() []post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]post(nil), p.posts...)
}

func (p *recordingPoster) count(prefix string) int {
	n := 0
	for _, item := range p.sent() {
		if strings.HasPrefix(item.content, prefix) {
			n++
		}
	}
	return n
}

type fixture struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	store       tenanttest.Store
	integration snowflake.ID
	points      pointsdomain.Service
	sessions    orderdomain.Service
	referrals   referraldomain.Service
	poster      *recordingPoster
	svc         *service.Service
	paidOrders  domain.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	models := append(tenanttest.Models(),
		&orderdomain.OrderSession{},
		&pointsdomain.Account{},
		&pointsdomain.LedgerEntry{},
		&referraldomain.Claim{},
		&referraldomain.FirstPaidGate{},
		&webhookdomain.Event{},
		&domain.PaidOrder{},
	)
	db := dbtest.Open(t, models...)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC))

	store := tenanttest.SeedStore(t, db, node, tenanttest.StoreOptions{
		EarnCategories:      []string{"accounts"},
		RedeemCategories:    []string{"accounts"},
		ReferralCategories:  []string{"accounts"},
		ReferralRewardMinor: 500,
		RewardTemplate:      "{referrer_email} earned {points} points from {referred_email}",
		PaidLogChannelID:    paidLogChannel,
		ReferralLogChannel:  referralLogChannel,
		Fields:              datatypes.JSON(`[{"key":"username","label":"Username"},{"key":"account_secret","label":"Secret","sensitive":true}]`),
	})
	integration := tenanttest.SeedIntegration(t, db, node, store, woocommerce.ProviderName, "wc-key", "", map[string]any{
		"webhook_secret": "wc_secret",
	})

	directory := tenantrepo.NewDirectoryWithBox(db, zap.NewNop(), secrets.NewBox(tenanttest.ConfigSecret))
	points := pointsservice.NewService(pointsservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: pointsrepo.Provide(), Clock: clk,
	})
	sessions := orderservice.NewService(orderservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: orderrepo.Provide(), Points: points,
		Tenants: directory, Clock: clk, Cfg: config.Config{CheckoutBaseURL: "https://shop.test"},
	})
	referrals := referralservice.NewService(referralservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: referralrepo.Provide(), Points: points, Clock: clk,
	})
	poster := &recordingPoster{}
	dispatcher := notify.NewDispatcher(notify.DispatcherParams{
		Poster:      poster,
		Credentials: notify.NewCredentialResolver(config.Config{Discord: config.DiscordConfig{BotToken: "default-token"}}, directory, zap.NewNop()),
		Log:         zap.NewNop(),
	})
	paidOrders := repository.Provide()
	svc := service.NewService(service.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       paidOrders,
		Sessions:   sessions,
		Points:     points,
		Referrals:  referrals,
		Tenants:    directory,
		Adapters:   adapters.NewRegistry(woocommerce.NewFactory(), paylink.NewFactory()),
		Dispatcher: dispatcher,
		Clock:      clk,
	})

	return fixture{
		db:          db,
		node:        node,
		clock:       clk,
		store:       store,
		integration: integration.ID,
		points:      points,
		sessions:    sessions,
		referrals:   referrals,
		poster:      poster,
		svc:         svc,
		paidOrders:  paidOrders,
	}
}

func (f fixture) key(email string) pointsdomain.AccountKey {
	return pointsdomain.NewAccountKey(f.store.TenantID, f.store.GuildID, email)
}

func (f fixture) grant(t *testing.T, email string, points int64) {
	t.Helper()
	_, err := f.points.AddPoints(context.Background(), pointsdomain.AdjustRequest{Key: f.key(email), Points: points})
	require.NoError(t, err)
}

func (f fixture) createSession(t *testing.T, email string, usePoints bool) snowflake.ID {
	t.Helper()
	res, err := f.sessions.CreateSaleSessionFromBot(context.Background(), orderdomain.CreateSaleRequest{
		TenantID:            f.store.TenantID,
		GuildID:             f.store.GuildID,
		TicketChannelID:     ticketChannel,
		StaffUserID:         "staff-1",
		CustomerUserID:      "customer-1",
		CustomerEmail:       email,
		Items:               []orderdomain.SaleItem{{ProductID: f.store.ProductID, VariantID: f.store.VariantID}},
		CouponCode:          "SPRING",
		CouponDiscountMinor: 500,
		TipMinor:            150,
		UsePoints:           usePoints,
		Answers:             map[string]string{"username": "buyer", "account_secret": "hunter2"},
	})
	require.NoError(t, err)
	return res.OrderSessionID
}

func (f fixture) wooEvent(t *testing.T, sessionID snowflake.ID, status, fingerprint string) *webhookdomain.Event {
	t.Helper()
	payload := fmt.Sprintf(`{"id":77,"status":%q,"total":"12.50","currency":"GBP","meta_data":[{"key":"order_session_id","value":"%s"}]}`, status, sessionID)
	return f.storeEvent(t, f.integration, woocommerce.ProviderName, fingerprint, payload)
}

func (f fixture) storeEvent(t *testing.T, integrationID snowflake.ID, provider, fingerprint, payload string) *webhookdomain.Event {
	t.Helper()
	now := f.clock.Now()
	event := &webhookdomain.Event{
		ID:             f.node.Generate(),
		TenantID:       f.store.TenantID,
		GuildID:        f.store.GuildID,
		IntegrationID:  integrationID,
		Provider:       provider,
		Topic:          "order.updated",
		Fingerprint:    fingerprint,
		SignatureValid: true,
		Payload:        datatypes.JSON(payload),
		Status:         webhookdomain.StatusReceived,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	inserted, err := webhookrepo.Provide().Insert(context.Background(), f.db, event)
	require.NoError(t, err)
	require.True(t, inserted)
	return event
}

func (f fixture) account(t *testing.T, email string) *pointsdomain.Account {
	t.Helper()
	account, err := f.points.GetAccount(context.Background(), f.key(email))
	require.NoError(t, err)
	return account
}

func TestProcessSettlesPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "buyer@example.com", 40)
	sessionID := f.createSession(t, "buyer@example.com", true)

	result, err := f.svc.Process(ctx, f.wooEvent(t, sessionID, "processing", "fp-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, result.Outcome)
	assert.Equal(t, sessionID, result.OrderSessionID)
	assert.Equal(t, int64(40), result.PointsConsumed)
	assert.Equal(t, int64(11), result.PointsEarned)
	assert.Equal(t, string(referraldomain.RewardNoClaim), result.Referral)
	assert.False(t, result.Resumed)

	session, err := f.sessions.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPaid, session.Status)
	assert.Equal(t, orderdomain.ReservationConsumed, session.PointsReservationState)
	require.NotNil(t, session.PaidAt)

	account := f.account(t, "buyer@example.com")
	assert.Equal(t, int64(11), account.BalancePoints)
	assert.Equal(t, int64(0), account.ReservedPoints)

	paid, err := f.paidOrders.FindPaidOrder(ctx, f.db, sessionID)
	require.NoError(t, err)
	require.NotNil(t, paid)
	assert.True(t, paid.PointsEarned)
	assert.NotNil(t, paid.StaffNotifiedAt)
	assert.NotNil(t, paid.CustomerNotifiedAt)
	assert.Equal(t, int64(1250), paid.AmountMinor)

	posts := f.poster.sent()
	require.Len(t, posts, 2)
	var staff, customer post
	for _, p := range posts {
		if strings.HasPrefix(p.content, "Paid order") {
			staff = p
		} else {
			customer = p
		}
	}
	assert.Equal(t, paidLogChannel, staff.channel)
	assert.Equal(t, "default-token", staff.token)
	assert.Contains(t, staff.content, "account_secret: ****")
	assert.NotContains(t, staff.content, "hunter2")
	assert.NotContains(t, staff.content, "buyer@example.com")
	assert.Equal(t, ticketChannel, customer.channel)
	assert.Contains(t, customer.content, "You earned 11 points")
}

func TestProcessSecondEventForSameSessionIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "buyer@example.com", 40)
	sessionID := f.createSession(t, "buyer@example.com", true)

	_, err := f.svc.Process(ctx, f.wooEvent(t, sessionID, "processing", "fp-1"))
	require.NoError(t, err)

	result, err := f.svc.Process(ctx, f.wooEvent(t, sessionID, "completed", "fp-2"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, result.Outcome)

	account := f.account(t, "buyer@example.com")
	assert.Equal(t, int64(11), account.BalancePoints, "earn is not repeated")
	assert.Len(t, f.poster.sent(), 2, "no extra notifications")
}

func TestProcessResumesAfterNotificationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessionID := f.createSession(t, "buyer@example.com", false)
	event := f.wooEvent(t, sessionID, "completed", "fp-1")

	f.poster.setFail(func(channel, content string) error {
		if strings.HasPrefix(content, "Paid order") {
			return nil
		}
		return fmt.Errorf("%w: %s", notify.ErrChannelUnavailable, channel)
	})
	_, err := f.svc.Process(ctx, event)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, 1, f.poster.count("Paid order"))

	session, err := f.sessions.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPaid, session.Status, "paid transition survives the notification failure")
	assert.Equal(t, int64(15), f.account(t, "buyer@example.com").BalancePoints)

	f.poster.setFail(nil)
	result, err := f.svc.Process(ctx, event)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, int64(0), result.PointsEarned, "the first attempt already credited the earn")
	assert.Equal(t, 1, f.poster.count("Paid order"), "staff message is not repeated")
	assert.Len(t, f.poster.sent(), 2)
	assert.Equal(t, int64(15), f.account(t, "buyer@example.com").BalancePoints, "earn is applied once")

	var customer string
	for _, p := range f.poster.sent() {
		if p.channel == ticketChannel {
			customer = p.content
		}
	}
	assert.Contains(t, customer, "You earned 15 points", "the customer is told what the order earned")
}

func TestProcessUnpaidCallbackIsNoAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessionID := f.createSession(t, "buyer@example.com", false)

	result, err := f.svc.Process(ctx, f.wooEvent(t, sessionID, "pending", "fp-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoAction, result.Outcome)

	session, err := f.sessions.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPendingPayment, session.Status)
	assert.Empty(t, f.poster.sent())
}

func TestProcessPermanentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessionID := f.createSession(t, "buyer@example.com", false)

	missing := f.storeEvent(t, f.integration, woocommerce.ProviderName, "fp-missing",
		`{"id":1,"status":"processing","meta_data":[]}`)
	_, err := f.svc.Process(ctx, missing)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, webhookdomain.ErrMissingCorrelation)

	_, err = f.svc.Process(ctx, f.wooEvent(t, snowflake.ID(987654321), "processing", "fp-unknown"))
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, orderdomain.ErrSessionNotFound)

	require.NoError(t, f.db.Exec(`UPDATE guild_configs SET paid_log_channel_id = '' WHERE tenant_id = ?`, f.store.TenantID).Error)
	_, err = f.svc.Process(ctx, f.wooEvent(t, sessionID, "processing", "fp-nolog"))
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrNoPaidLogChannel)

	session, err := f.sessions.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPendingPayment, session.Status, "no paid transition without a log channel")
}

func TestProcessAppliesReferralRewardOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.referrals.CreateClaimFirstWins(ctx, referraldomain.CreateClaimRequest{
		TenantID:       f.store.TenantID,
		GuildID:        f.store.GuildID,
		ReferrerUserID: "referrer-1",
		ReferrerEmail:  "referrer@example.com",
		ReferredEmail:  "buyer@example.com",
	})
	require.NoError(t, err)

	first := f.createSession(t, "buyer@example.com", false)
	result, err := f.svc.Process(ctx, f.wooEvent(t, first, "processing", "fp-1"))
	require.NoError(t, err)
	assert.Equal(t, string(referraldomain.RewardApplied), result.Referral)
	assert.Equal(t, int64(50), f.account(t, "referrer@example.com").BalancePoints)

	var thanks []post
	for _, p := range f.poster.sent() {
		if p.channel == referralLogChannel {
			thanks = append(thanks, p)
		}
	}
	require.Len(t, thanks, 1)
	assert.Equal(t, "referrer@example.com earned 50 points from buyer@example.com", thanks[0].content)

	second := f.createSession(t, "buyer@example.com", false)
	result, err = f.svc.Process(ctx, f.wooEvent(t, second, "processing", "fp-2"))
	require.NoError(t, err)
	assert.Equal(t, string(referraldomain.RewardNotFirstPaid), result.Referral)
	assert.Equal(t, int64(50), f.account(t, "referrer@example.com").BalancePoints)
}

func TestProcessThankYouFailureDoesNotFailSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.referrals.CreateClaimFirstWins(ctx, referraldomain.CreateClaimRequest{
		TenantID:       f.store.TenantID,
		GuildID:        f.store.GuildID,
		ReferrerUserID: "referrer-1",
		ReferrerEmail:  "referrer@example.com",
		ReferredEmail:  "buyer@example.com",
	})
	require.NoError(t, err)
	f.poster.setFail(func(channel, content string) error {
		if strings.Contains(content, "earned 50 points") {
			return notify.ErrChannelUnavailable
		}
		return nil
	})

	sessionID := f.createSession(t, "buyer@example.com", false)
	result, err := f.svc.Process(ctx, f.wooEvent(t, sessionID, "processing", "fp-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, result.Outcome)
	assert.Len(t, f.poster.sent(), 2)
}

func TestProcessPollsAmbiguousPaylinkCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		if r.Header.Get("Authorization") != "Bearer pl_key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"paid","amount":"12.50","currency":"GBP"}`))
	}))
	defer server.Close()

	integration := tenanttest.SeedIntegration(t, f.db, f.node, f.store, paylink.ProviderName, "pl-key", server.URL, map[string]any{
		"webhook_secret": "pl_secret",
		"api_key":        "pl_key",
	})

	sessionID := f.createSession(t, "buyer@example.com", false)
	event := f.storeEvent(t, integration.ID, paylink.ProviderName, "paylink:abc",
		fmt.Sprintf(`{"order_session_id":"%s","payment_id":"pay_1"}`, sessionID))

	result, err := f.svc.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, result.Outcome)
	assert.Equal(t, int32(1), polls.Load())

	paid, err := f.paidOrders.FindPaidOrder(ctx, f.db, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", paid.ProviderReference)
	assert.Equal(t, int64(1250), paid.AmountMinor)
}

func TestProcessRejectsUnverifiedEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Process(context.Background(), &webhookdomain.Event{SignatureValid: false})
	assert.True(t, domain.IsPermanent(err))
	assert.True(t, errors.Is(err, domain.ErrEventNotProcessable))
}
