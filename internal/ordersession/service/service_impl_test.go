package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/ordersession/domain"
	"github.com/smallbiznis/orderledger/internal/ordersession/repository"
	"github.com/smallbiznis/orderledger/internal/ordersession/service"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	pointsrepo "github.com/smallbiznis/orderledger/internal/points/repository"
	pointsservice "github.com/smallbiznis/orderledger/internal/points/service"
	tenantrepo "github.com/smallbiznis/orderledger/internal/tenant/repository"
	"github.com/smallbiznis/orderledger/internal/tenant/secrets"
	"github.com/smallbiznis/orderledger/internal/tenant/tenanttest"
	"github.com/smallbiznis/orderledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	points   pointsdomain.Service
	sessions domain.Service
	store    tenanttest.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	models := append(tenanttest.Models(), &domain.OrderSession{}, &pointsdomain.Account{}, &pointsdomain.LedgerEntry{})
	db := dbtest.Open(t, models...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC))

	store := tenanttest.SeedStore(t, db, node, tenanttest.StoreOptions{
		PointValueMinor:  10,
		PriceMinor:       2000,
		CategoryKey:      "accounts",
		EarnCategories:   []string{"accounts"},
		RedeemCategories: []string{"accounts"},
	})

	points := pointsservice.NewService(pointsservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  pointsrepo.Provide(),
		Clock: clk,
	})
	sessions := service.NewService(service.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Points:  points,
		Tenants: tenantrepo.NewDirectoryWithBox(db, zap.NewNop(), secrets.NewBox(tenanttest.ConfigSecret)),
		Clock:   clk,
		Cfg:     config.Config{CheckoutBaseURL: "https://shop.test/"},
	})
	return fixture{db: db, node: node, clock: clk, points: points, sessions: sessions, store: store}
}

func (f fixture) key(email string) pointsdomain.AccountKey {
	return pointsdomain.NewAccountKey(f.store.TenantID, f.store.GuildID, email)
}

func (f fixture) grant(t *testing.T, email string, points int64) {
	t.Helper()
	_, err := f.points.AddPoints(context.Background(), pointsdomain.AdjustRequest{Key: f.key(email), Points: points})
	require.NoError(t, err)
}

func (f fixture) sale(email string, usePoints bool) domain.CreateSaleRequest {
	return domain.CreateSaleRequest{
		TenantID:            f.store.TenantID,
		GuildID:             f.store.GuildID,
		TicketChannelID:     "ticket-1",
		StaffUserID:         "staff-1",
		CustomerUserID:      "customer-1",
		CustomerEmail:       email,
		Items:               []domain.SaleItem{{ProductID: f.store.ProductID, VariantID: f.store.VariantID}},
		CouponCode:          "SPRING",
		CouponDiscountMinor: 500,
		TipMinor:            150,
		UsePoints:           usePoints,
		Answers:             map[string]string{"username": "buyer"},
	}
}

func TestCreateSaleSessionReservesPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, "buyer@example.com", 40)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale(" Buyer@Example.com ", true))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CheckoutURL, "https://shop.test/checkout/"))
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), res.ExpiresAt)

	session, err := f.sessions.GetSession(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReserved, session.PointsReservationState)
	assert.Equal(t, domain.StatusPendingPayment, session.Status)
	assert.Equal(t, int64(40), session.PointsReserved)
	assert.Equal(t, int64(400), session.PointsDiscountMinor)
	assert.Equal(t, int64(11), session.PointsEarnSnapshot)
	assert.Equal(t, int64(2000-500-400+150), session.TotalMinor)
	assert.Equal(t, "buyer@example.com", session.CustomerEmail)
	assert.Equal(t, domain.EmailFingerprint("BUYER@example.com"), session.CustomerEmailFingerprint)
	assert.Equal(t, "buyer", session.AnswerMap()["username"])
	require.Len(t, session.Lines(), 1)

	account, err := f.points.GetAccount(ctx, f.key("buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), account.ReservedPoints)
	assert.Equal(t, int64(0), account.Available())
}

func TestCreateSaleSessionWithoutPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("new@example.com", true))
	require.NoError(t, err)

	session, err := f.sessions.GetSession(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationNone, session.PointsReservationState)
	assert.Zero(t, session.PointsReserved)
	assert.Equal(t, int64(2000-500+150), session.TotalMinor)
}

func TestCreateSaleSessionUsesIntegrationCheckoutBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tenanttest.SeedIntegration(t, f.db, f.node, f.store, "paylink", "key-1", "https://api.paylink.test", map[string]any{
		"checkout_base_url": "https://pay.store.test",
	})

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", false))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CheckoutURL, "https://pay.store.test/checkout/"), res.CheckoutURL)
}

func TestCreateSaleSessionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := f.sale("not-an-email", false)
	_, err := f.sessions.CreateSaleSessionFromBot(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)

	req = f.sale("buyer@example.com", false)
	req.Items = nil
	_, err = f.sessions.CreateSaleSessionFromBot(ctx, req)
	assert.ErrorIs(t, err, domain.ErrEmptyBasket)

	req = f.sale("buyer@example.com", false)
	req.TicketChannelID = " "
	_, err = f.sessions.CreateSaleSessionFromBot(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCancelLatestPendingSessionReleasesPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, "buyer@example.com", 100)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", true))
	require.NoError(t, err)

	out, err := f.sessions.CancelLatestPendingSession(ctx, domain.CancelRequest{
		TenantID:        f.store.TenantID,
		GuildID:         f.store.GuildID,
		TicketChannelID: "ticket-1",
	})
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, res.OrderSessionID, out.Session.ID)
	assert.Equal(t, domain.StatusCancelled, out.Session.Status)
	assert.Equal(t, domain.ReservationReleasedCancelled, out.Session.PointsReservationState)
	assert.Equal(t, int64(100), out.PointsApplied)

	account, err := f.points.GetAccount(ctx, f.key("buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedPoints)
	assert.Equal(t, int64(100), account.Available())

	_, err = f.sessions.CancelLatestPendingSession(ctx, domain.CancelRequest{
		TenantID:        f.store.TenantID,
		GuildID:         f.store.GuildID,
		TicketChannelID: "ticket-1",
	})
	assert.ErrorIs(t, err, domain.ErrNoPendingSession)
}

func TestConsumeRequiresPaidStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, "buyer@example.com", 40)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", true))
	require.NoError(t, err)

	out, err := f.sessions.ConsumeReservationForPaidOrder(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.False(t, out.Changed, "pending session keeps its reservation")

	paid, err := f.sessions.MarkPaid(ctx, res.OrderSessionID, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, paid.Changed)

	out, err = f.sessions.ConsumeReservationForPaidOrder(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.ReservationConsumed, out.Session.PointsReservationState)
	assert.Equal(t, int64(40), out.PointsApplied)

	again, err := f.sessions.ConsumeReservationForPaidOrder(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.False(t, again.Changed, "terminal state is a no-op")

	released, err := f.sessions.ReleaseReservationForOrderSession(ctx, res.OrderSessionID, domain.ReleaseCancelled)
	require.NoError(t, err)
	assert.False(t, released.Changed)

	account, err := f.points.GetAccount(ctx, f.key("buyer@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.BalancePoints)
	assert.Equal(t, int64(0), account.ReservedPoints)
}

func TestReleaseRejectsUnknownReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.ReleaseReservationForOrderSession(context.Background(), f.node.Generate(), domain.ReleaseReason("lost"))
	assert.ErrorIs(t, err, domain.ErrInvalidReleaseCause)
}

func TestMarkPaidUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.MarkPaid(context.Background(), f.node.Generate(), f.clock.Now())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestReservePointsForOrderReprices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", false))
	require.NoError(t, err)
	f.grant(t, "buyer@example.com", 30)

	out, err := f.sessions.ReservePointsForOrder(ctx, res.OrderSessionID, 30)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.ReservationReserved, out.Session.PointsReservationState)
	assert.Equal(t, int64(30), out.Session.PointsReserved)
	assert.Equal(t, int64(300), out.Session.PointsDiscountMinor)
	assert.Equal(t, int64(2000-500-300+150), out.Session.TotalMinor)

	again, err := f.sessions.ReservePointsForOrder(ctx, res.OrderSessionID, 30)
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestReservePointsForOrderInsufficientRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", false))
	require.NoError(t, err)
	f.grant(t, "buyer@example.com", 10)

	_, err = f.sessions.ReservePointsForOrder(ctx, res.OrderSessionID, 50)
	require.ErrorIs(t, err, pointsdomain.ErrPointsInsufficient)

	session, err := f.sessions.GetSession(ctx, res.OrderSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationNone, session.PointsReservationState)
	assert.Zero(t, session.PointsReserved)
}

func TestSweepExpiredReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, "expired@example.com", 40)
	f.grant(t, "paid@example.com", 40)

	expired, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("expired@example.com", true))
	require.NoError(t, err)
	paidReq := f.sale("paid@example.com", true)
	paidReq.TicketChannelID = "ticket-2"
	paid, err := f.sessions.CreateSaleSessionFromBot(ctx, paidReq)
	require.NoError(t, err)
	_, err = f.sessions.MarkPaid(ctx, paid.OrderSessionID, f.clock.Now())
	require.NoError(t, err)

	early, err := f.sessions.SweepExpiredReservations(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, early.Scanned)

	f.clock.Advance(31 * time.Minute)
	result, err := f.sessions.SweepExpiredReservations(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Released)

	session, err := f.sessions.GetSession(ctx, expired.OrderSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleasedExpired, session.PointsReservationState)
	assert.Equal(t, domain.StatusPendingPayment, session.Status)

	account, err := f.points.GetAccount(ctx, f.key("expired@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), account.Available())

	paidSession, err := f.sessions.GetSession(ctx, paid.OrderSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReserved, paidSession.PointsReservationState, "paid session is left for settlement")
}

func TestExpiredReleaseLosesToPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, "buyer@example.com", 40)

	res, err := f.sessions.CreateSaleSessionFromBot(ctx, f.sale("buyer@example.com", true))
	require.NoError(t, err)
	_, err = f.sessions.MarkPaid(ctx, res.OrderSessionID, f.clock.Now())
	require.NoError(t, err)

	out, err := f.sessions.ReleaseReservationForOrderSession(ctx, res.OrderSessionID, domain.ReleaseExpired)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, domain.ReservationReserved, out.Session.PointsReservationState)
}
