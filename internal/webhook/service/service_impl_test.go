package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/orderledger/internal/tenant/repository"
	"github.com/smallbiznis/orderledger/internal/tenant/secrets"
	"github.com/smallbiznis/orderledger/internal/tenant/tenanttest"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/paylink"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters/woocommerce"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
	"github.com/smallbiznis/orderledger/internal/webhook/repository"
	"github.com/smallbiznis/orderledger/internal/webhook/service"
	"github.com/smallbiznis/orderledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	wcSecret   = "wc_secret"
	webhookKey = "wh_key_1"
)

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (r *recordingEnqueuer) Enqueue(id snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingEnqueuer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type fixture struct {
	db       *gorm.DB
	repo     domain.Repository
	svc      domain.Service
	enqueuer *recordingEnqueuer
	store    tenanttest.Store
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := dbtest.Open(t, append(tenanttest.Models(), &domain.Event{})...)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	store := tenanttest.SeedStore(t, db, node, tenanttest.StoreOptions{})
	tenanttest.SeedIntegration(t, db, node, store, woocommerce.ProviderName, webhookKey, "", map[string]any{
		"webhook_secret": wcSecret,
	})

	repo := repository.Provide()
	enqueuer := &recordingEnqueuer{}
	clk := clock.NewFakeClock(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC))
	svc := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		Tenants:  tenantrepo.NewDirectoryWithBox(db, zap.NewNop(), secrets.NewBox(tenanttest.ConfigSecret)),
		Adapters: adapters.NewRegistry(woocommerce.NewFactory(), paylink.NewFactory()),
		Clock:    clk,
		Enqueuer: enqueuer,
	})
	return fixture{db: db, repo: repo, svc: svc, enqueuer: enqueuer, store: store, clock: clk}
}

func signedDelivery(body []byte, deliveryID, secret string) domain.Inbound {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	headers := http.Header{}
	headers.Set("X-WC-Webhook-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	headers.Set("X-WC-Webhook-Delivery-ID", deliveryID)
	headers.Set("X-WC-Webhook-Topic", "order.updated")
	return domain.Inbound{Headers: headers, Body: body}
}

var orderBody = []byte(`{"id":501,"status":"processing","total":"12.50","currency":"gbp","meta_data":[{"key":"order_session_id","value":"123"}]}`)

func TestHandleCallbackAcceptsThenDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.HandleCallback(ctx, "WooCommerce", webhookKey, signedDelivery(orderBody, "d-1", wcSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeAccepted, first.Status)
	assert.Equal(t, 1, f.enqueuer.Len())

	event, err := f.svc.GetEvent(ctx, f.store.TenantID, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, event.Status)
	assert.True(t, event.SignatureValid)
	assert.Equal(t, "woocommerce:delivery:d-1", event.Fingerprint)
	assert.Equal(t, "order.updated", event.Topic)
	assert.Equal(t, f.store.GuildID, event.GuildID)

	second, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-1", wcSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeDuplicate, second.Status)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, 1, f.enqueuer.Len())
}

func TestHandleCallbackRecordsInvalidSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-2", "wrong"))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, 0, f.enqueuer.Len())

	var events []domain.Event
	require.NoError(t, f.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusFailed, events[0].Status)
	assert.False(t, events[0].SignatureValid)
	assert.Nil(t, events[0].NextRetryAt)
	assert.Equal(t, "invalid_signature", events[0].FailureReason)

	// a valid redelivery of the same delivery id revives the event
	result, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-2", wcSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeAccepted, result.Status)
	assert.Equal(t, events[0].ID, result.EventID)

	event, err := f.repo.FindByID(ctx, f.db, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, event.Status)
	assert.True(t, event.SignatureValid)
	assert.Equal(t, 0, event.AttemptCount)
}

func TestHandleCallbackUnknownKeyAndProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleCallback(ctx, "woocommerce", "missing", signedDelivery(orderBody, "d-3", wcSecret))
	assert.ErrorIs(t, err, tenantdomain.ErrIntegrationNotFound)

	_, err = f.svc.HandleCallback(ctx, "stripe", webhookKey, signedDelivery(orderBody, "d-3", wcSecret))
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = f.svc.HandleCallback(ctx, " ", webhookKey, domain.Inbound{})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestHandleCallbackRejectsMalformedSignedBody(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.HandleCallback(context.Background(), "woocommerce", webhookKey, signedDelivery([]byte(`not json`), "d-4", wcSecret))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestRetryFailedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-5", wcSecret))
	require.NoError(t, err)

	_, err = f.svc.RetryFailedEvent(ctx, f.store.TenantID, result.EventID)
	assert.ErrorIs(t, err, domain.ErrEventNotRetryable, "received events are not retryable")

	require.NoError(t, f.repo.MarkFailed(ctx, f.db, result.EventID, domain.FailureUpdate{Reason: "session_not_found"}, f.clock.Now()))

	_, err = f.svc.RetryFailedEvent(ctx, snowflake.ID(42), result.EventID)
	assert.ErrorIs(t, err, domain.ErrEventNotFound, "other tenants cannot see the event")

	event, err := f.svc.RetryFailedEvent(ctx, f.store.TenantID, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, event.Status)
	assert.Empty(t, event.FailureReason)
	assert.Equal(t, 2, f.enqueuer.Len())
}

func TestClaimLeaseIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-6", wcSecret))
	require.NoError(t, err)

	now := f.clock.Now()
	ok, err := f.repo.ClaimLease(ctx, f.db, result.EventID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.repo.ClaimLease(ctx, f.db, result.EventID, now.Add(time.Second), now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease is still held")

	ok, err = f.repo.ClaimLease(ctx, f.db, result.EventID, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	event, err := f.repo.FindByID(ctx, f.db, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, 2, event.AttemptCount)
}

func TestRedeliveryLeavesLeasedFailedEventAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	result, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-10", wcSecret))
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkFailed(ctx, f.db, result.EventID, domain.FailureUpdate{Reason: "timeout", NextRetryAt: &now}, now))

	ok, err := f.repo.ClaimLease(ctx, f.db, result.EventID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	redelivered, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-10", wcSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeDuplicate, redelivered.Status)
	assert.Equal(t, 1, f.enqueuer.Len())

	ok, err = f.repo.ClaimLease(ctx, f.db, result.EventID, now.Add(time.Second), now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "the lease is still held")

	event, err := f.repo.FindByID(ctx, f.db, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, event.Status)
	assert.Equal(t, 1, event.AttemptCount)
	require.NotNil(t, event.LockedUntil)

	_, err = f.svc.RetryFailedEvent(ctx, f.store.TenantID, result.EventID)
	assert.ErrorIs(t, err, domain.ErrEventNotRetryable, "operator retry waits for the lease too")

	f.clock.Advance(2 * time.Minute)
	revived, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-10", wcSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeAccepted, revived.Status, "an expired lease no longer blocks the redelivery")
	assert.Equal(t, 2, f.enqueuer.Len())
}

func TestListDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	fresh, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-7", wcSecret))
	require.NoError(t, err)
	retry, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-8", wcSecret))
	require.NoError(t, err)
	due := now.Add(time.Second)
	require.NoError(t, f.repo.MarkFailed(ctx, f.db, retry.EventID, domain.FailureUpdate{Reason: "timeout", NextRetryAt: &due}, now))
	gaveUp, err := f.svc.HandleCallback(ctx, "woocommerce", webhookKey, signedDelivery(orderBody, "d-9", wcSecret))
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkFailed(ctx, f.db, gaveUp.EventID, domain.FailureUpdate{Reason: "permanent"}, now))

	ids, err := f.repo.ListDue(ctx, f.db, now, now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "nothing is due yet")

	later := now.Add(time.Minute)
	ids, err = f.repo.ListDue(ctx, f.db, later, later.Add(-30*time.Second), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{fresh.EventID, retry.EventID}, ids)
}
