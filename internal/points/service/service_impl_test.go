package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/points/domain"
	"github.com/smallbiznis/orderledger/internal/points/repository"
	"github.com/smallbiznis/orderledger/internal/points/service"
	"github.com/smallbiznis/orderledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db   *gorm.DB
	svc  domain.Service
	node *snowflake.Node
	key  domain.AccountKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := dbtest.Open(t, &domain.Account{}, &domain.LedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	return fixture{
		db:   db,
		svc:  svc,
		node: node,
		key:  domain.NewAccountKey(node.Generate(), "guild-1", "  Buyer@Example.com "),
	}
}

func (f fixture) seed(t *testing.T, points int64) {
	t.Helper()
	_, err := f.svc.AddPoints(context.Background(), domain.AdjustRequest{Key: f.key, Points: points, EventType: domain.EventManualAdd})
	require.NoError(t, err)
}

func TestAccountKeyNormalizesEmail(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "buyer@example.com", f.key.Email)
}

func TestReservePointsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 100)

	account, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.BalancePoints)
	assert.Equal(t, int64(40), account.ReservedPoints)
	assert.Equal(t, int64(60), account.Available())
}

func TestReservePointsInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10)

	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 11})
	require.ErrorIs(t, err, domain.ErrPointsInsufficient)

	account, err := f.svc.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedPoints)
}

func TestReservePointsUnknownAccountIsInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 5})
	require.ErrorIs(t, err, domain.ErrPointsInsufficient)

	_, err = f.svc.GetAccount(ctx, f.key)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound, "failed reservation leaves no account behind")
}

func TestReservePointsNonPositiveIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	account, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 0})
	require.NoError(t, err)
	assert.Equal(t, f.key.Email, account.Email)
	assert.Zero(t, account.ReservedPoints)

	_, err = f.svc.GetAccount(ctx, f.key)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReservePointsInvalidKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReservePoints(context.Background(), domain.ReserveRequest{Key: domain.AccountKey{}, Points: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidAccountKey)
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 60})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrPointsInsufficient):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	account, err := f.svc.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, int64(60), account.ReservedPoints)
}

func TestReleaseReservedPointsClamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 100)
	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 30})
	require.NoError(t, err)

	adj, err := f.svc.ReleaseReservedPoints(ctx, domain.ReleaseRequest{Key: f.key, Points: 50, Reason: "expired"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), adj.Requested)
	assert.Equal(t, int64(30), adj.Applied)
	assert.Equal(t, int64(0), adj.Account.ReservedPoints)
	assert.Equal(t, int64(100), adj.Account.BalancePoints)
	assert.JSONEq(t, `{"requested":50,"released":30,"reason":"expired"}`, string(adj.Entry.Metadata))

	again, err := f.svc.ReleaseReservedPoints(ctx, domain.ReleaseRequest{Key: f.key, Points: 10, Reason: "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Applied)
}

func TestConsumeReservedPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 100)
	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 40})
	require.NoError(t, err)

	adj, err := f.svc.ConsumeReservedPoints(ctx, domain.ConsumeRequest{Key: f.key, Points: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(60), adj.Account.BalancePoints)
	assert.Equal(t, int64(0), adj.Account.ReservedPoints)
	assert.Equal(t, int64(-40), adj.Entry.DeltaPoints)
	assert.Equal(t, int64(-40), adj.Entry.ReservedDelta)
}

func TestConsumeAfterManualRemovalClampsToBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 50)
	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 40})
	require.NoError(t, err)

	removed, err := f.svc.RemovePoints(ctx, domain.AdjustRequest{Key: f.key, Points: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(30), removed.Applied)
	assert.Equal(t, int64(20), removed.Account.BalancePoints)
	assert.Equal(t, int64(0), removed.Account.Available())

	adj, err := f.svc.ConsumeReservedPoints(ctx, domain.ConsumeRequest{Key: f.key, Points: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(0), adj.Account.BalancePoints)
	assert.Equal(t, int64(0), adj.Account.ReservedPoints)
}

func TestRemovePointsClampsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 25)

	adj, err := f.svc.RemovePoints(ctx, domain.AdjustRequest{Key: f.key, Points: 100, Metadata: map[string]any{"note": "chargeback"}})
	require.NoError(t, err)
	assert.Equal(t, int64(25), adj.Applied)
	assert.Equal(t, int64(0), adj.Account.BalancePoints)
	assert.Equal(t, domain.EventManualRemove, adj.Entry.EventType)
}

func TestNegativePointsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AddPoints(ctx, domain.AdjustRequest{Key: f.key, Points: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidPoints)
	_, err = f.svc.ReleaseReservedPoints(ctx, domain.ReleaseRequest{Key: f.key, Points: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidPoints)
}

func TestRebuildAccountMatchesProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 200)

	_, err := f.svc.ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 80})
	require.NoError(t, err)
	_, err = f.svc.ConsumeReservedPoints(ctx, domain.ConsumeRequest{Key: f.key, Points: 50})
	require.NoError(t, err)
	_, err = f.svc.ReleaseReservedPoints(ctx, domain.ReleaseRequest{Key: f.key, Points: 10, Reason: "cancelled"})
	require.NoError(t, err)
	_, err = f.svc.AddPoints(ctx, domain.AdjustRequest{Key: f.key, Points: 7, EventType: domain.EventEarn})
	require.NoError(t, err)
	_, err = f.svc.RemovePoints(ctx, domain.AdjustRequest{Key: f.key, Points: 500})
	require.NoError(t, err)

	account, err := f.svc.GetAccount(ctx, f.key)
	require.NoError(t, err)
	projection, err := f.svc.RebuildAccount(ctx, f.key)
	require.NoError(t, err)

	assert.Equal(t, account.BalancePoints, projection.BalancePoints)
	assert.Equal(t, account.ReservedPoints, projection.ReservedPoints)
	assert.Equal(t, 6, projection.Entries)
}

func TestListLedgerPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.seed(t, int64(i+1))
	}

	first, err := f.svc.ListLedger(ctx, domain.ListLedgerRequest{Key: f.key, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := f.svc.ListLedger(ctx, domain.ListLedgerRequest{Key: f.key, PageSize: 3, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.False(t, second.HasMore)
	assert.Equal(t, int64(4), second.Entries[0].DeltaPoints)

	_, err = f.svc.ListLedger(ctx, domain.ListLedgerRequest{Key: f.key, PageToken: "%%%"})
	assert.Error(t, err)
}

func TestWithTxRollsBackWithOuterTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 100)

	sentinel := errors.New("abort")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.WithTx(tx).ReservePoints(ctx, domain.ReserveRequest{Key: f.key, Points: 30}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	account, err := f.svc.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedPoints)
}
