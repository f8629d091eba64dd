package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/observability/metrics"
	"github.com/smallbiznis/orderledger/internal/points/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"github.com/smallbiznis/orderledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	casAttempts        = 5
	defaultLedgerPage  = 50
	maxLedgerPageLimit = 250
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("points.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   clk,
		metrics: p.Metrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) GetAccount(ctx context.Context, key domain.AccountKey) (*domain.Account, error) {
	if !key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	account, err := s.repo.FindAccount(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) ReservePoints(ctx context.Context, req domain.ReserveRequest) (*domain.Account, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	if req.Points <= 0 {
		account, err := s.repo.FindAccount(ctx, s.db, req.Key)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return &domain.Account{TenantID: req.Key.TenantID, GuildID: req.Key.GuildID, Email: req.Key.Email}, nil
		}
		return account, nil
	}

	var out *domain.Account
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		account, err := s.ensureAccount(ctx, tx, req.Key)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		ok, err := s.repo.TryReserve(ctx, tx, account.ID, req.Points, now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.repo.FindAccount(ctx, tx, req.Key)
			if err != nil {
				return err
			}
			if current == nil {
				return domain.ErrAccountNotFound
			}
			return domain.ErrPointsInsufficient
		}

		if _, err := s.appendEntry(ctx, tx, *account, 0, req.Points, domain.EventReservationCreated, req.OrderSessionID, map[string]any{
			"points": req.Points,
		}); err != nil {
			return err
		}

		out, err = s.repo.FindAccount(ctx, tx, req.Key)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrPointsInsufficient) {
			s.metrics.RecordReservationConflict(ctx)
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) ReleaseReservedPoints(ctx context.Context, req domain.ReleaseRequest) (*domain.Adjustment, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	if req.Points < 0 {
		return nil, domain.ErrInvalidPoints
	}

	reason := strings.TrimSpace(req.Reason)
	return s.mutateClamped(ctx, req.Key, req.Points, func(account domain.Account) (int64, int64, domain.EventType, map[string]any) {
		released := min(req.Points, nonNegative(account.ReservedPoints))
		return 0, -released, domain.EventReservationReleased, map[string]any{
			"requested": req.Points,
			"released":  released,
			"reason":    reason,
		}
	}, req.OrderSessionID)
}

func (s *Service) ConsumeReservedPoints(ctx context.Context, req domain.ConsumeRequest) (*domain.Adjustment, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	if req.Points < 0 {
		return nil, domain.ErrInvalidPoints
	}

	return s.mutateClamped(ctx, req.Key, req.Points, func(account domain.Account) (int64, int64, domain.EventType, map[string]any) {
		fromReserved := min(req.Points, nonNegative(account.ReservedPoints))
		fromBalance := min(req.Points, nonNegative(account.BalancePoints))
		return -fromBalance, -fromReserved, domain.EventReservationConsumed, map[string]any{
			"requested":         req.Points,
			"consumed_reserved": fromReserved,
			"consumed_balance":  fromBalance,
		}
	}, req.OrderSessionID)
}

func (s *Service) AddPoints(ctx context.Context, req domain.AdjustRequest) (*domain.Adjustment, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	if req.Points < 0 {
		return nil, domain.ErrInvalidPoints
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = domain.EventManualAdd
	}

	var out *domain.Adjustment
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		account, err := s.ensureAccount(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		if req.Points > 0 {
			if err := s.repo.IncrementBalance(ctx, tx, account.ID, req.Points, s.clock.Now()); err != nil {
				return err
			}
		}
		entry, err := s.appendEntry(ctx, tx, *account, req.Points, 0, eventType, req.OrderSessionID, withRequested(req.Metadata, req.Points, req.Points))
		if err != nil {
			return err
		}
		updated, err := s.repo.FindAccount(ctx, tx, req.Key)
		if err != nil {
			return err
		}
		out = &domain.Adjustment{Account: *updated, Requested: req.Points, Applied: req.Points, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) RemovePoints(ctx context.Context, req domain.AdjustRequest) (*domain.Adjustment, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	if req.Points < 0 {
		return nil, domain.ErrInvalidPoints
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = domain.EventManualRemove
	}

	return s.mutateClamped(ctx, req.Key, req.Points, func(account domain.Account) (int64, int64, domain.EventType, map[string]any) {
		removed := min(req.Points, nonNegative(account.BalancePoints))
		return -removed, 0, eventType, withRequested(req.Metadata, req.Points, removed)
	}, req.OrderSessionID)
}

func (s *Service) ListLedger(ctx context.Context, req domain.ListLedgerRequest) (*domain.LedgerPage, error) {
	if !req.Key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	limit := req.PageSize
	if limit <= 0 {
		limit = defaultLedgerPage
	}
	if limit > maxLedgerPageLimit {
		limit = maxLedgerPageLimit
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		afterID = parsed
	}

	items, err := s.repo.ListEntries(ctx, s.db, req.Key, afterID, limit+1)
	if err != nil {
		return nil, err
	}

	ptrs := make([]*domain.LedgerEntry, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	info := pagination.BuildCursorPageInfo(ptrs, int32(limit), func(e *domain.LedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID.String()})
		return token
	})
	if len(items) > limit {
		items = items[:limit]
	}

	page := &domain.LedgerPage{Entries: items, HasMore: info.HasMore}
	if info.HasMore {
		page.NextPageToken = info.NextPageToken
	}
	return page, nil
}

func (s *Service) RebuildAccount(ctx context.Context, key domain.AccountKey) (*domain.Projection, error) {
	if !key.Valid() {
		return nil, domain.ErrInvalidAccountKey
	}
	return s.repo.SumEntries(ctx, s.db, key)
}

type clampFunc func(account domain.Account) (balanceDelta, reservedDelta int64, eventType domain.EventType, metadata map[string]any)

// mutateClamped reads the account, sizes the change against its current
// values, and applies it with compare-and-set so neither column goes negative.
func (s *Service) mutateClamped(ctx context.Context, key domain.AccountKey, requested int64, clamp clampFunc, sessionID *snowflake.ID) (*domain.Adjustment, error) {
	var out *domain.Adjustment
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		account, err := s.ensureAccount(ctx, tx, key)
		if err != nil {
			return err
		}

		for attempt := 0; attempt < casAttempts; attempt++ {
			balanceDelta, reservedDelta, eventType, metadata := clamp(*account)
			applied := -balanceDelta
			if eventType == domain.EventReservationReleased {
				applied = -reservedDelta
			}

			if balanceDelta != 0 || reservedDelta != 0 {
				ok, err := s.repo.CompareAndSet(ctx, tx, *account, balanceDelta, reservedDelta, s.clock.Now())
				if err != nil {
					return err
				}
				if !ok {
					account, err = s.repo.FindAccount(ctx, tx, key)
					if err != nil {
						return err
					}
					if account == nil {
						return domain.ErrAccountNotFound
					}
					continue
				}
			}

			entry, err := s.appendEntry(ctx, tx, *account, balanceDelta, reservedDelta, eventType, sessionID, metadata)
			if err != nil {
				return err
			}
			updated, err := s.repo.FindAccount(ctx, tx, key)
			if err != nil {
				return err
			}
			out = &domain.Adjustment{Account: *updated, Requested: requested, Applied: applied, Entry: entry}
			return nil
		}
		return domain.ErrConcurrentUpdate
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, key domain.AccountKey) (*domain.Account, error) {
	account, err := s.repo.FindAccount(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertAccount(ctx, tx, &domain.Account{
		ID:        s.genID.Generate(),
		TenantID:  key.TenantID,
		GuildID:   key.GuildID,
		Email:     key.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	account, err = s.repo.FindAccount(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) appendEntry(
	ctx context.Context,
	tx *gorm.DB,
	account domain.Account,
	delta, reservedDelta int64,
	eventType domain.EventType,
	sessionID *snowflake.ID,
	metadata map[string]any,
) (*domain.LedgerEntry, error) {
	var raw datatypes.JSON
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		raw = datatypes.JSON(encoded)
	}

	entry := &domain.LedgerEntry{
		ID:             s.genID.Generate(),
		AccountID:      account.ID,
		TenantID:       account.TenantID,
		GuildID:        account.GuildID,
		Email:          account.Email,
		DeltaPoints:    delta,
		ReservedDelta:  reservedDelta,
		EventType:      eventType,
		OrderSessionID: sessionID,
		Metadata:       raw,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.metrics.RecordLedgerEntry(ctx, string(eventType))
	return entry, nil
}

func withRequested(metadata map[string]any, requested, applied int64) map[string]any {
	out := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	out["requested"] = requested
	out["applied"] = applied
	return out
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
