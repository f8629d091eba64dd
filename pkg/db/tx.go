package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	txMaxTries     = 5
	txInitialDelay = 10 * time.Millisecond
	txMaxDelay     = 250 * time.Millisecond
)

// Transact runs fn in a transaction and replays it from the start when the
// database reports contention. fn must not keep state across attempts.
// Inside an outer transaction fn runs once as a savepoint; the outer caller
// owns the retry.
func Transact(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	if inTransaction(conn) {
		return conn.WithContext(ctx).Transaction(fn)
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = txInitialDelay
	schedule.MaxInterval = txMaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := conn.WithContext(ctx).Transaction(fn)
		if err != nil && !IsRetryableTxErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(schedule), backoff.WithMaxTries(txMaxTries))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// InsertIfAbsent creates value unless a row already holds the same unique key
// and reports whether this call created it. gorm renders the clause as
// ON CONFLICT DO NOTHING on postgres and sqlite and as a no-op
// ON DUPLICATE KEY UPDATE on mysql.
func InsertIfAbsent(ctx context.Context, conn *gorm.DB, value any, conflictColumns ...string) (bool, error) {
	columns := make([]clause.Column, 0, len(conflictColumns))
	for _, name := range conflictColumns {
		columns = append(columns, clause.Column{Name: name})
	}
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: columns, DoNothing: true}).
		Create(value)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func inTransaction(conn *gorm.DB) bool {
	committer, ok := conn.Statement.ConnPool.(gorm.TxCommitter)
	return ok && committer != nil
}
