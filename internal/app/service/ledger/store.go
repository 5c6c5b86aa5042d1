// Package ledger persists subscribers, transactions, referral credits and provisioning gaps.
package ledger

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrGapNotFound        = errors.New("provisioning gap not found")
)

// Store is the gorm-backed ledger. A Store obtained inside WithTx runs every call
// on that transaction.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewStore(db *gorm.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// WithTx runs fn in a database transaction. Calling WithTx on a Store that is
// already transactional opens a savepoint, so a failing fn only rolls back its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, log: s.log})
	})
}

// DB exposes the underlying handle for read-only reporting queries.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) forUpdate(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// IsDuplicate reports a unique constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

var Module = fx.Options(
	fx.Provide(NewStore),
)
