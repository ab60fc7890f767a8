package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/utstyr/custody-service/internal/observability"

	"gorm.io/gorm"
)

// Store hands out repositories bound to one database handle. Inside InTx the
// repositories returned by the callback's Store share the transaction.
type Store interface {
	Users() UserRepository
	Sessions() SessionRepository
	Assets() AssetRepository
	Assignments() AssignmentRepository
	Events() EventRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
	InTxReadCommitted(ctx context.Context, fn func(tx Store) error) error
}

type GormStore struct {
	db     *gorm.DB
	txOpts []*sql.TxOptions
}

// NewStore wraps db. txOpts, when non-nil, is applied to every transaction
// started by InTx.
func NewStore(db *gorm.DB, txOpts *sql.TxOptions) Store {
	s := &GormStore{db: db}
	if txOpts != nil {
		s.txOpts = []*sql.TxOptions{txOpts}
	}
	return s
}

func (s *GormStore) Users() UserRepository             { return &GormUserRepository{db: s.db} }
func (s *GormStore) Sessions() SessionRepository       { return &GormSessionRepository{db: s.db} }
func (s *GormStore) Assets() AssetRepository           { return &GormAssetRepository{db: s.db} }
func (s *GormStore) Assignments() AssignmentRepository { return &GormAssignmentRepository{db: s.db} }
func (s *GormStore) Events() EventRepository           { return &GormEventRepository{db: s.db} }

// InTx runs fn in a single transaction at the store's configured isolation:
// committed when fn returns nil, rolled back otherwise. Failures are
// translated with TranslateStoreError and never retried here.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.transaction(ctx, "transaction", fn, s.txOpts)
}

// InTxReadCommitted is InTx at read-committed isolation, for row updates
// where concurrent writers are expected and the last write wins.
func (s *GormStore) InTxReadCommitted(ctx context.Context, fn func(tx Store) error) error {
	return s.transaction(ctx, "transaction_read_committed", fn, s.readCommittedOpts())
}

// readCommittedOpts is nil when the store applies no explicit isolation
// (sqlite rejects isolation levels).
func (s *GormStore) readCommittedOpts() []*sql.TxOptions {
	if len(s.txOpts) == 0 {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
}

func (s *GormStore) transaction(ctx context.Context, op string, fn func(tx Store) error, opts []*sql.TxOptions) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, txOpts: s.txOpts})
	}, opts...)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "store", op, "error")
		return TranslateStoreError(err)
	}
	observability.RecordRepositoryOperation(ctx, "store", op, "success")
	return nil
}

func observe(ctx context.Context, repo, op string, err error) {
	switch {
	case err == nil:
		observability.RecordRepositoryOperation(ctx, repo, op, "success")
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrAssetNotFound),
		errors.Is(err, ErrAssignmentNotFound):
		observability.RecordRepositoryOperation(ctx, repo, op, "not_found")
	default:
		observability.RecordRepositoryOperation(ctx, repo, op, "error")
	}
}

func notFoundAs(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
