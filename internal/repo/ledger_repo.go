package repo

import (
	"context"
	"time"

	"github.com/marketplace/services/settlement/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// LedgerRepository appends ledger entries and replays them into balances.
// It never issues UPDATE or DELETE against ledger_entries.
type LedgerRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(database *db.DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:  database,
		log: logger,
	}
}

// EnsureAccount creates the account lock row if it does not exist yet.
func (r *LedgerRepository) EnsureAccount(ctx context.Context, accountID string, now time.Time) error {
	err := r.db.Conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&db.LedgerAccount{ID: accountID, CreatedAt: now}).Error
	return wrap("ensure ledger account", err)
}

// LockAccount takes a row lock on the account for the rest of the transaction.
func (r *LedgerRepository) LockAccount(ctx context.Context, accountID string) error {
	var account db.LedgerAccount
	err := r.db.Conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		First(&account).Error
	return wrap("lock ledger account", err)
}

// Append inserts an entry. A replay with an already-used idempotency key is
// ignored and reported as false.
func (r *LedgerRepository) Append(ctx context.Context, entry *db.LedgerEntry) (bool, error) {
	res := r.db.Conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		r.log.Error("Failed to append ledger entry",
			zap.String("account_id", entry.AccountID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(res.Error),
		)
		return false, wrap("append ledger entry", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Sum replays every entry of the account.
func (r *LedgerRepository) Sum(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := r.db.Conn(ctx).Model(&db.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("CAST(COALESCE(SUM(amount), 0) AS BIGINT)").
		Scan(&total).Error
	if err != nil {
		return 0, wrap("sum ledger entries", err)
	}
	return total, nil
}

// List returns the most recent entries of an account, newest first.
func (r *LedgerRepository) List(ctx context.Context, accountID string, limit int) ([]db.LedgerEntry, error) {
	var entries []db.LedgerEntry
	err := r.db.Conn(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, wrap("list ledger entries", err)
	}
	return entries, nil
}

// ListByReference returns every entry posted for a booking or withdrawal.
func (r *LedgerRepository) ListByReference(ctx context.Context, referenceID string) ([]db.LedgerEntry, error) {
	var entries []db.LedgerEntry
	if err := r.db.Conn(ctx).Where("reference_id = ?", referenceID).Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, wrap("list ledger entries by reference", err)
	}
	return entries, nil
}
