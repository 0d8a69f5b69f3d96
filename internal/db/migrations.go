package db

import (
	"gorm.io/gorm"
)

// Models lists every table owned by the settlement service.
func Models() []interface{} {
	return []interface{}{
		&InventoryUnit{},
		&CapacityReservation{},
		&Booking{},
		&Ticket{},
		&LedgerAccount{},
		&LedgerEntry{},
		&WithdrawalRequest{},
		&BuyerSuspension{},
		&ProcessedGatewayEvent{},
	}
}

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return Classify(err)
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return createIndexes(db.DB)
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Sweeper scan for stale pending bookings
		`CREATE INDEX IF NOT EXISTS idx_bookings_pending_created ON bookings(created_at) WHERE state = 'pending'`,

		// Sweeper scan for orphan reservations
		`CREATE INDEX IF NOT EXISTS idx_reservations_open_created ON capacity_reservations(created_at) WHERE released_at IS NULL`,

		// Balance replay per account in insertion order
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return Classify(err)
		}
	}

	return nil
}
