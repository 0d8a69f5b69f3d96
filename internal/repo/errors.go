package repo

import (
	"errors"
	"fmt"

	"github.com/marketplace/services/settlement/internal/db"
	"gorm.io/gorm"
)

// wrap attaches op context and maps connectivity failures to
// domain.ErrStorageUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, db.Classify(err))
}

// lookup maps a missing row to the given sentinel.
func lookup(op string, err error, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return wrap(op, err)
}
