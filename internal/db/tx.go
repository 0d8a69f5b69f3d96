package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/marketplace/services/settlement/internal/domain"
	"gorm.io/gorm"
)

type txKey struct{}

type txState struct {
	tx          *gorm.DB
	afterCommit []func()
}

// WithTx runs fn inside a transaction carried by the context. Nested calls
// join the outer transaction; after-commit hooks run once the outermost
// transaction commits.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if stateFromContext(ctx) != nil {
		return fn(ctx)
	}

	state := &txState{}
	err := db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state.tx = tx
		return fn(context.WithValue(ctx, txKey{}, state))
	})
	if err != nil {
		return Classify(err)
	}

	for _, hook := range state.afterCommit {
		hook()
	}
	return nil
}

// Conn returns the transaction bound to ctx, or a plain session.
func (db *DB) Conn(ctx context.Context) *gorm.DB {
	if state := stateFromContext(ctx); state != nil {
		return state.tx
	}
	return db.DB.WithContext(ctx)
}

// AfterCommit defers fn until the transaction in ctx commits. Outside a
// transaction fn runs immediately. Hooks are dropped on rollback.
func AfterCommit(ctx context.Context, fn func()) {
	if state := stateFromContext(ctx); state != nil {
		state.afterCommit = append(state.afterCommit, fn)
		return
	}
	fn()
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	return stateFromContext(ctx) != nil
}

func stateFromContext(ctx context.Context) *txState {
	state, _ := ctx.Value(txKey{}).(*txState)
	return state
}

// Classify wraps connectivity failures with domain.ErrStorageUnavailable and
// leaves every other error untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	if isConnectivity(err) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}
