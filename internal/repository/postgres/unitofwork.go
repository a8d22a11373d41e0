package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
)

type txKey struct{}

// UnitOfWork opens a Postgres transaction around a supervisor step,
// committing on success and rolling back on error or panic, generalising
// infrastructure/database/database.go's transaction helper. The
// transaction is placed on fn's context only; the stores in this package
// run their statements on their own connection pool and do not read it,
// so their writes are not part of that transaction.
type UnitOfWork struct {
	db *sql.DB
}

// NewUnitOfWork wraps db.
func NewUnitOfWork(db *sql.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Do runs fn inside a transaction. Tenant and fencing context values on
// ctx are preserved for fn since Do only wraps the transaction, not the
// surrounding context tree.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if id, ok := tenant.IDFromContext(ctx); ok {
		txCtx = tenant.WithTenantID(txCtx, id)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(txCtx)
	return err
}
