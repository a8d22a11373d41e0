package memory

import "context"

// UnitOfWork is a no-op transactional envelope suitable for the in-memory
// store and for tests; the postgres package provides the real
// transactional implementation.
type UnitOfWork struct{}

// NewUnitOfWork builds a no-op UnitOfWork.
func NewUnitOfWork() *UnitOfWork { return &UnitOfWork{} }

// Do simply invokes fn; the in-memory store has no transactional state to
// roll back.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
