package services

import (
	"context"
	"fmt"

	"github.com/upb/backoffice-authz/repositories"
)

// WithTransaction executes fn within a database transaction.
// Repositories called with the ctx handed to fn join the transaction.
// Commits on success, rolls back on error or panic.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context) error) error {
	_, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTransactionResult executes fn within a database transaction and returns its result.
// A panic inside fn rolls the transaction back and is re-raised.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result   T
		panicked interface{}
	)

	err := txMgr.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) (fnErr error) {
		defer func() {
			if p := recover(); p != nil {
				panicked = p
				fnErr = fmt.Errorf("panic in transaction: %v", p)
			}
		}()
		result, fnErr = fn(txCtx)
		return fnErr
	})

	if panicked != nil {
		panic(panicked)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
