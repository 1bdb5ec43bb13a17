package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/backoffice-authz/repositories"
)

type txKey struct{}

// MockTransactionManager runs fn with a marked context and records the outcome
type MockTransactionManager struct {
	mock.Mock
	committed  bool
	rolledback bool
}

func (m *MockTransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(repositories.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, true), nil); err != nil {
		m.rolledback = true
		return err
	}
	m.committed = true
	return nil
}

func TestWithTransaction_Success(t *testing.T) {
	ctx := context.Background()
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", ctx).Return(nil)

	var sawTx bool
	err := WithTransaction(ctx, txMgr, func(ctx context.Context) error {
		sawTx, _ = ctx.Value(txKey{}).(bool)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx, "fn must receive the transaction context")
	assert.True(t, txMgr.committed)
	assert.False(t, txMgr.rolledback)
	txMgr.AssertExpectations(t)
}

func TestWithTransaction_ErrorInFunction(t *testing.T) {
	ctx := context.Background()
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", ctx).Return(nil)
	expectedErr := errors.New("operation failed")

	err := WithTransaction(ctx, txMgr, func(ctx context.Context) error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.False(t, txMgr.committed)
	assert.True(t, txMgr.rolledback)
}

func TestWithTransaction_BeginError(t *testing.T) {
	ctx := context.Background()
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", ctx).Return(errors.New("failed to begin transaction"))

	called := false
	err := WithTransaction(ctx, txMgr, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.False(t, called)
}

func TestWithTransaction_PanicRollsBackAndRepanics(t *testing.T) {
	ctx := context.Background()
	txMgr := new(MockTransactionManager)
	txMgr.On("InTransaction", ctx).Return(nil)

	assert.PanicsWithValue(t, "boom", func() {
		_ = WithTransaction(ctx, txMgr, func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.True(t, txMgr.rolledback)
	assert.False(t, txMgr.committed)
}

func TestWithTransactionResult(t *testing.T) {
	ctx := context.Background()

	t.Run("returns result on success", func(t *testing.T) {
		txMgr := new(MockTransactionManager)
		txMgr.On("InTransaction", ctx).Return(nil)

		got, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("returns zero value on error", func(t *testing.T) {
		txMgr := new(MockTransactionManager)
		txMgr.On("InTransaction", ctx).Return(nil)

		got, err := WithTransactionResult(ctx, txMgr, func(ctx context.Context) (string, error) {
			return "partial", errors.New("failed")
		})
		assert.Error(t, err)
		assert.Empty(t, got)
	})
}
