package stock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStorage はテスト用のStorageモック
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Begin(ctx context.Context) (Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Tx), args.Error(1)
}

func (m *MockStorage) CreateStockEntity(ctx context.Context, entity *Entity) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockStorage) GetStockEntity(ctx context.Context, entityID string) (*Entity, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Entity), args.Error(1)
}

func (m *MockStorage) ListStockEntities(ctx context.Context, offset, limit int) ([]Entity, error) {
	args := m.Called(ctx, offset, limit)
	return args.Get(0).([]Entity), args.Error(1)
}

func (m *MockStorage) CreatePrescription(ctx context.Context, prescription *Prescription) error {
	args := m.Called(ctx, prescription)
	return args.Error(0)
}

func (m *MockStorage) GetPrescription(ctx context.Context, prescriptionID string) (*Prescription, error) {
	args := m.Called(ctx, prescriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Prescription), args.Error(1)
}

func (m *MockStorage) CreateInventoryRequest(ctx context.Context, request *InventoryRequest) error {
	args := m.Called(ctx, request)
	return args.Error(0)
}

func (m *MockStorage) GetInventoryRequest(ctx context.Context, requestID string) (*InventoryRequest, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*InventoryRequest), args.Error(1)
}

func (m *MockStorage) ListInventoryRequests(ctx context.Context, status RequestStatus, limit int) ([]InventoryRequest, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]InventoryRequest), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockTx はテスト用のTxモック
type MockTx struct {
	mock.Mock
}

func (m *MockTx) LockStockEntity(ctx context.Context, entityID string) (*Entity, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Entity), args.Error(1)
}

func (m *MockTx) UpdateStockEntity(ctx context.Context, entity *Entity) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockTx) LockPrescription(ctx context.Context, prescriptionID string) (*Prescription, error) {
	args := m.Called(ctx, prescriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Prescription), args.Error(1)
}

func (m *MockTx) UpdatePrescriptionLine(ctx context.Context, line *PrescriptionLine) error {
	args := m.Called(ctx, line)
	return args.Error(0)
}

func (m *MockTx) UpdatePrescriptionStatus(ctx context.Context, prescription *Prescription) error {
	args := m.Called(ctx, prescription)
	return args.Error(0)
}

func (m *MockTx) LockInventoryRequest(ctx context.Context, requestID string) (*InventoryRequest, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*InventoryRequest), args.Error(1)
}

func (m *MockTx) UpdateInventoryRequest(ctx context.Context, request *InventoryRequest) error {
	args := m.Called(ctx, request)
	return args.Error(0)
}

func (m *MockTx) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTx) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig() *Config {
	return &Config{
		DefaultReorderThreshold: 5,
		MaxTxRetries:            2,
		RetryBackoff:            time.Millisecond,
	}
}

// TestLedger_Decrease_PersistenceFailure はストレージ障害時のエラー変換をテスト
func TestLedger_Decrease_PersistenceFailure(t *testing.T) {
	mockStorage := new(MockStorage)
	mockTx := new(MockTx)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 10, Version: 1}, nil)
	mockTx.On("UpdateStockEntity", ctx, mock.AnythingOfType("*stock.Entity")).Return(errors.New("disk I/O error"))
	mockTx.On("Rollback").Return(nil)

	_, err := ledger.Decrease(ctx, "med-1", 3)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "update_stock_entity", storageErr.Operation)
	mockTx.AssertCalled(t, "Rollback")
	mockTx.AssertNotCalled(t, "Commit")
	mockStorage.AssertNumberOfCalls(t, "Begin", 1)
}

// TestLedger_Decrease_RetriesVersionMismatch は楽観的ロック失敗時の再試行をテスト
func TestLedger_Decrease_RetriesVersionMismatch(t *testing.T) {
	mockStorage := new(MockStorage)
	first := new(MockTx)
	second := new(MockTx)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), metrics)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(first, nil).Once()
	mockStorage.On("Begin", ctx).Return(second, nil).Once()

	first.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 10, Version: 1}, nil)
	first.On("UpdateStockEntity", ctx, mock.Anything).Return(ErrVersionMismatch)
	first.On("Rollback").Return(nil)

	second.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 8, Version: 2}, nil)
	second.On("UpdateStockEntity", ctx, mock.MatchedBy(func(e *Entity) bool {
		return e.Quantity == 5 && e.Version == 3
	})).Return(nil)
	second.On("Commit").Return(nil)

	remaining, err := ledger.Decrease(ctx, "med-1", 3)

	require.NoError(t, err)
	assert.Equal(t, int64(5), remaining)
	first.AssertNotCalled(t, "Commit")
	second.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retries.WithLabelValues("decrease")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("decrease", "ok")))
}

// TestLedger_Decrease_RetriesExhausted は再試行上限到達時の挙動をテスト
func TestLedger_Decrease_RetriesExhausted(t *testing.T) {
	mockStorage := new(MockStorage)
	mockTx := new(MockTx)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 10, Version: 1}, nil)
	mockTx.On("UpdateStockEntity", ctx, mock.Anything).Return(NewConcurrencyError("update", "med-1", "serialization failure"))
	mockTx.On("Rollback").Return(nil)

	_, err := ledger.Decrease(ctx, "med-1", 3)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, IsTransient(err))
	mockStorage.AssertNumberOfCalls(t, "Begin", 3)
	mockTx.AssertNotCalled(t, "Commit")
}

// TestLedger_Decrease_InsufficientStockNotRetried は論理エラーが再試行されないことをテスト
func TestLedger_Decrease_InsufficientStockNotRetried(t *testing.T) {
	mockStorage := new(MockStorage)
	mockTx := new(MockTx)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 2, Version: 1}, nil)
	mockTx.On("Rollback").Return(nil)

	_, err := ledger.Decrease(ctx, "med-1", 5)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, int64(5), insufficient.Requested)
	assert.Equal(t, int64(2), insufficient.Available)
	mockStorage.AssertNumberOfCalls(t, "Begin", 1)
	mockTx.AssertNotCalled(t, "UpdateStockEntity", mock.Anything, mock.Anything)
}

// TestLedger_CommitConflictRetried はコミット時の競合が再試行されることをテスト
func TestLedger_CommitConflictRetried(t *testing.T) {
	mockStorage := new(MockStorage)
	first := new(MockTx)
	second := new(MockTx)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(first, nil).Once()
	mockStorage.On("Begin", ctx).Return(second, nil).Once()

	for _, tx := range []*MockTx{first, second} {
		tx.On("LockStockEntity", ctx, "sup-1").Return(&Entity{ID: "sup-1", Quantity: 0, Version: 1}, nil)
		tx.On("UpdateStockEntity", ctx, mock.Anything).Return(nil)
	}
	first.On("Commit").Return(NewConcurrencyError("commit", "sup-1", "database is locked"))
	first.On("Rollback").Return(ErrTxDone)
	second.On("Commit").Return(nil)

	qty, err := ledger.Increase(ctx, "sup-1", 20)

	require.NoError(t, err)
	assert.Equal(t, int64(20), qty)
	mockStorage.AssertNumberOfCalls(t, "Begin", 2)
}

// TestLedger_BeginFailure はトランザクション開始失敗をテスト
func TestLedger_BeginFailure(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	ctx := context.Background()

	mockStorage.On("Begin", ctx).Return(nil, errors.New("connection refused"))

	_, err := ledger.Increase(ctx, "sup-1", 1)

	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, IsTransient(err))
}

// TestLedger_Peek_NotFound は存在しない在庫対象の参照をテスト
func TestLedger_Peek_NotFound(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := NewLedger(mockStorage, zap.NewNop(), nil, nil)
	ctx := context.Background()

	mockStorage.On("GetStockEntity", ctx, "missing").Return(nil, NewNotFoundError("stock_entity", "missing"))

	_, err := ledger.Peek(ctx, "missing")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPersistence)
}

// TestLedger_ContextCancelledDuringBackoff は待機中のキャンセルをテスト
func TestLedger_ContextCancelledDuringBackoff(t *testing.T) {
	mockStorage := new(MockStorage)
	mockTx := new(MockTx)
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	ledger := NewLedger(mockStorage, zap.NewNop(), cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	mockStorage.On("Begin", mock.Anything).Return(mockTx, nil)
	mockTx.On("LockStockEntity", mock.Anything, "med-1").Return(&Entity{ID: "med-1", Quantity: 10, Version: 1}, nil)
	mockTx.On("UpdateStockEntity", mock.Anything, mock.Anything).Return(ErrVersionMismatch)
	mockTx.On("Rollback").Return(nil)

	_, err := ledger.Decrease(ctx, "med-1", 1)

	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	mockStorage.AssertNumberOfCalls(t, "Begin", 1)
}

// TestFulfillment_DispenseLine_LineUpdateFailureRollsBack は明細更新失敗時に全体が巻き戻ることをテスト
func TestFulfillment_DispenseLine_LineUpdateFailureRollsBack(t *testing.T) {
	mockStorage := new(MockStorage)
	mockTx := new(MockTx)
	ledger := NewLedger(mockStorage, zap.NewNop(), testConfig(), nil)
	svc := NewFulfillmentService(ledger, zap.NewNop())
	ctx := context.Background()

	p := &Prescription{
		ID:     "rx-1",
		Status: PrescriptionStatusPending,
		Lines: []PrescriptionLine{
			{ID: "ln-1", PrescriptionID: "rx-1", EntityID: "med-1", OrderedQuantity: 10},
		},
	}
	mockStorage.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("LockPrescription", ctx, "rx-1").Return(p, nil)
	mockTx.On("LockStockEntity", ctx, "med-1").Return(&Entity{ID: "med-1", Quantity: 10, Version: 1}, nil)
	mockTx.On("UpdateStockEntity", ctx, mock.Anything).Return(nil)
	mockTx.On("UpdatePrescriptionLine", ctx, mock.Anything).Return(errors.New("connection reset"))
	mockTx.On("Rollback").Return(nil)

	_, err := svc.DispenseLine(ctx, "rx-1", "ln-1", 4)

	assert.ErrorIs(t, err, ErrPersistence)
	mockTx.AssertCalled(t, "Rollback")
	mockTx.AssertNotCalled(t, "Commit")
	mockTx.AssertNotCalled(t, "UpdatePrescriptionStatus", mock.Anything, mock.Anything)
}

// TestErrorClassification はエラー分類をテスト
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		outcome   string
		transient bool
	}{
		{"nil", nil, "ok", false},
		{"not found", NewNotFoundError("stock_entity", "x"), "not_found", false},
		{"quantity", NewQuantityError("quantity", "bad", 0), "invalid_quantity", false},
		{"validation", NewValidationError("name", "empty", ""), "invalid_input", false},
		{"insufficient", NewInsufficientStockError("x", 5, 3), "insufficient_stock", false},
		{"transition", NewTransitionError("r", RequestStatusRejected, "approve"), "invalid_transition", false},
		{"version mismatch", ErrVersionMismatch, "error", true},
		{"concurrency", NewConcurrencyError("commit", "x", "busy"), "error", true},
		{"storage", NewStorageError("op", "failed", errors.New("boom")), "persistence", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.outcome, Outcome(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}
