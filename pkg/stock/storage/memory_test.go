package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/clinicstock/pkg/stock"
)

func seedEntity(t *testing.T, s stock.Storage, qty int64) *stock.Entity {
	t.Helper()
	e, err := stock.NewEntity(stock.EntitySpec{Name: "Amoxicillin", Kind: stock.EntityKindMedicine, Quantity: qty}, 5)
	require.NoError(t, err)
	require.NoError(t, s.CreateStockEntity(context.Background(), e))
	return e
}

func TestMemoryStorage_CommitPublishesWrites(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()
	e := seedEntity(t, s, 10)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)
	locked.Quantity = 4
	locked.Version++
	require.NoError(t, tx.UpdateStockEntity(ctx, locked))

	// コミット前は未反映
	committed, err := s.GetStockEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), committed.Quantity)

	// 同一トランザクション内では更新後の値が見える
	again, err := tx.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), again.Quantity)

	require.NoError(t, tx.Commit())
	committed, err = s.GetStockEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), committed.Quantity)
	assert.Equal(t, int64(2), committed.Version)

	assert.ErrorIs(t, tx.Commit(), stock.ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), stock.ErrTxDone)
}

func TestMemoryStorage_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()
	e := seedEntity(t, s, 10)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)
	locked.Quantity = 0
	locked.Version++
	require.NoError(t, tx.UpdateStockEntity(ctx, locked))
	require.NoError(t, tx.Rollback())

	committed, err := s.GetStockEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), committed.Quantity)
	assert.Equal(t, int64(1), committed.Version)
}

func TestMemoryStorage_RowLockBlocksUntilRelease(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()
	e := seedEntity(t, s, 10)

	first, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = first.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)

	second, err := s.Begin(ctx)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = second.LockStockEntity(waitCtx, e.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() {
		_, err := second.LockStockEntity(ctx, e.ID)
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held by another transaction")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, first.Rollback())
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock not released on rollback")
	}
	require.NoError(t, second.Rollback())
	assert.Equal(t, 0, liveLocks(s))
}

func liveLocks(s *MemoryStorage) int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return len(s.locks)
}

func TestMemoryStorage_RowLocksAreReleased(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		e := seedEntity(t, s, 10)
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.LockStockEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, liveLocks(s))
		require.NoError(t, tx.Commit())
	}
	assert.Equal(t, 0, liveLocks(s))

	// 存在しない行のロックも残らない
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockStockEntity(ctx, "missing")
	assert.ErrorIs(t, err, stock.ErrNotFound)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, liveLocks(s))

	// 待機中にタイムアウトしたトランザクションは保持者のエントリを消さない
	e := seedEntity(t, s, 10)
	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = waiter.LockStockEntity(waitCtx, e.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, liveLocks(s))

	require.NoError(t, holder.Rollback())
	require.NoError(t, waiter.Rollback())
	assert.Equal(t, 0, liveLocks(s))
}

func TestMemoryStorage_UpdateGuards(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()
	e := seedEntity(t, s, 10)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	// ロックしていない行の更新は拒否
	err = tx.UpdateStockEntity(ctx, &stock.Entity{ID: e.ID, Version: 2})
	assert.Error(t, err)

	locked, err := tx.LockStockEntity(ctx, e.ID)
	require.NoError(t, err)

	stale := *locked
	stale.Version = 5
	assert.ErrorIs(t, tx.UpdateStockEntity(ctx, &stale), stock.ErrVersionMismatch)

	negative := *locked
	negative.Quantity = -1
	negative.Version++
	assert.Error(t, tx.UpdateStockEntity(ctx, &negative))

	_, err = tx.LockStockEntity(ctx, "missing")
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

func TestMemoryStorage_PrescriptionLines(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()
	e := seedEntity(t, s, 10)

	p, err := stock.NewPrescription(stock.PrescriptionSpec{
		PatientID:    "patient-1",
		PrescribedBy: "doctor-1",
		Lines:        []stock.LineSpec{{EntityID: e.ID, Quantity: 3}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CreatePrescription(ctx, p))
	assert.ErrorIs(t, s.CreatePrescription(ctx, p), stock.ErrDuplicate)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockPrescription(ctx, p.ID)
	require.NoError(t, err)

	line := locked.Lines[0]
	line.DispensedQuantity = 4
	assert.Error(t, tx.UpdatePrescriptionLine(ctx, &line))

	line.DispensedQuantity = 3
	require.NoError(t, tx.UpdatePrescriptionLine(ctx, &line))
	locked.Status = stock.PrescriptionStatusFulfilled
	require.NoError(t, tx.UpdatePrescriptionStatus(ctx, locked))
	require.NoError(t, tx.Commit())

	stored, err := s.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.PrescriptionStatusFulfilled, stored.Status)
	assert.Equal(t, int64(3), stored.Lines[0].DispensedQuantity)

	// 取得結果の変更はストアに影響しない
	stored.Lines[0].DispensedQuantity = 0
	again, err := s.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.Lines[0].DispensedQuantity)
}

func TestMemoryStorage_CreateRequiresEntity(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop())
	ctx := context.Background()

	req, err := stock.NewInventoryRequest("missing", 1, "staff-1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateInventoryRequest(ctx, req), stock.ErrNotFound)
}

func TestMemoryStorage_Close(t *testing.T) {
	s := NewMemoryStorage(nil)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))
	_, err := s.Begin(ctx)
	assert.Error(t, err)
}
