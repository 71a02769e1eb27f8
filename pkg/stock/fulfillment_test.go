package stock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/clinicstock/pkg/stock"
)

func (f *fixture) prescription(tb testing.TB, lines ...stock.LineSpec) *stock.Prescription {
	tb.Helper()
	p, err := f.fulfillment.CreatePrescription(context.Background(), stock.PrescriptionSpec{
		PatientID:    "patient-1",
		PrescribedBy: "doctor-1",
		Lines:        lines,
	})
	require.NoError(tb, err)
	return p
}

// TestFulfillment_DispenseLine_PartialThenFull は分割払出から処方完了までをテスト
func TestFulfillment_DispenseLine_PartialThenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	med := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 10)
	p := f.prescription(t, stock.LineSpec{EntityID: med.ID, Quantity: 10})
	lineID := p.Lines[0].ID

	// 4個払出: 在庫6、明細4、処方箋は払出待ちのまま
	res, err := f.fulfillment.DispenseLine(ctx, p.ID, lineID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Line.DispensedQuantity)
	assert.Equal(t, stock.PrescriptionStatusPending, res.Status)
	assert.False(t, res.StatusChanged)
	assert.Equal(t, int64(6), res.StockRemaining)

	qty, err := f.ledger.Peek(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), qty)

	// 残り6個払出: 在庫0、処方箋は払出完了
	res, err = f.fulfillment.DispenseLine(ctx, p.ID, lineID, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Line.DispensedQuantity)
	assert.Equal(t, stock.PrescriptionStatusFulfilled, res.Status)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, int64(0), res.StockRemaining)

	stored, err := f.fulfillment.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.PrescriptionStatusFulfilled, stored.Status)
	assert.Equal(t, int64(10), stored.Lines[0].DispensedQuantity)
}

// TestFulfillment_DispenseLine_MultipleLines は全明細が揃うまで払出完了にならないことをテスト
func TestFulfillment_DispenseLine_MultipleLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 10)
	b := f.entity(t, "Ibuprofen", stock.EntityKindMedicine, 10)
	p := f.prescription(t,
		stock.LineSpec{EntityID: a.ID, Quantity: 2},
		stock.LineSpec{EntityID: b.ID, Quantity: 3},
	)

	res, err := f.fulfillment.DispenseLine(ctx, p.ID, p.Lines[0].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, stock.PrescriptionStatusPending, res.Status)

	res, err = f.fulfillment.DispenseLine(ctx, p.ID, p.Lines[1].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, stock.PrescriptionStatusFulfilled, res.Status)
	assert.True(t, res.StatusChanged)
}

// TestFulfillment_DispenseLine_Errors は払出のエラーケースをテスト
func TestFulfillment_DispenseLine_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	med := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 3)
	other := f.entity(t, "Ibuprofen", stock.EntityKindMedicine, 10)
	p := f.prescription(t, stock.LineSpec{EntityID: med.ID, Quantity: 5})
	foreign := f.prescription(t, stock.LineSpec{EntityID: other.ID, Quantity: 1})
	lineID := p.Lines[0].ID

	tests := []struct {
		name           string
		prescriptionID string
		lineID         string
		qty            int64
		want           error
	}{
		{"zero quantity", p.ID, lineID, 0, stock.ErrInvalidQuantity},
		{"negative quantity", p.ID, lineID, -2, stock.ErrInvalidQuantity},
		{"unknown prescription", "missing", lineID, 1, stock.ErrNotFound},
		{"unknown line", p.ID, "missing", 1, stock.ErrNotFound},
		{"line of another prescription", p.ID, foreign.Lines[0].ID, 1, stock.ErrNotFound},
		{"exceeds remaining", p.ID, lineID, 6, stock.ErrInvalidQuantity},
		{"insufficient stock", p.ID, lineID, 4, stock.ErrInsufficientStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.fulfillment.DispenseLine(ctx, tt.prescriptionID, tt.lineID, tt.qty)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// 失敗した払出は何も変更しない
	qty, err := f.ledger.Peek(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)
	stored, err := f.fulfillment.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Lines[0].DispensedQuantity)
	assert.Equal(t, stock.PrescriptionStatusPending, stored.Status)
}

// TestFulfillment_DispenseLine_Concurrent は同一明細への同時払出で過剰払出が起きないことをテスト
func TestFulfillment_DispenseLine_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	med := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 100)
	p := f.prescription(t, stock.LineSpec{EntityID: med.ID, Quantity: 10})

	var (
		wg        sync.WaitGroup
		succeeded int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.fulfillment.DispenseLine(ctx, p.ID, p.Lines[0].ID, 1)
			if err == nil {
				atomic.AddInt64(&succeeded, 1)
				return
			}
			if !errors.Is(err, stock.ErrInvalidQuantity) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded)
	qty, err := f.ledger.Peek(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), qty)

	stored, err := f.fulfillment.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.Lines[0].DispensedQuantity)
	assert.Equal(t, stock.PrescriptionStatusFulfilled, stored.Status)
}

// TestFulfillment_RestockEntity は補充で数量と最終入庫日時が更新されることをテスト
func TestFulfillment_RestockEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	med := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 0)
	before := time.Now().UTC().Add(-time.Second)

	qty, err := f.fulfillment.RestockEntity(ctx, med.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(20), qty)

	stored, err := f.ledger.GetEntity(ctx, med.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRestockedAt)
	assert.True(t, stored.LastRestockedAt.After(before))

	_, err = f.fulfillment.RestockEntity(ctx, med.ID, 0)
	assert.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = f.fulfillment.RestockEntity(ctx, "missing", 5)
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

// TestFulfillment_CreatePrescription は処方箋登録のバリデーションをテスト
func TestFulfillment_CreatePrescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	med := f.entity(t, "Amoxicillin", stock.EntityKindMedicine, 10)

	p := f.prescription(t, stock.LineSpec{EntityID: med.ID, Quantity: 3})
	assert.Equal(t, stock.PrescriptionStatusPending, p.Status)
	require.Len(t, p.Lines, 1)
	assert.Equal(t, int64(0), p.Lines[0].DispensedQuantity)
	assert.Equal(t, p.ID, p.Lines[0].PrescriptionID)
	assert.Equal(t, 1, p.Lines[0].Position)

	tests := []struct {
		name string
		spec stock.PrescriptionSpec
		want error
	}{
		{"no lines", stock.PrescriptionSpec{PatientID: "p", PrescribedBy: "d"}, stock.ErrValidation},
		{"no patient", stock.PrescriptionSpec{PrescribedBy: "d", Lines: []stock.LineSpec{{EntityID: med.ID, Quantity: 1}}}, stock.ErrValidation},
		{"zero ordered", stock.PrescriptionSpec{PatientID: "p", PrescribedBy: "d", Lines: []stock.LineSpec{{EntityID: med.ID, Quantity: 0}}}, stock.ErrInvalidQuantity},
		{"duplicate entity", stock.PrescriptionSpec{PatientID: "p", PrescribedBy: "d", Lines: []stock.LineSpec{
			{EntityID: med.ID, Quantity: 1}, {EntityID: med.ID, Quantity: 2},
		}}, stock.ErrValidation},
		{"unknown entity", stock.PrescriptionSpec{PatientID: "p", PrescribedBy: "d", Lines: []stock.LineSpec{{EntityID: "missing", Quantity: 1}}}, stock.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.fulfillment.CreatePrescription(ctx, tt.spec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
