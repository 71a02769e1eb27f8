package stock

import (
	"context"

	"go.uber.org/zap"
)

// FulfillmentService implements the PrescriptionFulfillment interface
// 処方箋払出サービス
type FulfillmentService struct {
	ledger *Ledger
	logger *zap.Logger
}

var _ PrescriptionFulfillment = (*FulfillmentService)(nil)

// NewFulfillmentService creates a new fulfillment service on top of ledger
// 新しい処方箋払出サービスを作成
func NewFulfillmentService(ledger *Ledger, logger *zap.Logger) *FulfillmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FulfillmentService{
		ledger: ledger,
		logger: logger,
	}
}

// CreatePrescription validates spec and stores a pending prescription
// 処方箋を登録
func (s *FulfillmentService) CreatePrescription(ctx context.Context, spec PrescriptionSpec) (*Prescription, error) {
	p, err := NewPrescription(spec)
	if err != nil {
		return nil, err
	}

	// 明細の在庫対象の存在確認
	for _, line := range p.Lines {
		if _, err := s.ledger.storage.GetStockEntity(ctx, line.EntityID); err != nil {
			return nil, storageError("get_stock_entity", "在庫対象取得に失敗しました", err)
		}
	}

	if err := s.ledger.storage.CreatePrescription(ctx, p); err != nil {
		err = storageError("create_prescription", "処方箋作成に失敗しました", err)
		s.ledger.logFailure("処方箋登録に失敗しました", err, zap.String("patient_id", p.PatientID))
		return nil, err
	}

	s.logger.Info("処方箋登録完了",
		zap.String("prescription_id", p.ID),
		zap.String("prescribed_by", p.PrescribedBy),
		zap.Int("lines", len(p.Lines)),
	)
	return p, nil
}

// GetPrescription 処方箋を取得
func (s *FulfillmentService) GetPrescription(ctx context.Context, prescriptionID string) (*Prescription, error) {
	p, err := s.ledger.storage.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, storageError("get_prescription", "処方箋取得に失敗しました", err)
	}
	return p, nil
}

// DispenseLine dispenses quantity units of one prescription line.
// The stock decrease, the line update and the status update commit together or not at all.
// 処方箋明細を払出
func (s *FulfillmentService) DispenseLine(ctx context.Context, prescriptionID, lineID string, quantity int64) (*DispenseResult, error) {
	if err := ValidateDelta(quantity); err != nil {
		return nil, err
	}

	var (
		result *DispenseResult
		entity *Entity
	)
	err := s.ledger.atomically(ctx, "dispense_line", func(tx Tx) error {
		// 処方箋を先にロックし、その後に在庫対象をロックする
		p, err := tx.LockPrescription(ctx, prescriptionID)
		if err != nil {
			return storageError("lock_prescription", "処方箋取得に失敗しました", err)
		}

		line, ok := p.Line(lineID)
		if !ok {
			return NewNotFoundError("prescription_line", lineID)
		}
		if quantity > line.Remaining() {
			return NewQuantityError("quantity", "未払出数量を超えています", quantity)
		}

		entity, err = s.ledger.decrease(ctx, tx, line.EntityID, quantity)
		if err != nil {
			return err
		}

		ts := now()
		line.DispensedQuantity += quantity
		line.UpdatedAt = ts
		if err := tx.UpdatePrescriptionLine(ctx, line); err != nil {
			return storageError("update_prescription_line", "処方箋明細更新に失敗しました", err)
		}

		previous := p.Status
		p.Status = p.DeriveStatus()
		if p.Status != previous {
			p.UpdatedAt = ts
			if err := tx.UpdatePrescriptionStatus(ctx, p); err != nil {
				return storageError("update_prescription_status", "処方箋ステータス更新に失敗しました", err)
			}
		}

		result = &DispenseResult{
			PrescriptionID: p.ID,
			Line:           *line,
			Status:         p.Status,
			StatusChanged:  p.Status != previous,
			StockRemaining: entity.Quantity,
		}
		return nil
	})
	if err != nil {
		s.ledger.logFailure("払出に失敗しました", err,
			zap.String("prescription_id", prescriptionID),
			zap.String("line_id", lineID),
			zap.Int64("quantity", quantity),
		)
		return nil, err
	}

	s.logger.Info("払出完了",
		zap.String("prescription_id", prescriptionID),
		zap.String("line_id", lineID),
		zap.String("entity_id", result.Line.EntityID),
		zap.Int64("quantity", quantity),
		zap.Int64("dispensed", result.Line.DispensedQuantity),
		zap.String("status", string(result.Status)),
	)
	s.ledger.checkThreshold(entity, quantity)
	return result, nil
}

// RestockEntity adds quantity to the entity's stock
// 在庫を補充
func (s *FulfillmentService) RestockEntity(ctx context.Context, entityID string, quantity int64) (int64, error) {
	return s.ledger.Increase(ctx, entityID, quantity)
}
