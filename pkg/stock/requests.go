package stock

import (
	"context"

	"go.uber.org/zap"
)

// RequestService implements the InventoryRequestProcessor interface
// 在庫請求サービス
type RequestService struct {
	ledger *Ledger
	logger *zap.Logger
}

var _ InventoryRequestProcessor = (*RequestService)(nil)

// NewRequestService creates a new inventory request service
// 新しい在庫請求サービスを作成
func NewRequestService(ledger *Ledger, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestService{
		ledger: ledger,
		logger: logger,
	}
}

// Submit creates a pending request against an existing entity
// 在庫請求を登録
func (s *RequestService) Submit(ctx context.Context, entityID string, quantity int64, requesterID, reason string) (*InventoryRequest, error) {
	req, err := NewInventoryRequest(entityID, quantity, requesterID, reason)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.storage.GetStockEntity(ctx, entityID); err != nil {
		return nil, storageError("get_stock_entity", "在庫対象取得に失敗しました", err)
	}

	if err := s.ledger.storage.CreateInventoryRequest(ctx, req); err != nil {
		err = storageError("create_inventory_request", "在庫請求作成に失敗しました", err)
		s.ledger.logFailure("在庫請求登録に失敗しました", err, zap.String("entity_id", entityID))
		return nil, err
	}

	s.logger.Info("在庫請求登録完了",
		zap.String("request_id", req.ID),
		zap.String("entity_id", req.EntityID),
		zap.Int64("quantity", req.Quantity),
		zap.String("requested_by", req.RequestedBy),
	)
	return req, nil
}

// Get 在庫請求を取得
func (s *RequestService) Get(ctx context.Context, requestID string) (*InventoryRequest, error) {
	req, err := s.ledger.storage.GetInventoryRequest(ctx, requestID)
	if err != nil {
		return nil, storageError("get_inventory_request", "在庫請求取得に失敗しました", err)
	}
	return req, nil
}

// List returns requests newest first, optionally filtered by status
// 在庫請求一覧を取得
func (s *RequestService) List(ctx context.Context, status RequestStatus, limit int) ([]InventoryRequest, error) {
	if err := ValidateRequestStatus(status); err != nil {
		return nil, err
	}
	_, limit = normalizePage(0, limit)

	reqs, err := s.ledger.storage.ListInventoryRequests(ctx, status, limit)
	if err != nil {
		return nil, storageError("list_inventory_requests", "在庫請求一覧取得に失敗しました", err)
	}
	return reqs, nil
}

// Approve consumes the requested stock and marks the request fulfilled.
// On insufficient stock the request stays pending and nothing changes.
// 在庫請求を承認
func (s *RequestService) Approve(ctx context.Context, requestID, processorID string) (*InventoryRequest, error) {
	if err := ValidateActorID("processed_by", processorID); err != nil {
		return nil, err
	}

	var (
		approved *InventoryRequest
		entity   *Entity
	)
	err := s.ledger.atomically(ctx, "approve_request", func(tx Tx) error {
		req, err := tx.LockInventoryRequest(ctx, requestID)
		if err != nil {
			return storageError("lock_inventory_request", "在庫請求取得に失敗しました", err)
		}
		if req.Status != RequestStatusPending {
			return NewTransitionError(req.ID, req.Status, "approve")
		}

		entity, err = s.ledger.decrease(ctx, tx, req.EntityID, req.Quantity)
		if err != nil {
			return err
		}

		markProcessed(req, RequestStatusFulfilled, processorID)
		if err := tx.UpdateInventoryRequest(ctx, req); err != nil {
			return storageError("update_inventory_request", "在庫請求更新に失敗しました", err)
		}
		approved = req
		return nil
	})
	if err != nil {
		s.ledger.logFailure("在庫請求の承認に失敗しました", err,
			zap.String("request_id", requestID),
			zap.String("processed_by", processorID),
		)
		return nil, err
	}

	s.logger.Info("在庫請求承認完了",
		zap.String("request_id", approved.ID),
		zap.String("entity_id", approved.EntityID),
		zap.Int64("quantity", approved.Quantity),
		zap.String("processed_by", processorID),
	)
	s.ledger.checkThreshold(entity, approved.Quantity)
	return approved, nil
}

// Reject marks a pending request rejected without touching stock
// 在庫請求を却下
func (s *RequestService) Reject(ctx context.Context, requestID, processorID string) (*InventoryRequest, error) {
	if err := ValidateActorID("processed_by", processorID); err != nil {
		return nil, err
	}

	var rejected *InventoryRequest
	err := s.ledger.atomically(ctx, "reject_request", func(tx Tx) error {
		req, err := tx.LockInventoryRequest(ctx, requestID)
		if err != nil {
			return storageError("lock_inventory_request", "在庫請求取得に失敗しました", err)
		}
		if req.Status != RequestStatusPending {
			return NewTransitionError(req.ID, req.Status, "reject")
		}

		markProcessed(req, RequestStatusRejected, processorID)
		if err := tx.UpdateInventoryRequest(ctx, req); err != nil {
			return storageError("update_inventory_request", "在庫請求更新に失敗しました", err)
		}
		rejected = req
		return nil
	})
	if err != nil {
		s.ledger.logFailure("在庫請求の却下に失敗しました", err,
			zap.String("request_id", requestID),
			zap.String("processed_by", processorID),
		)
		return nil, err
	}

	s.logger.Info("在庫請求却下完了",
		zap.String("request_id", rejected.ID),
		zap.String("processed_by", processorID),
	)
	return rejected, nil
}

func markProcessed(req *InventoryRequest, status RequestStatus, processorID string) {
	ts := now()
	req.Status = status
	req.ProcessedBy = &processorID
	req.ProcessedAt = &ts
	req.UpdatedAt = ts
}
