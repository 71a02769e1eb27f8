package stock

import "context"

// StockLedger defines the authoritative quantity operations for stock entities
// 在庫数量の基本操作インターフェースを定義
type StockLedger interface {
	Increase(ctx context.Context, entityID string, delta int64) (int64, error)
	Decrease(ctx context.Context, entityID string, delta int64) (int64, error)
	Peek(ctx context.Context, entityID string) (int64, error)
}

// EntityRegistry defines interface for stock entity management
// 在庫対象管理のインターフェースを定義
type EntityRegistry interface {
	RegisterEntity(ctx context.Context, spec EntitySpec) (*Entity, error)
	GetEntity(ctx context.Context, entityID string) (*Entity, error)
	ListEntities(ctx context.Context, offset, limit int) ([]Entity, error)
}

// PrescriptionFulfillment defines the dispensing workflow
// 処方箋払出ワークフローのインターフェースを定義
type PrescriptionFulfillment interface {
	CreatePrescription(ctx context.Context, spec PrescriptionSpec) (*Prescription, error)
	GetPrescription(ctx context.Context, prescriptionID string) (*Prescription, error)
	DispenseLine(ctx context.Context, prescriptionID, lineID string, quantity int64) (*DispenseResult, error)
	RestockEntity(ctx context.Context, entityID string, quantity int64) (int64, error)
}

// InventoryRequestProcessor defines the inventory request lifecycle
// 在庫請求ライフサイクルのインターフェースを定義
type InventoryRequestProcessor interface {
	Submit(ctx context.Context, entityID string, quantity int64, requesterID, reason string) (*InventoryRequest, error)
	Get(ctx context.Context, requestID string) (*InventoryRequest, error)
	List(ctx context.Context, status RequestStatus, limit int) ([]InventoryRequest, error)
	Approve(ctx context.Context, requestID, processorID string) (*InventoryRequest, error)
	Reject(ctx context.Context, requestID, processorID string) (*InventoryRequest, error)
}

// Storage defines the interface for data persistence layer.
// Reads outside a transaction observe committed state only.
// データ永続化層のインターフェースを定義
type Storage interface {
	// Transaction management
	Begin(ctx context.Context) (Tx, error)

	// Stock entities
	CreateStockEntity(ctx context.Context, entity *Entity) error
	GetStockEntity(ctx context.Context, entityID string) (*Entity, error)
	ListStockEntities(ctx context.Context, offset, limit int) ([]Entity, error)

	// Prescriptions
	CreatePrescription(ctx context.Context, prescription *Prescription) error
	GetPrescription(ctx context.Context, prescriptionID string) (*Prescription, error)

	// Inventory requests
	CreateInventoryRequest(ctx context.Context, request *InventoryRequest) error
	GetInventoryRequest(ctx context.Context, requestID string) (*InventoryRequest, error)
	ListInventoryRequests(ctx context.Context, status RequestStatus, limit int) ([]InventoryRequest, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is one atomic unit against the storage layer.
// Lock methods hold the row until Commit or Rollback; callers lock the parent
// record before the stock entity.
// ストレージトランザクションを定義
type Tx interface {
	LockStockEntity(ctx context.Context, entityID string) (*Entity, error)
	// UpdateStockEntity persists entity when the stored version equals entity.Version-1
	UpdateStockEntity(ctx context.Context, entity *Entity) error

	LockPrescription(ctx context.Context, prescriptionID string) (*Prescription, error)
	UpdatePrescriptionLine(ctx context.Context, line *PrescriptionLine) error
	UpdatePrescriptionStatus(ctx context.Context, prescription *Prescription) error

	LockInventoryRequest(ctx context.Context, requestID string) (*InventoryRequest, error)
	UpdateInventoryRequest(ctx context.Context, request *InventoryRequest) error

	Commit() error
	Rollback() error
}
