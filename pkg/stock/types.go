// Package stock provides the clinic stock ledger and the fulfillment workflows built on it
package stock

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityKind distinguishes medicines from general supplies
// 在庫対象の種別（医薬品または一般備品）
type EntityKind string

const (
	EntityKindMedicine EntityKind = "medicine" // 医薬品
	EntityKindSupply   EntityKind = "supply"   // 一般備品
)

// Entity represents a stock-keeping entity with a quantity on hand
// 在庫数量を持つ在庫管理対象を表現
type Entity struct {
	ID               string          `json:"id" db:"id"`                                         // 在庫対象ID
	Name             string          `json:"name" db:"name"`                                     // 表示名
	Kind             EntityKind      `json:"kind" db:"kind"`                                     // 種別
	Quantity         int64           `json:"quantity" db:"quantity"`                             // 在庫数量（常に0以上）
	ReorderThreshold int64           `json:"reorder_threshold" db:"reorder_threshold"`           // 発注点
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`                           // 単価
	LastRestockedAt  *time.Time      `json:"last_restocked_at,omitempty" db:"last_restocked_at"` // 最終入庫日時
	Version          int64           `json:"version" db:"version"`                               // 楽観的ロック用バージョン
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`                         // 作成日時
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`                         // 更新日時
}

// NeedsReorder reports whether the quantity on hand is below the reorder threshold
// 発注点を下回っているかチェック
func (e *Entity) NeedsReorder() bool {
	return e.Quantity < e.ReorderThreshold
}

// Shortfall returns how many units are missing to reach the reorder threshold
func (e *Entity) Shortfall() int64 {
	if !e.NeedsReorder() {
		return 0
	}
	return e.ReorderThreshold - e.Quantity
}

// Value returns quantity on hand multiplied by unit cost
// 在庫評価額（数量 × 単価）
func (e *Entity) Value() decimal.Decimal {
	return e.UnitCost.Mul(decimal.NewFromInt(e.Quantity))
}

// PrescriptionStatus is derived from the dispensed amounts of the prescription lines
// 処方箋ステータス（明細の払出数量から導出）
type PrescriptionStatus string

const (
	PrescriptionStatusPending   PrescriptionStatus = "pending"   // 払出待ち
	PrescriptionStatusFulfilled PrescriptionStatus = "fulfilled" // 払出完了
)

// Prescription represents a prescription and the lines it owns
// 処方箋とその明細を表現
type Prescription struct {
	ID           string             `json:"id" db:"id"`                       // 処方箋ID
	PatientID    string             `json:"patient_id" db:"patient_id"`       // 患者ID
	PrescribedBy string             `json:"prescribed_by" db:"prescribed_by"` // 処方者
	Status       PrescriptionStatus `json:"status" db:"status"`               // ステータス
	Lines        []PrescriptionLine `json:"lines" db:"-"`                     // 明細
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`       // 更新日時
}

// PrescriptionLine is one ordered stock entity within a prescription
// 処方箋明細を表現
type PrescriptionLine struct {
	ID                string    `json:"id" db:"id"`                                 // 明細ID
	PrescriptionID    string    `json:"prescription_id" db:"prescription_id"`       // 親処方箋ID
	EntityID          string    `json:"entity_id" db:"entity_id"`                   // 在庫対象ID
	Position          int       `json:"position" db:"position"`                     // 表示順
	OrderedQuantity   int64     `json:"ordered_quantity" db:"ordered_quantity"`     // 処方数量
	DispensedQuantity int64     `json:"dispensed_quantity" db:"dispensed_quantity"` // 払出済み数量
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`                 // 更新日時
}

// Remaining returns the amount still to be dispensed
// 未払出数量を計算
func (l *PrescriptionLine) Remaining() int64 {
	return l.OrderedQuantity - l.DispensedQuantity
}

// IsComplete reports whether the line has been dispensed in full
func (l *PrescriptionLine) IsComplete() bool {
	return l.DispensedQuantity >= l.OrderedQuantity
}

// Line finds a line owned by this prescription
// 処方箋に属する明細を検索
func (p *Prescription) Line(lineID string) (*PrescriptionLine, bool) {
	for i := range p.Lines {
		if p.Lines[i].ID == lineID {
			return &p.Lines[i], true
		}
	}
	return nil, false
}

// DeriveStatus computes the status implied by the current line state
// 明細の状態からステータスを導出
func (p *Prescription) DeriveStatus() PrescriptionStatus {
	if len(p.Lines) == 0 {
		return PrescriptionStatusPending
	}
	for i := range p.Lines {
		if !p.Lines[i].IsComplete() {
			return PrescriptionStatusPending
		}
	}
	return PrescriptionStatusFulfilled
}

// RequestStatus is the state of an inventory request
// 在庫請求のステータス
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"   // 承認待ち
	RequestStatusFulfilled RequestStatus = "fulfilled" // 承認済み（在庫消費済み）
	RequestStatusRejected  RequestStatus = "rejected"  // 却下
)

// IsTerminal reports whether no further transition is permitted
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusFulfilled || s == RequestStatusRejected
}

// InventoryRequest represents a staff request to consume stock
// スタッフによる在庫払出請求を表現
type InventoryRequest struct {
	ID          string        `json:"id" db:"id"`                               // 請求ID
	EntityID    string        `json:"entity_id" db:"entity_id"`                 // 在庫対象ID
	Quantity    int64         `json:"quantity" db:"quantity"`                   // 請求数量
	Status      RequestStatus `json:"status" db:"status"`                       // ステータス
	RequestedBy string        `json:"requested_by" db:"requested_by"`           // 請求者
	ProcessedBy *string       `json:"processed_by,omitempty" db:"processed_by"` // 処理者
	ProcessedAt *time.Time    `json:"processed_at,omitempty" db:"processed_at"` // 処理日時
	Reason      string        `json:"reason" db:"reason"`                       // 理由
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`               // 作成日時
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`               // 更新日時
}

// DispenseResult reports the outcome of a successful dispense
// 払出結果を表現
type DispenseResult struct {
	PrescriptionID string             `json:"prescription_id"`
	Line           PrescriptionLine   `json:"line"`
	Status         PrescriptionStatus `json:"status"`
	StatusChanged  bool               `json:"status_changed"`
	StockRemaining int64              `json:"stock_remaining"`
}

// EntitySpec describes a stock entity to register
// 在庫対象の登録内容
type EntitySpec struct {
	Name             string          `json:"name"`
	Kind             EntityKind      `json:"kind"`
	Quantity         int64           `json:"quantity"`
	ReorderThreshold *int64          `json:"reorder_threshold,omitempty"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
}

// LineSpec describes one line of a new prescription
type LineSpec struct {
	EntityID string `json:"entity_id"`
	Quantity int64  `json:"quantity"`
}

// PrescriptionSpec describes a prescription to create
// 処方箋の作成内容
type PrescriptionSpec struct {
	PatientID    string     `json:"patient_id"`
	PrescribedBy string     `json:"prescribed_by"`
	Lines        []LineSpec `json:"lines"`
}

// NewID generates a new identity for entities, prescriptions, lines and requests
// 新しいIDを生成
func NewID() string {
	return uuid.New().String()
}

// now returns the current time in UTC so stored timestamps compare across drivers
func now() time.Time {
	return time.Now().UTC()
}
