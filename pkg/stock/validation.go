package stock

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	maxQuantity = 999999999
	maxIDLength = 64
)

var (
	idPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	maxUnitCost    = decimal.RequireFromString("9999999999.99")
	validKinds     = map[EntityKind]bool{EntityKindMedicine: true, EntityKindSupply: true}
	validReqStatus = map[RequestStatus]bool{
		RequestStatusPending:   true,
		RequestStatusFulfilled: true,
		RequestStatusRejected:  true,
	}
)

// ValidateID IDの形式をバリデーション
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "IDが空です", id)
	}
	if len(id) > maxIDLength {
		return NewValidationError(field, "IDが長すぎます", id)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !idPattern.MatchString(id) {
		return NewValidationError(field, "IDに無効な文字が含まれています", id)
	}
	return nil
}

// ValidateActorID 操作者IDをバリデーション
func ValidateActorID(field, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return NewValidationError(field, "操作者IDが空です", actorID)
	}
	if len(actorID) > 255 {
		return NewValidationError(field, "操作者IDが長すぎます", actorID)
	}
	return nil
}

// ValidateDelta 増減数量をバリデーション（正の値のみ）
func ValidateDelta(delta int64) error {
	if delta <= 0 {
		return NewQuantityError("quantity", "数量は正の値である必要があります", delta)
	}
	if delta > maxQuantity {
		return NewQuantityError("quantity", "数量が有効範囲を超えています", delta)
	}
	return nil
}

// ValidateOnHand 在庫数量をバリデーション（0以上）
func ValidateOnHand(quantity int64) error {
	if quantity < 0 {
		return NewQuantityError("quantity", "負の数量は許可されていません", quantity)
	}
	if quantity > maxQuantity {
		return NewQuantityError("quantity", "数量が有効範囲を超えています", quantity)
	}
	return nil
}

// ValidateThreshold 発注点をバリデーション
func ValidateThreshold(threshold int64) error {
	if threshold < 0 {
		return NewValidationError("reorder_threshold", "発注点は0以上である必要があります", fmt.Sprintf("%d", threshold))
	}
	if threshold > maxQuantity {
		return NewValidationError("reorder_threshold", "発注点が有効範囲を超えています", fmt.Sprintf("%d", threshold))
	}
	return nil
}

// ValidateName 表示名をバリデーション
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "名称が空です", name)
	}
	if len(name) > 255 {
		return NewValidationError("name", "名称が長すぎます", name)
	}
	return nil
}

// ValidateKind 種別をバリデーション
func ValidateKind(kind EntityKind) error {
	if !validKinds[kind] {
		return NewValidationError("kind", "無効な種別です", string(kind))
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(unitCost decimal.Decimal) error {
	if unitCost.IsNegative() {
		return NewValidationError("unit_cost", "単価は0以上である必要があります", unitCost.String())
	}
	if unitCost.GreaterThan(maxUnitCost) {
		return NewValidationError("unit_cost", "単価が有効範囲を超えています", unitCost.String())
	}
	return nil
}

// ValidateRequestStatus 請求ステータスをバリデーション（空は全件）
func ValidateRequestStatus(status RequestStatus) error {
	if status == "" {
		return nil
	}
	if !validReqStatus[status] {
		return NewValidationError("status", "無効なステータスです", string(status))
	}
	return nil
}

// NewEntity builds a validated stock entity from spec.
// defaultThreshold applies when no reorder threshold is given.
// 在庫対象を作成
func NewEntity(spec EntitySpec, defaultThreshold int64) (*Entity, error) {
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if err := ValidateKind(spec.Kind); err != nil {
		return nil, err
	}
	if err := ValidateOnHand(spec.Quantity); err != nil {
		return nil, err
	}
	threshold := defaultThreshold
	if spec.ReorderThreshold != nil {
		threshold = *spec.ReorderThreshold
	}
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	if err := ValidateUnitCost(spec.UnitCost); err != nil {
		return nil, err
	}

	ts := now()
	return &Entity{
		ID:               NewID(),
		Name:             strings.TrimSpace(spec.Name),
		Kind:             spec.Kind,
		Quantity:         spec.Quantity,
		ReorderThreshold: threshold,
		UnitCost:         spec.UnitCost.Round(2),
		Version:          1,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}, nil
}

// NewPrescription builds a pending prescription with zero dispensed on every line.
// Entity existence is checked by the caller.
// 処方箋を作成
func NewPrescription(spec PrescriptionSpec) (*Prescription, error) {
	if err := ValidateActorID("patient_id", spec.PatientID); err != nil {
		return nil, err
	}
	if err := ValidateActorID("prescribed_by", spec.PrescribedBy); err != nil {
		return nil, err
	}
	if len(spec.Lines) == 0 {
		return nil, NewValidationError("lines", "明細が1件以上必要です", "0")
	}

	ts := now()
	p := &Prescription{
		ID:           NewID(),
		PatientID:    spec.PatientID,
		PrescribedBy: spec.PrescribedBy,
		Status:       PrescriptionStatusPending,
		Lines:        make([]PrescriptionLine, 0, len(spec.Lines)),
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	seen := make(map[string]bool, len(spec.Lines))
	for i, ls := range spec.Lines {
		if err := ValidateID("entity_id", ls.EntityID); err != nil {
			return nil, err
		}
		if seen[ls.EntityID] {
			return nil, NewValidationError("entity_id", "同一の在庫対象が複数の明細に含まれています", ls.EntityID)
		}
		seen[ls.EntityID] = true
		if err := ValidateDelta(ls.Quantity); err != nil {
			return nil, err
		}
		p.Lines = append(p.Lines, PrescriptionLine{
			ID:              NewID(),
			PrescriptionID:  p.ID,
			EntityID:        ls.EntityID,
			Position:        i + 1,
			OrderedQuantity: ls.Quantity,
			UpdatedAt:       ts,
		})
	}

	return p, nil
}

// NewInventoryRequest builds a pending inventory request
// 在庫請求を作成
func NewInventoryRequest(entityID string, quantity int64, requesterID, reason string) (*InventoryRequest, error) {
	if err := ValidateID("entity_id", entityID); err != nil {
		return nil, err
	}
	if err := ValidateDelta(quantity); err != nil {
		return nil, err
	}
	if err := ValidateActorID("requested_by", requesterID); err != nil {
		return nil, err
	}
	if len(reason) > 2000 {
		return nil, NewValidationError("reason", "理由が長すぎます", reason)
	}

	ts := now()
	return &InventoryRequest{
		ID:          NewID(),
		EntityID:    entityID,
		Quantity:    quantity,
		Status:      RequestStatusPending,
		RequestedBy: requesterID,
		Reason:      reason,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}
