package stock

import (
	"errors"
	"fmt"
)

// Failure taxonomy
// 失敗分類

var (
	// ErrNotFound is returned when an entity, prescription, line or request doesn't exist
	// 参照先が存在しない場合のエラー
	ErrNotFound = errors.New("対象が見つかりません")

	// ErrInvalidQuantity is returned for non-positive quantities or over-dispensing
	// 数量が不正な場合のエラー
	ErrInvalidQuantity = errors.New("数量が不正です")

	// ErrInsufficientStock is returned when a decrease exceeds the quantity on hand
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrInvalidTransition is returned when a request is no longer pending
	// 状態遷移が許可されていない場合のエラー
	ErrInvalidTransition = errors.New("状態遷移が許可されていません")

	// ErrPersistence is returned when the storage layer fails
	// ストレージ障害の場合のエラー
	ErrPersistence = errors.New("ストレージ操作に失敗しました")

	// ErrValidation is returned when an input other than a quantity is malformed
	ErrValidation = errors.New("入力値が不正です")

	// ErrDuplicate is returned when creating a record whose identity already exists
	// 既に存在するレコードを作成しようとした場合のエラー
	ErrDuplicate = errors.New("既に存在します")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他の操作によって更新されています")

	// ErrTxDone is returned when a finished transaction is used again
	ErrTxDone = errors.New("トランザクションは既に終了しています")
)

// NotFoundError names the missing resource
// 存在しないリソースを表現
type NotFoundError struct {
	Resource string `json:"resource"` // リソース種別
	ID       string `json:"id"`       // ID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s が見つかりません: %s", e.Resource, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
	kind    error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Unwrap() error {
	if e.kind == nil {
		return ErrValidation
	}
	return e.kind
}

// InsufficientStockError carries the requested and available quantities
// 在庫不足の詳細を表現
type InsufficientStockError struct {
	EntityID  string `json:"entity_id"` // 在庫対象ID
	Requested int64  `json:"requested"` // 要求数量
	Available int64  `json:"available"` // 現在数量
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s]: 要求 %d, 在庫 %d", e.EntityID, e.Requested, e.Available)
}

func (e InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// TransitionError represents an operation attempted on a request in a terminal state
// 終端状態の請求への操作を表現
type TransitionError struct {
	RequestID string        `json:"request_id"` // 請求ID
	From      RequestStatus `json:"from"`       // 現在のステータス
	Operation string        `json:"operation"`  // 操作名
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("状態遷移エラー [%s]: %s の請求に %s はできません", e.RequestID, e.From, e.Operation)
}

func (e TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

func (e StorageError) Is(target error) bool {
	return target == ErrPersistence
}

// NewNotFoundError creates a new not-found error
// 新しい未検出エラーを作成
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewQuantityError creates a validation error classified as ErrInvalidQuantity
func NewQuantityError(field, message string, value int64) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   fmt.Sprintf("%d", value),
		kind:    ErrInvalidQuantity,
	}
}

// NewInsufficientStockError creates a new insufficient stock error
func NewInsufficientStockError(entityID string, requested, available int64) *InsufficientStockError {
	return &InsufficientStockError{EntityID: entityID, Requested: requested, Available: available}
}

// NewTransitionError creates a new invalid transition error
func NewTransitionError(requestID string, from RequestStatus, operation string) *TransitionError {
	return &TransitionError{RequestID: requestID, From: from, Operation: operation}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsTransient reports whether err is contention that a retried atomic unit may resolve.
// Logical failures are never transient.
// 再試行で解消し得る競合かどうかを判定
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidQuantity) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrVersionMismatch) {
		return true
	}
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// Outcome classifies err into a short label for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "invalid_input"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}

// isDomainError reports whether err already belongs to the failure taxonomy
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrPersistence) ||
		IsTransient(err)
}
