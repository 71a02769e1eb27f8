package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/clinicstock/internal/auth"
	"github.com/nemonet1337/clinicstock/pkg/activity"
	"github.com/nemonet1337/clinicstock/pkg/stock"
)

// StockService is the ledger surface the API needs
type StockService interface {
	stock.StockLedger
	stock.EntityRegistry
}

// StockReporter builds valuation and reorder views
type StockReporter interface {
	StockReport(ctx context.Context) (*stock.StockReport, error)
	ReorderList(ctx context.Context) ([]stock.StockLine, error)
}

// Pinger checks storage connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the clinic stock API
// 在庫API用のHTTPハンドラーを保持
type Handlers struct {
	ledger      StockService
	fulfillment stock.PrescriptionFulfillment
	requests    stock.InventoryRequestProcessor
	reporter    StockReporter
	recorder    activity.Recorder
	auth        *auth.Authenticator
	health      Pinger
	logger      *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(
	ledger StockService,
	fulfillment stock.PrescriptionFulfillment,
	requests stock.InventoryRequestProcessor,
	reporter StockReporter,
	recorder activity.Recorder,
	authenticator *auth.Authenticator,
	health Pinger,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		ledger:      ledger,
		fulfillment: fulfillment,
		requests:    requests,
		reporter:    reporter,
		recorder:    recorder,
		auth:        authenticator,
		health:      health,
		logger:      logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// CreateEntityRequest represents request to register a medicine or supply
// 在庫対象登録リクエストを表現
type CreateEntityRequest struct {
	Name             string           `json:"name"`
	Kind             stock.EntityKind `json:"kind"`
	Quantity         int64            `json:"quantity"`
	ReorderThreshold *int64           `json:"reorder_threshold,omitempty"`
	UnitCost         decimal.Decimal  `json:"unit_cost"`
}

// QuantityRequest carries a positive quantity for restock and dispense
// 数量指定リクエストを表現
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// CreatePrescriptionRequest represents request to record a prescription
// 処方箋登録リクエストを表現
type CreatePrescriptionRequest struct {
	PatientID string           `json:"patient_id"`
	Lines     []stock.LineSpec `json:"lines"`
}

// SubmitRequestRequest represents request to file an inventory request
// 在庫請求リクエストを表現
type SubmitRequestRequest struct {
	EntityID string `json:"entity_id"`
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	h.writeJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "clinicstock",
		},
	})
}

// 在庫対象

// CreateEntity handles entity registration
// 在庫対象登録リクエストを処理
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var req CreateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	entity, err := h.ledger.RegisterEntity(r.Context(), stock.EntitySpec{
		Name:             req.Name,
		Kind:             req.Kind,
		Quantity:         req.Quantity,
		ReorderThreshold: req.ReorderThreshold,
		UnitCost:         req.UnitCost,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("在庫対象「%s」を登録しました（数量 %d）", entity.Name, entity.Quantity))
	h.sendCreated(w, entity)
}

// ListEntities handles entity listing
// 在庫対象一覧リクエストを処理
func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entities, err := h.ledger.ListEntities(r.Context(), offset, limit)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, entities)
}

// GetEntity handles entity lookup
// 在庫対象取得リクエストを処理
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.ledger.GetEntity(r.Context(), mux.Vars(r)["entityId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, entity)
}

// RestockEntity handles restock requests
// 補充リクエストを処理
func (h *Handlers) RestockEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RoleAdmin, auth.RolePharmacist, auth.RoleStorekeeper)
	if !ok {
		return
	}

	var req QuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	entityID := mux.Vars(r)["entityId"]
	quantity, err := h.fulfillment.RestockEntity(r.Context(), entityID, req.Quantity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("在庫対象 %s を %d 補充しました", entityID, req.Quantity))
	h.sendSuccess(w, map[string]interface{}{
		"entity_id": entityID,
		"quantity":  quantity,
	})
}

// StockReport handles valuation report requests
// 在庫評価レポートリクエストを処理
func (h *Handlers) StockReport(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, auth.RoleAdmin, auth.RoleStorekeeper); !ok {
		return
	}

	report, err := h.reporter.StockReport(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, report)
}

// ReorderList handles reorder list requests
// 発注候補一覧リクエストを処理
func (h *Handlers) ReorderList(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, auth.RoleAdmin, auth.RoleStorekeeper); !ok {
		return
	}

	lines, err := h.reporter.ReorderList(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, lines)
}

// 処方箋

// CreatePrescription handles prescription intake
// 処方箋登録リクエストを処理
func (h *Handlers) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RoleDoctor, auth.RoleAdmin)
	if !ok {
		return
	}

	var req CreatePrescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	p, err := h.fulfillment.CreatePrescription(r.Context(), stock.PrescriptionSpec{
		PatientID:    req.PatientID,
		PrescribedBy: id.ActorID,
		Lines:        req.Lines,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("処方箋 %s を登録しました（明細 %d 件）", p.ID, len(p.Lines)))
	h.sendCreated(w, p)
}

// GetPrescription handles prescription lookup
// 処方箋取得リクエストを処理
func (h *Handlers) GetPrescription(w http.ResponseWriter, r *http.Request) {
	p, err := h.fulfillment.GetPrescription(r.Context(), mux.Vars(r)["prescriptionId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, p)
}

// DispenseLine handles dispensing against a prescription line
// 処方明細の払出リクエストを処理
func (h *Handlers) DispenseLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RolePharmacist, auth.RoleAdmin)
	if !ok {
		return
	}

	var req QuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	vars := mux.Vars(r)
	res, err := h.fulfillment.DispenseLine(r.Context(), vars["prescriptionId"], vars["lineId"], req.Quantity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	msg := fmt.Sprintf("処方箋 %s の明細 %s から %d 払い出しました", res.PrescriptionID, res.Line.ID, req.Quantity)
	if res.StatusChanged {
		msg += "（払出完了）"
	}
	h.record(r.Context(), id, msg)
	h.sendSuccess(w, res)
}

// 在庫請求

// SubmitRequest handles inventory request intake
// 在庫請求登録リクエストを処理
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r)
	if !ok {
		return
	}

	var req SubmitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	created, err := h.requests.Submit(r.Context(), req.EntityID, req.Quantity, id.ActorID, req.Reason)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("在庫請求 %s を登録しました（在庫対象 %s、数量 %d）", created.ID, created.EntityID, created.Quantity))
	h.sendCreated(w, created)
}

// ListRequests handles inventory request listing
// 在庫請求一覧リクエストを処理
func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := stock.RequestStatus(r.URL.Query().Get("status"))

	reqs, err := h.requests.List(r.Context(), status, limit)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, reqs)
}

// GetRequest handles inventory request lookup
// 在庫請求取得リクエストを処理
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), mux.Vars(r)["requestId"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, req)
}

// ApproveRequest handles approval of a pending request
// 在庫請求承認リクエストを処理
func (h *Handlers) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RoleAdmin, auth.RoleStorekeeper)
	if !ok {
		return
	}

	req, err := h.requests.Approve(r.Context(), mux.Vars(r)["requestId"], id.ActorID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("在庫請求 %s を承認しました（数量 %d）", req.ID, req.Quantity))
	h.sendSuccess(w, req)
}

// RejectRequest handles rejection of a pending request
// 在庫請求却下リクエストを処理
func (h *Handlers) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireRole(w, r, auth.RoleAdmin, auth.RoleStorekeeper)
	if !ok {
		return
	}

	req, err := h.requests.Reject(r.Context(), mux.Vars(r)["requestId"], id.ActorID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.record(r.Context(), id, fmt.Sprintf("在庫請求 %s を却下しました", req.ID))
	h.sendSuccess(w, req)
}

// ヘルパーメソッド

// authMiddleware verifies the bearer token and stores the identity in the request context
// 認証ミドルウェア
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.FromRequestHeader(r.Header.Get("Authorization"))
		if err != nil {
			h.sendError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// requireRole checks the caller holds one of roles; no roles means any authenticated caller
func (h *Handlers) requireRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.sendError(w, http.StatusUnauthorized, auth.ErrMissingToken.Error())
		return auth.Identity{}, false
	}
	if len(roles) > 0 && !id.Can(roles...) {
		h.logger.Warn("権限のない操作が拒否されました",
			zap.String("actor_id", id.ActorID),
			zap.String("role", string(id.Role)),
			zap.String("path", r.URL.Path),
		)
		h.sendError(w, http.StatusForbidden, auth.ErrForbidden.Error())
		return auth.Identity{}, false
	}
	return id, true
}

// record forwards a mutation to the activity recorder; failures are logged only
func (h *Handlers) record(ctx context.Context, id auth.Identity, message string) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Log(ctx, id.ActorID, message); err != nil {
		h.logger.Warn("操作記録に失敗しました",
			zap.String("actor_id", id.ActorID),
			zap.String("message", message),
			zap.Error(err),
		)
	}
}

// statusFor maps the failure taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, stock.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, stock.ErrInvalidTransition),
		errors.Is(err, stock.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError sends the error response for a failed core call
// エラー種別に応じたレスポンスを送信
func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}

	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
		Code:    stock.Outcome(err),
	})
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// sendCreated 作成成功レスポンスを送信
func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
