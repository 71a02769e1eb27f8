package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nemonet1337/clinicstock/pkg/stock"
)

// MemoryStorage implements the stock.Storage interface in process memory.
// Rows are locked individually, so transactions on different rows never wait on each other.
// プロセス内メモリを使用したStorageインターフェースの実装
type MemoryStorage struct {
	mu            sync.RWMutex
	entities      map[string]stock.Entity
	prescriptions map[string]stock.Prescription
	requests      map[string]stock.InventoryRequest
	closed        bool

	lockMu sync.Mutex
	locks  map[string]*rowLock // 行ロック: 保持中または待機中のキーのみ
	logger *zap.Logger
}

// rowLock is a one-slot semaphore shared by the holder and every waiter of a key
type rowLock struct {
	ch   chan struct{}
	refs int
}

var _ stock.Storage = (*MemoryStorage)(nil)

var errStorageClosed = errors.New("ストレージは既に閉じられています")

// NewMemoryStorage creates an empty in-memory storage
// 新しいメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		entities:      make(map[string]stock.Entity),
		prescriptions: make(map[string]stock.Prescription),
		requests:      make(map[string]stock.InventoryRequest),
		locks:         make(map[string]*rowLock),
		logger:        logger,
	}
}

// Begin starts a new transaction
// 新しいトランザクションを開始
func (s *MemoryStorage) Begin(ctx context.Context) (stock.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errStorageClosed
	}

	return &memoryTx{
		store:         s,
		held:          make(map[string]*rowLock),
		entities:      make(map[string]*stock.Entity),
		prescriptions: make(map[string]*stock.Prescription),
		requests:      make(map[string]*stock.InventoryRequest),
		dirty:         make(map[string]bool),
	}, nil
}

// CreateStockEntity 在庫対象を作成
func (s *MemoryStorage) CreateStockEntity(ctx context.Context, entity *stock.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[entity.ID]; exists {
		return fmt.Errorf("在庫対象 %s: %w", entity.ID, stock.ErrDuplicate)
	}
	s.entities[entity.ID] = *entity
	return nil
}

// GetStockEntity 在庫対象を取得
func (s *MemoryStorage) GetStockEntity(ctx context.Context, entityID string) (*stock.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, stock.NewNotFoundError("stock_entity", entityID)
	}
	return &e, nil
}

// ListStockEntities returns entities ordered by name
// 在庫対象一覧を名前順で取得
func (s *MemoryStorage) ListStockEntities(ctx context.Context, offset, limit int) ([]stock.Entity, error) {
	s.mu.RLock()
	entities := make([]stock.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	s.mu.RUnlock()

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Name != entities[j].Name {
			return entities[i].Name < entities[j].Name
		}
		return entities[i].ID < entities[j].ID
	})

	if offset >= len(entities) {
		return []stock.Entity{}, nil
	}
	end := offset + limit
	if end > len(entities) {
		end = len(entities)
	}
	return entities[offset:end], nil
}

// CreatePrescription stores a prescription together with its lines
// 処方箋を明細とともに作成
func (s *MemoryStorage) CreatePrescription(ctx context.Context, prescription *stock.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.prescriptions[prescription.ID]; exists {
		return fmt.Errorf("処方箋 %s: %w", prescription.ID, stock.ErrDuplicate)
	}
	for _, line := range prescription.Lines {
		if _, ok := s.entities[line.EntityID]; !ok {
			return stock.NewNotFoundError("stock_entity", line.EntityID)
		}
	}
	s.prescriptions[prescription.ID] = copyPrescription(prescription)
	return nil
}

// GetPrescription 処方箋を取得
func (s *MemoryStorage) GetPrescription(ctx context.Context, prescriptionID string) (*stock.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[prescriptionID]
	if !ok {
		return nil, stock.NewNotFoundError("prescription", prescriptionID)
	}
	cp := copyPrescription(&p)
	return &cp, nil
}

// CreateInventoryRequest 在庫請求を作成
func (s *MemoryStorage) CreateInventoryRequest(ctx context.Context, request *stock.InventoryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[request.ID]; exists {
		return fmt.Errorf("在庫請求 %s: %w", request.ID, stock.ErrDuplicate)
	}
	if _, ok := s.entities[request.EntityID]; !ok {
		return stock.NewNotFoundError("stock_entity", request.EntityID)
	}
	s.requests[request.ID] = *request
	return nil
}

// GetInventoryRequest 在庫請求を取得
func (s *MemoryStorage) GetInventoryRequest(ctx context.Context, requestID string) (*stock.InventoryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, stock.NewNotFoundError("inventory_request", requestID)
	}
	return &r, nil
}

// ListInventoryRequests returns requests newest first; an empty status matches all
// 在庫請求一覧を新しい順で取得
func (s *MemoryStorage) ListInventoryRequests(ctx context.Context, status stock.RequestStatus, limit int) ([]stock.InventoryRequest, error) {
	s.mu.RLock()
	requests := make([]stock.InventoryRequest, 0)
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			requests = append(requests, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		}
		return requests[i].ID < requests[j].ID
	})
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

// Ping ヘルスチェック
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStorageClosed
	}
	return nil
}

// Close ストレージを閉じる
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logger.Debug("メモリストレージを閉じました", zap.Int("entities", len(s.entities)))
	return nil
}

// acquire blocks until the row lock for key is held or ctx is done
func (s *MemoryStorage) acquire(ctx context.Context, key string) (*rowLock, error) {
	s.lockMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.lockMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		s.deref(key, l)
		return nil, fmt.Errorf("行ロック取得が中断されました %s: %w", key, ctx.Err())
	}
}

// release frees the row lock held by the caller
func (s *MemoryStorage) release(key string, l *rowLock) {
	<-l.ch
	s.deref(key, l)
}

// deref drops the entry once no holder or waiter references it
func (s *MemoryStorage) deref(key string, l *rowLock) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// memoryTx stages writes on private copies and publishes them on Commit
type memoryTx struct {
	store         *MemoryStorage
	held          map[string]*rowLock
	entities      map[string]*stock.Entity
	prescriptions map[string]*stock.Prescription
	requests      map[string]*stock.InventoryRequest
	dirty         map[string]bool
	done          bool
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if t.done {
		return stock.ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}
	l, err := t.store.acquire(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = l
	return nil
}

func (t *memoryTx) unlock(key string) {
	if l, ok := t.held[key]; ok {
		delete(t.held, key)
		t.store.release(key, l)
	}
}

func (t *memoryTx) LockStockEntity(ctx context.Context, entityID string) (*stock.Entity, error) {
	key := entityKey(entityID)
	if staged, ok := t.entities[entityID]; ok && !t.done {
		e := *staged
		return &e, nil
	}
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	e, ok := t.store.entities[entityID]
	t.store.mu.RUnlock()
	if !ok {
		t.unlock(key)
		return nil, stock.NewNotFoundError("stock_entity", entityID)
	}

	t.entities[entityID] = &e
	cp := e
	return &cp, nil
}

func (t *memoryTx) UpdateStockEntity(ctx context.Context, entity *stock.Entity) error {
	if t.done {
		return stock.ErrTxDone
	}
	staged, ok := t.entities[entity.ID]
	if !ok {
		return fmt.Errorf("ロックされていない在庫対象を更新しようとしました: %s", entity.ID)
	}
	if staged.Version != entity.Version-1 {
		return stock.ErrVersionMismatch
	}
	if entity.Quantity < 0 {
		return fmt.Errorf("在庫数量が負になります: %s (%d)", entity.ID, entity.Quantity)
	}

	*staged = *entity
	t.dirty[entityKey(entity.ID)] = true
	return nil
}

func (t *memoryTx) LockPrescription(ctx context.Context, prescriptionID string) (*stock.Prescription, error) {
	key := prescriptionKey(prescriptionID)
	if staged, ok := t.prescriptions[prescriptionID]; ok && !t.done {
		cp := copyPrescription(staged)
		return &cp, nil
	}
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	p, ok := t.store.prescriptions[prescriptionID]
	t.store.mu.RUnlock()
	if !ok {
		t.unlock(key)
		return nil, stock.NewNotFoundError("prescription", prescriptionID)
	}

	staged := copyPrescription(&p)
	t.prescriptions[prescriptionID] = &staged
	cp := copyPrescription(&staged)
	return &cp, nil
}

func (t *memoryTx) UpdatePrescriptionLine(ctx context.Context, line *stock.PrescriptionLine) error {
	if t.done {
		return stock.ErrTxDone
	}
	staged, ok := t.prescriptions[line.PrescriptionID]
	if !ok {
		return fmt.Errorf("ロックされていない処方箋を更新しようとしました: %s", line.PrescriptionID)
	}
	current, ok := staged.Line(line.ID)
	if !ok {
		return stock.NewNotFoundError("prescription_line", line.ID)
	}
	if line.DispensedQuantity < 0 || line.DispensedQuantity > current.OrderedQuantity {
		return fmt.Errorf("払出済み数量が範囲外です: %s (%d)", line.ID, line.DispensedQuantity)
	}

	current.DispensedQuantity = line.DispensedQuantity
	current.UpdatedAt = line.UpdatedAt
	t.dirty[prescriptionKey(line.PrescriptionID)] = true
	return nil
}

func (t *memoryTx) UpdatePrescriptionStatus(ctx context.Context, prescription *stock.Prescription) error {
	if t.done {
		return stock.ErrTxDone
	}
	staged, ok := t.prescriptions[prescription.ID]
	if !ok {
		return fmt.Errorf("ロックされていない処方箋を更新しようとしました: %s", prescription.ID)
	}

	staged.Status = prescription.Status
	staged.UpdatedAt = prescription.UpdatedAt
	t.dirty[prescriptionKey(prescription.ID)] = true
	return nil
}

func (t *memoryTx) LockInventoryRequest(ctx context.Context, requestID string) (*stock.InventoryRequest, error) {
	key := requestKey(requestID)
	if staged, ok := t.requests[requestID]; ok && !t.done {
		r := *staged
		return &r, nil
	}
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}

	t.store.mu.RLock()
	r, ok := t.store.requests[requestID]
	t.store.mu.RUnlock()
	if !ok {
		t.unlock(key)
		return nil, stock.NewNotFoundError("inventory_request", requestID)
	}

	t.requests[requestID] = &r
	cp := r
	return &cp, nil
}

func (t *memoryTx) UpdateInventoryRequest(ctx context.Context, request *stock.InventoryRequest) error {
	if t.done {
		return stock.ErrTxDone
	}
	staged, ok := t.requests[request.ID]
	if !ok {
		return fmt.Errorf("ロックされていない在庫請求を更新しようとしました: %s", request.ID)
	}

	*staged = *request
	t.dirty[requestKey(request.ID)] = true
	return nil
}

// Commit publishes every staged write at once, then releases the row locks
func (t *memoryTx) Commit() error {
	if t.done {
		return stock.ErrTxDone
	}

	t.store.mu.Lock()
	for id, e := range t.entities {
		if t.dirty[entityKey(id)] {
			t.store.entities[id] = *e
		}
	}
	for id, p := range t.prescriptions {
		if t.dirty[prescriptionKey(id)] {
			t.store.prescriptions[id] = copyPrescription(p)
		}
	}
	for id, r := range t.requests {
		if t.dirty[requestKey(id)] {
			t.store.requests[id] = *r
		}
	}
	t.store.mu.Unlock()

	t.finish()
	return nil
}

// Rollback discards staged writes and releases the row locks
func (t *memoryTx) Rollback() error {
	if t.done {
		return stock.ErrTxDone
	}
	t.finish()
	return nil
}

func (t *memoryTx) finish() {
	t.done = true
	for key := range t.held {
		t.unlock(key)
	}
}

func entityKey(id string) string       { return "entity:" + id }
func prescriptionKey(id string) string { return "prescription:" + id }
func requestKey(id string) string      { return "request:" + id }

func copyPrescription(p *stock.Prescription) stock.Prescription {
	cp := *p
	cp.Lines = make([]stock.PrescriptionLine, len(p.Lines))
	copy(cp.Lines, p.Lines)
	return cp
}
