package stock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Ledger implements the StockLedger and EntityRegistry interfaces
// StockLedgerインターフェースの実装
type Ledger struct {
	storage Storage     // ストレージ層
	logger  *zap.Logger // ログ
	config  *Config     // 設定
	metrics *Metrics    // メトリクス（nil可）
}

// すべてのインターフェースを実装することを明示
var (
	_ StockLedger    = (*Ledger)(nil)
	_ EntityRegistry = (*Ledger)(nil)
)

// Config holds configuration for the stock ledger
// 在庫台帳の設定を保持
type Config struct {
	DefaultReorderThreshold int64         `yaml:"default_reorder_threshold"` // デフォルト発注点
	MaxTxRetries            int           `yaml:"max_tx_retries"`            // 競合時の最大再試行回数
	RetryBackoff            time.Duration `yaml:"retry_backoff"`             // 再試行間隔の基準値
}

// DefaultConfig returns the configuration used when none is supplied
func DefaultConfig() *Config {
	return &Config{
		DefaultReorderThreshold: 10,
		MaxTxRetries:            5,
		RetryBackoff:            5 * time.Millisecond,
	}
}

// NewLedger creates a new stock ledger
// 新しい在庫台帳を作成
func NewLedger(storage Storage, logger *zap.Logger, config *Config, metrics *Metrics) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxTxRetries < 0 {
		config.MaxTxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		storage: storage,
		logger:  logger,
		config:  config,
		metrics: metrics,
	}
}

// Increase adds delta to the quantity on hand and stamps the restock time
// 在庫を入庫（加算）
func (l *Ledger) Increase(ctx context.Context, entityID string, delta int64) (int64, error) {
	if err := ValidateDelta(delta); err != nil {
		return 0, err
	}

	var updated *Entity
	err := l.atomically(ctx, "increase", func(tx Tx) error {
		var err error
		updated, err = l.increase(ctx, tx, entityID, delta)
		return err
	})
	if err != nil {
		l.logFailure("入庫に失敗しました", err, zap.String("entity_id", entityID), zap.Int64("delta", delta))
		return 0, err
	}

	l.logger.Info("入庫完了",
		zap.String("entity_id", entityID),
		zap.Int64("delta", delta),
		zap.Int64("quantity", updated.Quantity),
	)
	return updated.Quantity, nil
}

// Decrease removes delta from the quantity on hand.
// Fails with ErrInsufficientStock and leaves the entity untouched when delta exceeds it.
// 在庫を出庫（減算）
func (l *Ledger) Decrease(ctx context.Context, entityID string, delta int64) (int64, error) {
	if err := ValidateDelta(delta); err != nil {
		return 0, err
	}

	var updated *Entity
	err := l.atomically(ctx, "decrease", func(tx Tx) error {
		var err error
		updated, err = l.decrease(ctx, tx, entityID, delta)
		return err
	})
	if err != nil {
		l.logFailure("出庫に失敗しました", err, zap.String("entity_id", entityID), zap.Int64("delta", delta))
		return 0, err
	}

	l.logger.Info("出庫完了",
		zap.String("entity_id", entityID),
		zap.Int64("delta", delta),
		zap.Int64("quantity", updated.Quantity),
	)
	l.checkThreshold(updated, delta)
	return updated.Quantity, nil
}

// Peek returns the committed quantity on hand
// 現在の在庫数量を参照
func (l *Ledger) Peek(ctx context.Context, entityID string) (int64, error) {
	entity, err := l.storage.GetStockEntity(ctx, entityID)
	if err != nil {
		return 0, storageError("get_stock_entity", "在庫取得に失敗しました", err)
	}
	return entity.Quantity, nil
}

// RegisterEntity creates a new medicine or supply
// 在庫対象を登録
func (l *Ledger) RegisterEntity(ctx context.Context, spec EntitySpec) (*Entity, error) {
	entity, err := NewEntity(spec, l.config.DefaultReorderThreshold)
	if err != nil {
		return nil, err
	}

	if err := l.storage.CreateStockEntity(ctx, entity); err != nil {
		err = storageError("create_stock_entity", "在庫対象作成に失敗しました", err)
		l.logFailure("在庫対象登録に失敗しました", err, zap.String("name", entity.Name))
		return nil, err
	}

	l.logger.Info("在庫対象登録完了",
		zap.String("entity_id", entity.ID),
		zap.String("name", entity.Name),
		zap.String("kind", string(entity.Kind)),
		zap.Int64("quantity", entity.Quantity),
	)
	return entity, nil
}

// GetEntity 在庫対象を取得
func (l *Ledger) GetEntity(ctx context.Context, entityID string) (*Entity, error) {
	entity, err := l.storage.GetStockEntity(ctx, entityID)
	if err != nil {
		return nil, storageError("get_stock_entity", "在庫対象取得に失敗しました", err)
	}
	return entity, nil
}

// ListEntities 在庫対象一覧を取得
func (l *Ledger) ListEntities(ctx context.Context, offset, limit int) ([]Entity, error) {
	offset, limit = normalizePage(offset, limit)
	entities, err := l.storage.ListStockEntities(ctx, offset, limit)
	if err != nil {
		return nil, storageError("list_stock_entities", "在庫対象一覧取得に失敗しました", err)
	}
	return entities, nil
}

// increase applies a positive delta inside tx
func (l *Ledger) increase(ctx context.Context, tx Tx, entityID string, delta int64) (*Entity, error) {
	entity, err := tx.LockStockEntity(ctx, entityID)
	if err != nil {
		return nil, storageError("lock_stock_entity", "在庫取得に失敗しました", err)
	}
	if entity.Quantity > maxQuantity-delta {
		return nil, NewQuantityError("quantity", "補充後の数量が有効範囲を超えています", delta)
	}

	ts := now()
	entity.Quantity += delta
	entity.LastRestockedAt = &ts
	entity.UpdatedAt = ts
	entity.Version++

	if err := tx.UpdateStockEntity(ctx, entity); err != nil {
		return nil, storageError("update_stock_entity", "在庫更新に失敗しました", err)
	}
	return entity, nil
}

// decrease checks and applies a negative delta inside tx.
// The entity row stays locked until tx ends so the check holds at commit.
func (l *Ledger) decrease(ctx context.Context, tx Tx, entityID string, delta int64) (*Entity, error) {
	entity, err := tx.LockStockEntity(ctx, entityID)
	if err != nil {
		return nil, storageError("lock_stock_entity", "在庫取得に失敗しました", err)
	}

	if entity.Quantity < delta {
		return nil, NewInsufficientStockError(entityID, delta, entity.Quantity)
	}

	entity.Quantity -= delta
	entity.UpdatedAt = now()
	entity.Version++

	if err := tx.UpdateStockEntity(ctx, entity); err != nil {
		return nil, storageError("update_stock_entity", "在庫更新に失敗しました", err)
	}
	return entity, nil
}

// checkThreshold warns when a decrease takes the entity below its reorder threshold
// 発注点割れを警告
func (l *Ledger) checkThreshold(entity *Entity, delta int64) {
	before := entity.Quantity + delta
	if !entity.NeedsReorder() || before < entity.ReorderThreshold {
		return
	}
	l.metrics.belowThreshold()
	l.logger.Warn("在庫が発注点を下回りました",
		zap.String("entity_id", entity.ID),
		zap.String("name", entity.Name),
		zap.Int64("quantity", entity.Quantity),
		zap.Int64("reorder_threshold", entity.ReorderThreshold),
	)
}

// atomically runs fn inside one storage transaction.
// Contention reported by storage is retried with backoff; every other error is returned as is.
// トランザクション内で処理を実行（競合時は再試行）
func (l *Ledger) atomically(ctx context.Context, operation string, fn func(tx Tx) error) error {
	started := time.Now()
	var err error

	for attempt := 0; ; attempt++ {
		err = l.runOnce(ctx, fn)
		if err == nil || !IsTransient(err) {
			break
		}
		if attempt >= l.config.MaxTxRetries {
			l.logger.Error("競合が解消されず再試行を中止しました",
				zap.String("operation", operation),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			err = NewStorageError(operation, "再試行回数の上限に達しました", err)
			break
		}

		l.metrics.retried(operation)
		l.logger.Debug("競合を検出したため再試行します",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if werr := l.backoff(ctx, attempt); werr != nil {
			err = NewStorageError(operation, "再試行待機中に中断されました", werr)
			break
		}
	}

	l.metrics.observe(operation, started, err)
	return err
}

func (l *Ledger) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := l.storage.Begin(ctx)
	if err != nil {
		return storageError("begin", "トランザクション開始に失敗しました", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			l.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit", "コミットに失敗しました", err)
	}
	return nil
}

func (l *Ledger) backoff(ctx context.Context, attempt int) error {
	d := l.config.RetryBackoff * time.Duration(attempt+1)
	if d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Ledger) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, ErrPersistence) {
		l.logger.Error(msg, fields...)
		return
	}
	l.logger.Warn(msg, fields...)
}

// storageError wraps err in a StorageError unless it already belongs to the failure taxonomy
func storageError(operation, message string, err error) error {
	if isDomainError(err) {
		return err
	}
	return NewStorageError(operation, message, err)
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return offset, limit
}
