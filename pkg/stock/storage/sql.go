package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nemonet1337/clinicstock/pkg/stock"
)

// Supported SQL drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	entityColumns       = `id, name, kind, quantity, reorder_threshold, unit_cost, last_restocked_at, version, created_at, updated_at`
	prescriptionColumns = `id, patient_id, prescribed_by, status, created_at, updated_at`
	lineColumns         = `id, prescription_id, entity_id, position, ordered_quantity, dispensed_quantity, updated_at`
	requestColumns      = `id, entity_id, quantity, status, requested_by, processed_by, processed_at, reason, created_at, updated_at`
)

// PoolConfig holds connection pool settings; SQLite always uses a single connection
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStorage implements the stock.Storage interface on PostgreSQL or SQLite via sqlx
// sqlxを使用したStorageインターフェースの実装（PostgreSQL/SQLite）
type SQLStorage struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

var _ stock.Storage = (*SQLStorage)(nil)

// NewSQLStorage opens and pings the database
// 新しいSQLストレージインスタンスを作成
func NewSQLStorage(driver, dsn string, pool PoolConfig, logger *zap.Logger) (*SQLStorage, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("未対応のデータベースドライバです: %s", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続プール設定
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	logger.Info("データベースに接続しました", zap.String("driver", driver))
	return &SQLStorage{
		db:     db,
		driver: driver,
		logger: logger,
	}, nil
}

// DB exposes the underlying handle for migrations and tooling
func (s *SQLStorage) DB() *sqlx.DB {
	return s.db
}

// Begin starts a new database transaction
// 新しいデータベーストランザクションを開始
func (s *SQLStorage) Begin(ctx context.Context) (stock.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify("begin", err)
	}
	return &sqlTx{tx: tx, storage: s}, nil
}

// CreateStockEntity 在庫対象を作成
func (s *SQLStorage) CreateStockEntity(ctx context.Context, e *stock.Entity) error {
	query := s.db.Rebind(`
		INSERT INTO stock_entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Name,
		string(e.Kind),
		e.Quantity,
		e.ReorderThreshold,
		e.UnitCost,
		e.LastRestockedAt,
		e.Version,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return classify("create_stock_entity", err)
	}
	return nil
}

// GetStockEntity 在庫対象を取得
func (s *SQLStorage) GetStockEntity(ctx context.Context, entityID string) (*stock.Entity, error) {
	query := s.db.Rebind(`SELECT ` + entityColumns + ` FROM stock_entities WHERE id = ?`)

	var e stock.Entity
	if err := s.db.GetContext(ctx, &e, query, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stock.NewNotFoundError("stock_entity", entityID)
		}
		return nil, classify("get_stock_entity", err)
	}
	return &e, nil
}

// ListStockEntities 在庫対象一覧を名前順で取得
func (s *SQLStorage) ListStockEntities(ctx context.Context, offset, limit int) ([]stock.Entity, error) {
	query := s.db.Rebind(`
		SELECT ` + entityColumns + `
		FROM stock_entities
		ORDER BY name, id
		LIMIT ? OFFSET ?`)

	entities := []stock.Entity{}
	if err := s.db.SelectContext(ctx, &entities, query, limit, offset); err != nil {
		return nil, classify("list_stock_entities", err)
	}
	return entities, nil
}

// CreatePrescription inserts the prescription and its lines in one transaction
// 処方箋を明細とともに作成
func (s *SQLStorage) CreatePrescription(ctx context.Context, p *stock.Prescription) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO prescriptions (`+prescriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.PatientID, p.PrescribedBy, string(p.Status), p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return classify("create_prescription", err)
	}

	lineQuery := tx.Rebind(`
		INSERT INTO prescription_lines (` + lineColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, l := range p.Lines {
		if _, err := tx.ExecContext(ctx, lineQuery,
			l.ID, l.PrescriptionID, l.EntityID, l.Position, l.OrderedQuantity, l.DispensedQuantity, l.UpdatedAt,
		); err != nil {
			return classify("create_prescription_line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// GetPrescription 処方箋を取得
func (s *SQLStorage) GetPrescription(ctx context.Context, prescriptionID string) (*stock.Prescription, error) {
	return getPrescription(ctx, s.db, prescriptionID, "")
}

// CreateInventoryRequest 在庫請求を作成
func (s *SQLStorage) CreateInventoryRequest(ctx context.Context, r *stock.InventoryRequest) error {
	query := s.db.Rebind(`
		INSERT INTO inventory_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.EntityID,
		r.Quantity,
		string(r.Status),
		r.RequestedBy,
		r.ProcessedBy,
		r.ProcessedAt,
		r.Reason,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return classify("create_inventory_request", err)
	}
	return nil
}

// GetInventoryRequest 在庫請求を取得
func (s *SQLStorage) GetInventoryRequest(ctx context.Context, requestID string) (*stock.InventoryRequest, error) {
	query := s.db.Rebind(`SELECT ` + requestColumns + ` FROM inventory_requests WHERE id = ?`)

	var r stock.InventoryRequest
	if err := s.db.GetContext(ctx, &r, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stock.NewNotFoundError("inventory_request", requestID)
		}
		return nil, classify("get_inventory_request", err)
	}
	return &r, nil
}

// ListInventoryRequests 在庫請求一覧を新しい順で取得
func (s *SQLStorage) ListInventoryRequests(ctx context.Context, status stock.RequestStatus, limit int) ([]stock.InventoryRequest, error) {
	var (
		where string
		args  []interface{}
	)
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, string(status))
	}
	args = append(args, limit)

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM inventory_requests
		%s
		ORDER BY created_at DESC, id
		LIMIT ?`, requestColumns, where))

	requests := []stock.InventoryRequest{}
	if err := s.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, classify("list_inventory_requests", err)
	}
	return requests, nil
}

// Ping checks database connectivity
// データベース接続を確認
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// forUpdate appends a row lock clause where the driver supports one.
// SQLite serializes writers on its single connection instead.
func (s *SQLStorage) forUpdate(query string) string {
	if s.driver == DriverPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

// sqlTx implements stock.Tx on a sqlx transaction
type sqlTx struct {
	tx      *sqlx.Tx
	storage *SQLStorage
}

func (t *sqlTx) LockStockEntity(ctx context.Context, entityID string) (*stock.Entity, error) {
	query := t.tx.Rebind(t.storage.forUpdate(`SELECT ` + entityColumns + ` FROM stock_entities WHERE id = ?`))

	var e stock.Entity
	if err := t.tx.GetContext(ctx, &e, query, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stock.NewNotFoundError("stock_entity", entityID)
		}
		return nil, classify("lock_stock_entity", err)
	}
	return &e, nil
}

func (t *sqlTx) UpdateStockEntity(ctx context.Context, e *stock.Entity) error {
	query := t.tx.Rebind(`
		UPDATE stock_entities
		SET quantity = ?, last_restocked_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`)

	result, err := t.tx.ExecContext(ctx, query,
		e.Quantity,
		e.LastRestockedAt,
		e.Version,
		e.UpdatedAt,
		e.ID,
		e.Version-1, // 楽観的ロックのための前バージョン
	)
	if err != nil {
		return classify("update_stock_entity", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return stock.ErrVersionMismatch
	}
	return nil
}

func (t *sqlTx) LockPrescription(ctx context.Context, prescriptionID string) (*stock.Prescription, error) {
	return getPrescription(ctx, t.tx, prescriptionID, t.storage.forUpdate(""))
}

func (t *sqlTx) UpdatePrescriptionLine(ctx context.Context, l *stock.PrescriptionLine) error {
	query := t.tx.Rebind(`
		UPDATE prescription_lines
		SET dispensed_quantity = ?, updated_at = ?
		WHERE id = ? AND prescription_id = ?`)

	result, err := t.tx.ExecContext(ctx, query, l.DispensedQuantity, l.UpdatedAt, l.ID, l.PrescriptionID)
	if err != nil {
		return classify("update_prescription_line", err)
	}
	return expectRow(result, "prescription_line", l.ID)
}

func (t *sqlTx) UpdatePrescriptionStatus(ctx context.Context, p *stock.Prescription) error {
	query := t.tx.Rebind(`UPDATE prescriptions SET status = ?, updated_at = ? WHERE id = ?`)

	result, err := t.tx.ExecContext(ctx, query, string(p.Status), p.UpdatedAt, p.ID)
	if err != nil {
		return classify("update_prescription_status", err)
	}
	return expectRow(result, "prescription", p.ID)
}

func (t *sqlTx) LockInventoryRequest(ctx context.Context, requestID string) (*stock.InventoryRequest, error) {
	query := t.tx.Rebind(t.storage.forUpdate(`SELECT ` + requestColumns + ` FROM inventory_requests WHERE id = ?`))

	var r stock.InventoryRequest
	if err := t.tx.GetContext(ctx, &r, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stock.NewNotFoundError("inventory_request", requestID)
		}
		return nil, classify("lock_inventory_request", err)
	}
	return &r, nil
}

func (t *sqlTx) UpdateInventoryRequest(ctx context.Context, r *stock.InventoryRequest) error {
	query := t.tx.Rebind(`
		UPDATE inventory_requests
		SET status = ?, processed_by = ?, processed_at = ?, updated_at = ?
		WHERE id = ?`)

	result, err := t.tx.ExecContext(ctx, query, string(r.Status), r.ProcessedBy, r.ProcessedAt, r.UpdatedAt, r.ID)
	if err != nil {
		return classify("update_inventory_request", err)
	}
	return expectRow(result, "inventory_request", r.ID)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return stock.ErrTxDone
		}
		return err
	}
	return nil
}

// getPrescription loads a prescription and its lines through q.
// lockClause is appended to the parent select.
func getPrescription(ctx context.Context, q sqlx.QueryerContext, prescriptionID, lockClause string) (*stock.Prescription, error) {
	var p stock.Prescription
	query := sqlx.Rebind(sqlx.BindType(driverName(q)), `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = ?`+lockClause)
	if err := sqlx.GetContext(ctx, q, &p, query, prescriptionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stock.NewNotFoundError("prescription", prescriptionID)
		}
		return nil, classify("get_prescription", err)
	}

	lines := []stock.PrescriptionLine{}
	linesQuery := sqlx.Rebind(sqlx.BindType(driverName(q)), `
		SELECT `+lineColumns+`
		FROM prescription_lines
		WHERE prescription_id = ?
		ORDER BY position`)
	if err := sqlx.SelectContext(ctx, q, &lines, linesQuery, prescriptionID); err != nil {
		return nil, classify("get_prescription_lines", err)
	}
	p.Lines = lines
	return &p, nil
}

func driverName(q sqlx.QueryerContext) string {
	switch v := q.(type) {
	case *sqlx.DB:
		return v.DriverName()
	case *sqlx.Tx:
		return v.DriverName()
	default:
		return ""
	}
}

func expectRow(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return stock.NewNotFoundError(resource, id)
	}
	return nil
}

// classify maps driver errors onto the stock failure taxonomy.
// Serialization failures, deadlocks and busy databases become ConcurrencyError so the ledger retries them.
// ドライバエラーを在庫エラー分類に変換
func classify(operation string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return stock.NewConcurrencyError(operation, pqErr.Table, pqErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", pqErr.Message, stock.ErrDuplicate)
		case "23503": // foreign_key_violation
			return stock.NewNotFoundError("stock_entity", pqErr.Detail)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return stock.NewConcurrencyError(operation, "sqlite", liteErr.Error())
		case sqlite3.SQLITE_CONSTRAINT:
			msg := liteErr.Error()
			switch {
			case strings.Contains(msg, "UNIQUE"):
				return fmt.Errorf("%s: %w", msg, stock.ErrDuplicate)
			case strings.Contains(msg, "FOREIGN KEY"):
				return stock.NewNotFoundError("stock_entity", msg)
			}
		}
	}
	return err
}
