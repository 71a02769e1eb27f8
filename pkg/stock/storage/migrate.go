package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"

	"go.uber.org/zap"
)

// Migrate applies every *.sql file in fsys that has not been recorded yet, in file name order.
// Each file runs in its own transaction together with its schema_migrations row.
// マイグレーションを実行
func (s *SQLStorage) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	if err := s.createMigrationTable(ctx); err != nil {
		return nil, err
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	if len(files) == 0 {
		s.logger.Warn("マイグレーションファイルが見つかりません")
		return nil, nil
	}
	sort.Strings(files)

	executed, err := s.executedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	var applied []string
	for _, filename := range files {
		content, err := fs.ReadFile(fsys, filename)
		if err != nil {
			return applied, fmt.Errorf("ファイル読み込みエラー %s: %w", filename, err)
		}
		checksum := calculateChecksum(content)

		if recorded, ok := executed[filename]; ok {
			if recorded != checksum {
				s.logger.Warn("実行済みマイグレーションの内容が変更されています",
					zap.String("filename", filename),
					zap.String("recorded", recorded),
					zap.String("current", checksum),
				)
			}
			s.logger.Debug("スキップ (実行済み)", zap.String("filename", filename))
			continue
		}

		if err := s.applyMigration(ctx, filename, string(content), checksum); err != nil {
			return applied, err
		}
		applied = append(applied, filename)
		s.logger.Info("マイグレーション完了", zap.String("filename", filename))
	}

	return applied, nil
}

func (s *SQLStorage) applyMigration(ctx context.Context, filename, content, checksum string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー %s: %w", filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("マイグレーション実行エラー %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind("INSERT INTO schema_migrations (filename, checksum, executed_at) VALUES (?, ?, CURRENT_TIMESTAMP)"),
		filename, checksum,
	); err != nil {
		return fmt.Errorf("マイグレーション履歴記録エラー %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー %s: %w", filename, err)
	}
	return nil
}

// createMigrationTable マイグレーション履歴テーブルを作成
func (s *SQLStorage) createMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename VARCHAR(255) PRIMARY KEY,
			checksum VARCHAR(64) NOT NULL,
			executed_at TIMESTAMP NOT NULL
		)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// executedMigrations 実行済みマイグレーションとチェックサムを取得
func (s *SQLStorage) executedMigrations(ctx context.Context) (map[string]string, error) {
	type row struct {
		Filename string `db:"filename"`
		Checksum string `db:"checksum"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, "SELECT filename, checksum FROM schema_migrations"); err != nil {
		return nil, err
	}

	executed := make(map[string]string, len(rows))
	for _, r := range rows {
		executed[r.Filename] = r.Checksum
	}
	return executed, nil
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
