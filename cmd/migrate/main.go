package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/clinicstock/internal/config"
	"github.com/nemonet1337/clinicstock/internal/logging"
	"github.com/nemonet1337/clinicstock/migrations"
	"github.com/nemonet1337/clinicstock/pkg/stock/storage"
)

func main() {
	log.Println("clinicstock マイグレーション実行ツール")

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		log.Fatal("メモリストレージにはマイグレーションは不要です。DB_DRIVERにpostgresまたはsqliteを指定してください")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// マイグレーションソース（引数があればディレクトリ、なければ埋め込み）
	var source fs.FS = migrations.Files
	if len(os.Args) > 1 {
		dir := os.Args[1]
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", dir))
		}
		source = os.DirFS(dir)
	}

	// データベース接続
	s, err := storage.NewSQLStorage(cfg.Database.Driver, cfg.DSN(), cfg.Pool(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// マイグレーション実行
	applied, err := s.Migrate(ctx, source)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}

	logger.Info("すべてのマイグレーションが完了しました", zap.Int("applied", len(applied)), zap.Strings("files", applied))
}
