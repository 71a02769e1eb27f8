package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/clinicstock/internal/auth"
	"github.com/nemonet1337/clinicstock/internal/config"
	"github.com/nemonet1337/clinicstock/internal/logging"
	"github.com/nemonet1337/clinicstock/migrations"
	"github.com/nemonet1337/clinicstock/pkg/activity"
	"github.com/nemonet1337/clinicstock/pkg/stock"
	"github.com/nemonet1337/clinicstock/pkg/stock/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// ストレージ初期化
	store, err := openStorage(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stock.NewMetrics(registry)

	// 在庫サービス初期化
	ledger := stock.NewLedger(store, logger, cfg.LedgerConfig(), metrics)
	fulfillment := stock.NewFulfillmentService(ledger, logger)
	requests := stock.NewRequestService(ledger, logger)
	reporter := stock.NewReporter(store, logger)

	// HTTPハンドラー設定
	handlers := NewHandlers(
		ledger,
		fulfillment,
		requests,
		reporter,
		activity.NewZapRecorder(logger),
		auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		store,
		logger,
	)
	router := setupRouter(handlers, cfg.API, registry)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫管理APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStorage selects the storage backend from configuration and applies migrations when enabled
// 設定に応じたストレージを作成
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (stock.Storage, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("メモリストレージを使用します。再起動するとデータは失われます")
		return storage.NewMemoryStorage(logger), nil
	}

	sqlStorage, err := storage.NewSQLStorage(cfg.Database.Driver, cfg.DSN(), cfg.Pool(), logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		applied, err := sqlStorage.Migrate(ctx, migrations.Files)
		if err != nil {
			sqlStorage.Close()
			return nil, err
		}
		logger.Info("マイグレーションを確認しました", zap.Strings("applied", applied))
	}
	return sqlStorage, nil
}

// setupRouter sets up HTTP routes.
// CORS wraps the router so preflight requests are answered before route matching.
// HTTPルートを設定
func setupRouter(handlers *Handlers, apiCfg config.APIConfig, registry *prometheus.Registry) http.Handler {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics && registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(handlers.authMiddleware)

	// 在庫対象（固定パスを先に登録）
	api.HandleFunc("/stock", handlers.CreateEntity).Methods("POST")
	api.HandleFunc("/stock", handlers.ListEntities).Methods("GET")
	api.HandleFunc("/stock/report", handlers.StockReport).Methods("GET")
	api.HandleFunc("/stock/reorder", handlers.ReorderList).Methods("GET")
	api.HandleFunc("/stock/{entityId}", handlers.GetEntity).Methods("GET")
	api.HandleFunc("/stock/{entityId}/restock", handlers.RestockEntity).Methods("POST")

	// 処方箋
	api.HandleFunc("/prescriptions", handlers.CreatePrescription).Methods("POST")
	api.HandleFunc("/prescriptions/{prescriptionId}", handlers.GetPrescription).Methods("GET")
	api.HandleFunc("/prescriptions/{prescriptionId}/lines/{lineId}/dispense", handlers.DispenseLine).Methods("POST")

	// 在庫請求
	api.HandleFunc("/requests", handlers.SubmitRequest).Methods("POST")
	api.HandleFunc("/requests", handlers.ListRequests).Methods("GET")
	api.HandleFunc("/requests/{requestId}", handlers.GetRequest).Methods("GET")
	api.HandleFunc("/requests/{requestId}/approve", handlers.ApproveRequest).Methods("POST")
	api.HandleFunc("/requests/{requestId}/reject", handlers.RejectRequest).Methods("POST")

	// ログ・メトリクス
	if registry != nil {
		router.Use(metricsMiddleware(newHTTPMetrics(registry)))
	}
	router.Use(loggingMiddleware(handlers.logger))

	// CORS設定（ルーター外側で適用）
	if apiCfg.EnableCORS {
		return corsMiddleware(router)
	}
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// httpMetrics holds request collectors
type httpMetrics struct {
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicstock",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.duration)
	return m
}

// metricsMiddleware records request latency labelled by the route template
// HTTPリクエストのメトリクスを記録するミドルウェア
func metricsMiddleware(m *httpMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.duration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		})
	}
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
