package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/clinicstock/pkg/stock"
	"github.com/nemonet1337/clinicstock/pkg/stock/storage"
)

// Supported storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = storage.DriverPostgres
	DriverSQLite   = storage.DriverSQLite
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Stock    StockConfig    `yaml:"stock"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // memory, postgres, sqlite
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// StockConfig holds stock ledger configuration
// 在庫台帳の設定を保持
type StockConfig struct {
	DefaultReorderThreshold int64         `yaml:"default_reorder_threshold"`
	MaxTxRetries            int           `yaml:"max_tx_retries"`
	RetryBackoff            time.Duration `yaml:"retry_backoff"`
}

// AuthConfig holds token settings
// 認証設定を保持
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the built-in configuration
// デフォルト設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverMemory,
			Host:            "localhost",
			Port:            5432,
			User:            "clinic",
			Password:        "password",
			DBName:          "clinic_stock",
			SSLMode:         "disable",
			SQLitePath:      "clinicstock.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Stock: StockConfig{
			DefaultReorderThreshold: 10,
			MaxTxRetries:            5,
			RetryBackoff:            5 * time.Millisecond,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads .env, an optional YAML file named by CONFIG_FILE and environment variables, in that order
// .env・YAMLファイル・環境変数から設定を読み込み
func Load() (*Config, error) {
	// .envは存在しなくてもよい
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// loadFile decodes a YAML file over the current values
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("設定ファイルを開けません %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗しました %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides values with environment variables when set
func (c *Config) applyEnv() {
	db := &c.Database
	db.Driver = getEnv("DB_DRIVER", db.Driver)
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnvAsInt("DB_PORT", db.Port)
	db.User = getEnv("DB_USER", db.User)
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.DBName = getEnv("DB_NAME", db.DBName)
	db.SSLMode = getEnv("DB_SSLMODE", db.SSLMode)
	db.SQLitePath = getEnv("DB_SQLITE_PATH", db.SQLitePath)
	db.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", db.MaxOpenConns)
	db.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", db.MaxIdleConns)
	db.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", db.ConnMaxLifetime)
	db.AutoMigrate = getEnvAsBool("DB_AUTO_MIGRATE", db.AutoMigrate)

	api := &c.API
	api.Port = getEnvAsInt("API_PORT", api.Port)
	api.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", api.ReadTimeout)
	api.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", api.WriteTimeout)
	api.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", api.IdleTimeout)
	api.EnableCORS = getEnvAsBool("API_ENABLE_CORS", api.EnableCORS)
	api.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", api.EnableMetrics)

	st := &c.Stock
	st.DefaultReorderThreshold = getEnvAsInt64("STOCK_DEFAULT_REORDER_THRESHOLD", st.DefaultReorderThreshold)
	st.MaxTxRetries = getEnvAsInt("STOCK_MAX_TX_RETRIES", st.MaxTxRetries)
	st.RetryBackoff = getEnvAsDuration("STOCK_RETRY_BACKOFF", st.RetryBackoff)

	c.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvAsDuration("AUTH_TOKEN_TTL", c.Auth.TokenTTL)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLiteファイルパスが指定されていません")
		}
	default:
		return fmt.Errorf("無効なデータベースドライバ: %s", c.Database.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 在庫設定チェック
	if c.Stock.DefaultReorderThreshold < 0 {
		return fmt.Errorf("発注点は0以上である必要があります")
	}
	if c.Stock.MaxTxRetries < 0 {
		return fmt.Errorf("再試行回数は0以上である必要があります")
	}

	// 認証設定チェック
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("JWT署名鍵は16文字以上である必要があります")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("トークン有効期限は正の値である必要があります")
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates the data source name for the configured driver
// ドライバに応じたデータソース名を生成
func (c *Config) DSN() string {
	switch c.Database.Driver {
	case DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.Database.SQLitePath)
	case DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Host,
			c.Database.Port,
			c.Database.User,
			c.Database.Password,
			c.Database.DBName,
			c.Database.SSLMode,
		)
	default:
		return ""
	}
}

// Pool returns the connection pool settings
func (c *Config) Pool() storage.PoolConfig {
	return storage.PoolConfig{
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// LedgerConfig converts the stock section into ledger settings
// 在庫台帳設定に変換
func (c *Config) LedgerConfig() *stock.Config {
	return &stock.Config{
		DefaultReorderThreshold: c.Stock.DefaultReorderThreshold,
		MaxTxRetries:            c.Stock.MaxTxRetries,
		RetryBackoff:            c.Stock.RetryBackoff,
	}
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsInt64 デフォルト値付きで環境変数をint64として取得
func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}
	return defaultValue
}

// getEnvAsBool デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
