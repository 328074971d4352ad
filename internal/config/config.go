// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// メール送信プロバイダー
const (
	MailProviderLog      = "log"
	MailProviderSendGrid = "sendgrid"
	MailProviderMailgun  = "mailgun"
)

// Config はAPIサーバーの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	AppUserEmail    string // ログインユーザーのメールアドレス（メール送付の既定宛先）
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	PublicBaseURL string // メール本文に載せるダウンロードURLのベース

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string
	LogFormat string // text / json

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq用Redis接続URL
	QueueConcurrency int    // ワーカーの同時実行数
	JobExpireMinutes int    // ジョブ記録と成果物の保持期間（分）
	CancelCheckEvery int    // 何行ごとに取り消しを確認するか

	// エクスポート設定
	ExportDir   string // 成果物CSVの保存先
	DatabaseURL string // 閲覧記録を読むPostgreSQL。空ならメモリ上のサンプルを使う

	// メール設定
	MailProvider   string // log / sendgrid / mailgun
	MailFrom       string
	SendGridAPIKey string
	MailgunDomain  string
	MailgunAPIKey  string
	MailgunAPIBase string // EU リージョンなどで既定と異なる場合のみ
}

// ClientConfig はエクスポートCLIの設定です。
type ClientConfig struct {
	APIURL       string
	Username     string
	Password     string
	UserEmail    string
	OutputDir    string
	PollInterval time.Duration
	Timeout      time.Duration
	LogLevel     string
	LogFormat    string
}

// Load は環境変数からサーバー設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUserEmail:    getEnv("APP_USER_EMAIL", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// ジョブ/キュー設定
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: getEnvAsInt("QUEUE_CONCURRENCY", 4),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 1440), // 24時間
		CancelCheckEvery: getEnvAsInt("CANCEL_CHECK_EVERY", 500),

		// エクスポート設定
		ExportDir:   getEnv("EXPORT_DIR", filepath.Join(os.TempDir(), "visit-export")),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// メール設定
		MailProvider:   strings.ToLower(getEnv("MAIL_PROVIDER", MailProviderLog)),
		MailFrom:       getEnv("MAIL_FROM", "no-reply@localhost"),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		MailgunDomain:  getEnv("MAILGUN_DOMAIN", ""),
		MailgunAPIKey:  getEnv("MAILGUN_API_KEY", ""),
		MailgunAPIBase: getEnv("MAILGUN_API_BASE", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadClient は環境変数からCLIの設定を読み込みます。
func LoadClient() (*ClientConfig, error) {
	loadEnvFile()

	pollInterval, err := getEnvAsDuration("EXPORT_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := getEnvAsDuration("EXPORT_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	config := &ClientConfig{
		APIURL:       getEnv("EXPORT_API_URL", "http://localhost:8080"),
		Username:     getEnv("EXPORT_USERNAME", ""),
		Password:     getEnv("EXPORT_PASSWORD", ""),
		UserEmail:    getEnv("EXPORT_USER_EMAIL", ""),
		OutputDir:    getEnv("EXPORT_OUTPUT_DIR", "."),
		PollInterval: pollInterval,
		Timeout:      timeout,
		LogLevel:     getEnv("LOG_LEVEL", "warn"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.MailProvider {
	case MailProviderLog:
	case MailProviderSendGrid:
		if c.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required when MAIL_PROVIDER=sendgrid")
		}
	case MailProviderMailgun:
		if c.MailgunDomain == "" || c.MailgunAPIKey == "" {
			return fmt.Errorf("MAILGUN_DOMAIN and MAILGUN_API_KEY are required when MAIL_PROVIDER=mailgun")
		}
	default:
		return fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider)
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// JobTTL はジョブ記録の保持期間です。
func (c *Config) JobTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// Validate はCLI設定の妥当性を検証します。
func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("EXPORT_API_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("EXPORT_POLL_INTERVAL must be positive")
	}
	if c.Timeout < c.PollInterval {
		return fmt.Errorf("EXPORT_TIMEOUT must not be shorter than EXPORT_POLL_INTERVAL")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。不正な値はエラーです。
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
