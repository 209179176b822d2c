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

// ジョブストアとクリーンアップのバックエンド名。
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"

	CleanupTimer = "timer"
	CleanupQueue = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port            string        // APIサーバーのポート番号
	GinMode         string        // Ginの実行モード (debug, release, test)
	ShutdownTimeout time.Duration // シャットダウン時にワーカーを待つ最大時間

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	AuthEnabled     bool   // ログイン必須にするかどうか
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// 保存先
	DownloadDir string // ダウンロード成果物
	UploadDir   string // アップロードされたPDF
	ConvertDir  string // 変換成果物

	// ダウンロード設定
	ChunkSize             int           // ストリーミング時のチャンクサイズ（バイト）
	YouTubeRemoteEndpoint string        // 空ならローカル抽出を使う
	RemoteTimeout         time.Duration // 0 ならタイムアウトなし

	// 寿命
	ArtifactTTL  time.Duration // 成果物を削除するまでの時間
	InputTTL     time.Duration // アップロードを削除するまでの時間
	JobRetention time.Duration // 終了したジョブ記録の保持時間

	// バックエンド
	JobStore       string // memory / redis
	CleanupBackend string // timer / queue
	RedisURL       string // ジョブストアとクリーンアップキュー用Redis接続URL

	// アップロード制限
	MaxUploadSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages      int   // 単一ファイルの最大ページ数

	// PDF変換コマンド
	PDFWordCommand  string // PDF→Word に使う soffice
	GhostscriptPath string // PDF→画像に使う Ghostscript実行ファイルのパス

	// ログ
	LogLevel  string
	LogFormat string // text / json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second, time.Second),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		AuthEnabled:     getEnvAsBool("AUTH_ENABLED", false),
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// 保存先
		DownloadDir: getEnv("DOWNLOAD_DIR", "downloads"),
		UploadDir:   getEnv("UPLOAD_DIR", "pdf_uploads"),
		ConvertDir:  getEnv("CONVERT_DIR", "conversions"),

		// ダウンロード設定
		ChunkSize:             getEnvAsInt("CHUNK_SIZE", 1024*1024), // 1MB
		YouTubeRemoteEndpoint: getEnv("YOUTUBE_REMOTE_ENDPOINT", ""),
		RemoteTimeout:         getEnvAsDuration("REMOTE_TIMEOUT_SECONDS", 0, time.Second),

		// 寿命
		ArtifactTTL:  getEnvAsDuration("ARTIFACT_TTL_SECONDS", 600*time.Second, time.Second),
		InputTTL:     getEnvAsDuration("INPUT_TTL_SECONDS", 300*time.Second, time.Second),
		JobRetention: getEnvAsDuration("JOB_RETENTION_MINUTES", 60*time.Minute, time.Minute),

		// バックエンド
		JobStore:       strings.ToLower(getEnv("JOB_STORE", JobStoreMemory)),
		CleanupBackend: strings.ToLower(getEnv("CLEANUP_BACKEND", CleanupTimer)),
		RedisURL:       getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// アップロード制限
		MaxUploadSize: getEnvAsInt64("MAX_UPLOAD_SIZE", 104857600), // 100MB
		MaxPages:      getEnvAsInt("MAX_PAGES", 200),

		// PDF変換コマンド
		PDFWordCommand:  getEnv("PDF_WORD_COMMAND", "soffice"),
		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", "gs"),

		// ログ
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	// 必須設定のバリデーション
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
	switch c.JobStore {
	case JobStoreMemory, JobStoreRedis:
	default:
		return fmt.Errorf("JOB_STORE must be %q or %q (received: %s)", JobStoreMemory, JobStoreRedis, c.JobStore)
	}
	switch c.CleanupBackend {
	case CleanupTimer, CleanupQueue:
	default:
		return fmt.Errorf("CLEANUP_BACKEND must be %q or %q (received: %s)", CleanupTimer, CleanupQueue, c.CleanupBackend)
	}
	if c.UsesRedis() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when JOB_STORE=redis or CLEANUP_BACKEND=queue")
	}

	if c.ArtifactTTL <= 0 {
		return fmt.Errorf("ARTIFACT_TTL_SECONDS must be positive")
	}
	if c.InputTTL <= 0 {
		return fmt.Errorf("INPUT_TTL_SECONDS must be positive")
	}
	if c.JobRetention < 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must not be negative")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.MaxUploadSize <= 0 || c.MaxPages <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE and MAX_PAGES must be positive")
	}
	if c.GhostscriptPath == "" || c.PDFWordCommand == "" {
		return fmt.Errorf("GHOSTSCRIPT_PATH and PDF_WORD_COMMAND must not be empty")
	}

	// ローカル開発では認証設定は任意
	if c.AuthEnabled {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required when AUTH_ENABLED=true")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when AUTH_ENABLED=true")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when AUTH_ENABLED=true")
		}
	}

	return nil
}

// UsesRedis は Redis を必要とするバックエンドが選ばれているかを返します。
func (c *Config) UsesRedis() bool {
	return c.JobStore == JobStoreRedis || c.CleanupBackend == CleanupQueue
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は整数の環境変数を unit 単位の時間として取得します。
func getEnvAsDuration(key string, defaultValue, unit time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return time.Duration(value) * unit
}
