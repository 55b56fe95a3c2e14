package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして各コンポーネントのコンストラクタに渡す。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Polling
	PollFrequency                       time.Duration
	TimelinePollFrequency               time.Duration
	PollLimitPerSource                  int
	MaxConsecutiveFailuresBeforeDisable int
	DisableIfNoSuccessFor               time.Duration
	SchedulerTick                       time.Duration
	WorkerPoolSize                      int

	// Fetch
	FetchTimeout            time.Duration
	FetchMaxSize            int64
	SocialRequestsPerSecond float64

	// Import
	ImportFileSizeLimitBytes int64
	ImportDir                string
	ImportProgressEvery      int

	// Retention
	TrashRetentionDays    int
	FeedItemRetentionDays int

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort  string
	MetricsPort string

	// Logging
	LogLevel string
}

// source は環境変数を優先し、次に設定ファイルの値を参照する。
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

// Load は設定を読み込む。
// カレントディレクトリの.envを環境変数に取り込み（既存の環境変数は上書きしない）、
// CONFIG_FILEが指定されていればそのYAMLを下敷きにして環境変数で上書きする。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	return load(src)
}

// readConfigFile はYAMLの設定ファイルを読み込む。キーは環境変数名を小文字にしたもの。
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		file[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return file, nil
}

func load(src source) (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = src.get("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = src.getInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = src.getInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = src.getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.PollFrequency = time.Duration(src.getInt("POLL_FREQUENCY_SECONDS", 3600)) * time.Second
	cfg.TimelinePollFrequency = time.Duration(src.getInt("TIMELINE_POLL_FREQUENCY_SECONDS", 300)) * time.Second
	cfg.PollLimitPerSource = src.getInt("POLL_LIMIT_PER_SOURCE", 40)
	cfg.MaxConsecutiveFailuresBeforeDisable = src.getInt("MAX_CONSECUTIVE_FAILURES_BEFORE_DISABLE", 5)
	cfg.DisableIfNoSuccessFor = src.getDuration("DISABLE_IF_NO_SUCCESS_FOR", 7*24*time.Hour)
	cfg.SchedulerTick = src.getDuration("SCHEDULER_TICK", time.Minute)
	cfg.WorkerPoolSize = src.getInt("WORKER_POOL_SIZE", runtime.NumCPU())
	cfg.FetchTimeout = src.getDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = src.getInt64("FETCH_MAX_SIZE", 5242880)
	cfg.SocialRequestsPerSecond = src.getFloat("SOCIAL_REQUESTS_PER_SECOND", 1)
	cfg.ImportFileSizeLimitBytes = src.getInt64("IMPORT_FILE_SIZE_LIMIT_BYTES", 10485760)
	cfg.ImportDir = src.getString("IMPORT_DIR", "./data/imports")
	cfg.ImportProgressEvery = src.getInt("IMPORT_PROGRESS_EVERY", 20)
	cfg.TrashRetentionDays = src.getInt("TRASH_RETENTION_DAYS", 30)
	cfg.FeedItemRetentionDays = src.getInt("FEED_ITEM_RETENTION_DAYS", 180)
	cfg.RateLimitGeneral = src.getInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.MetricsPort = src.getString("METRICS_PORT", "9090")
	cfg.LogLevel = src.getString("LOG_LEVEL", "info")

	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.ImportProgressEvery < 1 {
		cfg.ImportProgressEvery = 1
	}

	return cfg, nil
}

func (s source) getString(key, defaultVal string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) int {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) getInt64(key string, defaultVal int64) int64 {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) getFloat(key string, defaultVal float64) float64 {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func (s source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
