package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/linkbox/internal/config"
	"github.com/hitoshi/linkbox/internal/database"
	"github.com/hitoshi/linkbox/internal/delivery"
	"github.com/hitoshi/linkbox/internal/handler"
	"github.com/hitoshi/linkbox/internal/importer"
	"github.com/hitoshi/linkbox/internal/logger"
	"github.com/hitoshi/linkbox/internal/metrics"
	"github.com/hitoshi/linkbox/internal/middleware"
	"github.com/hitoshi/linkbox/internal/worker/cleanup"
	"github.com/hitoshi/linkbox/internal/worker/ingest"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、LOG_LEVELに従ったJSON構造化ログをグローバルロガーとして設定する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にもログを使えるようinfoで初期化する
	logger.SetupDefault(w, "info")

	// 2. 環境変数と設定ファイルから設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再初期化する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はコネクションプールを開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. ドメインサービスの初期化
	c := newCore(db, cfg, slog.Default())

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Commands:      c.surface,
		Users:         c.repos.users,
		RateLimiter:   rateLimiter,
		HealthChecker: db,
		Logger:        slog.Default(),
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ポーリングとインポートのスケジューラ、ワーカープール、クリーンアップジョブ、
// メトリクスサーバーを起動し、SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	logger := slog.Default()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービスとワーカープール
	c := newCore(db, cfg, logger)
	pool := queue.NewPool(cfg.WorkerPoolSize, logger, queue.WithObserver(collector))

	// 4. 配送（Stage 1: ルーティング、Stage 2: 実体化）
	executor := delivery.NewExecutor(c.repos.inbox, c.materializer, collector, logger)
	router := delivery.NewRouter(c.repos.bookmarks, executor, pool, logger)

	// 5. ポーラーとインポートパイプライン
	health := ingest.HealthPolicy{
		MaxFailures:  cfg.MaxConsecutiveFailuresBeforeDisable,
		NoSuccessFor: cfg.DisableIfNoSuccessFor,
	}
	feedPoller := ingest.NewFeedPoller(
		c.repos.feeds, c.repos.feedItems, c.feedFetcher, router, pool, health, collector, logger,
	)
	timelinePoller := ingest.NewTimelinePoller(
		c.repos.timelines, c.repos.accounts, c.socialClient, router, pool, health,
		cfg.PollLimitPerSource, collector, logger,
	)
	pipeline := importer.NewPipeline(c.repos.imports, c.bookmarks, cfg.ImportProgressEvery, collector, logger)

	scheduler := ingest.NewScheduler(
		c.repos.feeds, c.repos.timelines, c.repos.imports,
		feedPoller, timelinePoller, pipeline, pool,
		ingest.Intervals{Feed: cfg.PollFrequency, Timeline: cfg.TimelinePollFrequency},
		logger,
	)

	// 6. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(c.repos.inbox, c.repos.feedItems, logger)
	cleanupJob.TrashRetentionDays = cfg.TrashRetentionDays
	cleanupJob.FeedItemRetentionDays = cfg.FeedItemRetentionDays

	// 7. メトリクスサーバー
	metricsServer := &http.Server{
		Addr:        ":" + cfg.MetricsPort,
		Handler:     metrics.SetupMetricsRoute(reg),
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("feed_interval", cfg.PollFrequency),
		slog.Duration("timeline_interval", cfg.TimelinePollFrequency),
		slog.Int("pool_size", cfg.WorkerPoolSize),
	)

	pool.Start()
	go cleanupJob.Start(ctx, 24*time.Hour)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SchedulerTick)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := pool.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool shutdown: %w", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.MigrateUp(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのコンテナヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
