package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/auth"
	"github.com/hitoshi/calhub/internal/browser"
	"github.com/hitoshi/calhub/internal/calendar"
	"github.com/hitoshi/calhub/internal/config"
	"github.com/hitoshi/calhub/internal/database"
	"github.com/hitoshi/calhub/internal/executor"
	"github.com/hitoshi/calhub/internal/handler"
	"github.com/hitoshi/calhub/internal/logger"
	"github.com/hitoshi/calhub/internal/metrics"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/security"
	syncsvc "github.com/hitoshi/calhub/internal/sync"
	"github.com/hitoshi/calhub/internal/vault"
	"github.com/hitoshi/calhub/internal/worker/cleanup"
	"github.com/hitoshi/calhub/internal/worker/keepalive"
	"github.com/hitoshi/calhub/internal/worker/syncjob"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserve/workerで共有する依存関係の束。
type components struct {
	userRepo        *repository.PostgresUserRepo
	sessionRepo     *repository.PostgresSessionRepo
	googleUserRepo  *repository.PostgresGoogleUserRepo
	vaultItemRepo   *repository.PostgresVaultItemRepo
	reservationRepo *repository.PostgresReservationRepo
	mappingRepo     *repository.PostgresEventMappingRepo

	vault        *vault.Vault
	guard        security.SSRFGuardService
	registry     *adapter.Registry
	browserPool  *browser.Pool
	calendar     *calendar.Client
	collector    *metrics.Collector
	promRegistry *prometheus.Registry
	orchestrator *syncsvc.Orchestrator
}

// buildComponents はDB接続からオーケストレータまでの依存関係をワイヤリングする。
// serveとworkerの両モードで共通。
func buildComponents(cfg *config.Config, db *sql.DB) (*components, error) {
	c := &components{}

	// 1. リポジトリの初期化
	c.userRepo = repository.NewPostgresUserRepo(db)
	c.sessionRepo = repository.NewPostgresSessionRepo(db)
	c.googleUserRepo = repository.NewPostgresGoogleUserRepo(db)
	c.vaultItemRepo = repository.NewPostgresVaultItemRepo(db)
	c.reservationRepo = repository.NewPostgresReservationRepo(db)
	c.mappingRepo = repository.NewPostgresEventMappingRepo(db)

	// 2. 認証情報ボールトの初期化
	v, err := vault.New(cfg.VaultMasterKey, cfg.VaultKeySalt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}
	c.vault = v

	// 3. セキュリティサービスとスクレイプ用クライアント
	c.guard = security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()
	scrapeClient := c.guard.NewSafeClient(cfg.FetchTimeout)

	// 4. ヘッドレスブラウザプールとアダプタ群
	c.browserPool = browser.NewPool(cfg.BrowserPoolSize, cfg.BrowserAcquireTimeout)
	c.registry = adapter.NewRegistry(
		adapter.NewKobus(scrapeClient, sanitizer),
		adapter.NewBustago(scrapeClient, sanitizer),
		adapter.NewCatchTable(scrapeClient, sanitizer),
		adapter.NewCGV(scrapeClient, sanitizer),
		adapter.NewMegabox(scrapeClient, sanitizer),
		adapter.NewNaver(scrapeClient, sanitizer, c.browserPool),
	)

	// 5. カレンダークライアントとメトリクス
	c.calendar = calendar.NewClient(calendar.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	}, nil)

	c.promRegistry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.promRegistry)

	// 6. 同期オーケストレータ
	exec := executor.New(c.reservationRepo, c.mappingRepo, c.calendar, slog.Default())
	c.orchestrator = syncsvc.New(
		c.registry, c.vault, c.vaultItemRepo, c.googleUserRepo, c.reservationRepo,
		exec, c.calendar, c.guard, c.collector, slog.Default(),
		syncsvc.Config{
			FetchTimeout:  cfg.FetchTimeout,
			MaxConcurrent: cfg.FetchMaxConcurrent,
		},
	)

	return c, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	c, err := buildComponents(cfg, db)
	if err != nil {
		return err
	}

	// 認証サービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, c.userRepo, c.googleUserRepo, c.sessionRepo, c.calendar,
		auth.ServiceConfig{
			SessionMaxAge: cfg.SessionMaxAge,
			AllowedEmails: cfg.AllowedEmails,
		},
	)

	// レート制限の構成（configはreq/min単位）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSync > 0 {
		rateLimiterCfg.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60.0)
		rateLimiterCfg.SyncBurst = cfg.RateLimitSync
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:     c.sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Vault:           c.vault,
		VaultItems:      c.vaultItemRepo,
		AdapterRegistry: c.registry,

		Reservations: c.reservationRepo,
		SyncService:  c.orchestrator,

		MetricsHandler: metrics.Handler(c.promRegistry),
		HealthHandler:  newHealthHandler(db),
	}

	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 手動同期はスクレイピングを待つため長め
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 定期同期スケジューラ、セッション維持ジョブ、クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	c, err := buildComponents(cfg, db)
	if err != nil {
		return err
	}

	// 定期同期スケジューラ
	scheduler := syncjob.NewScheduler(
		c.googleUserRepo, c.orchestrator, slog.Default(),
		cfg.SyncInterval, cfg.FetchMaxConcurrent,
	)

	// クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

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
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.Bool("keepalive_enabled", cfg.KeepaliveEnabled),
	)

	// セッション維持ジョブをバックグラウンドで起動
	if cfg.KeepaliveEnabled {
		keeper := keepalive.NewKeeper(
			c.registry, c.vault, c.vaultItemRepo, c.collector,
			slog.Default(), keepalive.DefaultConfig(),
		)
		if err := keeper.Start(); err != nil {
			return fmt.Errorf("failed to start keepalive worker: %w", err)
		}
		defer func() { <-keeper.Stop().Done() }()
	}

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
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

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラを返す。
func newHealthHandler(db *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}
