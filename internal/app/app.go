// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
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

	"github.com/hitoshi/makeemnow/internal/auth"
	"github.com/hitoshi/makeemnow/internal/config"
	"github.com/hitoshi/makeemnow/internal/createuser"
	"github.com/hitoshi/makeemnow/internal/credential"
	"github.com/hitoshi/makeemnow/internal/database"
	"github.com/hitoshi/makeemnow/internal/gate"
	"github.com/hitoshi/makeemnow/internal/handler"
	"github.com/hitoshi/makeemnow/internal/logger"
	"github.com/hitoshi/makeemnow/internal/metrics"
	"github.com/hitoshi/makeemnow/internal/middleware"
	"github.com/hitoshi/makeemnow/internal/provision"
	"github.com/hitoshi/makeemnow/internal/repository"
	"github.com/hitoshi/makeemnow/internal/security"
	"github.com/hitoshi/makeemnow/internal/session"
	"github.com/hitoshi/makeemnow/internal/storage"
	"github.com/hitoshi/makeemnow/internal/user"
	"github.com/hitoshi/makeemnow/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、設定されたレベルでJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, "info")

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. リポジトリとメトリクス
	sessionRepo := repository.NewPostgresSessionRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(database.Wrap(db))

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	// 3. 外部サービスクライアント
	gotrue := auth.NewGoTrueClient(auth.GoTrueConfig{
		BaseURL:        cfg.SupabaseURL,
		AnonKey:        cfg.SupabaseAnonKey,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		JWTSecret:      cfg.SupabaseJWTSecret,
	})
	photoStore := storage.NewClient(storage.Config{
		BaseURL: cfg.SupabaseURL,
		APIKey:  cfg.SupabaseAnonKey,
		Bucket:  cfg.StorageBucket,
	})

	// 4. セッション管理
	sessions, err := session.NewManager(gotrue, sessionRepo, session.Config{
		MaxAge: time.Duration(cfg.SessionMaxAge) * time.Second,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer sessions.Close()

	unsubscribe := sessions.Subscribe(func(e session.Event) {
		collector.RecordSessionEvent(string(e.Type))
	})
	defer unsubscribe()
	go sessions.Watch(ctx, cfg.SessionCheckInterval)

	// 5. ドメインサービス
	sanitizer := security.NewProfileSanitizer()
	adminGate := gate.New(sessions, profileRepo, cfg.LoginRedirectDelay, slog.Default())
	generator := credential.NewGenerator(profileRepo, cfg.CredentialEmailDomain, slog.Default())
	userService := user.NewService(profileRepo, sanitizer)
	createUserService := createuser.NewService(createuser.Deps{
		Accounts:             gotrue,
		Profiles:             profileRepo,
		Sanitizer:            sanitizer,
		Metrics:              collector,
		Logger:               slog.Default(),
		ServiceKeyConfigured: cfg.ServiceConfigured(),
	})
	if !createUserService.Configured() {
		slog.Warn("SUPABASE_SERVICE_ROLE_KEY が未設定のため、ユーザー作成は失敗します")
	}

	// 6. ハンドラーアダプタ
	creator := userCreatorFactory(cfg, createUserService)
	provisioning := handler.NewProvisioningService(handler.ProvisioningDeps{
		Credentials: generator,
		Photos: func(accessToken string) provision.PhotoStore {
			return photoStore.As(accessToken)
		},
		Creator: creator,
		Metrics: collector,
		Logger:  slog.Default(),
	})

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionResolver:        sessions,
		TokenVerifier:          gotrue,
		CORSAllowedOrigin:      cfg.CORSAllowedOrigin,
		FunctionAllowedOrigins: cfg.FunctionAllowedOrigins,
		RateLimiter:            rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger: slog.Default(),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(prometheus.DefaultGatherer),
		Metrics:        collector,

		AuthService: handler.NewAuthServiceAdapter(adminGate, sessions),
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		ProvisioningService: provisioning,
		AccountService:      userService,
		PhotoMaxBytes:       cfg.PhotoMaxBytes,

		CreateUserService: createUserService,
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 写真アップロードとユーザー作成の往復を含む
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// userCreatorFactory はアクセストークンごとのユーザー作成クライアントを返す関数を組み立てる。
// CREATE_USER_FUNCTION_URLが設定されていればHTTP経由で外部の作成関数を呼び、
// 未設定ならプロセス内のサービスを直接呼ぶ。
func userCreatorFactory(cfg *config.Config, svc *createuser.Service) func(accessToken string) provision.UserCreator {
	if cfg.CreateUserFunctionURL == "" {
		local := createuser.NewLocal(svc)
		return func(string) provision.UserCreator { return local }
	}

	fc := provision.NewFunctionClient(cfg.CreateUserFunctionURL, cfg.SupabaseAnonKey, nil)
	return func(accessToken string) provision.UserCreator {
		return fc.As(accessToken)
	}
}

// runWorker はワーカーモードで起動する。
// 放置されたセッション行を日次で削除し、ctxが終了すると停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(db, cfg.SessionRetentionDays, slog.Default())

	slog.Info("worker starting", slog.Int("session_retention_days", job.RetentionDays))
	job.Start(ctx, 24*time.Hour)

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
