package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/makeemnow/internal/metrics"
	"github.com/hitoshi/makeemnow/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionResolver        middleware.SessionResolver
	TokenVerifier          middleware.TokenVerifier
	CORSAllowedOrigin      string
	FunctionAllowedOrigins []string
	RateLimiter            *middleware.RateLimiter
	CSRFConfig             middleware.CSRFConfig
	Logger                 *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Metrics        metrics.MetricsCollector

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// アカウント
	ProvisioningService ProvisioningServiceInterface
	AccountService      AccountServiceInterface
	PhotoMaxBytes       int64

	// ユーザー作成関数
	CreateUserService CreateUserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders
//	  /api/*:            CORS → CSRF → (ログイン: LoginRateLimit) | (保護ルート: Session → RateLimit(General))
//	  /functions/v1/*:   AllowListCORS → BearerAuth
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, deps.Metrics)
	accountHandler := NewAccountHandler(deps.ProvisioningService, deps.AccountService, deps.PhotoMaxBytes)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 管理画面API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// 認証ルート（セッション不要）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Get("/session", authHandler.Session)
		})

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/stats/users", accountHandler.UserCount)

			r.Route("/accounts", func(r chi.Router) {
				r.Post("/", accountHandler.Create)
				r.Post("/credentials", accountHandler.Credentials)
				r.Post("/photo", accountHandler.UploadPhoto)
				r.Patch("/{uuid}", accountHandler.Update)
			})
		})
	})

	// --- ユーザー作成関数 ---
	if deps.CreateUserService != nil {
		createUserHandler := NewCreateUserHandler(deps.CreateUserService)
		r.Route("/functions/v1", func(r chi.Router) {
			r.Use(middleware.NewAllowListCORSMiddleware(middleware.DefaultFunctionCORSConfig(deps.FunctionAllowedOrigins)))
			r.With(middleware.NewBearerAuthMiddleware(deps.TokenVerifier)).Post("/create-user", createUserHandler.Create)
		})
	}

	return r
}
