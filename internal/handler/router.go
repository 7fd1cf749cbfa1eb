package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calhub/internal/adapter"
	"github.com/hitoshi/calhub/internal/middleware"
	"github.com/hitoshi/calhub/internal/repository"
	"github.com/hitoshi/calhub/internal/vault"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 認証情報の保管
	Vault           *vault.Vault
	VaultItems      repository.VaultItemRepository
	AdapterRegistry *adapter.Registry

	// 予約と同期
	Reservations repository.ReservationRepository
	SyncService  SyncServiceInterface

	// 運用エンドポイント
	MetricsHandler http.Handler
	HealthHandler  http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → SessionMiddleware → CSRFMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// 認証ルート（/auth/*）と運用エンドポイントはミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS ミドルウェアを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	credentialHandler := NewCredentialHandler(deps.Vault, deps.VaultItems, deps.AdapterRegistry)
	reservationHandler := NewReservationHandler(deps.Reservations)
	syncHandler := NewSyncHandler(deps.SyncService)

	// --- 認証不要のルート ---

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// CSRFトークン取得
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// 運用エンドポイント
	if deps.HealthHandler != nil {
		r.Get("/health", deps.HealthHandler.ServeHTTP)
	}
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// プロバイダー認証情報の管理
		r.Route("/api/providers", func(r chi.Router) {
			r.Get("/", credentialHandler.ListProviders)

			r.Route("/{provider}/user", func(r chi.Router) {
				r.Get("/", credentialHandler.GetCredential)
				r.Post("/", credentialHandler.PutCredential)
				r.Delete("/", credentialHandler.DeleteCredential)
			})
		})

		// 予約一覧
		r.Get("/api/reservations", reservationHandler.ListReservations)

		// 手動同期（同期専用レート制限を追加）
		r.With(deps.RateLimiter.SyncMiddleware()).Post("/api/sync", syncHandler.TriggerSync)
	})

	return r
}
