package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/omoide/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。
// *sql.DBがそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// カード・タグ
	CardService CardServiceInterface

	// プロフィール
	ProfileService ProfileServiceInterface

	// ユーザー
	UserService UserServiceInterface

	// メディア
	MediaStore   MediaStoreInterface
	MediaDir     string
	MediaMaxSize int64

	// メトリクス
	Metrics interface {
		AuthMetrics
		CardMetrics
		middleware.HTTPStatusRecorder
	}
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORSMiddleware → Metrics → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// 認証ルート（/auth/*）、ヘルスチェック、メトリクス、メディア静的配信は
// セッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.RateLimiter, deps.Metrics, deps.AuthConfig)
	cardHandler := NewCardHandler(deps.CardService, deps.Metrics)
	profileHandler := NewProfileHandler(deps.ProfileService)
	userHandler := NewUserHandler(deps.UserService)
	mediaHandler := NewMediaHandler(deps.MediaStore, deps.MediaMaxSize)

	// --- 認証不要のルート ---

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.PingContext(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusメトリクス
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// アップロード済みメディアの静的配信
	if deps.MediaDir != "" {
		fileServer := http.StripPrefix("/media/", http.FileServer(http.Dir(deps.MediaDir)))
		r.Get("/media/*", fileServer.ServeHTTP)
	}

	// 認証ルート（ワンタイムコード・マジックリンクフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Post("/otp", authHandler.RequestOTP)
		r.Post("/verify", authHandler.VerifyOTP)
		r.Get("/confirm", authHandler.Confirm)
		r.Post("/exchange", authHandler.Exchange)
		r.Get("/callback", authHandler.Callback)
		r.Get("/session", authHandler.Session)
		r.Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// カード管理
		r.Route("/api/cards", func(r chi.Router) {
			r.Get("/", cardHandler.ListCards)
			r.Post("/", cardHandler.CreateCard)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cardHandler.GetCard)
				r.Put("/", cardHandler.UpdateCard)
				r.Delete("/", cardHandler.DeleteCard)
			})
		})

		// タグ
		r.Get("/api/tags", cardHandler.ListTags)

		// プロフィール管理
		r.Route("/api/profiles", func(r chi.Router) {
			r.Post("/", profileHandler.CreateProfile)
			r.Get("/me", profileHandler.GetMyProfile)
			r.Put("/me", profileHandler.UpdateMyProfile)
		})

		// メディアアップロード
		r.Post("/api/media", mediaHandler.Upload)

		// ユーザー管理
		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r
}
