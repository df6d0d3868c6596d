package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tripcarbon/internal/middleware"
	"github.com/hitoshi/tripcarbon/internal/model"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Session           SessionService
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusObserver    middleware.StatusObserver
	MetricsHandler    http.Handler
	HealthCheck       HealthChecker
}

// NewRouter はローカルセッションAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → CORS → SecurityHeaders → RateLimit(General)
//
// ログインとパスワードリセットには認証系のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.AppError{
			Code:     "NOT_FOUND",
			Message:  "Not found",
			Category: model.CategoryValidation,
			Action:   "Check the request path.",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, &model.AppError{
			Code:     "METHOD_NOT_ALLOWED",
			Message:  "Method not allowed",
			Category: model.CategoryValidation,
			Action:   "Check the request method.",
		})
	})

	r.Get("/health", healthHandler(deps.HealthCheck, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	h := NewSessionHandler(deps.Session, logger)
	r.Route("/api/session", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Get("/", h.Get)
		r.Post("/signup", h.SignUp)
		r.Post("/verify", h.Verify)
		r.Post("/verify/resend", h.ResendVerification)
		r.Post("/federated", h.Federated)
		r.Post("/logout", h.Logout)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.AuthMiddleware())
			}
			r.Post("/login", h.Login)
			r.Post("/password-reset", h.PasswordReset)
		})
	})

	return r
}

// healthHandler は疎通確認の結果を返す。checkがnilなら常にok。
func healthHandler(check HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
