package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ongsalt/symposium2023/internal/form"
	"github.com/ongsalt/symposium2023/internal/identity"
	"github.com/ongsalt/symposium2023/internal/metrics"
	"github.com/ongsalt/symposium2023/internal/middleware"
	"github.com/ongsalt/symposium2023/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	IdentityFactory   *identity.Factory
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// 認証
	AuthConfig AuthHandlerConfig

	// 初期設定フォーム
	WelcomeSchema *form.WelcomeSchema
	Sanitizer     security.ProfileSanitizerService

	// メトリクス
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → SessionContext → CSRF
//
// すべてのリクエストはSessionContextミドルウェアを通過し、
// リクエストスコープの認証コンテキストが付与される。
// 認可の判断（401）は各ハンドラーが行う。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var statusRecorder middleware.StatusRecorder
	if deps.Metrics != nil {
		statusRecorder = deps.Metrics
	}

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, statusRecorder))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSessionContextMiddleware(deps.IdentityFactory))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	var codeExchangeRecorder CodeExchangeRecorder
	var validationRecorder ValidationRecorder
	if deps.Metrics != nil {
		codeExchangeRecorder = deps.Metrics
		validationRecorder = deps.Metrics
	}

	authHandler := NewAuthHandler(deps.AuthConfig, codeExchangeRecorder)
	welcomeHandler := NewWelcomeHandler(deps.WelcomeSchema, deps.Sanitizer, validationRecorder)

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusスクレイプ
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// CSRFトークン取得
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// 認証フロー
	r.Route("/auth", func(r chi.Router) {
		r.Get("/callback", authHandler.Callback)
		r.Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)
	})

	// 初期設定フロー
	r.Route("/welcome", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/", welcomeHandler.Load)
		// POST /welcome - フォーム送信（送信専用レート制限を追加）
		r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", welcomeHandler.Submit)
	})

	return r
}
