// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongsalt/symposium2023/internal/middleware"
	"github.com/ongsalt/symposium2023/internal/model"
)

// CodeExchangeRecorder は認可コード交換失敗のメトリクス記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type CodeExchangeRecorder interface {
	RecordCodeExchangeFailure()
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	config  AuthHandlerConfig
	metrics CodeExchangeRecorder
}

// NewAuthHandler はAuthHandlerを生成する。metricsはnil可。
func NewAuthHandler(config AuthHandlerConfig, metrics CodeExchangeRecorder) *AuthHandler {
	return &AuthHandler{
		config:  config,
		metrics: metrics,
	}
}

// Callback はメールリンク/OAuthリダイレクトからの認可コードを受け取り、
// セッションに交換してリダイレクトする。
// GET /auth/callback?code=xxx&next=/path
//
// 交換に失敗してもリダイレクトは必ず行う。失敗はログとメトリクスに
// 記録されるのみで、ユーザーは未認証のままリダイレクト先に到達する。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sc, err := middleware.SessionContextFromContext(r.Context())
	if err != nil {
		slog.Error("session context missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	code := r.URL.Query().Get("code")
	next := r.URL.Query().Get("next")

	if code != "" {
		session, exchangeErr := sc.Client.ExchangeCode(r.Context(), code)
		if exchangeErr != nil {
			slog.Error("code exchange failed", slog.String("error", exchangeErr.Error()))
			if h.metrics != nil {
				h.metrics.RecordCodeExchangeFailure()
			}
		} else {
			h.setSessionCookies(w, session)
		}
	}

	http.Redirect(w, r, sanitizeNextPath(next), http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sc, err := middleware.SessionContextFromContext(r.Context())
	if err != nil {
		slog.Error("session context missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	session, err := sc.GetSession(r.Context())
	if err != nil {
		slog.Error("failed to get session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if session == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":    session.User.ID,
		"email": session.User.Email,
		"role":  session.User.Role(),
	})
}

// Logout はプロバイダー側のセッションを失効させ、Cookieをクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sc, err := middleware.SessionContextFromContext(r.Context())
	if err == nil {
		// プロバイダー側の失効はベストエフォート。失敗してもCookieはクリアする。
		if signOutErr := sc.Client.SignOut(r.Context()); signOutErr != nil {
			slog.Error("failed to sign out", slog.String("error", signOutErr.Error()))
		}
	}

	h.clearSessionCookies(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// setSessionCookies はセッショントークンをHTTP Only Cookieとして設定する。
func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, session *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    session.AccessToken,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.RefreshTokenCookie,
		Value:    session.RefreshToken,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookies はセッショントークンのCookieを失効させる。
func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{middleware.AccessTokenCookie, middleware.RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   h.config.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// sanitizeNextPath はリダイレクト先をアプリ内のパスに制限する。
// 外部URLやプロトコル相対URLによるオープンリダイレクトを防ぐ。
// 許可できない値の場合はルートパスを返す。
func sanitizeNextPath(next string) string {
	if next == "" {
		return "/"
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	if strings.ContainsAny(next, "\\\r\n") {
		return "/"
	}
	return next
}
