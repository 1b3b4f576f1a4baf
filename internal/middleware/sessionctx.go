// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ongsalt/symposium2023/internal/identity"
	"github.com/ongsalt/symposium2023/internal/model"
)

// セッショントークンを保持するCookieの名前。
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにSessionContextを格納するためのキー。
var sessionContextKey = contextKey("session_context")

// SessionContext は1リクエスト分の認証コンテキスト。
// リクエストのCookieに束縛されたIdentityクライアントと、
// そこから導出されるセッション・ロールのアクセサを提供する。
type SessionContext struct {
	// Client はこのリクエストの認証情報に束縛されたIdentityクライアント。
	Client *identity.Client
}

// GetSession は現在のセッションを取得する。
// キャッシュせず、呼び出しのたびにプロバイダーへ問い合わせる。
// 未認証の場合は(nil, nil)を返す。
func (sc *SessionContext) GetSession(ctx context.Context) (*model.Session, error) {
	return sc.Client.GetSession(ctx)
}

// Role は現在のユーザーのロールを解決する。
// セッションが存在しない、またはメタデータにロールがない場合はmodel.RoleAnonを返す。
func (sc *SessionContext) Role(ctx context.Context) (string, error) {
	session, err := sc.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return model.RoleAnon, nil
	}
	return session.User.Role(), nil
}

// NewSessionContextMiddleware はすべてのリクエストにSessionContextを付与する
// ミドルウェアを返す。Cookieからセッショントークンを読み取り、
// そのトークンに束縛されたIdentityクライアントを構築する。
// 未認証リクエストも拒否せずに通す。認可の判断はハンドラー側で行う。
func NewSessionContextMiddleware(factory *identity.Factory) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accessToken := cookieValue(r, AccessTokenCookie)
			refreshToken := cookieValue(r, RefreshTokenCookie)

			sc := &SessionContext{
				Client: factory.ClientFor(accessToken, refreshToken),
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionContextFromContext はリクエストコンテキストからSessionContextを取得する。
// セッションコンテキストミドルウェアを通過したリクエストでのみ有効。
func SessionContextFromContext(ctx context.Context) (*SessionContext, error) {
	sc, ok := ctx.Value(sessionContextKey).(*SessionContext)
	if !ok || sc == nil {
		return nil, fmt.Errorf("session context not found in context")
	}
	return sc, nil
}

// ContextWithSessionContext はコンテキストにSessionContextを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionContext(ctx context.Context, sc *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey, sc)
}

// cookieValue はCookieの値を取得する。存在しない場合は空文字列を返す。
func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
