// Package identity はIDプロバイダー（GoTrue互換API）へのHTTPクライアントを提供する。
// セッション取得・リフレッシュ、認可コード交換、ユーザー更新を扱う。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ongsalt/symposium2023/internal/model"
)

// contentRangeHeader はプロバイダーのレスポンスヘッダーのうち
// クライアントへの通過を許可する唯一のヘッダー（ページネーション件数）。
const contentRangeHeader = "Content-Range"

// MetricsRecorder はプロバイダー呼び出しのメトリクス記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type MetricsRecorder interface {
	RecordProviderRequest(operation string, statusCode int, duration time.Duration)
}

// ClientConfig はIdentityクライアントの設定。
type ClientConfig struct {
	// BaseURL はIDプロバイダーのエンドポイントURL（例: https://xyz.example.co）。
	BaseURL string
	// APIKey はサービスロールキー。全リクエストのapikeyヘッダーに付与する。
	APIKey string
	// Timeout はプロバイダー呼び出しのHTTPタイムアウト。
	Timeout time.Duration
}

// ProviderError はIDプロバイダーが返したエラーレスポンスを表す。
type ProviderError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider error (status %d): %s", e.StatusCode, e.Message)
}

// Factory はリクエストごとのClientを生成する。
// 共通設定とHTTPクライアントを保持し、リクエストのトークンだけ差し替える。
type Factory struct {
	config     ClientConfig
	httpClient *http.Client
	metrics    MetricsRecorder
}

// NewFactory はFactoryを生成する。metricsはnil可。
func NewFactory(config ClientConfig, metrics MetricsRecorder) *Factory {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Factory{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
	}
}

// ClientFor は指定されたトークンに紐づくClientを生成する。
// 未認証リクエストの場合は両トークンとも空文字列を渡す。
func (f *Factory) ClientFor(accessToken, refreshToken string) *Client {
	return &Client{
		config:       f.config,
		httpClient:   f.httpClient,
		metrics:      f.metrics,
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// Client は1リクエストの認証情報に束縛されたIDプロバイダークライアント。
// リクエスト処理は逐次実行されるため、スレッドセーフではない。
type Client struct {
	config       ClientConfig
	httpClient   *http.Client
	metrics      MetricsRecorder
	accessToken  string
	refreshToken string

	// lastHeaders は直近のプロバイダーレスポンスのヘッダー。
	lastHeaders http.Header
}

// AccessToken は現在のアクセストークンを返す。
func (c *Client) AccessToken() string { return c.accessToken }

// RefreshToken は現在のリフレッシュトークンを返す。
func (c *Client) RefreshToken() string { return c.refreshToken }

// GetSession は現在のセッションを取得する。
// 毎回プロバイダーに問い合わせる（キャッシュしない）。
// 未認証の場合は(nil, nil)を返す。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	if c.accessToken == "" {
		return nil, nil
	}

	user, err := c.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	return &model.Session{
		AccessToken:  c.accessToken,
		TokenType:    "bearer",
		RefreshToken: c.refreshToken,
		User:         user,
	}, nil
}

// GetUser はアクセストークンに紐づくユーザーを取得する。
// トークンが無効・期限切れの場合は(nil, nil)を返す。
func (c *Client) GetUser(ctx context.Context) (*model.User, error) {
	if c.accessToken == "" {
		return nil, nil
	}

	body, status, err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, c.accessToken, "get_user")
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// 無効なトークンは未認証として扱う
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, parseProviderError(status, body)
	}

	var user model.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty user id in response")
	}

	return &user, nil
}

// ExchangeCode は認可コード（メールリンク/OAuthリダイレクト由来）を
// セッションに交換する。交換後のトークンをこのクライアントに引き継ぐ。
func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.Session, error) {
	payload := map[string]string{"auth_code": code}
	session, err := c.tokenRequest(ctx, "pkce", payload, "exchange_code")
	if err != nil {
		return nil, fmt.Errorf("failed to exchange auth code: %w", err)
	}
	return session, nil
}

// RefreshSession はリフレッシュトークンでセッションを更新する。
// 更新後のトークンをこのクライアントに引き継ぐ。
func (c *Client) RefreshSession(ctx context.Context) (*model.Session, error) {
	if c.refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	payload := map[string]string{"refresh_token": c.refreshToken}
	session, err := c.tokenRequest(ctx, "refresh_token", payload, "refresh_session")
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return session, nil
}

// UserAttributes はユーザー更新リクエストの内容。
type UserAttributes struct {
	// Data はユーザーメタデータ全体。プロバイダー側で全置換されるため、
	// 呼び出し側が既存メタデータとマージ済みの値を渡す。
	Data map[string]any `json:"data,omitempty"`
	// Password は更新後のパスワード。空の場合は変更しない。
	Password string `json:"password,omitempty"`
}

// UpdateUser はユーザーのメタデータとパスワードを1回の呼び出しで更新する。
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (*model.User, error) {
	if c.accessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	reqBody, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user attributes: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPut, "/auth/v1/user", reqBody, c.accessToken, "update_user")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseProviderError(status, body)
	}

	var user model.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}

	return &user, nil
}

// SignOut は現在のセッションをプロバイダー側で失効させる。
func (c *Client) SignOut(ctx context.Context) error {
	if c.accessToken == "" {
		return nil
	}

	body, status, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, c.accessToken, "sign_out")
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return parseProviderError(status, body)
	}

	return nil
}

// FilterProviderHeaders は直近のプロバイダーレスポンスヘッダーのうち
// 許可されたもの（Content-Range）のみをdstへコピーする。
// 内部ヘッダーのエンドユーザーへの漏洩を防ぐ。
func (c *Client) FilterProviderHeaders(dst http.Header) {
	if c.lastHeaders == nil {
		return
	}
	if v := c.lastHeaders.Get(contentRangeHeader); v != "" {
		dst.Set(contentRangeHeader, v)
	}
}

// tokenRequest はトークンエンドポイントを呼び出し、
// 取得したセッションのトークンをこのクライアントに反映する。
func (c *Client) tokenRequest(ctx context.Context, grantType string, payload map[string]string, operation string) (*model.Session, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	path := "/auth/v1/token?grant_type=" + grantType
	body, status, err := c.do(ctx, http.MethodPost, path, reqBody, "", operation)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseProviderError(status, body)
	}

	var session model.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	c.accessToken = session.AccessToken
	c.refreshToken = session.RefreshToken

	return &session, nil
}

// do はプロバイダーへのHTTPリクエストを実行し、レスポンスボディとステータスを返す。
// bearerTokenが空の場合はサービスロールキーをBearerとして使用する。
func (c *Client) do(ctx context.Context, method, path string, reqBody []byte, bearerToken, operation string) ([]byte, int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.config.APIKey)
	if bearerToken == "" {
		bearerToken = c.config.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordProviderRequest(operation, 0, time.Since(start))
		}
		return nil, 0, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordProviderRequest(operation, resp.StatusCode, time.Since(start))
	}
	c.lastHeaders = resp.Header

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read provider response: %w", err)
	}

	return body, resp.StatusCode, nil
}

// providerErrorBody はプロバイダーのエラーレスポンス。
// GoTrueはバージョンによりmsg形式とerror_description形式の両方を返す。
type providerErrorBody struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error"`
}

// parseProviderError はエラーレスポンスボディからProviderErrorを構築する。
func parseProviderError(status int, body []byte) error {
	var eb providerErrorBody
	message := ""
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Msg != "":
			message = eb.Msg
		case eb.Message != "":
			message = eb.Message
		case eb.ErrorDescription != "":
			message = eb.ErrorDescription
		case eb.ErrorCode != "":
			message = eb.ErrorCode
		}
	}
	if message == "" {
		message = string(body)
	}
	return &ProviderError{StatusCode: status, Message: message}
}
