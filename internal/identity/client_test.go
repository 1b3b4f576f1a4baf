package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestFactory はテスト用プロバイダーサーバーに接続するFactoryを生成する。
func newTestFactory(t *testing.T, handler http.Handler) *Factory {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFactory(ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "test-service-key",
	}, nil)
}

func TestClient_GetSession_NoToken(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a token")
	}))

	client := factory.ClientFor("", "")

	session, err := client.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
}

func TestClient_GetSession_ValidToken(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("path = %s, want /auth/v1/user", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-token-abc" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "test-service-key" {
			t.Errorf("apikey = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "user-123",
			"email": "somchai@example.com",
			"user_metadata": map[string]any{
				"role": "staff",
			},
		})
	}))

	client := factory.ClientFor("access-token-abc", "refresh-token-abc")

	session, err := client.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session == nil {
		t.Fatal("session = nil, want session")
	}
	if session.AccessToken != "access-token-abc" {
		t.Errorf("AccessToken = %q", session.AccessToken)
	}
	if session.User.ID != "user-123" {
		t.Errorf("User.ID = %q", session.User.ID)
	}
	if session.User.Role() != "staff" {
		t.Errorf("Role() = %q, want staff", session.User.Role())
	}
}

func TestClient_GetUser_ExpiredTokenTreatedAsUnauthenticated(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"msg": "JWT expired"})
	}))

	client := factory.ClientFor("expired-token", "")

	user, err := client.GetUser(context.Background())
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user != nil {
		t.Errorf("user = %+v, want nil", user)
	}
}

func TestClient_ExchangeCode_Success(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" {
			t.Errorf("path = %s, want /auth/v1/token", r.URL.Path)
		}
		if got := r.URL.Query().Get("grant_type"); got != "pkce" {
			t.Errorf("grant_type = %q, want pkce", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["auth_code"] != "one-time-code" {
			t.Errorf("auth_code = %q", body["auth_code"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "bearer",
			"user":          map[string]any{"id": "user-123"},
		})
	}))

	client := factory.ClientFor("", "")

	session, err := client.ExchangeCode(context.Background(), "one-time-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if session.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q", session.AccessToken)
	}

	// 交換後のトークンがクライアントに引き継がれること
	if client.AccessToken() != "new-access" {
		t.Errorf("client.AccessToken() = %q", client.AccessToken())
	}
	if client.RefreshToken() != "new-refresh" {
		t.Errorf("client.RefreshToken() = %q", client.RefreshToken())
	}
}

func TestClient_ExchangeCode_ProviderError(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error_description": "invalid code"})
	}))

	client := factory.ClientFor("", "")

	_, err := client.ExchangeCode(context.Background(), "bad-code")
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if perr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", perr.StatusCode)
	}
	if perr.Message != "invalid code" {
		t.Errorf("Message = %q", perr.Message)
	}
}

func TestClient_RefreshSession(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "old-refresh" {
			t.Errorf("refresh_token = %q", body["refresh_token"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access",
			"refresh_token": "rotated-refresh",
		})
	}))

	client := factory.ClientFor("old-access", "old-refresh")

	session, err := client.RefreshSession(context.Background())
	if err != nil {
		t.Fatalf("RefreshSession() error = %v", err)
	}
	if session.AccessToken != "rotated-access" {
		t.Errorf("AccessToken = %q", session.AccessToken)
	}
	if client.RefreshToken() != "rotated-refresh" {
		t.Errorf("client.RefreshToken() = %q", client.RefreshToken())
	}
}

func TestClient_RefreshSession_WithoutToken(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a refresh token")
	}))

	client := factory.ClientFor("", "")

	if _, err := client.RefreshSession(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestClient_UpdateUser_SendsMetadataAndPassword(t *testing.T) {
	var captured map[string]any
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "user-123"})
	}))

	client := factory.ClientFor("access-token", "")

	_, err := client.UpdateUser(context.Background(), UserAttributes{
		Data:     map[string]any{"phone": "0812345678", "role": "staff"},
		Password: "new-password",
	})
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	data, ok := captured["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %v, want map", captured["data"])
	}
	if data["phone"] != "0812345678" {
		t.Errorf("data[phone] = %v", data["phone"])
	}
	if data["role"] != "staff" {
		t.Errorf("data[role] = %v", data["role"])
	}
	if captured["password"] != "new-password" {
		t.Errorf("password = %v", captured["password"])
	}
}

func TestClient_UpdateUser_ProviderError(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"msg": "Password should be different from the old password."})
	}))

	client := factory.ClientFor("access-token", "")

	_, err := client.UpdateUser(context.Background(), UserAttributes{Password: "same-password"})
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if perr.Message != "Password should be different from the old password." {
		t.Errorf("Message = %q", perr.Message)
	}
}

func TestClient_FilterProviderHeaders_OnlyContentRangePasses(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-9/42")
		w.Header().Set("X-Internal-Trace", "secret")
		json.NewEncoder(w).Encode(map[string]any{"id": "user-123"})
	}))

	client := factory.ClientFor("access-token", "")

	if _, err := client.GetUser(context.Background()); err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}

	dst := http.Header{}
	client.FilterProviderHeaders(dst)

	if got := dst.Get("Content-Range"); got != "0-9/42" {
		t.Errorf("Content-Range = %q, want 0-9/42", got)
	}
	if got := dst.Get("X-Internal-Trace"); got != "" {
		t.Errorf("X-Internal-Trace = %q, want stripped", got)
	}
}
