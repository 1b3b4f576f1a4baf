package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ongsalt/symposium2023/internal/form"
	"github.com/ongsalt/symposium2023/internal/identity"
	"github.com/ongsalt/symposium2023/internal/middleware"
	"github.com/ongsalt/symposium2023/internal/security"
)

// --- モック定義 ---

// mockValidationRecorder はValidationRecorderのモック。
type mockValidationRecorder struct {
	fields []string
}

func (m *mockValidationRecorder) RecordValidationFailure(field string) {
	m.fields = append(m.fields, field)
}

// --- テストヘルパー ---

// welcomeProviderStub はwelcomeフローに必要なプロバイダーAPIのスタブ。
type welcomeProviderStub struct {
	userMetadata map[string]any

	refreshCalled    bool
	refreshFails     bool
	updateCalled     bool
	updateFails      bool
	updateFailMsg    string
	capturedUpdate   map[string]any
	capturedPassword string
}

func (s *welcomeProviderStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/v1/user":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":            "user-1",
				"email":         "a@example.com",
				"user_metadata": s.userMetadata,
			})

		case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/token":
			s.refreshCalled = true
			if s.refreshFails {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"msg": "refresh failed"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "rotated-access",
				"refresh_token": "rotated-refresh",
				"token_type":    "bearer",
				"user":          map[string]any{"id": "user-1", "email": "a@example.com"},
			})

		case r.Method == http.MethodPut && r.URL.Path == "/auth/v1/user":
			s.updateCalled = true
			if s.updateFails {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"msg": s.updateFailMsg})
				return
			}

			var attrs struct {
				Data     map[string]any `json:"data"`
				Password string         `json:"password"`
			}
			if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
				t.Errorf("failed to decode update request: %v", err)
			}
			s.capturedUpdate = attrs.Data
			s.capturedPassword = attrs.Password

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":            "user-1",
				"email":         "a@example.com",
				"user_metadata": attrs.Data,
			})

		default:
			t.Errorf("unexpected provider request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// newWelcomeHandler はテスト用のWelcomeHandlerを生成する。
func newWelcomeHandler(t *testing.T, metrics ValidationRecorder) *WelcomeHandler {
	t.Helper()
	schema, err := form.NewWelcomeSchema()
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return NewWelcomeHandler(schema, security.NewProfileSanitizer(), metrics)
}

// validSubmitBody は検証を通過するフォームのJSONボディを生成する。
func validSubmitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"title_th":        "นาย",
		"title_en":        "Mr.",
		"firstname_th":    "สมชาย",
		"firstname_en":    "Somchai",
		"lastname_th":     "ใจดี",
		"lastname_en":     "Jaidee",
		"phone":           "0812345678",
		"password":        "secret-password",
		"retype_password": "secret-password",
	})
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	return bytes.NewBuffer(body)
}

// submitRequest はJSONボディとSessionContextを持つPOSTリクエストを生成する。
func submitRequest(factory *identity.Factory, body *bytes.Buffer, accessToken string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/welcome", body)
	req.Header.Set("Content-Type", "application/json")
	sc := &middleware.SessionContext{
		Client: factory.ClientFor(accessToken, "refresh-tok"),
	}
	return req.WithContext(middleware.ContextWithSessionContext(req.Context(), sc))
}

func TestWelcomeHandler_Load(t *testing.T) {
	t.Run("未認証の場合は401を返す", func(t *testing.T) {
		_, factory := newProviderStub(t, func(w http.ResponseWriter, r *http.Request) {})

		h := newWelcomeHandler(t, nil)
		req := requestWithSession(http.MethodGet, "/welcome", factory, "", "")
		w := httptest.NewRecorder()

		h.Load(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("既存メタデータでフォームを事前入力する", func(t *testing.T) {
		stub := &welcomeProviderStub{
			userMetadata: map[string]any{
				"firstname_th": "สมชาย",
				"phone":        "0812345678",
			},
		}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := requestWithSession(http.MethodGet, "/welcome", factory, "valid-token", "refresh-tok")
		w := httptest.NewRecorder()

		h.Load(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if !stub.refreshCalled {
			t.Error("session refresh should be attempted on load")
		}

		var body struct {
			Form struct {
				Valid bool `json:"valid"`
				Data  struct {
					FirstnameTH string `json:"firstname_th"`
					Phone       string `json:"phone"`
				} `json:"data"`
			} `json:"form"`
			IsUserSetupDoneAlready bool `json:"isUserSetupDoneAlready"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body.Form.Data.FirstnameTH != "สมชาย" {
			t.Errorf("firstname_th = %q, want %q", body.Form.Data.FirstnameTH, "สมชาย")
		}
		if body.Form.Data.Phone != "0812345678" {
			t.Errorf("phone = %q, want %q", body.Form.Data.Phone, "0812345678")
		}
		// 必須項目が一部欠けているため未完了であること
		if body.IsUserSetupDoneAlready {
			t.Error("isUserSetupDoneAlready = true, want false")
		}
		// 事前入力の検証は参考情報であり、失敗してもエラーにならない
		if body.Form.Valid {
			t.Error("prefill with missing fields should not be valid")
		}
	})

	t.Run("全項目が揃っている場合は設定済みフラグを立てる", func(t *testing.T) {
		stub := &welcomeProviderStub{
			userMetadata: map[string]any{
				"title_th": "นาย", "title_en": "Mr.",
				"firstname_th": "สมชาย", "firstname_en": "Somchai",
				"lastname_th": "ใจดี", "lastname_en": "Jaidee",
				"phone": "0812345678",
			},
		}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := requestWithSession(http.MethodGet, "/welcome", factory, "valid-token", "refresh-tok")
		w := httptest.NewRecorder()

		h.Load(w, req)

		var body welcomeLoadResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !body.IsUserSetupDoneAlready {
			t.Error("isUserSetupDoneAlready = false, want true")
		}
	})

	t.Run("リフレッシュに失敗しても200を返す", func(t *testing.T) {
		stub := &welcomeProviderStub{
			userMetadata: map[string]any{},
			refreshFails: true,
		}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := requestWithSession(http.MethodGet, "/welcome", factory, "valid-token", "refresh-tok")
		w := httptest.NewRecorder()

		h.Load(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

func TestWelcomeHandler_Submit(t *testing.T) {
	t.Run("未認証の場合は401を返す", func(t *testing.T) {
		_, factory := newProviderStub(t, func(w http.ResponseWriter, r *http.Request) {})

		h := newWelcomeHandler(t, nil)
		req := submitRequest(factory, validSubmitBody(t), "")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("検証失敗時は400と項目別エラーを返し何も変更しない", func(t *testing.T) {
		stub := &welcomeProviderStub{userMetadata: map[string]any{}}
		_, factory := newProviderStub(t, stub.handler(t))

		recorder := &mockValidationRecorder{}
		h := newWelcomeHandler(t, recorder)

		body, _ := json.Marshal(map[string]string{
			"title_th":        "นาย",
			"title_en":        "Mr.",
			"firstname_th":    "สมชาย",
			"firstname_en":    "Somchai",
			"lastname_th":     "ใจดี",
			"lastname_en":     "Jaidee",
			"phone":           "081-234-5678", // ハイフンは不正
			"password":        "secret-password",
			"retype_password": "secret-password",
		})
		req := submitRequest(factory, bytes.NewBuffer(body), "valid-token")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if stub.updateCalled {
			t.Error("provider update should not be called on validation failure")
		}

		var res welcomeSubmitResponse
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if res.Form.Valid {
			t.Error("form should be invalid")
		}
		if msg := res.Form.Errors["phone"]; msg != "โปรดกรอกเฉพาะตัวเลข ไม่ต้องมีเครื่องหมายขีดหรือช่องว่าง" {
			t.Errorf("phone error = %q", msg)
		}
		// パスワードはレスポンスに含めないこと
		if res.Form.Data.Password != "" || res.Form.Data.RetypePassword != "" {
			t.Error("passwords should be cleared from the response")
		}
		if len(recorder.fields) != 1 || recorder.fields[0] != "phone" {
			t.Errorf("recorded fields = %v, want [phone]", recorder.fields)
		}
	})

	t.Run("成功時は既存メタデータを保持したままマージして保存する", func(t *testing.T) {
		stub := &welcomeProviderStub{
			userMetadata: map[string]any{
				"role":         "staff",
				"firstname_th": "古い値",
			},
		}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := submitRequest(factory, validSubmitBody(t), "valid-token")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if !stub.updateCalled {
			t.Fatal("provider update should be called")
		}

		// フォームに無い既存キーは保持されること
		if stub.capturedUpdate["role"] != "staff" {
			t.Errorf("role = %v, want %q", stub.capturedUpdate["role"], "staff")
		}
		// フォームの値で上書きされること
		if stub.capturedUpdate["firstname_th"] != "สมชาย" {
			t.Errorf("firstname_th = %v, want %q", stub.capturedUpdate["firstname_th"], "สมชาย")
		}
		if stub.capturedPassword != "secret-password" {
			t.Errorf("password = %q, want %q", stub.capturedPassword, "secret-password")
		}
		// メタデータにパスワードを含めないこと
		if _, exists := stub.capturedUpdate["password"]; exists {
			t.Error("password must not be stored in metadata")
		}

		var res welcomeSubmitResponse
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !res.OK {
			t.Error("ok = false, want true")
		}
		if res.Form.Data.Password != "" {
			t.Error("passwords should be cleared from the response")
		}
	})

	t.Run("プロフィール項目のマークアップを除去して保存する", func(t *testing.T) {
		stub := &welcomeProviderStub{userMetadata: map[string]any{}}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		body, _ := json.Marshal(map[string]string{
			"title_th":        "นาย",
			"title_en":        "Mr.",
			"firstname_th":    "<script>alert(1)</script>สมชาย",
			"firstname_en":    "Somchai",
			"lastname_th":     "ใจดี",
			"lastname_en":     "Jaidee",
			"phone":           "0812345678",
			"password":        "secret-password",
			"retype_password": "secret-password",
		})
		req := submitRequest(factory, bytes.NewBuffer(body), "valid-token")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		got, _ := stub.capturedUpdate["firstname_th"].(string)
		if strings.Contains(got, "<script>") {
			t.Errorf("firstname_th = %q, markup should be stripped", got)
		}
		if !strings.Contains(got, "สมชาย") {
			t.Errorf("firstname_th = %q, text content should survive", got)
		}
	})

	t.Run("プロバイダー更新失敗時は500とタイ語メッセージを返す", func(t *testing.T) {
		stub := &welcomeProviderStub{
			userMetadata:  map[string]any{},
			updateFails:   true,
			updateFailMsg: "Invalid login credentials",
		}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := submitRequest(factory, validSubmitBody(t), "valid-token")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}

		var res welcomeSubmitResponse
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if res.Error != "อีเมลหรือรหัสผ่านไม่ถูกต้อง" {
			t.Errorf("error = %q, want translated message", res.Error)
		}
		if res.OK {
			t.Error("ok should be false on provider failure")
		}
	})

	t.Run("不正なボディは400を返す", func(t *testing.T) {
		stub := &welcomeProviderStub{userMetadata: map[string]any{}}
		_, factory := newProviderStub(t, stub.handler(t))

		h := newWelcomeHandler(t, nil)
		req := submitRequest(factory, bytes.NewBufferString("{not json"), "valid-token")
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}
