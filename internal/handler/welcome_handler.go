package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongsalt/symposium2023/internal/form"
	"github.com/ongsalt/symposium2023/internal/identity"
	"github.com/ongsalt/symposium2023/internal/locale"
	"github.com/ongsalt/symposium2023/internal/middleware"
	"github.com/ongsalt/symposium2023/internal/model"
	"github.com/ongsalt/symposium2023/internal/security"
)

// ValidationRecorder は検証失敗のメトリクス記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type ValidationRecorder interface {
	RecordValidationFailure(field string)
}

// WelcomeHandler は初期設定（プロフィール登録）フローのHTTPハンドラー。
type WelcomeHandler struct {
	schema    *form.WelcomeSchema
	sanitizer security.ProfileSanitizerService
	metrics   ValidationRecorder
}

// NewWelcomeHandler はWelcomeHandlerを生成する。metricsはnil可。
func NewWelcomeHandler(schema *form.WelcomeSchema, sanitizer security.ProfileSanitizerService, metrics ValidationRecorder) *WelcomeHandler {
	return &WelcomeHandler{
		schema:    schema,
		sanitizer: sanitizer,
		metrics:   metrics,
	}
}

// welcomeLoadResponse は初期設定ページ読み込みのレスポンス。
type welcomeLoadResponse struct {
	Form                   *form.State `json:"form"`
	IsUserSetupDoneAlready bool        `json:"isUserSetupDoneAlready"`
}

// welcomeSubmitResponse は初期設定フォーム送信のレスポンス。
type welcomeSubmitResponse struct {
	Form  *form.State `json:"form"`
	OK    bool        `json:"ok,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Load は初期設定ページの表示に必要なデータを返す。
// GET /welcome
//
// セッション必須。既存のメタデータでフォームを事前入力し、
// プロフィール必須項目がすべて揃っているかのフラグを添える。
// 事前入力時の検証は参考情報であり、失敗してもエラーにしない。
func (h *WelcomeHandler) Load(w http.ResponseWriter, r *http.Request) {
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

	// セッションを明示的にリフレッシュする。
	// 失敗しても取得済みのセッションで処理を継続できるため、ログのみ残す。
	if _, refreshErr := sc.Client.RefreshSession(r.Context()); refreshErr != nil {
		slog.Warn("session refresh failed", slog.String("error", refreshErr.Error()))
	}

	state := h.schema.Prefill(session.User)

	sc.Client.FilterProviderHeaders(w.Header())
	writeJSON(w, http.StatusOK, welcomeLoadResponse{
		Form:                   state,
		IsUserSetupDoneAlready: session.User.IsSetupDone(),
	})
}

// Submit は初期設定フォームの送信を処理する。
// POST /welcome
//
// セッション必須。検証に失敗した場合は400と項目別エラーを返し、
// 何も変更しない。成功した場合はプロフィール項目を既存メタデータに
// マージし、パスワードとあわせて1回の呼び出しでプロバイダーに保存する。
func (h *WelcomeHandler) Submit(w http.ResponseWriter, r *http.Request) {
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

	f, err := parseWelcomeForm(r)
	if err != nil {
		slog.Warn("failed to parse welcome form", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationFailedError())
		return
	}

	state := h.schema.Validate(f)
	if !state.Valid {
		if h.metrics != nil {
			for field := range state.Errors {
				h.metrics.RecordValidationFailure(field)
			}
		}
		f.ClearPasswords()
		writeJSON(w, http.StatusBadRequest, welcomeSubmitResponse{Form: state})
		return
	}

	// 保存前にプロフィール項目からマークアップを除去する
	h.sanitizeProfileFields(f)

	merged := model.MergeMetadata(session.User.Metadata, f.ProfileMetadata())
	_, err = sc.Client.UpdateUser(r.Context(), identity.UserAttributes{
		Data:     merged,
		Password: f.Password,
	})
	if err != nil {
		slog.Error("failed to update user", slog.String("error", err.Error()))
		f.ClearPasswords()
		writeJSON(w, http.StatusInternalServerError, welcomeSubmitResponse{
			Form:  state,
			Error: providerErrorMessage(err),
		})
		return
	}

	f.ClearPasswords()
	sc.Client.FilterProviderHeaders(w.Header())
	writeJSON(w, http.StatusOK, welcomeSubmitResponse{Form: state, OK: true})
}

// sanitizeProfileFields はメタデータとして保存されるテキスト項目を
// サニタイズする。パスワードは対象外。
func (h *WelcomeHandler) sanitizeProfileFields(f *form.WelcomeForm) {
	f.TitleTH = h.sanitizer.SanitizeText(f.TitleTH)
	f.TitleEN = h.sanitizer.SanitizeText(f.TitleEN)
	f.FirstnameTH = h.sanitizer.SanitizeText(f.FirstnameTH)
	f.FirstnameEN = h.sanitizer.SanitizeText(f.FirstnameEN)
	f.LastnameTH = h.sanitizer.SanitizeText(f.LastnameTH)
	f.LastnameEN = h.sanitizer.SanitizeText(f.LastnameEN)
	f.Phone = h.sanitizer.SanitizeText(f.Phone)
}

// parseWelcomeForm はリクエストボディからフォームを読み取る。
// JSONとフォームエンコードの両方に対応する。
func parseWelcomeForm(r *http.Request) (*form.WelcomeForm, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var f form.WelcomeForm
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return nil, err
		}
		return &f, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &form.WelcomeForm{
		TitleTH:        r.PostFormValue("title_th"),
		TitleEN:        r.PostFormValue("title_en"),
		FirstnameTH:    r.PostFormValue("firstname_th"),
		FirstnameEN:    r.PostFormValue("firstname_en"),
		LastnameTH:     r.PostFormValue("lastname_th"),
		LastnameEN:     r.PostFormValue("lastname_en"),
		Phone:          r.PostFormValue("phone"),
		Password:       r.PostFormValue("password"),
		RetypePassword: r.PostFormValue("retype_password"),
	}, nil
}

// providerErrorMessage はプロバイダーエラーからユーザー向けメッセージを組み立てる。
// 既知のメッセージはタイ語に翻訳し、未知のメッセージはそのまま返す。
func providerErrorMessage(err error) string {
	var perr *identity.ProviderError
	if errors.As(err, &perr) {
		return locale.Translate(perr.Message)
	}
	return locale.Translate("fetch failed")
}
