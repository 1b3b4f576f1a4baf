// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。メッセージはタイ語。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "กรุณาเข้าสู่ระบบก่อนใช้งาน",
		Category: "auth",
		Action:   "เข้าสู่ระบบแล้วลองใหม่อีกครั้ง",
	}
}

// NewValidationFailedError は入力値検証エラーを生成する。
func NewValidationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "ข้อมูลที่กรอกไม่ถูกต้อง",
		Category: "validation",
		Action:   "โปรดตรวจสอบข้อมูลในแต่ละช่องแล้วส่งใหม่อีกครั้ง",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログにのみ記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "เกิดข้อผิดพลาดภายในระบบ",
		Category: "system",
		Action:   "โปรดรอสักครู่แล้วลองใหม่อีกครั้ง",
	}
}
