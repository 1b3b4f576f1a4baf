// Package form は初期設定フォームのスキーマ検証を提供する。
// 検証結果はリクエストスコープのFormStateとして返し、永続化しない。
package form

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ongsalt/symposium2023/internal/model"
)

// thaiPhonePattern はタイの電話番号パターン。
// 0または+66で始まり、2〜9の数字、その後7〜8桁の数字が続く。
var thaiPhonePattern = regexp.MustCompile(`^(0|\+66)[2-9][0-9]{7,8}$`)

// 検証エラーメッセージ（タイ語）
const (
	msgRequired         = "โปรดกรอกข้อมูลในช่องนี้"
	msgPhoneFormat      = "โปรดกรอกเฉพาะตัวเลข ไม่ต้องมีเครื่องหมายขีดหรือช่องว่าง"
	msgPasswordTooShort = "รหัสผ่านต้องยาวอย่างน้อย 8 ตัวอักษร"
	msgPasswordTooLong  = "รหัสผ่านต้องไม่ยาวกว่า 32 ตัวอักษร"
	msgPasswordMismatch = "รหัสผ่านไม่ตรงกัน"
	msgInvalid          = "ข้อมูลไม่ถูกต้อง"
)

// WelcomeForm は初期設定フォームの入力項目。
type WelcomeForm struct {
	TitleTH        string `json:"title_th" validate:"required"`
	TitleEN        string `json:"title_en" validate:"required"`
	FirstnameTH    string `json:"firstname_th" validate:"required"`
	FirstnameEN    string `json:"firstname_en" validate:"required"`
	LastnameTH     string `json:"lastname_th" validate:"required"`
	LastnameEN     string `json:"lastname_en" validate:"required"`
	Phone          string `json:"phone" validate:"required,thaiphone"`
	Password       string `json:"password" validate:"required,min=8,max=32"`
	RetypePassword string `json:"retype_password" validate:"required,min=8,max=32,eqfield=Password"`
}

// ProfileMetadata はメタデータとして保存する6つのプロフィール項目と
// 電話番号をマップとして返す。パスワードは含まない。
func (f *WelcomeForm) ProfileMetadata() map[string]any {
	return map[string]any{
		"title_th":     f.TitleTH,
		"title_en":     f.TitleEN,
		"firstname_th": f.FirstnameTH,
		"firstname_en": f.FirstnameEN,
		"lastname_th":  f.LastnameTH,
		"lastname_en":  f.LastnameEN,
		"phone":        f.Phone,
	}
}

// ClearPasswords はレスポンスに含めないようパスワード項目を消去する。
func (f *WelcomeForm) ClearPasswords() {
	f.Password = ""
	f.RetypePassword = ""
}

// State はフォーム1件分の検証結果。項目値と項目別エラーを対にする。
// リクエストごとに生成し、レスポンス後に破棄する。
type State struct {
	Valid  bool              `json:"valid"`
	Data   *WelcomeForm      `json:"data"`
	Errors map[string]string `json:"errors"`
}

// WelcomeSchema は初期設定フォームの検証ルール一式。
// 生成後はスレッドセーフに再利用できる。
type WelcomeSchema struct {
	validate *validator.Validate
}

// NewWelcomeSchema はWelcomeSchemaを生成する。
// 電話番号のカスタムルールとJSONタグによる項目名解決を登録する。
func NewWelcomeSchema() (*WelcomeSchema, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("thaiphone", func(fl validator.FieldLevel) bool {
		return thaiPhonePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	// エラーの項目名をJSONタグ名で報告する
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &WelcomeSchema{validate: v}, nil
}

// Validate はフォームを検証し、結果をStateとして返す。
// 検証エラーは項目名からタイ語メッセージへのマップに変換する。
func (s *WelcomeSchema) Validate(f *WelcomeForm) *State {
	state := &State{
		Data:   f,
		Errors: map[string]string{},
	}

	err := s.validate.Struct(f)
	if err == nil {
		state.Valid = true
		return state
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// 検証器自体の失敗は全項目エラーとして扱わず、フォーム全体を無効とする
		state.Errors["_form"] = msgInvalid
		return state
	}

	for _, fe := range verrs {
		field := fe.Field()
		if _, exists := state.Errors[field]; exists {
			// 項目ごとに最初のエラーのみ報告する
			continue
		}
		state.Errors[field] = messageFor(field, fe.Tag())
	}

	return state
}

// Prefill は既存のユーザーメタデータからフォームを事前入力し、
// 参考情報として検証した結果を返す。検証失敗でもエラーとしない。
func (s *WelcomeSchema) Prefill(user *model.User) *State {
	f := &WelcomeForm{
		TitleTH:     user.MetadataString("title_th"),
		TitleEN:     user.MetadataString("title_en"),
		FirstnameTH: user.MetadataString("firstname_th"),
		FirstnameEN: user.MetadataString("firstname_en"),
		LastnameTH:  user.MetadataString("lastname_th"),
		LastnameEN:  user.MetadataString("lastname_en"),
		Phone:       user.MetadataString("phone"),
	}
	return s.Validate(f)
}

// messageFor は項目と検証ルールの組からタイ語エラーメッセージを返す。
func messageFor(field, tag string) string {
	switch tag {
	case "required":
		return msgRequired
	case "thaiphone":
		return msgPhoneFormat
	case "min":
		return msgPasswordTooShort
	case "max":
		return msgPasswordTooLong
	case "eqfield":
		if field == "retype_password" {
			return msgPasswordMismatch
		}
		return msgInvalid
	default:
		return msgInvalid
	}
}
