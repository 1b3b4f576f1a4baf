// Package model はドメインモデルを定義する。
package model

import "time"

// RoleAnon はロール未設定ユーザーのデフォルトロール。
const RoleAnon = "anon"

// MetadataRoleKey はユーザーメタデータ内のロールを保持するキー。
const MetadataRoleKey = "role"

// ProfileFieldKeys は初期設定フォームで必須となるプロフィール項目のキー一覧。
// これらすべてがメタデータに存在する場合、初期設定は完了とみなす。
var ProfileFieldKeys = []string{
	"title_th",
	"title_en",
	"firstname_th",
	"firstname_en",
	"lastname_th",
	"lastname_en",
	"phone",
}

// User はIDプロバイダーが管理するユーザーを表す。
// Metadataにはプロフィール項目とロールがキーバリューで格納される。
type User struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Metadata  map[string]any `json:"user_metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Role はメタデータからロールを取得する。
// 未設定または文字列以外の場合はRoleAnonを返す。
func (u *User) Role() string {
	if u == nil || u.Metadata == nil {
		return RoleAnon
	}
	role, ok := u.Metadata[MetadataRoleKey].(string)
	if !ok || role == "" {
		return RoleAnon
	}
	return role
}

// IsSetupDone はプロフィール必須項目がすべてメタデータに存在するかを返す。
// 値の妥当性は検証せず、キーの存在のみを判定する。
func (u *User) IsSetupDone() bool {
	if u == nil || u.Metadata == nil {
		return false
	}
	for _, key := range ProfileFieldKeys {
		if _, ok := u.Metadata[key]; !ok {
			return false
		}
	}
	return true
}

// MetadataString はメタデータから文字列値を取得する。
// 未設定または文字列以外の場合は空文字列を返す。
func (u *User) MetadataString(key string) string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	v, _ := u.Metadata[key].(string)
	return v
}

// MergeMetadata は既存メタデータにupdatesをマージした新しいマップを返す。
// 既存のキーは保持し、同名キーのみupdatesの値で上書きする（非破壊的な部分更新）。
func MergeMetadata(existing map[string]any, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

// Session はIDプロバイダーが発行したログインセッションを表す。
// トークン一式と認証済みユーザーを保持する。
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}
