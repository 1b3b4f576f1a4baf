// Package locale はタイ語ロケール向けの翻訳・整形ヘルパーを提供する。
// 状態を持たない純粋関数のみで構成される。
package locale

import (
	"strings"
	"time"

	"github.com/goodsign/monday"
)

// DefaultDateLayout はFormatDateのデフォルトレイアウト（日 月名 年）。
const DefaultDateLayout = "2 January 2006"

// sentences は既知の英語メッセージからタイ語訳への静的辞書。
// プロセス全体で共有されるリードオンリーのマップ。
var sentences = map[string]string{
	"fetch failed":              "ไม่สามารถเข้าถึงเซิร์ฟเวอร์ได้ โปรดตรวจสอบการเชื่อมต่ออินเตอร์เน็ต",
	"Invalid login credentials": "อีเมลหรือรหัสผ่านไม่ถูกต้อง",
}

// Translate は既知のメッセージをタイ語訳に変換する。
// 辞書にないメッセージはエラーとせず、そのまま返す。
func Translate(message string) string {
	if translated, ok := sentences[message]; ok {
		return translated
	}
	return message
}

// FormatList は文字列のリストをタイ語の接続詞付きの1つの文字列に整形する。
// 例: ["แอปเปิ้ล", "มะละกอ", "กล้วย", "ส้ม"] -> "แอปเปิ้ล มะละกอ กล้วย และส้ม"
// 要素が1つの場合はそのまま、空の場合は空文字列を返す。
func FormatList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	head := strings.Join(items[:len(items)-1], " ")
	return head + " และ" + items[len(items)-1]
}

// FormatDate は日時をタイ語ロケールの文字列に整形する。
// layoutが空の場合はDefaultDateLayout（例: 1 มกราคม 2021）を使用する。
// ゼロ値の日時には空文字列を返す。
func FormatDate(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	return monday.Format(t, layout, monday.LocaleThTH)
}

// FormatDateFromText はISO 8601形式の日付文字列を解析し、FormatDateに委譲する。
// 解析できない入力には空文字列を返す。
func FormatDateFromText(isoText, layout string) string {
	t, err := parseISODate(isoText)
	if err != nil {
		return ""
	}
	return FormatDate(t, layout)
}

// parseISODate はISO 8601の日時または日付のみの文字列を解析する。
func parseISODate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
