package validation

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizer は氏名からHTMLと制御文字を取り除く。
// 氏名はバックエンドに送られ他の利用者の画面にも表示され得るため、タグは一切許可しない。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、制御文字を取り除き、空白を1つにまとめる。
// 同一入力に対して常に同一出力を返す。
func (s *NameSanitizer) Sanitize(name string) string {
	// StrictPolicyは&などをエスケープするので元に戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(name))

	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, cleaned)

	return strings.Join(strings.Fields(cleaned), " ")
}
