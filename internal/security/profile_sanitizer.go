// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はフォームから送られたプロフィールのテキスト項目から
// HTMLを取り除く。プロフィールは他の管理画面でそのまま表示されるため、
// 保存前にマークアップを全て除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/makeemnow/internal/model"
)

// TextSanitizer はプレーンテキスト項目のサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// SanitizeText はタグを全て取り除き、前後の空白を除いた文字列を返す。
	// 実体参照は元の文字に戻すため、"O'Brien" はそのまま保存される。
	SanitizeText(s string) string

	// SanitizeProfile はプロフィールのテキスト項目をその場でサニタイズする。
	SanitizeProfile(p *model.Profile)
}

// ProfileSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはスレッドセーフで、全てのタグと属性を除去する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*ProfileSanitizer)(nil)

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はTextSanitizerを実装する。
func (s *ProfileSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}

// SanitizeProfile はTextSanitizerを実装する。
// email, uuid, photo はそれぞれ別の検証を通るため対象外。
func (s *ProfileSanitizer) SanitizeProfile(p *model.Profile) {
	if p == nil {
		return
	}
	for _, f := range []*string{
		&p.FirstName, &p.MiddleName, &p.LastName,
		&p.Address, &p.HouseNumber, &p.Street, &p.Suburb,
		&p.State, &p.Postcode, &p.Country,
	} {
		*f = s.SanitizeText(*f)
	}
}
