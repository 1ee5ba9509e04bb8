// Package security は日記本文の無害化と、外部URL取得時のSSRF防止を提供する。
package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	checkedValue = regexp.MustCompile(`^(true|false)$`)
	httpsURL     = regexp.MustCompile(`^https://[^\s]+$`)
)

// ContentSanitizer は日記本文のHTMLを許可リストに基づいて無害化する。
// リッチテキストエディタが出力する書式タグを残し、script、style、on*属性を除去する。
// 複数のゴルーチンから同時に使ってよい。
type ContentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// 許可するもの:
//   - 段落と改行: p, br, hr, div, span
//   - 見出し: h1, h2, h3
//   - 書式: strong, em, b, i, u, s, mark, code, pre, blockquote
//   - リスト: ul, ol, li
//   - リンク: aのhref（http, https, mailto）。target="_blank" と rel="noopener noreferrer" を付与
//   - 画像: imgのsrc（httpsのみ）とalt
//   - チェックリスト: liのdata-checked
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3",
		"strong", "em", "b", "i", "u", "s", "mark",
		"code", "pre", "blockquote",
		"ul", "ol", "li",
	)
	p.AllowAttrs("data-checked").Matching(checkedValue).OnElements("li")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https", "mailto")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src").Matching(httpsURL).OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &ContentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLを無害化する。同じ入力には常に同じ結果を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// PlainText はすべてのタグを取り除き、前後の空白を詰めたテキストを返す。
// フィードから取り込んだタイトルなど、書式を持たない項目に使う。
func (s *ContentSanitizer) PlainText(rawHTML string) string {
	return strings.TrimSpace(s.strict.Sanitize(rawHTML))
}
