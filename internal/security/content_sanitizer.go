package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ContentSanitizerService はフィードエントリのsummaryを保存前にサニタイズする。
type ContentSanitizerService interface {
	// Sanitize は許可リスト外のタグと属性を除去した安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string

	// SanitizeSummary はSanitizeの結果がmaxRunesを超える場合、
	// プレーンテキストに落としてmaxRunes以内に切り詰める。
	SanitizeSummary(rawHTML string, maxRunes int) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemonday.Policyはスレッドセーフなので1インスタンスを共有する。
type contentSanitizer struct {
	policy *bluemonday.Policy
	text   *TextExtractor
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em。
// インボックスのプレビュー用途のため画像は許可しない。
// aタグはhttp/httpsの絶対URLのみで、target="_blank"とrel="noopener noreferrer"を付与する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
		text:   NewTextExtractor(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// SanitizeSummary はサニタイズ済みHTMLを返す。長すぎる場合は切り詰めたテキストを返す。
func (s *contentSanitizer) SanitizeSummary(rawHTML string, maxRunes int) string {
	sanitized := s.Sanitize(rawHTML)
	if maxRunes <= 0 || utf8.RuneCountInString(sanitized) <= maxRunes {
		return sanitized
	}
	// HTMLの途中で切るとタグが壊れるため、テキスト化してから切り詰める
	return html.EscapeString(Truncate(s.text.Extract(rawHTML), maxRunes))
}
