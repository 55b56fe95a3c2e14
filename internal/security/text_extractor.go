package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// blockElements はテキスト化の際に前後を空白で区切る要素。
var blockElements = map[string]bool{
	"p": true, "br": true, "div": true, "li": true,
	"blockquote": true, "pre": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true,
}

// TextExtractor はソーシャル投稿本文などのHTML断片からプレーンテキストを取り出す。
// インボックスのタイトル合成に使われる。
type TextExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorを生成する。
// 前段のbluemondayでscript/styleとその内容、全属性を落とし、
// 段落境界だけを残してからx/net/htmlのトークナイザでテキスト化する。
func NewTextExtractor() *TextExtractor {
	p := bluemonday.NewPolicy()
	for name := range blockElements {
		p.AllowElements(name)
	}
	return &TextExtractor{policy: p}
}

// Extract はHTML断片からテキストを取り出す。
// 文字参照はデコードされ、連続する空白は1つにまとめられる。
func (e *TextExtractor) Extract(fragment string) string {
	if fragment == "" {
		return ""
	}
	cleaned := e.policy.Sanitize(fragment)

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(cleaned))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF以外のエラーでもそこまでのテキストを返す
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockElements[string(name)] {
				b.WriteByte(' ')
			}
		}
	}
}

// Truncate はsをmaxRunes文字以内に切り詰める。切り詰めた場合は末尾を"…"にする。
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	if maxRunes == 1 {
		return "…"
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
