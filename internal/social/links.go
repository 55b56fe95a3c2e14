package social

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// excludedPathPrefixes はサーバー内部のページ（メンション、ハッシュタグ、Web UI、ユーザー）を指すパス。
var excludedPathPrefixes = []string{"@", "/@", "/tags/", "/web/", "/users/"}

// ExtractLinks は投稿HTMLのa要素から外部リンクを抽出し、extraのURLを後ろに加える。
// http(s)以外のスキームとサーバー内部パスは除外する。重複は最初の出現だけを残す。
func ExtractLinks(html string, extra ...string) []string {
	var links []string
	seen := map[string]bool{}

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if !isExternalLink(raw) || seen[raw] {
			return
		}
		seen[raw] = true
		links = append(links, raw)
	}

	if strings.TrimSpace(html) != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err == nil {
			doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
				add(s.AttrOr("href", ""))
			})
		}
	}
	for _, raw := range extra {
		add(raw)
	}

	return links
}

func isExternalLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	for _, prefix := range excludedPathPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return false
		}
	}
	return true
}
