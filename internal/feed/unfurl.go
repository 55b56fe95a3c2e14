package feed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/linkbox/internal/model"
)

// feedContentTypes はフィードとして認識するContent-Type。
var feedContentTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"application/feed+json": true,
}

// xmlContentTypes はボディを見ないとフィードか判定できないContent-Type。
var xmlContentTypes = map[string]bool{
	"text/xml":        true,
	"application/xml": true,
}

// Unfurler はブックマーク対象ページのメタデータを取得する。
// ページが告知するフィードのURLもここで拾い、ブックマークのfeed_urlに使う。
type Unfurler struct {
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewUnfurler はUnfurlerの新しいインスタンスを生成する。
func NewUnfurler(ssrfGuard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Unfurler {
	return &Unfurler{
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Unfurl はURLを取得してタイトル、説明、画像、著者、フィードを抽出する。
// URL自体がフィードの場合はそれをFeedとして返す。
func (u *Unfurler) Unfurl(ctx context.Context, rawURL string) (*model.UnfurlMetadata, error) {
	if err := u.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "linkbox/1.0 unfurler")
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/rss+xml, application/atom+xml, */*")

	resp, err := u.ssrfGuard.NewSafeClient(u.timeout, u.maxBodySize).Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := readLimited(resp.Body, u.maxBodySize)
	if err != nil {
		return nil, err
	}

	// 最終的なURL（リダイレクト後）を相対URL解決の基準にする
	base := resp.Request.URL
	contentType := resp.Header.Get("Content-Type")

	if IsDirectFeed(contentType, body) {
		meta := &model.UnfurlMetadata{
			Feed:  base.String(),
			Feeds: []string{base.String()},
		}
		if parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body)); err == nil {
			meta.Title = strings.TrimSpace(parsed.Title)
			meta.Description = strings.TrimSpace(parsed.Description)
		}
		return meta, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗: %w", err)
	}

	meta := ExtractMetadata(doc, base)
	u.logger.Info("ページのメタデータを取得しました",
		slog.String("url", rawURL),
		slog.Int("feeds", len(meta.Feeds)),
	)
	return meta, nil
}

// IsDirectFeed はContent-Typeとボディからレスポンスがフィードかどうかを判定する。
func IsDirectFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	if feedContentTypes[mediaType] {
		return true
	}
	if !xmlContentTypes[mediaType] || len(body) == 0 {
		return false
	}
	return isRSSOrAtomXML(body)
}

// isRSSOrAtomXML はXMLボディの先頭4KBを見てRSS/Atomかを判定する。
func isRSSOrAtomXML(body []byte) bool {
	checkSize := min(len(body), 4096)
	prefix := strings.ToLower(string(body[:checkSize]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// ExtractMetadata はHTML文書からメタデータを抽出する。
// Open Graphを優先し、なければ標準のmeta要素やtitle要素を使う。
func ExtractMetadata(doc *goquery.Document, base *url.URL) *model.UnfurlMetadata {
	meta := &model.UnfurlMetadata{}

	meta.Title = firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	meta.Description = firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="description"]`),
	)
	if img := firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	); img != "" {
		meta.Image = resolveURL(base, img)
	}
	meta.Author = firstNonEmpty(
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
	)

	extra := map[string]any{}
	if site := metaContent(doc, `meta[property="og:site_name"]`); site != "" {
		extra["site_name"] = site
	}
	if typ := metaContent(doc, `meta[property="og:type"]`); typ != "" {
		extra["type"] = typ
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && canonical != "" {
		extra["canonical"] = resolveURL(base, canonical)
	}
	if len(extra) > 0 {
		meta.Extra = extra
	}

	candidates := feedCandidates(doc, base)
	for _, c := range candidates {
		meta.Feeds = append(meta.Feeds, c.URL)
	}
	if best := selectBestFeed(candidates, base.Hostname()); best != nil {
		meta.Feed = best.URL
	}

	return meta
}

// feedCandidate はHTMLのlink要素から見つかったフィード候補を表す。
type feedCandidate struct {
	URL  string
	Type string
}

// feedCandidates はrel="alternate"でフィードのtypeを持つlink要素を文書順に返す。
// 同じURLは1回だけ返す。
func feedCandidates(doc *goquery.Document, base *url.URL) []feedCandidate {
	var candidates []feedCandidate
	seen := map[string]bool{}

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		if !containsString(rel, "alternate") {
			return
		}
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		if !feedContentTypes[typ] {
			return
		}
		resolved := resolveURL(base, s.AttrOr("href", ""))
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		candidates = append(candidates, feedCandidate{URL: resolved, Type: typ})
	})

	return candidates
}

// selectBestFeed は候補から1つを選ぶ。
// 優先順位: 同一ホスト > Atom > 文書内で先
func selectBestFeed(candidates []feedCandidate, pageHost string) *feedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	bestIdx := 0
	bestScore := -1
	for i, c := range candidates {
		score := 0
		if strings.EqualFold(extractHost(c.URL), pageHost) {
			score += 100
		}
		if c.Type == "application/atom+xml" {
			score += 10
		}
		// 同点の場合は先の候補を残す
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(strings.TrimSpace(rawRef))
	if err != nil || rawRef == "" {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
