// Package feed はRSS/Atomフィードの取得とWebページのメタデータ取得を提供する。
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/linkbox/internal/model"
)

// maxSummaryRunes はFeedItem.Summaryに保存する最大文字数。
const maxSummaryRunes = 2000

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテストでhttptestサーバーに接続できるようにする。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// SummarySanitizer はエントリのsummaryを保存前にサニタイズする。
type SummarySanitizer interface {
	SanitizeSummary(rawHTML string, maxRunes int) string
}

// FetchResult は1回のフェッチ結果を表す。
type FetchResult struct {
	// NotModified は条件付きGETで304が返ったことを示す。Entriesは空。
	NotModified  bool
	StatusCode   int
	Title        string
	ETag         string
	LastModified string
	// Entries はフィード文書内の順序を保つ。
	Entries []model.ParsedEntry
}

// Fetcher はフィードのHTTPフェッチとパースを行う。
// 再試行は行わず、次回のポーリングに任せる。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	sanitizer   SummarySanitizer
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	ssrfGuard SSRFValidator,
	sanitizer SummarySanitizer,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードを条件付きGETで取得してパースする。
// 保存済みのETag/Last-Modifiedを送信し、304の場合はNotModifiedを返す。
// 2xx以外、タイムアウト、パース失敗はtransientのSourceErrorを返す。
// SSRF検証に失敗したURLはpermanent_configのSourceErrorを返す。
func (f *Fetcher) Fetch(ctx context.Context, feed *model.Feed) (*FetchResult, error) {
	start := time.Now()

	if err := f.ssrfGuard.ValidateURL(feed.URL); err != nil {
		return nil, model.NewPermanentConfigError(fmt.Errorf("SSRF検証に失敗: %w", err))
	}

	req, err := f.newRequest(ctx, feed.URL)
	if err != nil {
		return nil, model.NewPermanentConfigError(err)
	}
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewTransientError(0, fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return &FetchResult{
			NotModified:  true,
			StatusCode:   resp.StatusCode,
			ETag:         feed.ETag,
			LastModified: feed.LastModified,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewTransientError(resp.StatusCode,
			fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode))
	}

	body, err := readLimited(resp.Body, f.maxBodySize)
	if err != nil {
		return nil, model.NewTransientError(resp.StatusCode, err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, model.NewTransientError(resp.StatusCode, fmt.Errorf("フィードのパースに失敗: %w", err))
	}

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		Title:        strings.TrimSpace(parsed.Title),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Entries:      f.convertItems(parsed.Items),
	}

	f.logger.Info("フィードを取得しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("entries", len(result.Entries)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return result, nil
}

// TestConnection はフィードURLに条件なしGETを送り、パース可能な応答が得られるかを確認する。
// ヘルスポリシーが無効化の可否を判断するために使う。
func (f *Fetcher) TestConnection(ctx context.Context, feedURL string) error {
	if err := f.ssrfGuard.ValidateURL(feedURL); err != nil {
		return model.NewPermanentConfigError(fmt.Errorf("SSRF検証に失敗: %w", err))
	}

	req, err := f.newRequest(ctx, feedURL)
	if err != nil {
		return model.NewPermanentConfigError(err)
	}

	resp, err := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize).Do(req)
	if err != nil {
		return model.NewTransientError(0, fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.NewTransientError(resp.StatusCode,
			fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode))
	}

	body, err := readLimited(resp.Body, f.maxBodySize)
	if err != nil {
		return model.NewTransientError(resp.StatusCode, err)
	}
	if _, err := gofeed.NewParser().Parse(bytes.NewReader(body)); err != nil {
		return model.NewTransientError(resp.StatusCode, fmt.Errorf("フィードのパースに失敗: %w", err))
	}
	return nil
}

func (f *Fetcher) newRequest(ctx context.Context, feedURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "linkbox/1.0 feed fetcher")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, */*")
	return req, nil
}

// readLimited はmaxBytesを超えるボディをエラーにする。
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.New("レスポンスが上限サイズを超えています")
	}
	return body, nil
}

// convertItems はgofeedの記事をmodel.ParsedEntryに変換する。
// キーはguid、なければlink。どちらもない記事は捨てる。
// 日付はpublished、なければupdatedをUTCで使う。
func (f *Fetcher) convertItems(items []*gofeed.Item) []model.ParsedEntry {
	entries := make([]model.ParsedEntry, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		link := strings.TrimSpace(item.Link)
		guid := strings.TrimSpace(item.GUID)
		if link == "" && isHTTPURL(guid) {
			link = guid
		}
		if guid == "" {
			guid = link
		}
		if guid == "" {
			continue
		}

		summary := item.Description
		if summary == "" {
			summary = item.Content
		}
		if f.sanitizer != nil {
			summary = f.sanitizer.SanitizeSummary(summary, maxSummaryRunes)
		}

		entry := model.ParsedEntry{
			GUID:    guid,
			Link:    link,
			Title:   strings.TrimSpace(item.Title),
			Summary: summary,
		}

		switch {
		case item.PublishedParsed != nil:
			t := item.PublishedParsed.UTC()
			entry.Date = &t
		case item.UpdatedParsed != nil:
			t := item.UpdatedParsed.UTC()
			entry.Date = &t
		}

		entries = append(entries, entry)
	}

	return entries
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
