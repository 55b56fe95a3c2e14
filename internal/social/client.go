package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/linkbox/internal/model"
)

// maxPageSize はMastodon APIが1リクエストで返す最大件数。
const maxPageSize = 40

// HTTPClientFactory はSSRF防止付きHTTPクライアントを生成する。
// security.SSRFGuardServiceが満たす。
type HTTPClientFactory interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Client はMastodon互換サーバーのREST APIクライアント。
// サーバーごとにrate.Limiterを持ち、同一サーバーへのリクエスト間隔を制限する。
type Client struct {
	http     *http.Client
	guard    HTTPClientFactory
	logger   *slog.Logger
	rps      float64
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient はClientを生成する。
func NewClient(guard HTTPClientFactory, logger *slog.Logger, timeout time.Duration, maxBodySize int64, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Client{
		http:     guard.NewSafeClient(timeout, maxBodySize),
		guard:    guard,
		logger:   logger,
		rps:      requestsPerSecond,
		limiters: make(map[string]*rate.Limiter),
	}
}

// VerifyCredentials はアカウントの資格情報が有効かを確認し、アカウント情報を返す。
func (c *Client) VerifyCredentials(ctx context.Context, acct *model.SourceAccount) (*Account, error) {
	var account Account
	if err := c.get(ctx, acct, "/api/v1/accounts/verify_credentials", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Statuses はcursorより新しい投稿をID昇順で最大limit件返す遅延シーケンス。
// cursorが空の場合は最新のlimit件を返す。
// 途中でエラーが発生した場合はエラーを1回yieldして終了する。
func (c *Client) Statuses(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, cursor string, limit int) iter.Seq2[Status, error] {
	return func(yield func(Status, error) bool) {
		path, params, err := timelineEndpoint(tl)
		if err != nil {
			yield(Status{}, err)
			return
		}
		if limit <= 0 {
			limit = maxPageSize
		}

		remaining := limit
		current := cursor
		for remaining > 0 {
			pageSize := min(remaining, maxPageSize)
			q := cloneValues(params)
			q.Set("limit", strconv.Itoa(pageSize))
			if current != "" {
				// min_idはcursor直後の投稿から返すため取りこぼしがない
				q.Set("min_id", current)
			}

			var page []apiStatus
			if err := c.get(ctx, acct, path, q, &page); err != nil {
				yield(Status{}, err)
				return
			}

			slices.SortFunc(page, func(a, b apiStatus) int { return CompareIDs(a.ID, b.ID) })
			for i := range page {
				if current != "" && CompareIDs(page[i].ID, current) <= 0 {
					continue
				}
				if !yield(page[i].toStatus(), nil) {
					return
				}
				current = page[i].ID
				remaining--
				if remaining == 0 {
					return
				}
			}

			// 初回（cursorなし）は最新ページだけを対象にする
			if cursor == "" || len(page) < pageSize {
				return
			}
		}
	}
}

// timelineEndpoint はタイムライン種類に対応するAPIパスとクエリを返す。
// ValidateTimeline はタイムラインの種類と設定でAPIを呼び出せるかを検証する。
func ValidateTimeline(tl *model.Timeline) error {
	_, _, err := timelineEndpoint(tl)
	return err
}

func timelineEndpoint(tl *model.Timeline) (string, url.Values, error) {
	q := url.Values{}
	switch tl.Type {
	case model.TimelineHome:
		return "/api/v1/timelines/home", q, nil
	case model.TimelineLocal:
		q.Set("local", "true")
		return "/api/v1/timelines/public", q, nil
	case model.TimelinePublic:
		return "/api/v1/timelines/public", q, nil
	case model.TimelineHashtag:
		tag := strings.TrimPrefix(tl.Config.Tag, "#")
		if tag == "" {
			return "", nil, model.NewPermanentConfigError(errors.New("ハッシュタグが設定されていません"))
		}
		return "/api/v1/timelines/tag/" + url.PathEscape(tag), q, nil
	case model.TimelineList:
		if tl.Config.ListID == "" {
			return "", nil, model.NewPermanentConfigError(errors.New("リストIDが設定されていません"))
		}
		return "/api/v1/timelines/list/" + url.PathEscape(tl.Config.ListID), q, nil
	default:
		return "", nil, model.NewPermanentConfigError(fmt.Errorf("未知のタイムライン種類: %s", tl.Type))
	}
}

// get はAPIを呼び出してJSONをoutにデコードする。
func (c *Client) get(ctx context.Context, acct *model.SourceAccount, path string, q url.Values, out any) error {
	base, err := serverBaseURL(acct.Server)
	if err != nil {
		return model.NewPermanentConfigError(err)
	}
	endpoint := base + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	if err := c.guard.ValidateURL(endpoint); err != nil {
		return model.NewPermanentConfigError(fmt.Errorf("SSRF検証に失敗: %w", err))
	}

	if err := c.limiter(acct.ServerHost()).Wait(ctx); err != nil {
		return model.NewTransientError(0, fmt.Errorf("レート制限の待機に失敗: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.NewPermanentConfigError(fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if acct.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+acct.Credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return model.NewTransientError(0, fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	c.logger.Debug("ソーシャルAPIを呼び出しました",
		slog.String("server", acct.ServerHost()),
		slog.String("path", path),
		slog.Int("http_status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NewTransientError(resp.StatusCode, fmt.Errorf("レスポンスのデコードに失敗: %w", err))
	}
	return nil
}

// classifyStatus はHTTPステータスを失敗種別に変換する。2xxならnil。
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code <= 299 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("HTTPステータス %d: %s", code, strings.TrimSpace(string(body)))

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.NewAuthExpiredError(code, err)
	case code == http.StatusBadRequest || code == http.StatusNotFound ||
		code == http.StatusGone || code == http.StatusUnprocessableEntity:
		return &model.SourceError{Kind: model.ErrorKindPermanentConfig, StatusCode: code, Err: err}
	default:
		return model.NewTransientError(code, err)
	}
}

// limiter はサーバーごとのrate.Limiterを返す。
func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), 1)
		c.limiters[host] = l
	}
	return l
}

// serverBaseURL はServerの値からAPIのベースURLを組み立てる。スキームがなければhttpsを補う。
func serverBaseURL(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("サーバーが設定されていません")
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("サーバーURLが不正です: %s", server)
	}
	return u.Scheme + "://" + u.Host, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
