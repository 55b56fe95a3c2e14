// Package delivery はソースから届いたエントリをユーザーごとのインボックスへ配送する。
//
// 配送は2段階で行う。Stage 1 は購読者を解決してユーザーごとのジョブを積み、
// Stage 2 はユーザー単位で重複を除いてからインボックスに一括挿入する。
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/social"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

// Job はStage 2で1ユーザーに配送する単位。
// Candidatesは同じエントリ集合を受け取る全ユーザーで共有されるため変更してはならない。
type Job struct {
	UserID     string
	Source     string
	SourceType string
	Candidates []inbox.Candidate
}

// Submitter はジョブをワーカープールに積む。queue.Poolが実装する。
type Submitter interface {
	Submit(job queue.Job) bool
}

// SubscriberLister はフィードURLを参照するブックマークを持つユーザーを返す。
type SubscriberLister interface {
	SubscribersOfFeed(ctx context.Context, feedURL string) ([]string, error)
}

// Deliverer はStage 2のジョブを実行する。Executorが実装する。
type Deliverer interface {
	Deliver(ctx context.Context, job Job) (int, error)
}

// 配送ジョブの既定の試行回数と待機間隔。
// Stage 2は既存行の確認とON CONFLICT DO NOTHINGで冪等なので、ストア障害は同じジョブを繰り返せばよい。
const (
	defaultDeliverAttempts = 3
	defaultDeliverBackoff  = 2 * time.Second
)

// Router はStage 1のファンアウトを行う。
type Router struct {
	subscribers SubscriberLister
	deliverer   Deliverer
	submitter   Submitter
	logger      *slog.Logger
	attempts    int
	backoff     time.Duration
}

// RouterOption はRouterの設定を変更する。
type RouterOption func(*Router)

// WithDeliverRetry は配送ジョブの試行回数と、n回目の失敗後に待つ間隔（backoff×n）を設定する。
func WithDeliverRetry(attempts int, backoff time.Duration) RouterOption {
	return func(r *Router) {
		r.attempts = max(attempts, 1)
		r.backoff = backoff
	}
}

// NewRouter は新しいRouterを生成する。
func NewRouter(subscribers SubscriberLister, deliverer Deliverer, submitter Submitter, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		subscribers: subscribers,
		deliverer:   deliverer,
		submitter:   submitter,
		logger:      logger,
		attempts:    defaultDeliverAttempts,
		backoff:     defaultDeliverBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FeedSubscribers はフィードの購読者を返す。
// ポーラーはアイテムを保存する前にこれを呼び、解決できなければ保存せずに次回へ回す。
func (r *Router) FeedSubscribers(ctx context.Context, feedURL string) ([]string, error) {
	users, err := r.subscribers.SubscribersOfFeed(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	return users, nil
}

// RouteFeedEntries はフィードの新着アイテムを購読者ごとのStage 2ジョブとして積み、積んだジョブ数を返す。
func (r *Router) RouteFeedEntries(ctx context.Context, feedURL string, items []*model.FeedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	users, err := r.FeedSubscribers(ctx, feedURL)
	if err != nil {
		return 0, err
	}
	return r.EnqueueFeedEntries(feedURL, users, items), nil
}

// EnqueueFeedEntries は解決済みの購読者ごとにStage 2ジョブを積み、積んだジョブ数を返す。
func (r *Router) EnqueueFeedEntries(feedURL string, users []string, items []*model.FeedItem) int {
	if len(items) == 0 {
		return 0
	}
	candidates := FeedCandidates(items)
	source := model.FeedSourceDescriptor(feedURL)
	enqueued := 0
	for _, userID := range users {
		if r.enqueue(Job{UserID: userID, Source: source, SourceType: model.SourceTypeFeed, Candidates: candidates}) {
			enqueued++
		}
	}

	r.logger.Info("フィードの新着を配送キューに積みました",
		slog.String("feed_url", feedURL),
		slog.Int("items", len(items)),
		slog.Int("subscribers", len(users)),
		slog.Int("jobs", enqueued),
	)
	return enqueued
}

// RouteStatus はステータスに含まれる外部リンクを所有ユーザーへのStage 2ジョブとして積む。
// 外部リンクを含まないステータスは何もせずfalseを返す。
func (r *Router) RouteStatus(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, status social.Status) bool {
	candidates := StatusCandidates(status)
	if len(candidates) == 0 {
		return false
	}
	return r.enqueue(Job{
		UserID:     acct.UserID,
		Source:     model.TimelineSourceDescriptor(acct, tl),
		SourceType: acct.Kind,
		Candidates: candidates,
	})
}

func (r *Router) enqueue(job Job) bool {
	ok := r.submitter.Submit(queue.Job{
		Kind: queue.KindDeliverToUser,
		Run: func(ctx context.Context) error {
			return r.deliverWithRetry(ctx, job)
		},
	})
	if !ok {
		r.logger.Warn("配送ジョブを積めませんでした",
			slog.String("user_id", job.UserID),
			slog.String("source", job.Source),
		)
	}
	return ok
}

// deliverWithRetry はStage 2を最大attempts回試す。コンテキストが終了したら待たずに諦める。
func (r *Router) deliverWithRetry(ctx context.Context, job Job) error {
	for attempt := 1; ; attempt++ {
		_, err := r.deliverer.Deliver(ctx, job)
		if err == nil {
			return nil
		}
		if attempt >= r.attempts || ctx.Err() != nil {
			return fmt.Errorf("配送を%d回試みましたが失敗しました: %w", attempt, err)
		}
		r.logger.Warn("配送に失敗したため再試行します",
			slog.String("user_id", job.UserID),
			slog.String("source", job.Source),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(r.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("配送の再試行を中断しました: %w", err)
		case <-timer.C:
		}
	}
}

// FeedCandidates はフィードアイテムをソース順のインボックス候補に変換する。
func FeedCandidates(items []*model.FeedItem) []inbox.Candidate {
	candidates := make([]inbox.Candidate, 0, len(items))
	for _, item := range items {
		if item.Link == "" {
			continue
		}
		candidates = append(candidates, inbox.Candidate{
			URL:          item.Link,
			PreviewTitle: item.Title,
			Text:         item.Summary,
			Description:  item.Summary,
			Metadata: model.InboxMetadata{
				FeedItemGUID: item.GUID,
				Published:    item.Date,
			},
		})
	}
	return candidates
}

// StatusCandidates はステータス内の外部リンクごとにインボックス候補を作る。
// リンクプレビューのタイトルと説明はプレビュー対象のリンクにのみ適用する。
func StatusCandidates(status social.Status) []inbox.Candidate {
	candidates := make([]inbox.Candidate, 0, len(status.Links))
	for _, link := range status.Links {
		c := inbox.Candidate{
			URL:      link,
			Text:     status.HTML,
			Hashtags: status.Hashtags,
			Metadata: model.InboxMetadata{
				UpstreamStatusID:  status.ID,
				UpstreamStatusURL: status.URL,
				Author:            status.Author,
				Published:         timePtr(status.CreatedAt),
			},
		}
		if status.PreviewURL != "" && link == status.PreviewURL {
			c.PreviewTitle = status.PreviewTitle
			c.Description = status.PreviewDescription
		}
		candidates = append(candidates, c)
	}
	return candidates
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
