package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/linkbox/internal/feed"
	"github.com/hitoshi/linkbox/internal/metrics"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

// FeedFetcher はフィードの取得と接続テストを行う。feed.Fetcherが実装する。
type FeedFetcher interface {
	Fetch(ctx context.Context, f *model.Feed) (*feed.FetchResult, error)
	TestConnection(ctx context.Context, feedURL string) error
}

// FeedRouter はフィードの新着アイテムを購読者へ配送する。delivery.Routerが実装する。
// 購読者の解決はアイテム保存より前に行う。保存後の差分は次回のポーリングでは得られないため。
type FeedRouter interface {
	FeedSubscribers(ctx context.Context, feedURL string) ([]string, error)
	EnqueueFeedEntries(feedURL string, users []string, items []*model.FeedItem) int
}

// Submitter はジョブをワーカープールに積む。queue.Poolが実装する。
type Submitter interface {
	Submit(job queue.Job) bool
}

// FeedPoller は1フィードのポーリングを行う。
// 行のリースを取得してからHTTP取得を行い、結果の保存は短い書き込みで済ませる。
type FeedPoller struct {
	feedRepo  repository.FeedRepository
	itemRepo  repository.FeedItemRepository
	fetcher   FeedFetcher
	router    FeedRouter
	submitter Submitter
	health    HealthPolicy
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewFeedPoller は新しいFeedPollerを生成する。
func NewFeedPoller(
	feedRepo repository.FeedRepository,
	itemRepo repository.FeedItemRepository,
	fetcher FeedFetcher,
	router FeedRouter,
	submitter Submitter,
	health HealthPolicy,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *FeedPoller {
	return &FeedPoller{
		feedRepo:  feedRepo,
		itemRepo:  itemRepo,
		fetcher:   fetcher,
		router:    router,
		submitter: submitter,
		health:    health,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Poll は指定フィードを1回ポーリングする。
// 上流の失敗はフィード行に記録してnilを返す。ストアの失敗のみエラーとして返す。
func (p *FeedPoller) Poll(ctx context.Context, feedID string) error {
	pollTime := p.now().UTC()

	f, err := p.lease(ctx, feedID, pollTime)
	if err != nil {
		return err
	}
	if f == nil {
		p.logger.Debug("ポーリング対象外のフィードをスキップしました", slog.String("feed_id", feedID))
		return nil
	}

	start := time.Now()
	res, fetchErr := p.fetcher.Fetch(ctx, f)
	p.metrics.RecordPollLatency(model.SourceTypeFeed, time.Since(start))
	if fetchErr != nil {
		return p.handleFailure(ctx, f, fetchErr, pollTime)
	}
	p.metrics.RecordHTTPStatus(res.StatusCode)

	if res.NotModified {
		if err := p.saveState(ctx, f, func(f *model.Feed) { ApplyFeedNotModified(f, res, pollTime) }); err != nil {
			return err
		}
		p.metrics.RecordPoll(model.SourceTypeFeed, metrics.PollResultNotModified)
		p.logger.Info("フィードは未変更です",
			slog.String("feed_id", f.ID),
			slog.String("feed_url", f.URL),
		)
		return nil
	}

	subscribers, err := p.router.FeedSubscribers(ctx, f.URL)
	if err != nil {
		// アイテムもetagも保存しないので、次回のポーリングで同じ差分をもう一度得られる
		return err
	}

	newItems, err := p.itemRepo.UpsertEntries(ctx, f.ID, res.Entries, pollTime)
	if err != nil {
		return fmt.Errorf("フィードアイテムの保存に失敗しました: %w", err)
	}
	if err := p.saveState(ctx, f, func(f *model.Feed) { ApplyFeedSuccess(f, res, pollTime) }); err != nil {
		return err
	}
	p.metrics.RecordPoll(model.SourceTypeFeed, metrics.PollResultSuccess)
	p.metrics.RecordFeedItemsObserved(len(newItems))

	p.logger.Info("フィードをポーリングしました",
		slog.String("feed_id", f.ID),
		slog.String("feed_url", f.URL),
		slog.Int("entries", len(res.Entries)),
		slog.Int("new_items", len(newItems)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if len(newItems) == 0 || len(subscribers) == 0 {
		return nil
	}
	p.router.EnqueueFeedEntries(f.URL, subscribers, newItems)
	return nil
}

// lease はフィード行を読み直してリースを取得する。
// 行が存在しないか無効化されている場合はnilを返す。
func (p *FeedPoller) lease(ctx context.Context, feedID string, pollTime time.Time) (*model.Feed, error) {
	var leased *model.Feed
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		f, err := p.feedRepo.FindByID(ctx, feedID)
		if err != nil {
			return false, err
		}
		if f == nil || !f.Active {
			leased = nil
			return true, nil
		}
		ok, err := p.feedRepo.Lease(ctx, f.ID, f.Version, pollTime)
		if err != nil || !ok {
			return false, err
		}
		f.Version++
		t := pollTime
		f.LastPollAttempt = &t
		leased = f
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("フィードのリース取得に失敗しました: %w", err)
	}
	return leased, nil
}

// saveState はapplyを適用してポーリング状態を保存する。競合した場合は行を読み直して再適用する。
func (p *FeedPoller) saveState(ctx context.Context, f *model.Feed, apply func(*model.Feed)) error {
	first := true
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		if !first {
			cur, err := p.feedRepo.FindByID(ctx, f.ID)
			if err != nil {
				return false, err
			}
			if cur == nil {
				return true, nil
			}
			*f = *cur
		}
		first = false
		apply(f)
		return p.feedRepo.SavePollState(ctx, f)
	})
	if err != nil {
		return fmt.Errorf("フィード状態の保存に失敗しました: %w", err)
	}
	return nil
}

func (p *FeedPoller) handleFailure(ctx context.Context, f *model.Feed, fetchErr error, pollTime time.Time) error {
	kind := model.ErrorKindOf(fetchErr)
	var se *model.SourceError
	if errors.As(fetchErr, &se) && se.StatusCode != 0 {
		p.metrics.RecordHTTPStatus(se.StatusCode)
	}
	p.metrics.RecordPoll(model.SourceTypeFeed, metrics.PollResultFailure)

	if err := p.saveState(ctx, f, func(f *model.Feed) { ApplyFeedFailure(f, fetchErr, pollTime) }); err != nil {
		return err
	}

	p.logger.Warn("フィードのポーリングに失敗しました",
		slog.String("feed_id", f.ID),
		slog.String("feed_url", f.URL),
		slog.String("kind", string(kind)),
		slog.Int("consecutive_failures", f.ConsecutiveFailures),
		slog.String("error", fetchErr.Error()),
	)

	if kind == model.ErrorKindPermanentConfig {
		return p.disable(ctx, f.ID, fetchErr.Error())
	}
	if p.health.NeedsConnectionTest(f.ConsecutiveFailures, f.LastSuccessfulPoll, f.CreatedAt, pollTime) {
		p.scheduleConnectionTest(f.ID)
	}
	return nil
}

func (p *FeedPoller) scheduleConnectionTest(feedID string) {
	queued := p.submitter.Submit(queue.Job{
		Kind: queue.KindTestConnection,
		Key:  "test-connection:feed:" + feedID,
		Run: func(ctx context.Context) error {
			return p.TestConnection(ctx, feedID)
		},
	})
	if queued {
		p.logger.Info("フィードの接続テストを予約しました", slog.String("feed_id", feedID))
	}
}

// TestConnection はフィードに接続できるかを確認し、失敗した場合はフィードを無効化する。
// 予約後に成功したポーリングがあればテストは行わない。
func (p *FeedPoller) TestConnection(ctx context.Context, feedID string) error {
	f, err := p.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if f == nil || !f.Active {
		return nil
	}
	if !p.health.NeedsConnectionTest(f.ConsecutiveFailures, f.LastSuccessfulPoll, f.CreatedAt, p.now().UTC()) {
		return nil
	}

	testErr := p.fetcher.TestConnection(ctx, f.URL)
	if testErr == nil {
		p.logger.Info("フィードの接続テストに成功しました",
			slog.String("feed_id", f.ID),
			slog.String("feed_url", f.URL),
		)
		return nil
	}
	return p.disable(ctx, f.ID, fmt.Sprintf("接続テストに失敗しました: %s", testErr.Error()))
}

func (p *FeedPoller) disable(ctx context.Context, feedID, reason string) error {
	reason = truncateReason(reason)
	disabled := false
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		f, err := p.feedRepo.FindByID(ctx, feedID)
		if err != nil {
			return false, err
		}
		if f == nil || !f.Active {
			return true, nil
		}
		ok, err := p.feedRepo.Disable(ctx, f.ID, f.Version, reason)
		disabled = ok
		return ok, err
	})
	if err != nil {
		return fmt.Errorf("フィードの無効化に失敗しました: %w", err)
	}
	if disabled {
		p.metrics.RecordSourceDisabled(model.SourceTypeFeed)
		p.logger.Warn("フィードを無効化しました",
			slog.String("feed_id", feedID),
			slog.String("reason", reason),
		)
	}
	return nil
}
