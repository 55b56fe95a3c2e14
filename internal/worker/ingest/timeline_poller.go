package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/hitoshi/linkbox/internal/metrics"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/social"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

// StatusSource はカーソル以降のステータスを昇順で返す。social.Clientが実装する。
type StatusSource interface {
	Statuses(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, cursor string, limit int) iter.Seq2[social.Status, error]
}

// StatusRouter はステータスを所有ユーザーへ配送する。delivery.Routerが実装する。
type StatusRouter interface {
	RouteStatus(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, status social.Status) bool
}

// TimelinePoller は1タイムラインのポーリングを行う。
type TimelinePoller struct {
	timelineRepo repository.TimelineRepository
	accountRepo  repository.SourceAccountRepository
	source       StatusSource
	router       StatusRouter
	submitter    Submitter
	health       HealthPolicy
	limit        int
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time
}

// NewTimelinePoller は新しいTimelinePollerを生成する。limitは1回のポーリングで処理する最大ステータス数。
func NewTimelinePoller(
	timelineRepo repository.TimelineRepository,
	accountRepo repository.SourceAccountRepository,
	source StatusSource,
	router StatusRouter,
	submitter Submitter,
	health HealthPolicy,
	limit int,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *TimelinePoller {
	return &TimelinePoller{
		timelineRepo: timelineRepo,
		accountRepo:  accountRepo,
		source:       source,
		router:       router,
		submitter:    submitter,
		health:       health,
		limit:        limit,
		metrics:      collector,
		logger:       logger,
		now:          time.Now,
	}
}

// Poll は指定タイムラインを1回ポーリングする。
// ステータスはID昇順で配送し、カーソルは処理できた最大のIDまで進める。
func (p *TimelinePoller) Poll(ctx context.Context, timelineID string) error {
	pollTime := p.now().UTC()

	tl, err := p.lease(ctx, timelineID, pollTime)
	if err != nil {
		return err
	}
	if tl == nil {
		p.logger.Debug("ポーリング対象外のタイムラインをスキップしました", slog.String("timeline_id", timelineID))
		return nil
	}

	acct, err := p.accountRepo.FindByID(ctx, tl.AccountID)
	if err != nil {
		return fmt.Errorf("ソースアカウントの取得に失敗しました: %w", err)
	}
	if acct == nil || !acct.Active {
		return nil
	}
	kind := acct.Kind

	start := time.Now()
	cursor := tl.LastStatusID
	processed, routed := 0, 0
	var pollErr error
	for status, err := range p.source.Statuses(ctx, acct, tl, tl.LastStatusID, p.limit) {
		if err != nil {
			pollErr = err
			break
		}
		if p.router.RouteStatus(ctx, acct, tl, status) {
			routed++
		}
		if cursor == "" || social.CompareIDs(status.ID, cursor) > 0 {
			cursor = status.ID
		}
		processed++
	}
	p.metrics.RecordPollLatency(kind, time.Since(start))

	if pollErr != nil {
		return p.handleFailure(ctx, acct, tl, cursor, pollErr, pollTime)
	}

	if err := p.saveState(ctx, tl, func(tl *model.Timeline) { ApplyTimelineSuccess(tl, cursor, pollTime) }); err != nil {
		return err
	}
	p.metrics.RecordPoll(kind, metrics.PollResultSuccess)
	if acct.NeedsReauth {
		if err := p.accountRepo.MarkNeedsReauth(ctx, acct.ID, false); err != nil {
			return fmt.Errorf("再認証フラグの解除に失敗しました: %w", err)
		}
	}

	p.logger.Info("タイムラインをポーリングしました",
		slog.String("timeline_id", tl.ID),
		slog.String("source", model.TimelineSourceDescriptor(acct, tl)),
		slog.Int("statuses", processed),
		slog.Int("routed", routed),
		slog.String("cursor", tl.LastStatusID),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

func (p *TimelinePoller) lease(ctx context.Context, timelineID string, pollTime time.Time) (*model.Timeline, error) {
	var leased *model.Timeline
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		tl, err := p.timelineRepo.FindByID(ctx, timelineID)
		if err != nil {
			return false, err
		}
		if tl == nil || !tl.Active {
			leased = nil
			return true, nil
		}
		ok, err := p.timelineRepo.Lease(ctx, tl.ID, tl.Version, pollTime)
		if err != nil || !ok {
			return false, err
		}
		tl.Version++
		t := pollTime
		tl.LastPollAttempt = &t
		leased = tl
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("タイムラインのリース取得に失敗しました: %w", err)
	}
	return leased, nil
}

func (p *TimelinePoller) saveState(ctx context.Context, tl *model.Timeline, apply func(*model.Timeline)) error {
	first := true
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		if !first {
			cur, err := p.timelineRepo.FindByID(ctx, tl.ID)
			if err != nil {
				return false, err
			}
			if cur == nil {
				return true, nil
			}
			*tl = *cur
		}
		first = false
		apply(tl)
		return p.timelineRepo.SavePollState(ctx, tl)
	})
	if err != nil {
		return fmt.Errorf("タイムライン状態の保存に失敗しました: %w", err)
	}
	return nil
}

func (p *TimelinePoller) handleFailure(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, cursor string, pollErr error, pollTime time.Time) error {
	kind := model.ErrorKindOf(pollErr)
	var se *model.SourceError
	if errors.As(pollErr, &se) && se.StatusCode != 0 {
		p.metrics.RecordHTTPStatus(se.StatusCode)
	}
	p.metrics.RecordPoll(acct.Kind, metrics.PollResultFailure)

	if err := p.saveState(ctx, tl, func(tl *model.Timeline) { ApplyTimelineFailure(tl, cursor, pollErr, pollTime) }); err != nil {
		return err
	}

	p.logger.Warn("タイムラインのポーリングに失敗しました",
		slog.String("timeline_id", tl.ID),
		slog.String("account_id", acct.ID),
		slog.String("kind", string(kind)),
		slog.Int("consecutive_failures", tl.ConsecutiveFailures),
		slog.String("error", pollErr.Error()),
	)

	switch kind {
	case model.ErrorKindAuthExpired:
		return p.markNeedsReauth(ctx, acct)
	case model.ErrorKindPermanentConfig:
		return p.disable(ctx, acct.Kind, tl.ID, pollErr.Error())
	}
	if p.health.NeedsConnectionTest(tl.ConsecutiveFailures, tl.LastSuccessfulPoll, tl.CreatedAt, pollTime) {
		p.scheduleConnectionTest(tl.ID)
	}
	return nil
}

// markNeedsReauth はアカウントに再認証が必要と記録する。タイムラインは有効なまま残す。
func (p *TimelinePoller) markNeedsReauth(ctx context.Context, acct *model.SourceAccount) error {
	if acct.NeedsReauth {
		return nil
	}
	if err := p.accountRepo.MarkNeedsReauth(ctx, acct.ID, true); err != nil {
		return fmt.Errorf("再認証フラグの設定に失敗しました: %w", err)
	}
	acct.NeedsReauth = true
	p.logger.Warn("ソースアカウントの再認証が必要です",
		slog.String("account_id", acct.ID),
		slog.String("user_id", acct.UserID),
	)
	return nil
}

func (p *TimelinePoller) scheduleConnectionTest(timelineID string) {
	queued := p.submitter.Submit(queue.Job{
		Kind: queue.KindTestConnection,
		Key:  "test-connection:timeline:" + timelineID,
		Run: func(ctx context.Context) error {
			return p.TestConnection(ctx, timelineID)
		},
	})
	if queued {
		p.logger.Info("タイムラインの接続テストを予約しました", slog.String("timeline_id", timelineID))
	}
}

// TestConnection は最新のステータス1件を取得できるかを確認し、失敗した場合はタイムラインを無効化する。
// 認証失効による失敗ではアカウントに再認証フラグを立て、タイムラインは無効化しない。
func (p *TimelinePoller) TestConnection(ctx context.Context, timelineID string) error {
	tl, err := p.timelineRepo.FindByID(ctx, timelineID)
	if err != nil {
		return fmt.Errorf("タイムラインの取得に失敗しました: %w", err)
	}
	if tl == nil || !tl.Active {
		return nil
	}
	if !p.health.NeedsConnectionTest(tl.ConsecutiveFailures, tl.LastSuccessfulPoll, tl.CreatedAt, p.now().UTC()) {
		return nil
	}
	acct, err := p.accountRepo.FindByID(ctx, tl.AccountID)
	if err != nil {
		return fmt.Errorf("ソースアカウントの取得に失敗しました: %w", err)
	}
	if acct == nil {
		return nil
	}

	var testErr error
	for _, err := range p.source.Statuses(ctx, acct, tl, "", 1) {
		testErr = err
		break
	}
	if testErr == nil {
		p.logger.Info("タイムラインの接続テストに成功しました", slog.String("timeline_id", tl.ID))
		return nil
	}
	if model.ErrorKindOf(testErr) == model.ErrorKindAuthExpired {
		return p.markNeedsReauth(ctx, acct)
	}
	return p.disable(ctx, acct.Kind, tl.ID, fmt.Sprintf("接続テストに失敗しました: %s", testErr.Error()))
}

func (p *TimelinePoller) disable(ctx context.Context, kind, timelineID, reason string) error {
	reason = truncateReason(reason)
	disabled := false
	err := repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		tl, err := p.timelineRepo.FindByID(ctx, timelineID)
		if err != nil {
			return false, err
		}
		if tl == nil || !tl.Active {
			return true, nil
		}
		ok, err := p.timelineRepo.Disable(ctx, tl.ID, tl.Version, reason)
		disabled = ok
		return ok, err
	})
	if err != nil {
		return fmt.Errorf("タイムラインの無効化に失敗しました: %w", err)
	}
	if disabled {
		p.metrics.RecordSourceDisabled(kind)
		p.logger.Warn("タイムラインを無効化しました",
			slog.String("timeline_id", timelineID),
			slog.String("reason", reason),
		)
	}
	return nil
}
