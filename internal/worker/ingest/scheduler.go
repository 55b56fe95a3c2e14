package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

// dueListLimit は1ティックで種類ごとに取得する最大件数。
const dueListLimit = 500

// SourcePoller は1ソースをポーリングする。FeedPollerとTimelinePollerが実装する。
type SourcePoller interface {
	Poll(ctx context.Context, id string) error
}

// ImportProcessor はpendingのインポートジョブを処理する。importer.Pipelineが実装する。
type ImportProcessor interface {
	Process(ctx context.Context, jobID string) error
}

// Intervals はソース種別ごとのポーリング間隔。
type Intervals struct {
	Feed     time.Duration
	Timeline time.Duration
}

// Scheduler は一定間隔でポーリング期限を迎えたソースとpendingのインポートを
// ワーカープールに積む。同じソースのジョブは実行中に重複して積まれない。
type Scheduler struct {
	feedRepo       repository.FeedRepository
	timelineRepo   repository.TimelineRepository
	importRepo     repository.ImportJobRepository
	feedPoller     SourcePoller
	timelinePoller SourcePoller
	importer       ImportProcessor
	submitter      Submitter
	intervals      Intervals
	logger         *slog.Logger
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	feedRepo repository.FeedRepository,
	timelineRepo repository.TimelineRepository,
	importRepo repository.ImportJobRepository,
	feedPoller SourcePoller,
	timelinePoller SourcePoller,
	importer ImportProcessor,
	submitter Submitter,
	intervals Intervals,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		feedRepo:       feedRepo,
		timelineRepo:   timelineRepo,
		importRepo:     importRepo,
		feedPoller:     feedPoller,
		timelinePoller: timelinePoller,
		importer:       importer,
		submitter:      submitter,
		intervals:      intervals,
		logger:         logger,
		now:            time.Now,
	}
}

// Start はtick間隔でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("スケジューラを開始しました",
		slog.Duration("tick", tick),
		slog.Duration("feed_interval", s.intervals.Feed),
		slog.Duration("timeline_interval", s.intervals.Timeline),
	)

	// 起動直後に1回実行
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スケジューリングに失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スケジューリングに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は期限を迎えたソースとpendingのインポートを1回だけ積み、積んだジョブ数を返す。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	enqueued := 0

	feeds, err := s.feedRepo.ListDueForPoll(ctx, now.Add(-s.intervals.Feed), dueListLimit)
	if err != nil {
		return enqueued, fmt.Errorf("ポーリング対象フィードの取得に失敗しました: %w", err)
	}
	for _, f := range feeds {
		if s.submit(queue.KindPollFeed, f.ID, s.feedPoller.Poll) {
			enqueued++
		}
	}

	timelines, err := s.timelineRepo.ListDueForPoll(ctx, now.Add(-s.intervals.Timeline), dueListLimit)
	if err != nil {
		return enqueued, fmt.Errorf("ポーリング対象タイムラインの取得に失敗しました: %w", err)
	}
	for _, tl := range timelines {
		if s.submit(queue.KindPollTimeline, tl.ID, s.timelinePoller.Poll) {
			enqueued++
		}
	}

	jobs, err := s.importRepo.ListByStatus(ctx, model.ImportPending, dueListLimit)
	if err != nil {
		return enqueued, fmt.Errorf("pendingのインポートジョブの取得に失敗しました: %w", err)
	}
	for _, job := range jobs {
		if s.submit(queue.KindProcessImport, job.ID, s.importer.Process) {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info("ジョブを積みました",
			slog.Int("feeds", len(feeds)),
			slog.Int("timelines", len(timelines)),
			slog.Int("imports", len(jobs)),
			slog.Int("enqueued", enqueued),
		)
	}
	return enqueued, nil
}

func (s *Scheduler) submit(kind queue.Kind, id string, run func(ctx context.Context, id string) error) bool {
	return s.submitter.Submit(queue.Job{
		Kind: kind,
		Key:  string(kind) + ":" + id,
		Run: func(ctx context.Context) error {
			return run(ctx, id)
		},
	})
}
