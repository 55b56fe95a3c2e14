// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// ゴミ箱に移されたインボックスアイテムと、長期間観測されていないフィードアイテムを
// 日次バッチで削除する。タグの関連はCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TrashPurger はゴミ箱のアイテムを削除する。repository.InboxRepositoryが実装する。
type TrashPurger interface {
	PurgeTrashed(ctx context.Context, before time.Time) (int64, error)
}

// FeedItemPruner は古いフィードアイテムを削除する。repository.FeedItemRepositoryが実装する。
type FeedItemPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	trash  TrashPurger
	items  FeedItemPruner
	logger *slog.Logger
	now    func() time.Time

	TrashRetentionDays    int // ゴミ箱の保持日数（デフォルト: 30）
	FeedItemRetentionDays int // フィードアイテムの保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(trash TrashPurger, items FeedItemPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		trash:                 trash,
		items:                 items,
		logger:                logger,
		now:                   time.Now,
		TrashRetentionDays:    30,
		FeedItemRetentionDays: 180,
	}
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで継続する。失敗はRun内でログに残る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過したデータを削除する。
// 片方の削除に失敗しても、もう片方は実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now().UTC()

	trashBefore := now.AddDate(0, 0, -j.TrashRetentionDays)
	purged, trashErr := j.trash.PurgeTrashed(ctx, trashBefore)
	if trashErr != nil {
		j.logger.Error("ゴミ箱のクリーンアップに失敗しました",
			slog.String("error", trashErr.Error()),
			slog.Int("retention_days", j.TrashRetentionDays),
		)
		trashErr = fmt.Errorf("ゴミ箱のクリーンアップに失敗: %w", trashErr)
	}

	itemsBefore := now.AddDate(0, 0, -j.FeedItemRetentionDays)
	pruned, itemErr := j.items.DeleteOlderThan(ctx, itemsBefore)
	if itemErr != nil {
		j.logger.Error("フィードアイテムのクリーンアップに失敗しました",
			slog.String("error", itemErr.Error()),
			slog.Int("retention_days", j.FeedItemRetentionDays),
		)
		itemErr = fmt.Errorf("フィードアイテムのクリーンアップに失敗: %w", itemErr)
	}

	if err := errors.Join(trashErr, itemErr); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("purged_inbox_items", purged),
		slog.Int64("deleted_feed_items", pruned),
		slog.Int("trash_retention_days", j.TrashRetentionDays),
		slog.Int("feed_item_retention_days", j.FeedItemRetentionDays),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}
