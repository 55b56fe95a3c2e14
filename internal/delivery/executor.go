package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/urlnorm"
)

// ExistingLookup はユーザーの既存インボックスとの重複判定に使う。
type ExistingLookup interface {
	ExistingStatusIDs(ctx context.Context, ownerID string, statusIDs []string) (map[string]bool, error)
	ExistingHashes(ctx context.Context, ownerID, source string, hashes []string) (map[string]bool, error)
}

// BatchMaterializer は候補をインボックスに一括挿入する。inbox.Materializerが実装する。
type BatchMaterializer interface {
	MaterializeBatch(ctx context.Context, ownerID, source, sourceType string, candidates []inbox.Candidate) (int, error)
}

// DeliveryRecorder は配送件数を記録する。
type DeliveryRecorder interface {
	RecordInboxDelivered(sourceType string, count int)
}

// Executor はStage 2を実行する。
type Executor struct {
	existing     ExistingLookup
	materializer BatchMaterializer
	metrics      DeliveryRecorder
	logger       *slog.Logger
}

// NewExecutor は新しいExecutorを生成する。
func NewExecutor(existing ExistingLookup, materializer BatchMaterializer, metrics DeliveryRecorder, logger *slog.Logger) *Executor {
	return &Executor{
		existing:     existing,
		materializer: materializer,
		metrics:      metrics,
		logger:       logger,
	}
}

// Deliver は既存アイテムと重複する候補を除き、残りをインボックスに挿入して件数を返す。
// ソーシャル由来は上流ステータスIDで、フィード由来は同じソース内のURLハッシュで重複を判定する。
func (e *Executor) Deliver(ctx context.Context, job Job) (int, error) {
	fresh, err := e.filterExisting(ctx, job)
	if err != nil {
		return 0, err
	}
	if len(fresh) == 0 {
		e.logger.Debug("配送対象の新着はありません",
			slog.String("user_id", job.UserID),
			slog.String("source", job.Source),
			slog.Int("candidates", len(job.Candidates)),
		)
		return 0, nil
	}

	n, err := e.materializer.MaterializeBatch(ctx, job.UserID, job.Source, job.SourceType, fresh)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.RecordInboxDelivered(job.SourceType, n)
	}
	return n, nil
}

func (e *Executor) filterExisting(ctx context.Context, job Job) ([]inbox.Candidate, error) {
	if len(job.Candidates) == 0 {
		return nil, nil
	}

	if job.SourceType == model.SourceTypeFeed {
		hashes := make([]string, len(job.Candidates))
		for i, c := range job.Candidates {
			_, hashes[i], _ = urlnorm.Canonicalize(c.URL)
		}
		existing, err := e.existing.ExistingHashes(ctx, job.UserID, job.Source, hashes)
		if err != nil {
			return nil, fmt.Errorf("既存ハッシュの取得に失敗しました: %w", err)
		}
		fresh := make([]inbox.Candidate, 0, len(job.Candidates))
		for i, c := range job.Candidates {
			if !existing[hashes[i]] {
				fresh = append(fresh, c)
			}
		}
		return fresh, nil
	}

	ids := make([]string, 0, len(job.Candidates))
	seen := make(map[string]bool, len(job.Candidates))
	for _, c := range job.Candidates {
		id := c.Metadata.UpstreamStatusID
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	existing, err := e.existing.ExistingStatusIDs(ctx, job.UserID, ids)
	if err != nil {
		return nil, fmt.Errorf("既存ステータスIDの取得に失敗しました: %w", err)
	}
	fresh := make([]inbox.Candidate, 0, len(job.Candidates))
	for _, c := range job.Candidates {
		if !existing[c.Metadata.UpstreamStatusID] {
			fresh = append(fresh, c)
		}
	}
	return fresh, nil
}
