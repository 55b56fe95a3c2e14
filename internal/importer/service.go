// Package importer はリンクコレクション文書のインポートを扱う。
// Serviceがアップロードを受け付けてジョブを作成し、Pipelineがワーカー上でジョブを処理する。
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

// Service はインポートジョブの受付と状態操作を提供する。
type Service struct {
	jobRepo   repository.ImportJobRepository
	dir       string
	sizeLimit int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// アップロードされたファイルはdir配下に保存され、sizeLimitバイトを超えると拒否される。
func NewService(jobRepo repository.ImportJobRepository, dir string, sizeLimit int64, logger *slog.Logger) *Service {
	return &Service{
		jobRepo:   jobRepo,
		dir:       dir,
		sizeLimit: sizeLimit,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit はアップロードされた文書を保存し、pendingのジョブを作成する。
// policyが空の場合はskipとする。
func (s *Service) Submit(ctx context.Context, ownerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error) {
	if policy == "" {
		policy = model.MergePolicySkip
	}
	if !policy.Valid() {
		return nil, model.NewInvalidImportDocumentError(fmt.Sprintf("未知のマージポリシーです: %s", policy))
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("インポートディレクトリの作成に失敗しました: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(s.dir, id+".json")
	if err := s.store(path, r); err != nil {
		os.Remove(path)
		return nil, err
	}

	now := s.now()
	job := &model.ImportJob{
		ID:        id,
		OwnerID:   ownerID,
		FileRef:   path,
		Policy:    policy,
		Status:    model.ImportPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("インポートジョブの作成に失敗しました: %w", err)
	}

	s.logger.Info("インポートを受け付けました",
		slog.String("job_id", job.ID),
		slog.String("user_id", ownerID),
	)
	return job, nil
}

// store はrをpathに書き出す。上限を1バイトでも超えた時点で打ち切る。
func (s *Service) store(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("インポートファイルの作成に失敗しました: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, s.sizeLimit+1))
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("インポートファイルの保存に失敗しました: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("インポートファイルの保存に失敗しました: %w", closeErr)
	}
	if n > s.sizeLimit {
		return model.NewImportFileTooLargeError(s.sizeLimit)
	}
	return nil
}

// Get は呼び出し元が所有するジョブを取得する。
func (s *Service) Get(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	job, err := s.jobRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("インポートジョブの取得に失敗しました: %w", err)
	}
	if job == nil {
		return nil, model.NewImportJobNotFoundError(id)
	}
	if job.OwnerID != callerID {
		return nil, model.NewPermissionDeniedError()
	}
	return job, nil
}

// Cancel はpendingまたはprocessingのジョブを取り消す。
// processingのジョブは次の進捗保存の時点で処理が止まる。
func (s *Service) Cancel(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	job, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, model.NewInvalidImportTransitionError(job.Status, "cancel")
	}

	ok, err := s.jobRepo.Transition(ctx, id, job.Status, model.ImportCancelled, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// 状態が変わっていたので読み直して報告する
		current, err := s.Get(ctx, callerID, id)
		if err != nil {
			return nil, err
		}
		return nil, model.NewInvalidImportTransitionError(current.Status, "cancel")
	}
	if job.Status == model.ImportPending {
		if err := os.Remove(job.FileRef); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("インポートファイルの削除に失敗しました",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("インポートを取り消しました", slog.String("job_id", id))
	return s.Get(ctx, callerID, id)
}

// Retry はfailedのジョブをpendingに戻してカウンタを消去する。
func (s *Service) Retry(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	job, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.ImportFailed {
		return nil, model.NewInvalidImportTransitionError(job.Status, "retry")
	}
	if _, err := os.Stat(job.FileRef); err != nil {
		return nil, fmt.Errorf("インポートファイルが見つかりません: %w", err)
	}

	ok, err := s.jobRepo.ResetForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.Get(ctx, callerID, id)
		if err != nil {
			return nil, err
		}
		return nil, model.NewInvalidImportTransitionError(current.Status, "retry")
	}

	s.logger.Info("インポートを再試行します", slog.String("job_id", id))
	return s.Get(ctx, callerID, id)
}
