package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

// maxFailedDetails はジョブに保存する失敗詳細の上限件数。件数カウンタは上限を超えても増える。
const maxFailedDetails = 500

// errCancelled はジョブが処理中に取り消されたことを表す。
var errCancelled = errors.New("import job cancelled")

// BookmarkSaver はインポートしたリンクをブックマークとして保存する。bookmark.Serviceが実装する。
type BookmarkSaver interface {
	Save(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error)
}

// ImportRecorder はインポート件数のメトリクスを記録する。
type ImportRecorder interface {
	RecordImportItems(processed, failed int)
}

// Pipeline はpendingのインポートジョブを処理する。
type Pipeline struct {
	jobRepo       repository.ImportJobRepository
	saver         BookmarkSaver
	progressEvery int
	metrics       ImportRecorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
// 取り消しはアイテムごとに確認し、進捗はprogressEveryごとに保存する。
func NewPipeline(jobRepo repository.ImportJobRepository, saver BookmarkSaver, progressEvery int, metrics ImportRecorder, logger *slog.Logger) *Pipeline {
	if progressEvery <= 0 {
		progressEvery = 20
	}
	return &Pipeline{
		jobRepo:       jobRepo,
		saver:         saver,
		progressEvery: progressEvery,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// Process はジョブをpendingからprocessingへ遷移させ、文書を取り込んで終端状態にする。
// 他のワーカーが先に遷移させた場合やpending以外の場合は何もしない。
// 文書やアイテムの不備はジョブに記録し、エラーとしては返さない。
func (p *Pipeline) Process(ctx context.Context, jobID string) error {
	job, err := p.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("インポートジョブの取得に失敗しました: %w", err)
	}
	if job == nil || job.Status != model.ImportPending {
		return nil
	}

	ok, err := p.jobRepo.Transition(ctx, jobID, model.ImportPending, model.ImportProcessing, p.now())
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Debug("インポートジョブは他で処理中です", slog.String("job_id", jobID))
		return nil
	}
	// 遷移でversionが進むため読み直す
	job, err = p.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("インポートジョブの取得に失敗しました: %w", err)
	}
	if job == nil {
		return nil
	}

	start := time.Now()
	p.logger.Info("インポートを開始しました",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.OwnerID),
		slog.String("policy", string(job.Policy)),
	)

	runErr := p.run(ctx, job)
	p.metrics.RecordImportItems(job.Processed, job.Failed)

	// シャットダウンで中断されてもジョブはprocessingのまま残さない
	finishCtx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		return p.finish(finishCtx, job, model.ImportCompleted, start)
	case errors.Is(runErr, errCancelled):
		p.logger.Info("インポートが取り消されました",
			slog.String("job_id", job.ID),
			slog.Int("processed", job.Processed),
		)
		p.removeFile(job)
		return nil
	case isDocumentError(runErr):
		job.ErrorMessage = model.NewInvalidImportDocumentError(runErr.Error()).Message
		return p.finish(finishCtx, job, model.ImportFailed, start)
	default:
		job.ErrorMessage = truncate(runErr.Error(), 500)
		if err := p.finish(finishCtx, job, model.ImportFailed, start); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}
}

// run は文書を2回走査する。1回目でエンベロープ全体を検証し、2回目でアイテムを保存する。
func (p *Pipeline) run(ctx context.Context, job *model.ImportJob) error {
	f, err := os.Open(job.FileRef)
	if err != nil {
		return fmt.Errorf("インポートファイルを開けません: %w", err)
	}
	defer f.Close()

	if _, err := scanDocument(f, nil); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("インポートファイルの読み直しに失敗しました: %w", err)
	}

	_, err = scanDocument(f, func(index int, raw json.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.ensureProcessing(ctx, job); err != nil {
			return err
		}
		if err := p.importItem(ctx, job, index, raw); err != nil {
			return err
		}
		if (index+1)%p.progressEvery == 0 {
			return p.checkpoint(ctx, job)
		}
		return nil
	})
	return err
}

// ensureProcessing はアイテムの直前にジョブの状態を読み、processingでなくなっていればerrCancelledを返す。
func (p *Pipeline) ensureProcessing(ctx context.Context, job *model.ImportJob) error {
	current, err := p.jobRepo.FindByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("インポートジョブの状態確認に失敗しました: %w", err)
	}
	if current == nil || current.Status != model.ImportProcessing {
		return errCancelled
	}
	return nil
}

// importItem は1アイテムを保存する。アイテム単位の不備は失敗詳細に記録して続行する。
func (p *Pipeline) importItem(ctx context.Context, job *model.ImportJob, index int, raw json.RawMessage) error {
	var item bookmark.LinkItem
	if err := json.Unmarshal(raw, &item); err != nil {
		p.recordFailure(job, index, "", "リンクとして読み取れません")
		return nil
	}
	fields, err := item.Fields()
	if err != nil {
		p.recordFailure(job, index, item.URL, err.Error())
		return nil
	}

	if _, _, err := p.saver.Save(ctx, job.OwnerID, item.URL, fields, job.Policy); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			p.recordFailure(job, index, item.URL, apiErr.Message)
			return nil
		}
		// ストアの障害はジョブ全体を失敗させる
		return err
	}
	job.Processed++
	return nil
}

func (p *Pipeline) recordFailure(job *model.ImportJob, index int, url, reason string) {
	job.Failed++
	if len(job.FailedDetails) < maxFailedDetails {
		job.FailedDetails = append(job.FailedDetails, model.ImportFailure{Index: index, URL: url, Reason: reason})
	}
}

// checkpoint は進捗を保存する。保存が競合した場合は読み直し、取り消されていればerrCancelledを返す。
func (p *Pipeline) checkpoint(ctx context.Context, job *model.ImportJob) error {
	return repository.RetryOnConflict(ctx, func(ctx context.Context) (bool, error) {
		ok, err := p.jobRepo.SaveProgress(ctx, job)
		if err != nil || ok {
			return ok, err
		}
		current, err := p.jobRepo.FindByID(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if current == nil || current.Status != model.ImportProcessing {
			return false, errCancelled
		}
		job.Version = current.Version
		return false, nil
	})
}

func (p *Pipeline) finish(ctx context.Context, job *model.ImportJob, status model.ImportStatus, start time.Time) error {
	ok, err := p.jobRepo.Finish(ctx, job, status, p.now())
	if err != nil {
		return err
	}
	if !ok {
		// 完了直前に取り消された
		p.logger.Info("インポートジョブは既に終了しています", slog.String("job_id", job.ID))
		p.removeFile(job)
		return nil
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("processed", job.Processed),
		slog.Int("failed", job.Failed),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if status == model.ImportCompleted {
		p.removeFile(job)
		p.logger.Info("インポートが完了しました", attrs...)
		return nil
	}
	// 失敗時は再試行のためファイルを残す
	p.logger.Warn("インポートに失敗しました", append(attrs, slog.String("error", job.ErrorMessage))...)
	return nil
}

func (p *Pipeline) removeFile(job *model.ImportJob) {
	if err := os.Remove(job.FileRef); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("インポートファイルの削除に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
