package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

const importJobColumns = `id, owner_id, file_ref, policy, status, processed, failed, failed_details,
	error_message, version, created_at, started_at, finished_at, updated_at`

// PostgresImportJobRepo はPostgreSQLを使用したインポートジョブリポジトリ。
type PostgresImportJobRepo struct {
	db *sql.DB
}

// NewPostgresImportJobRepo はPostgresImportJobRepoを生成する。
func NewPostgresImportJobRepo(db *sql.DB) *PostgresImportJobRepo {
	return &PostgresImportJobRepo{db: db}
}

func scanImportJob(s rowScanner) (*model.ImportJob, error) {
	job := &model.ImportJob{}
	var details []byte
	err := s.Scan(&job.ID, &job.OwnerID, &job.FileRef, &job.Policy, &job.Status,
		&job.Processed, &job.Failed, &details, &job.ErrorMessage, &job.Version,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &job.FailedDetails); err != nil {
			return nil, fmt.Errorf("failed_detailsの復元に失敗しました: %w", err)
		}
	}
	return job, nil
}

func marshalFailures(failures []model.ImportFailure) (string, error) {
	if failures == nil {
		failures = []model.ImportFailure{}
	}
	b, err := json.Marshal(failures)
	if err != nil {
		return "", fmt.Errorf("failed_detailsの変換に失敗しました: %w", err)
	}
	return string(b), nil
}

// Create はジョブを作成する。
func (r *PostgresImportJobRepo) Create(ctx context.Context, job *model.ImportJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_jobs (id, owner_id, file_ref, policy, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.OwnerID, job.FileRef, string(job.Policy), string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("インポートジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresImportJobRepo) FindByID(ctx context.Context, id string) (*model.ImportJob, error) {
	if !isUUID(id) {
		return nil, nil
	}
	job, err := scanImportJob(r.db.QueryRowContext(ctx,
		`SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("インポートジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// ListByStatus は指定状態のジョブを作成日時の昇順で返す。
func (r *PostgresImportJobRepo) ListByStatus(ctx context.Context, status model.ImportStatus, limit int) ([]*model.ImportJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+importJobColumns+` FROM import_jobs WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("インポートジョブ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ImportJob
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("インポートジョブの読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("インポートジョブ一覧の走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// Transition は状態がfromの場合に限りtoへ遷移させる。
// processingへの遷移で開始日時を、終端状態への遷移で終了日時を記録する。
func (r *PostgresImportJobRepo) Transition(ctx context.Context, id string, from, to model.ImportStatus, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE import_jobs SET
		    status = $3,
		    started_at = CASE WHEN $3 = 'processing' THEN $4 ELSE started_at END,
		    finished_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN $4 ELSE finished_at END,
		    version = version + 1,
		    updated_at = $4
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), now,
	)
	if err != nil {
		return false, fmt.Errorf("インポートジョブの状態遷移に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// SaveProgress は処理中ジョブのカウンタを保存する。
func (r *PostgresImportJobRepo) SaveProgress(ctx context.Context, job *model.ImportJob) (bool, error) {
	details, err := marshalFailures(job.FailedDetails)
	if err != nil {
		return false, err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE import_jobs SET
		    processed = $3, failed = $4, failed_details = $5,
		    version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2 AND status = 'processing'`,
		job.ID, job.Version, job.Processed, job.Failed, details,
	)
	if err != nil {
		return false, fmt.Errorf("インポート進捗の保存に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if ok {
		job.Version++
	}
	return ok, err
}

// Finish は処理中ジョブを終端状態にしてカウンタを確定する。
func (r *PostgresImportJobRepo) Finish(ctx context.Context, job *model.ImportJob, status model.ImportStatus, now time.Time) (bool, error) {
	details, err := marshalFailures(job.FailedDetails)
	if err != nil {
		return false, err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE import_jobs SET
		    status = $2, processed = $3, failed = $4, failed_details = $5,
		    error_message = $6, finished_at = $7,
		    version = version + 1, updated_at = $7
		 WHERE id = $1 AND status = 'processing'`,
		job.ID, string(status), job.Processed, job.Failed, details, job.ErrorMessage, now,
	)
	if err != nil {
		return false, fmt.Errorf("インポートジョブの完了処理に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if ok {
		job.Status = status
		job.FinishedAt = &now
		job.Version++
	}
	return ok, err
}

// ResetForRetry は失敗したジョブをpendingに戻し、カウンタを消去する。
func (r *PostgresImportJobRepo) ResetForRetry(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE import_jobs SET
		    status = 'pending', processed = 0, failed = 0, failed_details = '[]'::jsonb,
		    error_message = '', started_at = NULL, finished_at = NULL,
		    version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = 'failed'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("インポートジョブのリセットに失敗しました: %w", err)
	}
	return affectedOne(result)
}

// compile-time interface check
var _ ImportJobRepository = (*PostgresImportJobRepo)(nil)
