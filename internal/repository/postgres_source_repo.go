package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// PostgresSourceAccountRepo はPostgreSQLを使用したソーシャルアカウントリポジトリ。
type PostgresSourceAccountRepo struct {
	db *sql.DB
}

// NewPostgresSourceAccountRepo はPostgresSourceAccountRepoを生成する。
func NewPostgresSourceAccountRepo(db *sql.DB) *PostgresSourceAccountRepo {
	return &PostgresSourceAccountRepo{db: db}
}

const accountColumns = `id, user_id, kind, server, account_id, handle, credential, active, needs_reauth, created_at, updated_at`

func scanAccount(s rowScanner) (*model.SourceAccount, error) {
	a := &model.SourceAccount{}
	err := s.Scan(&a.ID, &a.UserID, &a.Kind, &a.Server, &a.AccountID, &a.Handle, &a.Credential,
		&a.Active, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create はアカウントを作成する。
func (r *PostgresSourceAccountRepo) Create(ctx context.Context, a *model.SourceAccount) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.UserID, a.Kind, a.Server, a.AccountID, a.Handle, a.Credential,
		a.Active, a.NeedsReauth, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースアカウントの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceAccountRepo) FindByID(ctx context.Context, id string) (*model.SourceAccount, error) {
	if !isUUID(id) {
		return nil, nil
	}
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM source_accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースアカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// ListByUser はユーザーのアカウントを返す。
func (r *PostgresSourceAccountRepo) ListByUser(ctx context.Context, userID string) ([]*model.SourceAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM source_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("ソースアカウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.SourceAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ソースアカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソースアカウント一覧の走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// MarkNeedsReauth は再認証が必要かどうかを記録する。
func (r *PostgresSourceAccountRepo) MarkNeedsReauth(ctx context.Context, id string, needs bool) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE source_accounts SET needs_reauth = $2, updated_at = now() WHERE id = $1`, id, needs,
	); err != nil {
		return fmt.Errorf("再認証フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateCredential は資格情報を差し替え、再認証フラグを解除する。
func (r *PostgresSourceAccountRepo) UpdateCredential(ctx context.Context, id, credential string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE source_accounts SET credential = $2, needs_reauth = FALSE, updated_at = now() WHERE id = $1`,
		id, credential,
	); err != nil {
		return fmt.Errorf("資格情報の更新に失敗しました: %w", err)
	}
	return nil
}

// SetActive はアカウントの有効・無効を切り替える。
func (r *PostgresSourceAccountRepo) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE source_accounts SET active = $2, updated_at = now() WHERE id = $1`, id, active,
	); err != nil {
		return fmt.Errorf("ソースアカウントの有効状態の更新に失敗しました: %w", err)
	}
	return nil
}

// PostgresTimelineRepo はPostgreSQLを使用したタイムラインリポジトリ。
type PostgresTimelineRepo struct {
	db *sql.DB
}

// NewPostgresTimelineRepo はPostgresTimelineRepoを生成する。
func NewPostgresTimelineRepo(db *sql.DB) *PostgresTimelineRepo {
	return &PostgresTimelineRepo{db: db}
}

const timelineColumns = `tl.id, tl.account_id, tl.type, tl.config, tl.last_status_id,
	tl.last_poll_attempt, tl.last_successful_poll, tl.consecutive_failures,
	tl.active, tl.error_message, tl.version, tl.created_at, tl.updated_at`

func scanTimeline(s rowScanner) (*model.Timeline, error) {
	tl := &model.Timeline{}
	var config []byte
	err := s.Scan(&tl.ID, &tl.AccountID, &tl.Type, &config, &tl.LastStatusID,
		&tl.LastPollAttempt, &tl.LastSuccessfulPoll, &tl.ConsecutiveFailures,
		&tl.Active, &tl.ErrorMessage, &tl.Version, &tl.CreatedAt, &tl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &tl.Config); err != nil {
			return nil, fmt.Errorf("タイムライン設定の復元に失敗しました: %w", err)
		}
	}
	return tl, nil
}

// Create はタイムラインを作成する。
func (r *PostgresTimelineRepo) Create(ctx context.Context, tl *model.Timeline) error {
	config, err := json.Marshal(tl.Config)
	if err != nil {
		return fmt.Errorf("タイムライン設定の変換に失敗しました: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO timelines (id, account_id, type, config, last_status_id, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tl.ID, tl.AccountID, string(tl.Type), string(config), tl.LastStatusID, tl.Active, tl.CreatedAt, tl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("タイムラインの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのタイムラインを取得する。見つからない場合はnilを返す。
func (r *PostgresTimelineRepo) FindByID(ctx context.Context, id string) (*model.Timeline, error) {
	if !isUUID(id) {
		return nil, nil
	}
	tl, err := scanTimeline(r.db.QueryRowContext(ctx,
		`SELECT `+timelineColumns+` FROM timelines tl WHERE tl.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タイムラインの取得に失敗しました: %w", err)
	}
	return tl, nil
}

// ListByAccount はアカウントのタイムラインを返す。
func (r *PostgresTimelineRepo) ListByAccount(ctx context.Context, accountID string) ([]*model.Timeline, error) {
	return r.query(ctx,
		`SELECT `+timelineColumns+` FROM timelines tl WHERE tl.account_id = $1 ORDER BY tl.created_at`,
		accountID)
}

// ListDueForPoll はポーリング対象のタイムラインを返す。
func (r *PostgresTimelineRepo) ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Timeline, error) {
	return r.query(ctx,
		`SELECT `+timelineColumns+`
		 FROM timelines tl
		 JOIN source_accounts a ON a.id = tl.account_id
		 WHERE tl.active AND a.active
		   AND (tl.last_poll_attempt IS NULL OR tl.last_poll_attempt < $1)
		 ORDER BY tl.last_poll_attempt ASC NULLS FIRST
		 LIMIT $2`,
		before, limit)
}

func (r *PostgresTimelineRepo) query(ctx context.Context, query string, args ...any) ([]*model.Timeline, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("タイムライン一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var timelines []*model.Timeline
	for rows.Next() {
		tl, err := scanTimeline(rows)
		if err != nil {
			return nil, fmt.Errorf("タイムラインの読み取りに失敗しました: %w", err)
		}
		timelines = append(timelines, tl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タイムライン一覧の走査に失敗しました: %w", err)
	}
	return timelines, nil
}

// Lease はlast_poll_attemptを記録してポーリング権を取得する。
func (r *PostgresTimelineRepo) Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timelines SET last_poll_attempt = $3, version = version + 1, updated_at = $3
		 WHERE id = $1 AND version = $2 AND active`,
		id, version, now,
	)
	if err != nil {
		return false, fmt.Errorf("タイムラインのリース取得に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// SavePollState はカーソルと健全性情報を保存する。
func (r *PostgresTimelineRepo) SavePollState(ctx context.Context, tl *model.Timeline) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timelines SET
		    last_status_id = $3,
		    last_poll_attempt = $4,
		    last_successful_poll = $5,
		    consecutive_failures = $6,
		    error_message = $7,
		    version = version + 1,
		    updated_at = now()
		 WHERE id = $1 AND version = $2`,
		tl.ID, tl.Version, tl.LastStatusID, tl.LastPollAttempt, tl.LastSuccessfulPoll,
		tl.ConsecutiveFailures, tl.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("タイムライン状態の更新に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if ok {
		tl.Version++
	}
	return ok, err
}

// Disable はタイムラインを無効化する。
func (r *PostgresTimelineRepo) Disable(ctx context.Context, id string, version int64, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timelines SET active = FALSE, error_message = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, version, reason,
	)
	if err != nil {
		return false, fmt.Errorf("タイムラインの無効化に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// compile-time interface check
var (
	_ SourceAccountRepository = (*PostgresSourceAccountRepo)(nil)
	_ TimelineRepository      = (*PostgresTimelineRepo)(nil)
)
