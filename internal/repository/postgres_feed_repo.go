package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
)

const feedColumns = `f.id, f.url, f.title, f.etag, f.last_modified, f.newest_item_date,
	f.active, f.consecutive_failures, f.error_message,
	f.last_poll_attempt, f.last_successful_poll, f.version, f.created_at, f.updated_at`

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

func scanFeed(s rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	err := s.Scan(
		&feed.ID, &feed.URL, &feed.Title, &feed.ETag, &feed.LastModified, &feed.NewestItemDate,
		&feed.Active, &feed.ConsecutiveFailures, &feed.ErrorMessage,
		&feed.LastPollAttempt, &feed.LastSuccessfulPoll, &feed.Version, &feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	if !isUUID(id) {
		return nil, nil
	}
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds f WHERE f.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByURL はURLでフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds f WHERE f.url = $1`, url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// GetOrCreate はURLのフィードを取得し、存在しなければ作成する。
func (r *PostgresFeedRepo) GetOrCreate(ctx context.Context, url string) (*model.Feed, bool, error) {
	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, url, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (url) DO NOTHING`,
		uuid.New().String(), url, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	feed, err := r.FindByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if feed == nil {
		return nil, false, fmt.Errorf("作成したフィードが見つかりません: %s", url)
	}
	return feed, affected == 1, nil
}

// ListDueForPoll はポーリング対象のフィードを取得する。
// 最後の試行が古いものから順に返す。
func (r *PostgresFeedRepo) ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds f
		 WHERE f.active
		   AND (f.last_poll_attempt IS NULL OR f.last_poll_attempt < $1)
		   AND EXISTS (SELECT 1 FROM bookmarks b WHERE b.feed_url = f.url)
		 ORDER BY f.last_poll_attempt ASC NULLS FIRST
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ポーリング対象フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("ポーリング対象フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ポーリング対象フィードの走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// Lease はlast_poll_attemptを記録してポーリング権を取得する。
func (r *PostgresFeedRepo) Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET last_poll_attempt = $3, version = version + 1, updated_at = $3
		 WHERE id = $1 AND version = $2 AND active`,
		id, version, now,
	)
	if err != nil {
		return false, fmt.Errorf("フィードのリース取得に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// SavePollState はポーリング結果を保存する。
func (r *PostgresFeedRepo) SavePollState(ctx context.Context, feed *model.Feed) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    title = $3,
		    etag = $4,
		    last_modified = $5,
		    newest_item_date = $6,
		    consecutive_failures = $7,
		    error_message = $8,
		    last_poll_attempt = $9,
		    last_successful_poll = $10,
		    version = version + 1,
		    updated_at = now()
		 WHERE id = $1 AND version = $2`,
		feed.ID, feed.Version,
		feed.Title, feed.ETag, feed.LastModified, feed.NewestItemDate,
		feed.ConsecutiveFailures, feed.ErrorMessage,
		feed.LastPollAttempt, feed.LastSuccessfulPoll,
	)
	if err != nil {
		return false, fmt.Errorf("ポーリング状態の更新に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if ok {
		feed.Version++
	}
	return ok, err
}

// Disable はフィードを無効化する。
func (r *PostgresFeedRepo) Disable(ctx context.Context, id string, version int64, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET active = FALSE, error_message = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, version, reason,
	)
	if err != nil {
		return false, fmt.Errorf("フィードの無効化に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Delete はフィードを削除する。feed_itemsはCASCADE削除される。
func (r *PostgresFeedRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, id); err != nil {
		return fmt.Errorf("フィードの削除に失敗しました: %w", err)
	}
	return nil
}

// affectedOne は更新が1行に適用されたかを返す。
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
