package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
)

// upsertFeedItemSQL はエントリを挿入し、既存行はlast_seenの更新とdateの補完のみ行う。
// dateは一度設定されると上書きしない。
const upsertFeedItemSQL = `INSERT INTO feed_items (id, feed_id, guid, date, link, title, summary, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (feed_id, guid) DO UPDATE SET
    last_seen = EXCLUDED.last_seen,
    date = COALESCE(feed_items.date, EXCLUDED.date)
RETURNING id, date, link, title, summary, first_seen, last_seen`

// PostgresFeedItemRepo はPostgreSQLを使用したフィードエントリリポジトリ。
type PostgresFeedItemRepo struct {
	db *sql.DB
}

// NewPostgresFeedItemRepo はPostgresFeedItemRepoを生成する。
func NewPostgresFeedItemRepo(db *sql.DB) *PostgresFeedItemRepo {
	return &PostgresFeedItemRepo{db: db}
}

// UpsertEntries はエントリをソース順に保存し、今回初めて観測されたアイテムを返す。
// 日付のないエントリはpollTimeで補完する（既存行に日付があればそちらが優先される）。
func (r *PostgresFeedItemRepo) UpsertEntries(ctx context.Context, feedID string, entries []model.ParsedEntry, pollTime time.Time) ([]*model.FeedItem, error) {
	// PostgreSQLのtimestamptzはマイクロ秒精度のため、比較前に丸める
	pollTime = pollTime.UTC().Truncate(time.Microsecond)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertFeedItemSQL)
	if err != nil {
		return nil, fmt.Errorf("フィードエントリ保存文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	var delta []*model.FeedItem
	for _, e := range dedupeEntries(entries) {
		date := e.Date
		if date == nil {
			date = &pollTime
		}

		item := &model.FeedItem{FeedID: feedID, GUID: e.GUID}
		err := stmt.QueryRowContext(ctx,
			uuid.New().String(), feedID, e.GUID, date, e.Link, e.Title, e.Summary, pollTime,
		).Scan(&item.ID, &item.Date, &item.Link, &item.Title, &item.Summary, &item.FirstSeen, &item.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("フィードエントリの保存に失敗しました (guid=%s): %w", e.GUID, err)
		}

		if item.FirstSeen.Equal(pollTime) {
			delta = append(delta, item)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return delta, nil
}

// dedupeEntries は同一GUIDの重複を先頭の出現のみ残して除去する。ソース順は保持する。
func dedupeEntries(entries []model.ParsedEntry) []model.ParsedEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]model.ParsedEntry, 0, len(entries))
	for _, e := range entries {
		if e.GUID == "" {
			continue
		}
		if _, ok := seen[e.GUID]; ok {
			continue
		}
		seen[e.GUID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// DeleteOlderThan はlast_seenがbeforeより古いアイテムを削除する。
func (r *PostgresFeedItemRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM feed_items WHERE last_seen < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古いフィードエントリの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ FeedItemRepository = (*PostgresFeedItemRepo)(nil)
