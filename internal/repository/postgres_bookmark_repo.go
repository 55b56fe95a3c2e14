package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/urlnorm"
)

// ErrDuplicateBookmark は更新後のURLが同じユーザーの別ブックマークと一意制約で衝突したことを表す。
var ErrDuplicateBookmark = errors.New("bookmark with the same url already exists")

// pqUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

var bookmarkColumns = []string{
	"b.id", "b.owner_id", "b.url", "b.unique_hash", "b.title", "b.description",
	"b.feed_url", "b.unfurl_metadata", "b.created_at", "b.updated_at",
	tagSubquery("bookmark_tags", "bookmark_id", "b"),
}

// PostgresBookmarkRepo はPostgreSQLを使用したブックマークリポジトリ。
type PostgresBookmarkRepo struct {
	db *sql.DB
}

// NewPostgresBookmarkRepo はPostgresBookmarkRepoを生成する。
func NewPostgresBookmarkRepo(db *sql.DB) *PostgresBookmarkRepo {
	return &PostgresBookmarkRepo{db: db}
}

func scanBookmark(s rowScanner, extra ...any) (*model.Bookmark, error) {
	b := &model.Bookmark{}
	var unfurl []byte
	var tags pq.StringArray
	dest := []any{
		&b.ID, &b.OwnerID, &b.URL, &b.UniqueHash, &b.Title, &b.Description,
		&b.FeedURL, &unfurl, &b.CreatedAt, &b.UpdatedAt, &tags,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	b.Tags = []string(tags)
	if len(unfurl) > 0 {
		b.Unfurl = &model.UnfurlMetadata{}
		if err := json.Unmarshal(unfurl, b.Unfurl); err != nil {
			return nil, fmt.Errorf("unfurl_metadataの復元に失敗しました: %w", err)
		}
	}
	return b, nil
}

// marshalUnfurl はUnfurlMetadataをJSONB用の文字列に変換する。nilはNULLになる。
func marshalUnfurl(m *model.UnfurlMetadata) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("unfurl_metadataの変換に失敗しました: %w", err)
	}
	return nullString(string(b)), nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Upsert はブックマークを保存する。
// skipでは既存行を一切変更せず、overwriteでは呼び出し元のフィールドとタグで置き換える。
func (r *PostgresBookmarkRepo) Upsert(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error) {
	_, hash, err := urlnorm.Canonicalize(rawURL)
	if err != nil {
		return nil, false, err
	}
	unfurl, err := marshalUnfurl(fields.Unfurl)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	createdAt := now
	if fields.CreatedAt != nil {
		createdAt = *fields.CreatedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	var created bool
	args := []any{
		uuid.New().String(), ownerID, rawURL, hash,
		fields.Title, fields.Description, fields.FeedURL, unfurl, createdAt, now,
	}

	switch policy {
	case model.MergePolicyOverwrite:
		err = tx.QueryRowContext(ctx,
			`INSERT INTO bookmarks (id, owner_id, url, unique_hash, title, description, feed_url, unfurl_metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (owner_id, unique_hash) DO UPDATE SET
			     url = EXCLUDED.url,
			     title = EXCLUDED.title,
			     description = EXCLUDED.description,
			     feed_url = EXCLUDED.feed_url,
			     unfurl_metadata = EXCLUDED.unfurl_metadata,
			     updated_at = EXCLUDED.updated_at
			 RETURNING id, (xmax = 0)`,
			args...,
		).Scan(&id, &created)
		if err != nil {
			return nil, false, fmt.Errorf("ブックマークの保存に失敗しました: %w", err)
		}
	default:
		err = tx.QueryRowContext(ctx,
			`INSERT INTO bookmarks (id, owner_id, url, unique_hash, title, description, feed_url, unfurl_metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (owner_id, unique_hash) DO NOTHING
			 RETURNING id`,
			args...,
		).Scan(&id)
		if err == sql.ErrNoRows {
			// 既存行はそのまま返す
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
			}
			existing, err := r.FindByHash(ctx, ownerID, hash)
			return existing, false, err
		}
		if err != nil {
			return nil, false, fmt.Errorf("ブックマークの保存に失敗しました: %w", err)
		}
		created = true
	}

	if err := replaceBookmarkTags(ctx, tx, ownerID, id, fields.Tags); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return b, created, nil
}

// replaceBookmarkTags はブックマークのタグを指定したユーザータグで置き換える。
func replaceBookmarkTags(ctx context.Context, q queryer, ownerID, bookmarkID string, names []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM bookmark_tags WHERE bookmark_id = $1`, bookmarkID); err != nil {
		return fmt.Errorf("ブックマークタグの削除に失敗しました: %w", err)
	}
	cache := newTagCache(q, ownerID)
	for _, name := range names {
		if name == "" {
			continue
		}
		tagID, err := cache.resolve(ctx, model.TagRef{Name: name})
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO bookmark_tags (bookmark_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			bookmarkID, tagID,
		); err != nil {
			return fmt.Errorf("ブックマークタグの付与に失敗しました: %w", err)
		}
	}
	return nil
}

func (r *PostgresBookmarkRepo) findOne(ctx context.Context, where sq.Sqlizer) (*model.Bookmark, error) {
	query, args, err := psql.Select(bookmarkColumns...).From("bookmarks b").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}
	b, err := scanBookmark(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ブックマークの取得に失敗しました: %w", err)
	}
	return b, nil
}

// FindByID は指定IDのブックマークを取得する。見つからない場合はnilを返す。
func (r *PostgresBookmarkRepo) FindByID(ctx context.Context, id string) (*model.Bookmark, error) {
	if !isUUID(id) {
		return nil, nil
	}
	return r.findOne(ctx, sq.Eq{"b.id": id})
}

// FindByHash はユーザーとハッシュでブックマークを検索する。見つからない場合はnilを返す。
func (r *PostgresBookmarkRepo) FindByHash(ctx context.Context, ownerID, uniqueHash string) (*model.Bookmark, error) {
	return r.findOne(ctx, sq.Eq{"b.owner_id": ownerID, "b.unique_hash": uniqueHash})
}

// Update はブックマークのフィールドとタグを更新する。
func (r *PostgresBookmarkRepo) Update(ctx context.Context, bookmark *model.Bookmark) error {
	_, hash, err := urlnorm.Canonicalize(bookmark.URL)
	if err != nil {
		return err
	}
	unfurl, err := marshalUnfurl(bookmark.Unfurl)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bookmark.UniqueHash = hash
	bookmark.UpdatedAt = time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE bookmarks SET
		    url = $2, unique_hash = $3, title = $4, description = $5,
		    feed_url = $6, unfurl_metadata = $7, updated_at = $8
		 WHERE id = $1`,
		bookmark.ID, bookmark.URL, bookmark.UniqueHash, bookmark.Title, bookmark.Description,
		bookmark.FeedURL, unfurl, bookmark.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBookmark
		}
		return fmt.Errorf("ブックマークの更新に失敗しました: %w", err)
	}
	if err := replaceBookmarkTags(ctx, tx, bookmark.OwnerID, bookmark.ID, bookmark.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete は指定IDのブックマークを削除する。
func (r *PostgresBookmarkRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ブックマークの削除に失敗しました: %w", err)
	}
	return nil
}

// buildBookmarkListQuery はブックマーク一覧のクエリを組み立てる。
func buildBookmarkListQuery(ownerID string, filter model.BookmarkFilter) sq.SelectBuilder {
	q := psql.Select(bookmarkColumns...).
		From("bookmarks b").
		Where(sq.Eq{"b.owner_id": ownerID})

	if filter.Search != "" {
		p := likePattern(filter.Search)
		q = q.Where(sq.Or{
			sq.ILike{"b.title": p},
			sq.ILike{"b.description": p},
			sq.ILike{"b.url": p},
		})
	}
	for _, tag := range filter.Tags {
		q = q.Where(sq.Expr(
			`EXISTS (SELECT 1 FROM bookmark_tags bt JOIN tags t ON t.id = bt.tag_id WHERE bt.bookmark_id = b.id AND t.name = ?)`,
			tag,
		))
	}
	if filter.Since != nil {
		q = q.Where(sq.GtOrEq{"b.created_at": *filter.Since})
	}
	return q.OrderBy("b.created_at DESC", "b.id ASC")
}

// List はユーザーのブックマークを作成日時の降順で取得する。
func (r *PostgresBookmarkRepo) List(ctx context.Context, ownerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error) {
	query, args, err := buildBookmarkListQuery(ownerID, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ブックマーク一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bookmarks []*model.Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, fmt.Errorf("ブックマークの読み取りに失敗しました: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ブックマーク一覧の走査に失敗しました: %w", err)
	}
	return bookmarks, nil
}

// SubscribersOfFeed は feed_url が一致するブックマークを所有するユーザーIDを返す。
func (r *PostgresBookmarkRepo) SubscribersOfFeed(ctx context.Context, feedURL string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM bookmarks WHERE feed_url = $1 ORDER BY owner_id`,
		feedURL,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("購読者の読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者の走査に失敗しました: %w", err)
	}
	return userIDs, nil
}

// ListWithFeedDates はブックマークと参照先フィードの鮮度情報を結合して返す。
// フィードはURL文字列で結合するため、フィード行がない場合は日付がnilになる。
func (r *PostgresBookmarkRepo) ListWithFeedDates(ctx context.Context, ownerID string) ([]*model.BookmarkWithFeedDate, error) {
	query, args, err := psql.Select(bookmarkColumns...).
		Column("f.newest_item_date").
		Column("f.last_successful_poll").
		Column("COALESCE(f.active, FALSE)").
		From("bookmarks b").
		LeftJoin("feeds f ON f.url = b.feed_url AND b.feed_url <> ''").
		Where(sq.Eq{"b.owner_id": ownerID}).
		OrderBy("f.newest_item_date DESC NULLS LAST", "b.created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("フィード日付付きブックマークの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []*model.BookmarkWithFeedDate
	for rows.Next() {
		row := &model.BookmarkWithFeedDate{}
		b, err := scanBookmark(rows, &row.FeedNewestItemDate, &row.FeedLastSuccessfulPoll, &row.FeedActive)
		if err != nil {
			return nil, fmt.Errorf("フィード日付付きブックマークの読み取りに失敗しました: %w", err)
		}
		row.Bookmark = *b
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード日付付きブックマークの走査に失敗しました: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ BookmarkRepository = (*PostgresBookmarkRepo)(nil)
