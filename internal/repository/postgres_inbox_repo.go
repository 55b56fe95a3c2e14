package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/urlnorm"
)

// bulkInsertChunk は1文あたりの最大行数。PostgreSQLのパラメータ上限（65535）に収める。
const bulkInsertChunk = 500

var inboxColumns = []string{
	"i.id", "i.owner_id", "i.url", "i.unique_hash", "i.title", "i.description",
	"i.source", "i.source_type", "i.metadata", "i.created_at", "i.updated_at",
	tagSubquery("inbox_item_tags", "inbox_item_id", "i"),
}

var inboxInsertColumns = []string{
	"id", "owner_id", "url", "unique_hash", "title", "description",
	"source", "source_type", "metadata", "created_at", "updated_at",
}

// PostgresInboxRepo はPostgreSQLを使用したインボックスリポジトリ。
type PostgresInboxRepo struct {
	db *sql.DB
}

// NewPostgresInboxRepo はPostgresInboxRepoを生成する。
func NewPostgresInboxRepo(db *sql.DB) *PostgresInboxRepo {
	return &PostgresInboxRepo{db: db}
}

func scanInboxItem(s rowScanner) (*model.InboxItem, error) {
	item := &model.InboxItem{}
	var metadata []byte
	var tags pq.StringArray
	if err := s.Scan(
		&item.ID, &item.OwnerID, &item.URL, &item.UniqueHash, &item.Title, &item.Description,
		&item.Source, &item.SourceType, &metadata, &item.CreatedAt, &item.UpdatedAt, &tags,
	); err != nil {
		return nil, err
	}
	item.Tags = []string(tags)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("metadataの復元に失敗しました: %w", err)
		}
	}
	return item, nil
}

// prepareInboxItem はID、ハッシュ、タイムスタンプを補完し、metadataをJSON文字列に変換する。
func prepareInboxItem(item *model.InboxItem, now time.Time) (string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.UniqueHash == "" {
		_, item.UniqueHash, _ = urlnorm.Canonicalize(item.URL)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	b, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("metadataの変換に失敗しました: %w", err)
	}
	return string(b), nil
}

// Insert は1件挿入する。衝突時は既存行を変更せずに返す。
func (r *PostgresInboxRepo) Insert(ctx context.Context, item *model.InboxItem, tags []model.TagRef) (*model.InboxItem, bool, error) {
	metadata, err := prepareInboxItem(item, time.Now())
	if err != nil {
		return nil, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO inbox_items (id, owner_id, url, unique_hash, title, description, source, source_type, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (owner_id, unique_hash, source) DO NOTHING
		 RETURNING id`,
		item.ID, item.OwnerID, item.URL, item.UniqueHash, item.Title, item.Description,
		item.Source, item.SourceType, metadata, item.CreatedAt, item.UpdatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		tx.Rollback()
		existing, err := r.findOne(ctx, sq.Eq{"i.owner_id": item.OwnerID, "i.unique_hash": item.UniqueHash, "i.source": item.Source})
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("インボックスアイテムの挿入に失敗しました: %w", err)
	}

	cache := newTagCache(tx, item.OwnerID)
	for _, ref := range tags {
		tagID, err := cache.resolve(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inbox_item_tags (inbox_item_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, tagID,
		); err != nil {
			return nil, false, fmt.Errorf("インボックスタグの付与に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	created, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// buildInboxBulkInsert は複数行を1文で挿入し、挿入できた行のidとunique_hashを返すクエリを組み立てる。
func buildInboxBulkInsert(ownerID, source string, rows []InboxInsert, now time.Time) (sq.InsertBuilder, error) {
	ib := psql.Insert("inbox_items").Columns(inboxInsertColumns...)
	for _, row := range rows {
		item := row.Item
		item.OwnerID = ownerID
		item.Source = source
		metadata, err := prepareInboxItem(item, now)
		if err != nil {
			return ib, err
		}
		ib = ib.Values(
			item.ID, item.OwnerID, item.URL, item.UniqueHash, item.Title, item.Description,
			item.Source, item.SourceType, metadata, item.CreatedAt, item.UpdatedAt,
		)
	}
	return ib.Suffix("ON CONFLICT (owner_id, unique_hash, source) DO NOTHING RETURNING id, unique_hash"), nil
}

// BulkInsert は単一トランザクションで挿入し、衝突は無視する。実際に挿入した件数を返す。
func (r *PostgresInboxRepo) BulkInsert(ctx context.Context, ownerID, source string, rows []InboxInsert) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	tagsByHash := make(map[string][]model.TagRef, len(rows))
	for _, row := range rows {
		if row.Item.UniqueHash == "" {
			_, row.Item.UniqueHash, _ = urlnorm.Canonicalize(row.Item.URL)
		}
		tagsByHash[row.Item.UniqueHash] = row.Tags
	}

	cache := newTagCache(tx, ownerID)
	inserted := 0
	for start := 0; start < len(rows); start += bulkInsertChunk {
		end := min(start+bulkInsertChunk, len(rows))
		ib, err := buildInboxBulkInsert(ownerID, source, rows[start:end], now)
		if err != nil {
			return 0, err
		}
		query, args, err := ib.ToSql()
		if err != nil {
			return 0, fmt.Errorf("クエリの構築に失敗しました: %w", err)
		}

		result, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("インボックスアイテムの一括挿入に失敗しました: %w", err)
		}
		type insertedRow struct{ id, hash string }
		var created []insertedRow
		for result.Next() {
			var row insertedRow
			if err := result.Scan(&row.id, &row.hash); err != nil {
				result.Close()
				return 0, fmt.Errorf("挿入結果の読み取りに失敗しました: %w", err)
			}
			created = append(created, row)
		}
		if err := result.Err(); err != nil {
			result.Close()
			return 0, fmt.Errorf("挿入結果の走査に失敗しました: %w", err)
		}
		result.Close()
		inserted += len(created)

		links := psql.Insert("inbox_item_tags").Columns("inbox_item_id", "tag_id")
		hasLinks := false
		for _, c := range created {
			for _, ref := range tagsByHash[c.hash] {
				tagID, err := cache.resolve(ctx, ref)
				if err != nil {
					return 0, err
				}
				links = links.Values(c.id, tagID)
				hasLinks = true
			}
		}
		if hasLinks {
			query, args, err := links.Suffix("ON CONFLICT DO NOTHING").ToSql()
			if err != nil {
				return 0, fmt.Errorf("クエリの構築に失敗しました: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return 0, fmt.Errorf("インボックスタグの一括付与に失敗しました: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// ExistingStatusIDs はユーザーの既存アイテムに含まれる上流ステータスIDを返す。
func (r *PostgresInboxRepo) ExistingStatusIDs(ctx context.Context, ownerID string, statusIDs []string) (map[string]bool, error) {
	return r.existingSet(ctx,
		`SELECT DISTINCT metadata ->> 'upstream_status_id' FROM inbox_items
		 WHERE owner_id = $1 AND metadata ->> 'upstream_status_id' = ANY($2)`,
		ownerID, pq.Array(statusIDs),
	)
}

// ExistingHashes は指定ソースの既存アイテムに含まれるハッシュを返す。
func (r *PostgresInboxRepo) ExistingHashes(ctx context.Context, ownerID, source string, hashes []string) (map[string]bool, error) {
	return r.existingSet(ctx,
		`SELECT DISTINCT unique_hash FROM inbox_items
		 WHERE owner_id = $1 AND source = $2 AND unique_hash = ANY($3)`,
		ownerID, source, pq.Array(hashes),
	)
}

func (r *PostgresInboxRepo) existingSet(ctx context.Context, query string, args ...any) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("既存アイテムの照合に失敗しました: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("既存アイテムの読み取りに失敗しました: %w", err)
		}
		set[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既存アイテムの走査に失敗しました: %w", err)
	}
	return set, nil
}

func (r *PostgresInboxRepo) findOne(ctx context.Context, where sq.Sqlizer) (*model.InboxItem, error) {
	query, args, err := psql.Select(inboxColumns...).From("inbox_items i").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}
	item, err := scanInboxItem(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("インボックスアイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresInboxRepo) FindByID(ctx context.Context, id string) (*model.InboxItem, error) {
	if !isUUID(id) {
		return nil, nil
	}
	return r.findOne(ctx, sq.Eq{"i.id": id})
}

// FindByIDs は指定IDのアイテムをまとめて取得する。
func (r *PostgresInboxRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.InboxItem, error) {
	ids = onlyUUIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select(inboxColumns...).
		From("inbox_items i").
		Where("i.id = ANY(?)", pq.Array(ids)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}
	return r.queryItems(ctx, query, args...)
}

// systemTagCondition はシステムタグの有無で絞り込む条件を返す。
func systemTagCondition(name string, present bool) sq.Sqlizer {
	cond := `EXISTS (SELECT 1 FROM inbox_item_tags it JOIN tags t ON t.id = it.tag_id
		WHERE it.inbox_item_id = i.id AND t.name = ? AND t.is_system)`
	if !present {
		cond = "NOT " + cond
	}
	return sq.Expr(cond, name)
}

// buildInboxListQuery はインボックス一覧のクエリを組み立てる。
// アーカイブ済み・ゴミ箱のアイテムはフラグで明示しない限り除外する。
func buildInboxListQuery(ownerID string, filter model.InboxFilter) (sq.SelectBuilder, error) {
	q := psql.Select(inboxColumns...).
		From("inbox_items i").
		Where(sq.Eq{"i.owner_id": ownerID})

	if filter.Search != "" {
		p := likePattern(filter.Search)
		q = q.Where(sq.Or{
			sq.ILike{"i.title": p},
			sq.ILike{"i.description": p},
			sq.ILike{"i.url": p},
		})
	}
	if filter.Source != "" {
		q = q.Where(sq.Eq{"i.source": filter.Source})
	}
	for _, tag := range filter.Tags {
		q = q.Where(sq.Expr(
			`EXISTS (SELECT 1 FROM inbox_item_tags it JOIN tags t ON t.id = it.tag_id WHERE it.inbox_item_id = i.id AND t.name = ?)`,
			tag,
		))
	}
	if !filter.ShowArchived {
		q = q.Where(systemTagCondition(model.TagInboxArchived, false))
	}
	if !filter.ShowTrashed {
		q = q.Where(systemTagCondition(model.TagInboxTrashed, false))
	}

	switch filter.Sort {
	case "", model.InboxSortNewest:
		q = q.OrderBy("i.created_at DESC", "i.id DESC")
	case model.InboxSortOldest:
		q = q.OrderBy("i.created_at ASC", "i.id ASC")
	default:
		return q, model.NewInvalidFilterError(fmt.Sprintf("unknown sort %q", filter.Sort))
	}

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q, nil
}

// List はフィルタ条件でユーザーのアイテムを取得する。
func (r *PostgresInboxRepo) List(ctx context.Context, ownerID string, filter model.InboxFilter) ([]*model.InboxItem, error) {
	b, err := buildInboxListQuery(ownerID, filter)
	if err != nil {
		return nil, err
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの構築に失敗しました: %w", err)
	}
	return r.queryItems(ctx, query, args...)
}

func (r *PostgresInboxRepo) queryItems(ctx context.Context, query string, args ...any) ([]*model.InboxItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("インボックス一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("インボックスアイテムの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("インボックス一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// AddTag はアイテムにタグを付与する。
func (r *PostgresInboxRepo) AddTag(ctx context.Context, itemID, tagID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO inbox_item_tags (inbox_item_id, tag_id, created_at) VALUES ($1, $2, now()) ON CONFLICT DO NOTHING`,
		itemID, tagID,
	)
	if err != nil {
		return fmt.Errorf("インボックスタグの付与に失敗しました: %w", err)
	}
	return nil
}

// RemoveTag はアイテムからタグを外す。
func (r *PostgresInboxRepo) RemoveTag(ctx context.Context, itemID, tagID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM inbox_item_tags WHERE inbox_item_id = $1 AND tag_id = $2`,
		itemID, tagID,
	)
	if err != nil {
		return fmt.Errorf("インボックスタグの削除に失敗しました: %w", err)
	}
	return nil
}

// BulkAddTag はユーザーが所有するアイテムにまとめてタグを付与する。
func (r *PostgresInboxRepo) BulkAddTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO inbox_item_tags (inbox_item_id, tag_id, created_at)
		 SELECT id, $3, now() FROM inbox_items WHERE owner_id = $1 AND id = ANY($2)
		 ON CONFLICT DO NOTHING`,
		ownerID, pq.Array(itemIDs), tagID,
	)
	if err != nil {
		return 0, fmt.Errorf("インボックスタグの一括付与に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// BulkRemoveTag はユーザーが所有するアイテムからまとめてタグを外す。
func (r *PostgresInboxRepo) BulkRemoveTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM inbox_item_tags
		 WHERE tag_id = $3
		   AND inbox_item_id IN (SELECT id FROM inbox_items WHERE owner_id = $1 AND id = ANY($2))`,
		ownerID, pq.Array(itemIDs), tagID,
	)
	if err != nil {
		return 0, fmt.Errorf("インボックスタグの一括削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// Delete は指定IDのアイテムを削除する。
func (r *PostgresInboxRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM inbox_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("インボックスアイテムの削除に失敗しました: %w", err)
	}
	return nil
}

// PurgeTrashed はbeforeより前にゴミ箱タグが付与されたアイテムを削除する。
func (r *PostgresInboxRepo) PurgeTrashed(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM inbox_items i
		 USING inbox_item_tags it, tags t
		 WHERE it.inbox_item_id = i.id
		   AND t.id = it.tag_id
		   AND t.name = $1
		   AND t.is_system
		   AND it.created_at < $2`,
		model.TagInboxTrashed, before,
	)
	if err != nil {
		return 0, fmt.Errorf("ゴミ箱アイテムの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ InboxRepository = (*PostgresInboxRepo)(nil)
