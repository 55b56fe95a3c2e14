package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/linkbox/internal/model"
)

// PostgresTagRepo はPostgreSQLを使用したタグリポジトリ。
type PostgresTagRepo struct {
	db *sql.DB
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db *sql.DB) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// GetOrCreate は (owner, name) のタグを取得し、存在しなければ作成する。
func (r *PostgresTagRepo) GetOrCreate(ctx context.Context, ownerID, name string, isSystem bool) (*model.Tag, error) {
	return getOrCreateTag(ctx, r.db, ownerID, name, isSystem)
}

// FindByName は名前でタグを検索する。見つからない場合はnilを返す。
func (r *PostgresTagRepo) FindByName(ctx context.Context, ownerID, name string) (*model.Tag, error) {
	tag := &model.Tag{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, is_system, created_at FROM tags WHERE owner_id = $1 AND name = $2`,
		ownerID, name,
	).Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.IsSystem, &tag.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	return tag, nil
}

// ListByOwner はユーザーのタグを名前順で返す。
func (r *PostgresTagRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, is_system, created_at FROM tags WHERE owner_id = $1 ORDER BY name`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tags []*model.Tag
	for rows.Next() {
		tag := &model.Tag{}
		if err := rows.Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.IsSystem, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("タグの読み取りに失敗しました: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ一覧の走査に失敗しました: %w", err)
	}
	return tags, nil
}

// DeleteUserTag はユーザータグを削除する。システムタグは削除対象にしない。
func (r *PostgresTagRepo) DeleteUserTag(ctx context.Context, ownerID, name string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tags WHERE owner_id = $1 AND name = $2 AND NOT is_system`,
		ownerID, name,
	)
	if err != nil {
		return false, fmt.Errorf("タグの削除に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// compile-time interface check
var _ TagRepository = (*PostgresTagRepo)(nil)
