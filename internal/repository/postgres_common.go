package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
)

// psql はPostgreSQLのプレースホルダ（$1, $2, ...）を使うクエリビルダ。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// queryer は*sql.DBと*sql.Txの共通メソッド。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner は*sql.Rowと*sql.Rowsの共通メソッド。
type rowScanner interface {
	Scan(dest ...any) error
}

// isUUID はidがUUIDとして解釈できるかを返す。
// 外部から届いたIDは、uuid列との比較でPostgreSQLが構文エラーを返す前にここで弾き、未検出として扱う。
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// onlyUUIDs はUUIDとして解釈できるIDだけを順序を保って返す。
func onlyUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if isUUID(id) {
			out = append(out, id)
		}
	}
	return out
}

// likePattern はILIKE用の部分一致パターンを生成する。ワイルドカード文字はエスケープする。
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// getOrCreateTag は (owner, name) のタグを取得または作成する。
// 一意制約による衝突時も同じ行を返す。一度システムタグになったタグは降格しない。
func getOrCreateTag(ctx context.Context, q queryer, ownerID, name string, isSystem bool) (*model.Tag, error) {
	tag := &model.Tag{}
	err := q.QueryRowContext(ctx,
		`INSERT INTO tags (id, owner_id, name, is_system, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, name) DO UPDATE SET is_system = tags.is_system OR EXCLUDED.is_system
		 RETURNING id, owner_id, name, is_system, created_at`,
		uuid.New().String(), ownerID, name, isSystem, time.Now(),
	).Scan(&tag.ID, &tag.OwnerID, &tag.Name, &tag.IsSystem, &tag.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("タグの取得または作成に失敗しました: %w", err)
	}
	return tag, nil
}

// tagCache は1トランザクション内でタグ名からタグIDへの解決結果を保持する。
type tagCache struct {
	q       queryer
	ownerID string
	ids     map[string]string
}

func newTagCache(q queryer, ownerID string) *tagCache {
	return &tagCache{q: q, ownerID: ownerID, ids: make(map[string]string)}
}

func (c *tagCache) resolve(ctx context.Context, ref model.TagRef) (string, error) {
	if id, ok := c.ids[ref.Name]; ok {
		return id, nil
	}
	tag, err := getOrCreateTag(ctx, c.q, c.ownerID, ref.Name, ref.IsSystem)
	if err != nil {
		return "", err
	}
	c.ids[ref.Name] = tag.ID
	return tag.ID, nil
}

// tagSubquery は対象行に付与されたタグ名を名前順の配列で返すサブクエリ。
func tagSubquery(joinTable, fkColumn, alias string) string {
	return fmt.Sprintf(
		`COALESCE((SELECT array_agg(t.name ORDER BY t.name) FROM %s jt JOIN tags t ON t.id = jt.tag_id WHERE jt.%s = %s.id), '{}')`,
		joinTable, fkColumn, alias,
	)
}
