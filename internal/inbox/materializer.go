// Package inbox はインボックスアイテムの生成とトリアージを提供する。
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/security"
	"github.com/hitoshi/linkbox/internal/urlnorm"
)

// maxTitleRunes はインボックスアイテムのタイトルの最大文字数。
const maxTitleRunes = 255

// Candidate はインボックスに挿入する前のアイテム候補。
// フィードエントリ1件、またはステータス内のリンク1件に対応する。
type Candidate struct {
	URL          string
	PreviewTitle string // リンクプレビューやフィードエントリのタイトル
	Text         string // タイトル合成に使う本文（HTML可）
	Description  string
	Hashtags     []string
	Metadata     model.InboxMetadata
}

// TextExtractor はHTML断片からプレーンテキストを取り出す。
type TextExtractor interface {
	Extract(fragment string) string
}

// Materializer は候補をインボックスアイテムに変換して保存する。
type Materializer struct {
	inboxRepo repository.InboxRepository
	text      TextExtractor
	logger    *slog.Logger
}

// NewMaterializer は新しいMaterializerを生成する。
func NewMaterializer(inboxRepo repository.InboxRepository, text TextExtractor, logger *slog.Logger) *Materializer {
	return &Materializer{
		inboxRepo: inboxRepo,
		text:      text,
		logger:    logger,
	}
}

// Build は候補から挿入用の行とタグを組み立てる。
// URLが正規化できない場合はMalformedURLのAPIErrorを返す。
func (m *Materializer) Build(ownerID, source, sourceType string, c Candidate) (repository.InboxInsert, error) {
	canonical, hash, err := urlnorm.Canonicalize(c.URL)
	if err != nil {
		return repository.InboxInsert{}, model.NewInvalidURLError(err.Error())
	}
	host := hostOf(canonical)

	item := &model.InboxItem{
		OwnerID:     ownerID,
		URL:         c.URL,
		UniqueHash:  hash,
		Title:       m.synthesizeTitle(c, host),
		Description: c.Description,
		Source:      source,
		SourceType:  sourceType,
		Metadata:    c.Metadata,
	}

	tags := []model.TagRef{
		{Name: model.SourceTagName(sourceType), IsSystem: true},
		{Name: model.HostTagName(host), IsSystem: true},
	}
	if sourceType != model.SourceTypeFeed {
		seen := make(map[string]bool, len(c.Hashtags))
		for _, h := range c.Hashtags {
			name := model.HashtagTagName(strings.ToLower(strings.TrimSpace(h)))
			if name == model.HashtagTagPrefix || seen[name] {
				continue
			}
			seen[name] = true
			tags = append(tags, model.TagRef{Name: name})
		}
	}

	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	item.Tags = names

	return repository.InboxInsert{Item: item, Tags: tags}, nil
}

// synthesizeTitle はプレビュータイトル、本文テキスト、"Link from <host>" の順にタイトルを決める。
func (m *Materializer) synthesizeTitle(c Candidate, host string) string {
	title := strings.TrimSpace(c.PreviewTitle)
	if title == "" && c.Text != "" {
		title = m.text.Extract(c.Text)
	}
	if title == "" {
		title = "Link from " + host
	}
	return security.Truncate(title, maxTitleRunes)
}

// MaterializeBatch は候補を一括挿入し、実際に挿入した件数を返す。
// 正規化できないURLとバッチ内の重複はスキップする。既存行との衝突は無視される。
func (m *Materializer) MaterializeBatch(ctx context.Context, ownerID, source, sourceType string, candidates []Candidate) (int, error) {
	start := time.Now()

	rows := make([]repository.InboxInsert, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		row, err := m.Build(ownerID, source, sourceType, c)
		if err != nil {
			m.logger.Warn("インボックス候補をスキップしました",
				slog.String("user_id", ownerID),
				slog.String("source", source),
				slog.String("url", c.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		if seen[row.Item.UniqueHash] {
			continue
		}
		seen[row.Item.UniqueHash] = true
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	inserted, err := m.inboxRepo.BulkInsert(ctx, ownerID, source, rows)
	if err != nil {
		return 0, fmt.Errorf("インボックスへの一括挿入に失敗しました: %w", err)
	}

	m.logger.Info("インボックスアイテムを生成しました",
		slog.String("user_id", ownerID),
		slog.String("source", source),
		slog.Int("candidates", len(candidates)),
		slog.Int("inserted", inserted),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return inserted, nil
}

// MaterializeOne は候補を1件挿入する。
// 既に同じ (owner, unique_hash, source) の行がある場合は既存行を変更せずに返し、falseを返す。
func (m *Materializer) MaterializeOne(ctx context.Context, ownerID, source, sourceType string, c Candidate) (*model.InboxItem, bool, error) {
	row, err := m.Build(ownerID, source, sourceType, c)
	if err != nil {
		return nil, false, err
	}
	item, created, err := m.inboxRepo.Insert(ctx, row.Item, row.Tags)
	if err != nil {
		return nil, false, fmt.Errorf("インボックスへの挿入に失敗しました: %w", err)
	}
	return item, created, nil
}

func hostOf(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
