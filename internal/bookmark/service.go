// Package bookmark はブックマークの作成・更新・削除・一覧・エクスポートを提供する。
package bookmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/urlnorm"
)

// Unfurler はリンク先ページのメタデータを取得する。
type Unfurler interface {
	Unfurl(ctx context.Context, rawURL string) (*model.UnfurlMetadata, error)
}

// FeedRegistrar はfeed_urlに対応するフィード行を用意する。
type FeedRegistrar interface {
	EnsureFeed(ctx context.Context, feedURL string) (*model.Feed, error)
}

// CreateInput はブックマーク作成の入力。
type CreateInput struct {
	URL    string
	Fields model.BookmarkFields
	Unfurl bool // trueの場合はページのメタデータで空のフィールドを補う
}

// Patch はブックマーク更新の差分。nilのフィールドは変更しない。
type Patch struct {
	URL         *string
	Title       *string
	Description *string
	FeedURL     *string
	Tags        *[]string
}

// Service はブックマーク操作のビジネスロジックを提供する。
type Service struct {
	bookmarkRepo repository.BookmarkRepository
	feeds        FeedRegistrar
	unfurler     Unfurler
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。unfurlerはnilでもよい。
func NewService(bookmarkRepo repository.BookmarkRepository, feeds FeedRegistrar, unfurler Unfurler, logger *slog.Logger) *Service {
	return &Service{
		bookmarkRepo: bookmarkRepo,
		feeds:        feeds,
		unfurler:     unfurler,
		logger:       logger,
		now:          time.Now,
	}
}

// Create はブックマークを作成する。同じURLのブックマークが既にある場合は既存行を変更せずに返す。
func (s *Service) Create(ctx context.Context, callerID string, in CreateInput) (*model.Bookmark, bool, error) {
	fields := in.Fields
	if in.Unfurl && s.unfurler != nil {
		if _, _, err := urlnorm.Canonicalize(in.URL); err == nil {
			s.applyUnfurl(ctx, in.URL, &fields)
		}
	}
	return s.Save(ctx, callerID, in.URL, fields, model.MergePolicySkip)
}

// applyUnfurl はページのメタデータで未指定のフィールドを補う。取得失敗は作成を妨げない。
func (s *Service) applyUnfurl(ctx context.Context, rawURL string, fields *model.BookmarkFields) {
	md, err := s.unfurler.Unfurl(ctx, rawURL)
	if err != nil {
		s.logger.Warn("メタデータの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return
	}
	fields.Unfurl = md
	if fields.Title == "" {
		fields.Title = md.Title
	}
	if fields.Description == "" {
		fields.Description = md.Description
	}
	if fields.FeedURL == "" {
		fields.FeedURL = md.Feed
	}
}

// Save はURLを検証し、feed_urlのフィードを用意したうえでpolicyに従ってブックマークを保存する。
// インポート処理からも利用される。
func (s *Service) Save(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error) {
	rawURL = strings.TrimSpace(rawURL)
	if _, _, err := urlnorm.Canonicalize(rawURL); err != nil {
		return nil, false, model.NewInvalidURLError(rawURL)
	}
	fields.Tags = NormalizeTags(fields.Tags)
	fields.FeedURL = strings.TrimSpace(fields.FeedURL)
	if fields.Title == "" {
		fields.Title = rawURL
	}
	if fields.FeedURL != "" {
		if _, err := s.feeds.EnsureFeed(ctx, fields.FeedURL); err != nil {
			return nil, false, err
		}
	}

	b, created, err := s.bookmarkRepo.Upsert(ctx, ownerID, rawURL, fields, policy)
	if err != nil {
		return nil, false, fmt.Errorf("ブックマークの保存に失敗しました: %w", err)
	}
	if created {
		s.logger.Info("ブックマークを作成しました",
			slog.String("user_id", ownerID),
			slog.String("bookmark_id", b.ID),
		)
	}
	return b, created, nil
}

// Get は呼び出し元が所有するブックマークを取得する。
func (s *Service) Get(ctx context.Context, callerID, id string) (*model.Bookmark, error) {
	b, err := s.bookmarkRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ブックマークの取得に失敗しました: %w", err)
	}
	if b == nil {
		return nil, model.NewBookmarkNotFoundError(id)
	}
	if b.OwnerID != callerID {
		return nil, model.NewPermissionDeniedError()
	}
	return b, nil
}

// Update はブックマークに差分を適用する。
func (s *Service) Update(ctx context.Context, callerID, id string, p Patch) (*model.Bookmark, error) {
	b, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}

	if p.URL != nil {
		u := strings.TrimSpace(*p.URL)
		_, hash, err := urlnorm.Canonicalize(u)
		if err != nil {
			return nil, model.NewInvalidURLError(u)
		}
		if hash != b.UniqueHash {
			other, err := s.bookmarkRepo.FindByHash(ctx, callerID, hash)
			if err != nil {
				return nil, fmt.Errorf("ブックマークの重複確認に失敗しました: %w", err)
			}
			if other != nil && other.ID != b.ID {
				return nil, model.NewDuplicateBookmarkError(u)
			}
		}
		b.URL = u
	}
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.Tags != nil {
		b.Tags = NormalizeTags(*p.Tags)
	}
	if p.FeedURL != nil {
		feedURL := strings.TrimSpace(*p.FeedURL)
		if feedURL != "" && feedURL != b.FeedURL {
			if _, err := s.feeds.EnsureFeed(ctx, feedURL); err != nil {
				return nil, err
			}
		}
		b.FeedURL = feedURL
	}

	if err := s.bookmarkRepo.Update(ctx, b); err != nil {
		if errors.Is(err, repository.ErrDuplicateBookmark) {
			return nil, model.NewDuplicateBookmarkError(b.URL)
		}
		return nil, fmt.Errorf("ブックマークの更新に失敗しました: %w", err)
	}
	return b, nil
}

// Delete は呼び出し元が所有するブックマークを削除する。
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return err
	}
	if err := s.bookmarkRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("ブックマークの削除に失敗しました: %w", err)
	}
	s.logger.Info("ブックマークを削除しました",
		slog.String("user_id", callerID),
		slog.String("bookmark_id", id),
	)
	return nil
}

// List は呼び出し元のブックマークを作成日時の降順で返す。
func (s *Service) List(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error) {
	filter.Tags = NormalizeTags(filter.Tags)
	return s.bookmarkRepo.List(ctx, callerID, filter)
}

// ListWithFeedDates はブックマークと参照先フィードの鮮度情報を返す。
func (s *Service) ListWithFeedDates(ctx context.Context, callerID string) ([]*model.BookmarkWithFeedDate, error) {
	return s.bookmarkRepo.ListWithFeedDates(ctx, callerID)
}

// Export はフィルタに一致するブックマークをformat形式でwに書き出し、書き出した件数を返す。
// 0件でも空のコレクションを書き出す。
func (s *Service) Export(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error) {
	if format == "" {
		format = FormatActivityStreams
	}
	if format != FormatActivityStreams {
		return 0, model.NewUnsupportedFormatError(format)
	}

	bookmarks, err := s.List(ctx, callerID, filter)
	if err != nil {
		return 0, fmt.Errorf("ブックマークの取得に失敗しました: %w", err)
	}

	total := len(bookmarks)
	published := s.now().UTC()
	doc := Document{
		Context:    ActivityStreamsContext,
		Type:       "Collection",
		TotalItems: &total,
		Published:  &published,
		Items:      make([]LinkItem, 0, total),
	}
	for _, b := range bookmarks {
		doc.Items = append(doc.Items, ToLinkItem(b))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("エクスポート文書の書き出しに失敗しました: %w", err)
	}
	return total, nil
}
