// Package command はUI層に公開する型付きの操作窓口を提供する。
// すべての操作は呼び出し元ユーザーIDを受け取り、対象エンティティの所有者であることを確認する。
package command

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/model"
)

// ManualSource は利用者が直接インボックスに追加したアイテムのソース識別子。
const ManualSource = "manual"

// BookmarkService はブックマーク操作。bookmark.Serviceが実装する。
type BookmarkService interface {
	Create(ctx context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error)
	Get(ctx context.Context, callerID, id string) (*model.Bookmark, error)
	Update(ctx context.Context, callerID, id string, p bookmark.Patch) (*model.Bookmark, error)
	Delete(ctx context.Context, callerID, id string) error
	List(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error)
	ListWithFeedDates(ctx context.Context, callerID string) ([]*model.BookmarkWithFeedDate, error)
	Export(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error)
}

// InboxService はインボックスのトリアージ操作。inbox.Serviceが実装する。
type InboxService interface {
	List(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error)
	Get(ctx context.Context, callerID, itemID string) (*model.InboxItem, error)
	Mark(ctx context.Context, callerID, itemID string, op inbox.MarkOp) error
	BulkMark(ctx context.Context, callerID string, op inbox.MarkOp, itemIDs []string) (int64, error)
}

// InboxWriter は1件ずつインボックスに書き込む。inbox.Materializerが実装する。
type InboxWriter interface {
	MaterializeOne(ctx context.Context, ownerID, source, sourceType string, c inbox.Candidate) (*model.InboxItem, bool, error)
}

// ImportService はインポートジョブの受付と状態操作。importer.Serviceが実装する。
type ImportService interface {
	Submit(ctx context.Context, ownerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error)
	Get(ctx context.Context, callerID, id string) (*model.ImportJob, error)
	Cancel(ctx context.Context, callerID, id string) (*model.ImportJob, error)
	Retry(ctx context.Context, callerID, id string) (*model.ImportJob, error)
}

// UserService はユーザーの登録と退会。user.Serviceが実装する。
type UserService interface {
	Register(ctx context.Context, displayName, credentialRef string) (*model.User, error)
	Withdraw(ctx context.Context, callerID, userID string) error
}

// SourceService はソーシャルアカウントとタイムラインの管理。source.Serviceが実装する。
type SourceService interface {
	ConnectAccount(ctx context.Context, callerID, server, credential string) (*model.SourceAccount, error)
	ListAccounts(ctx context.Context, callerID string) ([]*model.SourceAccount, error)
	RefreshCredential(ctx context.Context, callerID, accountID, credential string) error
	SetAccountActive(ctx context.Context, callerID, accountID string, active bool) error
	AddTimeline(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error)
	ListTimelines(ctx context.Context, callerID, accountID string) ([]*model.Timeline, error)
}

// TagStore はタグの参照と削除。
type TagStore interface {
	FindByName(ctx context.Context, ownerID, name string) (*model.Tag, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Tag, error)
	DeleteUserTag(ctx context.Context, ownerID, name string) (bool, error)
}

// Services はSurfaceが委譲する各サービスの組。
type Services struct {
	Bookmarks BookmarkService
	Inbox     InboxService
	InboxOne  InboxWriter
	Imports   ImportService
	Users     UserService
	Sources   SourceService
	Tags      TagStore
}

// Surface はUI層から呼び出される操作の窓口。
type Surface struct {
	Services
	logger *slog.Logger
}

// NewSurface はSurfaceの新しいインスタンスを生成する。
func NewSurface(svcs Services, logger *slog.Logger) *Surface {
	return &Surface{Services: svcs, logger: logger}
}

// --- ブックマーク ---

// CreateBookmark はブックマークを作成する。既存の場合は変更せずにfalseと共に返す。
func (s *Surface) CreateBookmark(ctx context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error) {
	return s.Bookmarks.Create(ctx, callerID, in)
}

// GetBookmark はブックマークを取得する。
func (s *Surface) GetBookmark(ctx context.Context, callerID, id string) (*model.Bookmark, error) {
	return s.Bookmarks.Get(ctx, callerID, id)
}

// UpdateBookmark はブックマークを更新する。
func (s *Surface) UpdateBookmark(ctx context.Context, callerID, id string, p bookmark.Patch) (*model.Bookmark, error) {
	return s.Bookmarks.Update(ctx, callerID, id, p)
}

// DeleteBookmark はブックマークを削除する。
func (s *Surface) DeleteBookmark(ctx context.Context, callerID, id string) error {
	return s.Bookmarks.Delete(ctx, callerID, id)
}

// ListBookmarks はブックマークを一覧する。
func (s *Surface) ListBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error) {
	return s.Bookmarks.List(ctx, callerID, filter)
}

// BookmarksWithFeedDates はブックマークと参照先フィードの鮮度情報を返す。
func (s *Surface) BookmarksWithFeedDates(ctx context.Context, callerID string) ([]*model.BookmarkWithFeedDate, error) {
	return s.Bookmarks.ListWithFeedDates(ctx, callerID)
}

// ExportBookmarks はブックマークをformat形式でwに書き出す。
func (s *Surface) ExportBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error) {
	return s.Bookmarks.Export(ctx, callerID, filter, format, w)
}

// --- インボックス ---

// ListInbox はインボックスを一覧する。
func (s *Surface) ListInbox(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error) {
	return s.Inbox.List(ctx, callerID, filter)
}

// GetInboxItem はインボックスアイテムを取得する。
func (s *Surface) GetInboxItem(ctx context.Context, callerID, id string) (*model.InboxItem, error) {
	return s.Inbox.Get(ctx, callerID, id)
}

// MarkItemRead はアイテムを既読にする。
func (s *Surface) MarkItemRead(ctx context.Context, callerID, id string) error {
	return s.Inbox.Mark(ctx, callerID, id, inbox.MarkRead)
}

// MarkItemUnread はアイテムを未読に戻す。
func (s *Surface) MarkItemUnread(ctx context.Context, callerID, id string) error {
	return s.Inbox.Mark(ctx, callerID, id, inbox.MarkUnread)
}

// MarkItemArchived はアイテムをアーカイブする。
func (s *Surface) MarkItemArchived(ctx context.Context, callerID, id string) error {
	return s.Inbox.Mark(ctx, callerID, id, inbox.MarkArchived)
}

// MarkItemUnarchived はアイテムのアーカイブを解除する。
func (s *Surface) MarkItemUnarchived(ctx context.Context, callerID, id string) error {
	return s.Inbox.Mark(ctx, callerID, id, inbox.MarkUnarchived)
}

// MarkItemTrashed はアイテムをゴミ箱へ移す。
func (s *Surface) MarkItemTrashed(ctx context.Context, callerID, id string) error {
	return s.Inbox.Mark(ctx, callerID, id, inbox.MarkTrashed)
}

// BulkMark は複数のアイテムに同じトリアージ操作を適用する。
func (s *Surface) BulkMark(ctx context.Context, callerID string, op inbox.MarkOp, ids []string) (int64, error) {
	return s.Inbox.BulkMark(ctx, callerID, op, ids)
}

// SaveToInbox は利用者が指定したURLをインボックスに追加する。同じURLが既にあれば既存行を返す。
func (s *Surface) SaveToInbox(ctx context.Context, callerID, rawURL, title string) (*model.InboxItem, bool, error) {
	return s.InboxOne.MaterializeOne(ctx, callerID, ManualSource, ManualSource, inbox.Candidate{
		URL:          strings.TrimSpace(rawURL),
		PreviewTitle: title,
	})
}

// PromoteInboxToBookmark はインボックスのアイテムをブックマークに昇格させ、アイテムをアーカイブする。
// アイテムのユーザータグ（ハッシュタグなど）は引き継ぎ、システムタグは引き継がない。
func (s *Surface) PromoteInboxToBookmark(ctx context.Context, callerID, itemID string) (*model.Bookmark, bool, error) {
	item, err := s.Inbox.Get(ctx, callerID, itemID)
	if err != nil {
		return nil, false, err
	}

	var tags []string
	for _, t := range item.Tags {
		if !model.IsSystemTagName(t) {
			tags = append(tags, t)
		}
	}
	fields := model.BookmarkFields{
		Title:       item.Title,
		Description: item.Description,
		Tags:        tags,
	}
	if item.SourceType == model.SourceTypeFeed {
		fields.FeedURL = strings.TrimPrefix(item.Source, model.SourceTypeFeed+":")
	}

	b, created, err := s.Bookmarks.Create(ctx, callerID, bookmark.CreateInput{URL: item.URL, Fields: fields})
	if err != nil {
		return nil, false, err
	}
	if err := s.Inbox.Mark(ctx, callerID, itemID, inbox.MarkArchived); err != nil {
		return nil, false, err
	}

	s.logger.Info("インボックスのアイテムをブックマークに昇格しました",
		slog.String("user_id", callerID),
		slog.String("item_id", itemID),
		slog.String("bookmark_id", b.ID),
	)
	return b, created, nil
}

// --- タグ ---

// ListTags は呼び出し元のタグを返す。
func (s *Surface) ListTags(ctx context.Context, callerID string) ([]*model.Tag, error) {
	return s.Tags.ListByOwner(ctx, callerID)
}

// DeleteTag はユーザータグを削除する。システムタグはSystemTagProtectedを返す。
// 存在しないタグの削除は何もしない。
func (s *Surface) DeleteTag(ctx context.Context, callerID, name string) error {
	if model.IsSystemTagName(name) {
		return model.NewSystemTagProtectedError(name)
	}
	tag, err := s.Tags.FindByName(ctx, callerID, name)
	if err != nil {
		return err
	}
	if tag == nil {
		return nil
	}
	if tag.IsSystem {
		return model.NewSystemTagProtectedError(name)
	}
	if _, err := s.Tags.DeleteUserTag(ctx, callerID, name); err != nil {
		return err
	}
	return nil
}

// --- インポート ---

// SubmitImport はインポート文書を受け付ける。
func (s *Surface) SubmitImport(ctx context.Context, callerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error) {
	return s.Imports.Submit(ctx, callerID, r, policy)
}

// GetImport はインポートジョブを取得する。
func (s *Surface) GetImport(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	return s.Imports.Get(ctx, callerID, id)
}

// CancelImport はインポートジョブを取り消す。
func (s *Surface) CancelImport(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	return s.Imports.Cancel(ctx, callerID, id)
}

// RetryImport は失敗したインポートジョブを再試行する。
func (s *Surface) RetryImport(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	return s.Imports.Retry(ctx, callerID, id)
}

// --- ユーザー ---

// RegisterUser はユーザーを登録する。呼び出し元は外部の認証基盤であり所有者確認は行わない。
func (s *Surface) RegisterUser(ctx context.Context, displayName, credentialRef string) (*model.User, error) {
	return s.Users.Register(ctx, displayName, credentialRef)
}

// DeleteUser はユーザーを退会させる。本人のみ実行できる。
func (s *Surface) DeleteUser(ctx context.Context, callerID, userID string) error {
	return s.Users.Withdraw(ctx, callerID, userID)
}

// --- ソース ---

// ConnectAccount はソーシャルアカウントを登録する。
func (s *Surface) ConnectAccount(ctx context.Context, callerID, server, credential string) (*model.SourceAccount, error) {
	return s.Sources.ConnectAccount(ctx, callerID, server, credential)
}

// ListAccounts はソーシャルアカウントを一覧する。
func (s *Surface) ListAccounts(ctx context.Context, callerID string) ([]*model.SourceAccount, error) {
	return s.Sources.ListAccounts(ctx, callerID)
}

// RefreshCredential は資格情報を差し替える。
func (s *Surface) RefreshCredential(ctx context.Context, callerID, accountID, credential string) error {
	return s.Sources.RefreshCredential(ctx, callerID, accountID, credential)
}

// SetAccountActive はアカウントの有効・無効を切り替える。
func (s *Surface) SetAccountActive(ctx context.Context, callerID, accountID string, active bool) error {
	return s.Sources.SetAccountActive(ctx, callerID, accountID, active)
}

// AddTimeline はタイムラインを追加する。
func (s *Surface) AddTimeline(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error) {
	return s.Sources.AddTimeline(ctx, callerID, accountID, typ, config)
}

// ListTimelines はタイムラインを一覧する。
func (s *Surface) ListTimelines(ctx context.Context, callerID, accountID string) ([]*model.Timeline, error) {
	return s.Sources.ListTimelines(ctx, callerID, accountID)
}
