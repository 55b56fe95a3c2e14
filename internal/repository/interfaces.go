// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 所有するブックマーク、インボックス、タグ、ソースアカウント、インポートジョブはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// FeedRepository はフィードデータの永続化インターフェース。
// 状態更新はversion列による楽観的排他制御で行い、競合時はfalseを返す。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByURL はURLでフィードを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Feed, error)

	// GetOrCreate はURLのフィードを取得し、存在しなければ作成する。作成した場合はtrueを返す。
	GetOrCreate(ctx context.Context, url string) (*model.Feed, bool, error)

	// ListDueForPoll はポーリング対象のフィードを取得する。
	// active かつブックマーク購読者が存在し、last_poll_attempt が NULL または before より古いもの。
	ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Feed, error)

	// Lease はlast_poll_attemptを記録してポーリング権を取得する。
	Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error)

	// SavePollState はポーリング結果（検証子、失敗回数、最終成功日時など）を保存する。
	// 成功時はfeed.Versionを更新後の値に進める。
	SavePollState(ctx context.Context, feed *model.Feed) (bool, error)

	// Disable はフィードを無効化する。
	Disable(ctx context.Context, id string, version int64, reason string) (bool, error)

	// Delete はフィードを削除する。ブックマークはURL文字列で参照しているため影響しない。
	Delete(ctx context.Context, id string) error
}

// FeedItemRepository はフィードエントリの永続化インターフェース。
type FeedItemRepository interface {
	// UpsertEntries はエントリをソース順に単一トランザクションで保存し、
	// 今回のポーリングで初めて観測されたアイテム（first_seen = pollTime）をソース順で返す。
	// 既存アイテムはlast_seenのみ更新し、dateは未設定の場合にのみ補完する。
	UpsertEntries(ctx context.Context, feedID string, entries []model.ParsedEntry, pollTime time.Time) ([]*model.FeedItem, error)

	// DeleteOlderThan はlast_seenがbeforeより古いアイテムを削除する。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// BookmarkRepository はブックマークの永続化インターフェース。
type BookmarkRepository interface {
	// Upsert はURLを正規化したハッシュで (owner, unique_hash) を衝突判定し、ブックマークを保存する。
	// 衝突時はpolicyに従う。新規作成した場合はtrueを返す。
	Upsert(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error)

	// FindByID は指定IDのブックマークを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Bookmark, error)

	// FindByHash はユーザーとハッシュでブックマークを検索する。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, ownerID, uniqueHash string) (*model.Bookmark, error)

	// Update はブックマークのフィールドとタグを更新する。URLが変わった場合はハッシュも再計算する。
	Update(ctx context.Context, bookmark *model.Bookmark) error

	// Delete は指定IDのブックマークを削除する。
	Delete(ctx context.Context, id string) error

	// List はユーザーのブックマークを作成日時の降順で取得する。
	List(ctx context.Context, ownerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error)

	// SubscribersOfFeed は feed_url が一致するブックマークを所有するユーザーIDを返す。
	SubscribersOfFeed(ctx context.Context, feedURL string) ([]string, error)

	// ListWithFeedDates はブックマークと参照先フィードの鮮度情報を結合して返す。
	ListWithFeedDates(ctx context.Context, ownerID string) ([]*model.BookmarkWithFeedDate, error)
}

// InboxInsert は一括挿入するインボックスアイテムと付与するタグの組。
type InboxInsert struct {
	Item *model.InboxItem
	Tags []model.TagRef
}

// InboxRepository はインボックスアイテムの永続化インターフェース。
type InboxRepository interface {
	// Insert は (owner, unique_hash, source) で衝突判定して1件挿入する。
	// 衝突時は既存行を変更せずに返し、falseを返す。
	Insert(ctx context.Context, item *model.InboxItem, tags []model.TagRef) (*model.InboxItem, bool, error)

	// BulkInsert は単一バッチで挿入し、衝突は黙って無視する。実際に挿入した件数を返す。
	BulkInsert(ctx context.Context, ownerID, source string, rows []InboxInsert) (int, error)

	// ExistingStatusIDs はユーザーの既存アイテムに含まれる上流ステータスIDを返す。
	ExistingStatusIDs(ctx context.Context, ownerID string, statusIDs []string) (map[string]bool, error)

	// ExistingHashes は指定ソースの既存アイテムに含まれるハッシュを返す。
	ExistingHashes(ctx context.Context, ownerID, source string, hashes []string) (map[string]bool, error)

	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.InboxItem, error)

	// FindByIDs は指定IDのアイテムをまとめて取得する。存在しないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.InboxItem, error)

	// List はフィルタ条件でユーザーのアイテムを取得する。
	List(ctx context.Context, ownerID string, filter model.InboxFilter) ([]*model.InboxItem, error)

	// AddTag はアイテムにタグを付与する。既に付与済みの場合は何もしない。
	AddTag(ctx context.Context, itemID, tagID string) error

	// RemoveTag はアイテムからタグを外す。
	RemoveTag(ctx context.Context, itemID, tagID string) error

	// BulkAddTag はユーザーが所有するアイテムにまとめてタグを付与し、付与した件数を返す。
	BulkAddTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error)

	// BulkRemoveTag はユーザーが所有するアイテムからまとめてタグを外し、外した件数を返す。
	BulkRemoveTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error)

	// Delete は指定IDのアイテムを削除する。
	Delete(ctx context.Context, id string) error

	// PurgeTrashed はbeforeより前にゴミ箱へ移されたアイテムを削除する。
	PurgeTrashed(ctx context.Context, before time.Time) (int64, error)
}

// TagRepository はタグの永続化インターフェース。
type TagRepository interface {
	// GetOrCreate は (owner, name) のタグを取得し、存在しなければ作成する。
	// 一意制約で同時作成を直列化する。
	GetOrCreate(ctx context.Context, ownerID, name string, isSystem bool) (*model.Tag, error)

	// FindByName は名前でタグを検索する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, ownerID, name string) (*model.Tag, error)

	// ListByOwner はユーザーのタグを名前順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Tag, error)

	// DeleteUserTag はユーザータグを削除する。システムタグは削除せずfalseを返す。
	DeleteUserTag(ctx context.Context, ownerID, name string) (bool, error)
}

// SourceAccountRepository はソーシャルアカウントの永続化インターフェース。
type SourceAccountRepository interface {
	// Create はアカウントを作成する。
	Create(ctx context.Context, account *model.SourceAccount) error

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SourceAccount, error)

	// ListByUser はユーザーのアカウントを返す。
	ListByUser(ctx context.Context, userID string) ([]*model.SourceAccount, error)

	// MarkNeedsReauth は再認証が必要かどうかを記録する。
	MarkNeedsReauth(ctx context.Context, id string, needs bool) error

	// UpdateCredential は資格情報を差し替え、再認証フラグを解除する。
	UpdateCredential(ctx context.Context, id, credential string) error

	// SetActive はアカウントの有効・無効を切り替える。
	SetActive(ctx context.Context, id string, active bool) error
}

// TimelineRepository はタイムラインの永続化インターフェース。
type TimelineRepository interface {
	// Create はタイムラインを作成する。
	Create(ctx context.Context, timeline *model.Timeline) error

	// FindByID は指定IDのタイムラインを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Timeline, error)

	// ListByAccount はアカウントのタイムラインを返す。
	ListByAccount(ctx context.Context, accountID string) ([]*model.Timeline, error)

	// ListDueForPoll はタイムラインとアカウントがともにactiveで、
	// last_poll_attempt が NULL または before より古いタイムラインを返す。
	ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Timeline, error)

	// Lease はlast_poll_attemptを記録してポーリング権を取得する。
	Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error)

	// SavePollState はカーソルと健全性情報を保存する。成功時はtimeline.Versionを進める。
	SavePollState(ctx context.Context, timeline *model.Timeline) (bool, error)

	// Disable はタイムラインを無効化する。
	Disable(ctx context.Context, id string, version int64, reason string) (bool, error)
}

// ImportJobRepository はインポートジョブの永続化インターフェース。
type ImportJobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.ImportJob) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ImportJob, error)

	// ListByStatus は指定状態のジョブを作成日時の昇順で返す。
	ListByStatus(ctx context.Context, status model.ImportStatus, limit int) ([]*model.ImportJob, error)

	// Transition は状態がfromの場合に限りtoへ遷移させる。
	Transition(ctx context.Context, id string, from, to model.ImportStatus, now time.Time) (bool, error)

	// SaveProgress は処理中ジョブのカウンタを保存する。成功時はjob.Versionを進める。
	SaveProgress(ctx context.Context, job *model.ImportJob) (bool, error)

	// Finish は処理中ジョブを終端状態にしてカウンタを確定する。
	Finish(ctx context.Context, job *model.ImportJob, status model.ImportStatus, now time.Time) (bool, error)

	// ResetForRetry は失敗したジョブをpendingに戻し、カウンタを消去する。
	ResetForRetry(ctx context.Context, id string) (bool, error)
}
