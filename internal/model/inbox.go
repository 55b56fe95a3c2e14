// Package model はドメインモデルを定義する。
package model

import "time"

// InboxMetadata はインボックスアイテムの出自情報。JSONBとして保存される。
type InboxMetadata struct {
	UpstreamStatusID  string         `json:"upstream_status_id,omitempty"`
	UpstreamStatusURL string         `json:"upstream_status_url,omitempty"`
	Author            string         `json:"author,omitempty"`
	FeedItemGUID      string         `json:"feed_item_guid,omitempty"`
	Published         *time.Time     `json:"published,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// InboxItem はソースから配送された、トリアージ待ちのユーザーごとのアイテム。
// (owner_id, unique_hash, source) で一意。
type InboxItem struct {
	ID          string
	OwnerID     string
	URL         string
	UniqueHash  string
	Title       string
	Description string
	Source      string // 例: feed:https://example.com/rss
	SourceType  string // 例: feed, mastodon
	Metadata    InboxMetadata
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasTag はアイテムが指定タグを持つかを返す。
func (i *InboxItem) HasTag(name string) bool {
	for _, t := range i.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// InboxSort はインボックス一覧の並び順を表す。
type InboxSort string

const (
	// InboxSortNewest は作成日時の降順。
	InboxSortNewest InboxSort = "newest"
	// InboxSortOldest は作成日時の昇順。
	InboxSortOldest InboxSort = "oldest"
)

// InboxFilter はインボックス一覧の絞り込み条件。
type InboxFilter struct {
	Search       string
	Source       string
	Tags         []string
	ShowArchived bool
	ShowTrashed  bool
	Sort         InboxSort
	Limit        int
	Offset       int
}
