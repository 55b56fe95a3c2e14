// Package model はドメインモデルを定義する。
package model

import "time"

// MergePolicy は既存ブックマークと衝突した場合のフィールド統合方針を表す。
type MergePolicy string

const (
	// MergePolicySkip は既存行を一切変更しない。
	MergePolicySkip MergePolicy = "skip"
	// MergePolicyOverwrite は呼び出し元のフィールドで既存行を上書きする。
	MergePolicyOverwrite MergePolicy = "overwrite"
)

// Valid はポリシーが既知の値かを返す。
func (p MergePolicy) Valid() bool {
	return p == MergePolicySkip || p == MergePolicyOverwrite
}

// UnfurlMetadata はリンク先ページから取得したメタデータを表す。
// JSONBとして保存される。
type UnfurlMetadata struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Image       string         `json:"image,omitempty"`
	Author      string         `json:"author,omitempty"`
	Feeds       []string       `json:"feeds,omitempty"`
	Feed        string         `json:"feed,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Bookmark はユーザーが恒久的に保存したリンクを表す。
// (owner_id, unique_hash) で一意。
type Bookmark struct {
	ID          string
	OwnerID     string
	URL         string
	UniqueHash  string
	Title       string
	Description string
	FeedURL     string // フィードはIDではなくURL文字列で参照する
	Tags        []string
	Unfurl      *UnfurlMetadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BookmarkFields はブックマーク作成・更新時に呼び出し元が指定するフィールド。
type BookmarkFields struct {
	Title       string
	Description string
	FeedURL     string
	Tags        []string
	Unfurl      *UnfurlMetadata
	CreatedAt   *time.Time // インポート時のpublished。nilの場合は現在時刻
}

// BookmarkFilter はブックマーク一覧・エクスポートの絞り込み条件。
type BookmarkFilter struct {
	Search string
	Tags   []string // すべてのタグを持つブックマークに絞る
	Since  *time.Time
}

// BookmarkWithFeedDate はブックマークと参照先フィードの鮮度情報を結合した射影。
// フィード行が存在しない場合、日付はnilになる。
type BookmarkWithFeedDate struct {
	Bookmark
	FeedNewestItemDate     *time.Time
	FeedLastSuccessfulPoll *time.Time
	FeedActive             bool
}
