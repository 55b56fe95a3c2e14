// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// システムタグ名。コアが作成し、ユーザー操作では削除されない。
const (
	TagInboxRead     = "inbox:read"
	TagInboxArchived = "inbox:archived"
	TagInboxTrashed  = "inbox:trashed"

	SourceTagPrefix  = "source:"
	HostTagPrefix    = "host:"
	HashtagTagPrefix = "#"
)

// InboxSystemTags はユーザー登録時に作成されるシステムタグ。
var InboxSystemTags = []string{TagInboxRead, TagInboxArchived, TagInboxTrashed}

// Tag はユーザーごとのタグを表す。(owner_id, name) で一意。
type Tag struct {
	ID        string
	OwnerID   string
	Name      string
	IsSystem  bool
	CreatedAt time.Time
}

// SourceTagName はソース種別タグ名を返す。
func SourceTagName(kind string) string {
	return SourceTagPrefix + kind
}

// HostTagName はホスト識別タグ名を返す。
func HostTagName(host string) string {
	return HostTagPrefix + strings.ToLower(host)
}

// HashtagTagName はハッシュタグを先頭#付きのタグ名に変換する。
func HashtagTagName(tag string) string {
	return HashtagTagPrefix + strings.TrimPrefix(tag, HashtagTagPrefix)
}

// TagRef はアイテムに付与するタグ名とシステムタグかどうかの組。
type TagRef struct {
	Name     string
	IsSystem bool
}

// IsSystemTagName はコアが管理するタグ名（inbox:*, source:*, host:*）かを返す。
func IsSystemTagName(name string) bool {
	return strings.HasPrefix(name, "inbox:") ||
		strings.HasPrefix(name, SourceTagPrefix) ||
		strings.HasPrefix(name, HostTagPrefix)
}
