// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// SourceKindMastodon はMastodon互換サーバーのソース種別。
const SourceKindMastodon = "mastodon"

// SourceTypeFeed はフィード由来のインボックスアイテムのソース種別。
const SourceTypeFeed = "feed"

// SourceAccount はソーシャルサーバー上のユーザーアカウントを表す。
// (user_id, server, account_id) で一意。資格情報は外部の認証基盤から渡される。
type SourceAccount struct {
	ID          string
	UserID      string
	Kind        string
	Server      string // 例: mastodon.social
	AccountID   string
	Handle      string
	Credential  string // ベアラートークン
	Active      bool
	NeedsReauth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TimelineType はタイムラインの種類を表す。
type TimelineType string

const (
	TimelineHome    TimelineType = "home"
	TimelineLocal   TimelineType = "local"
	TimelinePublic  TimelineType = "public"
	TimelineHashtag TimelineType = "hashtag"
	TimelineList    TimelineType = "list"
)

// TimelineConfig はタイムライン種類ごとの追加設定。JSONBとして保存される。
type TimelineConfig struct {
	Tag      string `json:"tag,omitempty"`
	ListID   string `json:"list_id,omitempty"`
	ListName string `json:"list_name,omitempty"`
}

// Timeline はポーリング対象のタイムラインを表す。
type Timeline struct {
	ID                  string
	AccountID           string
	Type                TimelineType
	Config              TimelineConfig
	LastStatusID        string
	LastPollAttempt     *time.Time
	LastSuccessfulPoll  *time.Time
	ConsecutiveFailures int
	Active              bool
	ErrorMessage        string
	Version             int64 // 楽観的排他制御用
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FeedSourceDescriptor はフィード由来のソース識別子 "feed:<url>" を返す。
func FeedSourceDescriptor(feedURL string) string {
	return SourceTypeFeed + ":" + feedURL
}

// ServerHost はServerからスキームと末尾のスラッシュを除いたホスト部を返す。
func (a *SourceAccount) ServerHost() string {
	host := a.Server
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.ToLower(strings.TrimRight(host, "/"))
}

// Detail はソース識別子に埋め込むタイムラインの説明を返す。
// home, local, public, hashtag:<name>, list:<name> のいずれか。
func (t *Timeline) Detail() string {
	switch t.Type {
	case TimelineHashtag:
		return "hashtag:" + strings.TrimPrefix(t.Config.Tag, "#")
	case TimelineList:
		name := t.Config.ListName
		if name == "" {
			name = t.Config.ListID
		}
		return "list:" + name
	default:
		return string(t.Type)
	}
}

// TimelineSourceDescriptor はソーシャル由来のソース識別子
// "<kind>:<handle>@<server>:<detail>" を返す。
func TimelineSourceDescriptor(acct *SourceAccount, tl *Timeline) string {
	handle := strings.TrimPrefix(acct.Handle, "@")
	if i := strings.Index(handle, "@"); i >= 0 {
		handle = handle[:i]
	}
	return acct.Kind + ":" + handle + "@" + acct.ServerHost() + ":" + tl.Detail()
}
