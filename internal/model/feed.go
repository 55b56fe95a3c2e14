// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はRSS/Atomフィードを表す。
// ユーザーに属さないグローバルなエンティティで、最初の購読時に遅延作成される。
type Feed struct {
	ID                  string
	URL                 string
	Title               string
	ETag                string
	LastModified        string
	NewestItemDate      *time.Time
	Active              bool
	ConsecutiveFailures int
	ErrorMessage        string
	LastPollAttempt     *time.Time
	LastSuccessfulPoll  *time.Time
	Version             int64 // 楽観的排他制御用
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FeedItem はフィードから取得したエントリを表す。
// (feed_id, guid) で一意。dateは一度設定されると上書きされない。
type FeedItem struct {
	ID        string
	FeedID    string
	GUID      string
	Date      *time.Time
	Link      string
	Title     string
	Summary   string // サニタイズ済み
	FirstSeen time.Time
	LastSeen  time.Time
}

// ParsedEntry はフィードパーサーから取得した未保存のエントリを表す。
// フェッチャーがフィードをパースした後、FeedItemRepositoryに渡される。
type ParsedEntry struct {
	GUID    string // guidがない場合はlinkが入る
	Link    string
	Title   string
	Summary string
	Date    *time.Time // UTC。フィードに日付がない場合はnil
}
