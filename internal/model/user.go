// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// ブックマーク、インボックス、タグ、ソースアカウント、インポートジョブを所有する。
type User struct {
	ID            string
	DisplayName   string
	CredentialRef string // 外部の認証基盤が発行した参照値
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
