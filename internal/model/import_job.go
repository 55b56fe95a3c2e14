// Package model はドメインモデルを定義する。
package model

import "time"

// ImportStatus はインポートジョブの状態を表す。
type ImportStatus string

const (
	ImportPending    ImportStatus = "pending"
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
	ImportCancelled  ImportStatus = "cancelled"
)

// IsTerminal は終端状態かを返す。
func (s ImportStatus) IsTerminal() bool {
	return s == ImportCompleted || s == ImportFailed || s == ImportCancelled
}

// ImportFailure はインポート中に失敗した1アイテムの情報。
type ImportFailure struct {
	Index  int    `json:"index"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason"`
}

// ImportJob はリンクコレクション文書のインポート処理を表す。
type ImportJob struct {
	ID            string
	OwnerID       string
	FileRef       string
	Policy        MergePolicy
	Status        ImportStatus
	Processed     int
	Failed        int
	FailedDetails []ImportFailure
	ErrorMessage  string
	Version       int64 // 楽観的排他制御用
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}
