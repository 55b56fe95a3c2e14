package ingest

import "time"

// HealthPolicy はソースを自動無効化する前に接続テストを行うかを判定する。
// 一時的な失敗だけではソースを無効化しない。
type HealthPolicy struct {
	// MaxFailures は接続テストを検討し始める連続失敗回数。
	MaxFailures int
	// NoSuccessFor は最終成功（未成功なら作成日時）からの経過時間の閾値。
	NoSuccessFor time.Duration
}

// NeedsConnectionTest は連続失敗回数が閾値以上で、かつ最終成功が閾値より古い場合にtrueを返す。
func (h HealthPolicy) NeedsConnectionTest(failures int, lastSuccess *time.Time, createdAt, now time.Time) bool {
	if failures < h.MaxFailures {
		return false
	}
	ref := createdAt
	if lastSuccess != nil {
		ref = *lastSuccess
	}
	return now.Sub(ref) > h.NoSuccessFor
}
