// Package ingest はフィードとソーシャルタイムラインの定期ポーリングを提供する。
// スケジューラ、ポーラー、ソースの健全性ポリシーを含む。
package ingest

import (
	"time"

	"github.com/hitoshi/linkbox/internal/feed"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/security"
	"github.com/hitoshi/linkbox/internal/social"
)

// maxErrorMessageRunes はソース行に記録するエラーメッセージの最大文字数。
const maxErrorMessageRunes = 500

// markAttempt はlast_poll_attemptがpollTimeより前であればpollTimeに進める。
func markAttempt(attempt **time.Time, pollTime time.Time) {
	if *attempt == nil || (*attempt).Before(pollTime) {
		t := pollTime
		*attempt = &t
	}
}

// ApplyFeedSuccess は200応答のポーリング結果をフィードに反映する。
// 最新アイテム日時は後退させない。
func ApplyFeedSuccess(f *model.Feed, res *feed.FetchResult, pollTime time.Time) {
	ApplyFeedNotModified(f, res, pollTime)
	if res.Title != "" {
		f.Title = res.Title
	}
	for _, e := range res.Entries {
		if e.Date == nil {
			continue
		}
		if f.NewestItemDate == nil || e.Date.After(*f.NewestItemDate) {
			d := *e.Date
			f.NewestItemDate = &d
		}
	}
}

// ApplyFeedNotModified は304応答をフィードに反映する。検証子は応答にあれば差し替える。
func ApplyFeedNotModified(f *model.Feed, res *feed.FetchResult, pollTime time.Time) {
	markAttempt(&f.LastPollAttempt, pollTime)
	success := pollTime
	f.LastSuccessfulPoll = &success
	f.ConsecutiveFailures = 0
	f.ErrorMessage = ""
	if res.ETag != "" {
		f.ETag = res.ETag
	}
	if res.LastModified != "" {
		f.LastModified = res.LastModified
	}
}

// ApplyFeedFailure は失敗をフィードに反映する。activeは変更しない。
func ApplyFeedFailure(f *model.Feed, err error, pollTime time.Time) {
	markAttempt(&f.LastPollAttempt, pollTime)
	f.ConsecutiveFailures++
	f.ErrorMessage = security.Truncate(err.Error(), maxErrorMessageRunes)
}

// ApplyTimelineSuccess は成功したポーリングをタイムラインに反映し、カーソルを進める。
func ApplyTimelineSuccess(tl *model.Timeline, cursor string, pollTime time.Time) {
	markAttempt(&tl.LastPollAttempt, pollTime)
	advanceCursor(tl, cursor)
	success := pollTime
	tl.LastSuccessfulPoll = &success
	tl.ConsecutiveFailures = 0
	tl.ErrorMessage = ""
}

// ApplyTimelineFailure は失敗をタイムラインに反映する。
// 失敗前に処理したステータスの分だけカーソルは進める。
func ApplyTimelineFailure(tl *model.Timeline, cursor string, err error, pollTime time.Time) {
	markAttempt(&tl.LastPollAttempt, pollTime)
	advanceCursor(tl, cursor)
	tl.ConsecutiveFailures++
	tl.ErrorMessage = security.Truncate(err.Error(), maxErrorMessageRunes)
}

func advanceCursor(tl *model.Timeline, cursor string) {
	if cursor == "" {
		return
	}
	if tl.LastStatusID == "" || social.CompareIDs(cursor, tl.LastStatusID) > 0 {
		tl.LastStatusID = cursor
	}
}

func truncateReason(reason string) string {
	return security.Truncate(reason, maxErrorMessageRunes)
}
