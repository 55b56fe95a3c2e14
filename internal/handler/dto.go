package handler

import (
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// --- レスポンス型 ---

type bookmarkResponse struct {
	ID          string                `json:"id"`
	URL         string                `json:"url"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	FeedURL     string                `json:"feed_url,omitempty"`
	Tags        []string              `json:"tags"`
	Unfurl      *model.UnfurlMetadata `json:"unfurl,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toBookmarkResponse(b *model.Bookmark) bookmarkResponse {
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}
	return bookmarkResponse{
		ID:          b.ID,
		URL:         b.URL,
		Title:       b.Title,
		Description: b.Description,
		FeedURL:     b.FeedURL,
		Tags:        tags,
		Unfurl:      b.Unfurl,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

type bookmarkWithFeedResponse struct {
	bookmarkResponse
	FeedNewestItemDate     *time.Time `json:"feed_newest_item_date"`
	FeedLastSuccessfulPoll *time.Time `json:"feed_last_successful_poll"`
	FeedActive             bool       `json:"feed_active"`
}

type inboxItemResponse struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Source      string              `json:"source"`
	SourceType  string              `json:"source_type"`
	Metadata    model.InboxMetadata `json:"metadata"`
	Tags        []string            `json:"tags"`
	CreatedAt   time.Time           `json:"created_at"`
}

func toInboxItemResponse(i *model.InboxItem) inboxItemResponse {
	tags := i.Tags
	if tags == nil {
		tags = []string{}
	}
	return inboxItemResponse{
		ID:          i.ID,
		URL:         i.URL,
		Title:       i.Title,
		Description: i.Description,
		Source:      i.Source,
		SourceType:  i.SourceType,
		Metadata:    i.Metadata,
		Tags:        tags,
		CreatedAt:   i.CreatedAt,
	}
}

type importJobResponse struct {
	ID            string                `json:"id"`
	Status        model.ImportStatus    `json:"status"`
	Policy        model.MergePolicy     `json:"policy"`
	Processed     int                   `json:"processed"`
	Failed        int                   `json:"failed"`
	FailedDetails []model.ImportFailure `json:"failed_details"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
}

func toImportJobResponse(j *model.ImportJob) importJobResponse {
	details := j.FailedDetails
	if details == nil {
		details = []model.ImportFailure{}
	}
	return importJobResponse{
		ID:            j.ID,
		Status:        j.Status,
		Policy:        j.Policy,
		Processed:     j.Processed,
		Failed:        j.Failed,
		FailedDetails: details,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

type tagResponse struct {
	Name     string `json:"name"`
	IsSystem bool   `json:"is_system"`
}

type userResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// accountResponse は資格情報を含めない。
type accountResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Server      string `json:"server"`
	AccountID   string `json:"account_id"`
	Handle      string `json:"handle"`
	Active      bool   `json:"active"`
	NeedsReauth bool   `json:"needs_reauth"`
}

func toAccountResponse(a *model.SourceAccount) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Kind:        a.Kind,
		Server:      a.Server,
		AccountID:   a.AccountID,
		Handle:      a.Handle,
		Active:      a.Active,
		NeedsReauth: a.NeedsReauth,
	}
}

type timelineResponse struct {
	ID                  string               `json:"id"`
	Type                model.TimelineType   `json:"type"`
	Config              model.TimelineConfig `json:"config"`
	Active              bool                 `json:"active"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	ErrorMessage        string               `json:"error_message,omitempty"`
	LastSuccessfulPoll  *time.Time           `json:"last_successful_poll,omitempty"`
}

func toTimelineResponse(t *model.Timeline) timelineResponse {
	return timelineResponse{
		ID:                  t.ID,
		Type:                t.Type,
		Config:              t.Config,
		Active:              t.Active,
		ConsecutiveFailures: t.ConsecutiveFailures,
		ErrorMessage:        t.ErrorMessage,
		LastSuccessfulPoll:  t.LastSuccessfulPoll,
	}
}
