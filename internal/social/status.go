// Package social はMastodon互換サーバーのタイムラインを読むクライアントを提供する。
package social

import (
	"strconv"
	"strings"
	"time"
)

// Account はverify_credentialsで得られるアカウント情報。
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

// Status はタイムラインの1投稿を表す。
// ブーストの場合、本文・リンク・ハッシュタグはブースト元の投稿から取る。IDはブースト自体のもの。
type Status struct {
	ID        string
	URL       string
	HTML      string
	Author    string
	CreatedAt time.Time
	// Links はHTML本文、添付メディアのremote_url、リンクプレビューのurlから抽出した外部リンク。
	Links []string
	// Hashtags は投稿のtagsフィールドから取ったハッシュタグ名（#なし）。
	Hashtags []string
	// PreviewURL はリンクプレビューの対象URL。ない場合は空。
	PreviewURL string
	// PreviewTitle はリンクプレビューのタイトル。ない場合は空。
	PreviewTitle string
	// PreviewDescription はリンクプレビューの説明。ない場合は空。
	PreviewDescription string
}

// apiStatus はMastodon APIのstatusエンティティのうち使うフィールド。
type apiStatus struct {
	ID               string     `json:"id"`
	URI              string     `json:"uri"`
	URL              string     `json:"url"`
	CreatedAt        time.Time  `json:"created_at"`
	Content          string     `json:"content"`
	Account          Account    `json:"account"`
	Reblog           *apiStatus `json:"reblog"`
	MediaAttachments []apiMedia `json:"media_attachments"`
	Card             *apiCard   `json:"card"`
	Tags             []apiTag   `json:"tags"`
}

type apiMedia struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	RemoteURL string `json:"remote_url"`
}

type apiCard struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type apiTag struct {
	Name string `json:"name"`
}

// toStatus はAPIのstatusをStatusに変換する。
func (s *apiStatus) toStatus() Status {
	src := s
	if s.Reblog != nil {
		src = s.Reblog
	}

	status := Status{
		ID:        s.ID,
		URL:       firstNonEmpty(src.URL, src.URI),
		HTML:      src.Content,
		Author:    src.Account.Acct,
		CreatedAt: src.CreatedAt.UTC(),
	}

	var extra []string
	for _, m := range src.MediaAttachments {
		if m.RemoteURL != "" {
			extra = append(extra, m.RemoteURL)
		}
	}
	if src.Card != nil {
		if src.Card.URL != "" {
			extra = append(extra, src.Card.URL)
		}
		status.PreviewURL = src.Card.URL
		status.PreviewTitle = strings.TrimSpace(src.Card.Title)
		status.PreviewDescription = strings.TrimSpace(src.Card.Description)
	}
	status.Links = ExtractLinks(src.Content, extra...)

	seen := map[string]bool{}
	for _, t := range src.Tags {
		name := strings.ToLower(strings.TrimPrefix(t.Name, "#"))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		status.Hashtags = append(status.Hashtags, name)
	}

	return status
}

// CompareIDs はステータスIDを比較する。
// どちらも整数として解釈できる場合は数値で、そうでなければ長さと辞書順で比較する。
func CompareIDs(a, b string) int {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
