package bookmark

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// ActivityStreamsContext はインポート・エクスポート文書の@contextに含まれる名前空間。
const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// FormatActivityStreams はエクスポート形式名。
const FormatActivityStreams = "activitystreams"

// Document はリンクコレクション文書のエンベロープ。
// エクスポート時はTotalItemsとPublishedを設定する。
type Document struct {
	Context    any        `json:"@context"`
	Type       string     `json:"type"`
	TotalItems *int       `json:"totalItems,omitempty"`
	Published  *time.Time `json:"published,omitempty"`
	Items      []LinkItem `json:"items"`
}

// LinkItem はコレクション内の1リンク。
type LinkItem struct {
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Summary   string   `json:"summary,omitempty"`
	Tag       []string `json:"tag,omitempty"`
	Published string   `json:"published,omitempty"`
	FeedURL   string   `json:"feedUrl,omitempty"`
}

// HasActivityStreamsContext は@contextの値（文字列・配列・オブジェクトのいずれか）が
// ActivityStreams名前空間を含むかを返す。
func HasActivityStreamsContext(v any) bool {
	switch c := v.(type) {
	case string:
		return c == ActivityStreamsContext
	case []any:
		for _, e := range c {
			if HasActivityStreamsContext(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range c {
			if HasActivityStreamsContext(e) {
				return true
			}
		}
	}
	return false
}

// Fields はリンクをブックマークのフィールドに変換する。
// 必須項目の欠落やpublishedの書式誤りはエラーを返す。
func (l LinkItem) Fields() (model.BookmarkFields, error) {
	if l.Type != "Link" {
		return model.BookmarkFields{}, fmt.Errorf("type が Link ではありません: %q", l.Type)
	}
	if strings.TrimSpace(l.URL) == "" {
		return model.BookmarkFields{}, fmt.Errorf("url がありません")
	}
	if strings.TrimSpace(l.Name) == "" {
		return model.BookmarkFields{}, fmt.Errorf("name がありません")
	}

	fields := model.BookmarkFields{
		Title:       strings.TrimSpace(l.Name),
		Description: l.Summary,
		FeedURL:     strings.TrimSpace(l.FeedURL),
		Tags:        NormalizeTags(l.Tag),
	}
	if l.Published != "" {
		t, err := parsePublished(l.Published)
		if err != nil {
			return model.BookmarkFields{}, fmt.Errorf("published の書式が不正です: %q", l.Published)
		}
		fields.CreatedAt = &t
	}
	return fields, nil
}

func parsePublished(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// ToLinkItem はブックマークをエクスポート用のリンクに変換する。
func ToLinkItem(b *model.Bookmark) LinkItem {
	return LinkItem{
		Type:      "Link",
		URL:       b.URL,
		Name:      b.Title,
		Summary:   b.Description,
		Tag:       b.Tags,
		Published: b.CreatedAt.UTC().Format(time.RFC3339),
		FeedURL:   b.FeedURL,
	}
}

// NormalizeTags は前後の空白を除き、空文字と重複を取り除く。順序は保持する。
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
