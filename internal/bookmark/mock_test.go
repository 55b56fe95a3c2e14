package bookmark

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/hitoshi/linkbox/internal/model"
)

type mockBookmarkRepo struct {
	upsertFn   func(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error)
	findByIDFn func(ctx context.Context, id string) (*model.Bookmark, error)
	updateFn   func(ctx context.Context, b *model.Bookmark) error
	deleteFn   func(ctx context.Context, id string) error
	listFn     func(ctx context.Context, ownerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error)
	findByHash func(ctx context.Context, ownerID, hash string) (*model.Bookmark, error)

	upsertCalls int
	deleted     []string
}

func (m *mockBookmarkRepo) Upsert(ctx context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error) {
	m.upsertCalls++
	if m.upsertFn != nil {
		return m.upsertFn(ctx, ownerID, rawURL, fields, policy)
	}
	return &model.Bookmark{ID: "bm-1", OwnerID: ownerID, URL: rawURL, Title: fields.Title, FeedURL: fields.FeedURL, Tags: fields.Tags}, true, nil
}

func (m *mockBookmarkRepo) FindByID(ctx context.Context, id string) (*model.Bookmark, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockBookmarkRepo) FindByHash(ctx context.Context, ownerID, hash string) (*model.Bookmark, error) {
	if m.findByHash != nil {
		return m.findByHash(ctx, ownerID, hash)
	}
	return nil, nil
}

func (m *mockBookmarkRepo) Update(ctx context.Context, b *model.Bookmark) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, b)
	}
	return nil
}

func (m *mockBookmarkRepo) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockBookmarkRepo) List(ctx context.Context, ownerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID, filter)
	}
	return nil, nil
}

func (m *mockBookmarkRepo) SubscribersOfFeed(context.Context, string) ([]string, error) {
	return nil, nil
}

func (m *mockBookmarkRepo) ListWithFeedDates(context.Context, string) ([]*model.BookmarkWithFeedDate, error) {
	return nil, nil
}

type mockFeeds struct {
	err  error
	urls []string
}

func (m *mockFeeds) EnsureFeed(_ context.Context, feedURL string) (*model.Feed, error) {
	m.urls = append(m.urls, feedURL)
	if m.err != nil {
		return nil, m.err
	}
	return &model.Feed{ID: "feed-1", URL: feedURL, Active: true}, nil
}

type mockUnfurler struct {
	md  *model.UnfurlMetadata
	err error
}

func (m *mockUnfurler) Unfurl(context.Context, string) (*model.UnfurlMetadata, error) {
	return m.md, m.err
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
