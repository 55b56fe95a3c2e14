package inbox

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

type mockInboxRepo struct {
	insertFn        func(ctx context.Context, item *model.InboxItem, tags []model.TagRef) (*model.InboxItem, bool, error)
	bulkInsertFn    func(ctx context.Context, ownerID, source string, rows []repository.InboxInsert) (int, error)
	findByIDFn      func(ctx context.Context, id string) (*model.InboxItem, error)
	findByIDsFn     func(ctx context.Context, ids []string) ([]*model.InboxItem, error)
	listFn          func(ctx context.Context, ownerID string, filter model.InboxFilter) ([]*model.InboxItem, error)
	addTagFn        func(ctx context.Context, itemID, tagID string) error
	removeTagFn     func(ctx context.Context, itemID, tagID string) error
	bulkAddTagFn    func(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error)
	bulkRemoveTagFn func(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error)
}

func (m *mockInboxRepo) Insert(ctx context.Context, item *model.InboxItem, tags []model.TagRef) (*model.InboxItem, bool, error) {
	if m.insertFn != nil {
		return m.insertFn(ctx, item, tags)
	}
	return item, true, nil
}

func (m *mockInboxRepo) BulkInsert(ctx context.Context, ownerID, source string, rows []repository.InboxInsert) (int, error) {
	if m.bulkInsertFn != nil {
		return m.bulkInsertFn(ctx, ownerID, source, rows)
	}
	return len(rows), nil
}

func (m *mockInboxRepo) ExistingStatusIDs(ctx context.Context, ownerID string, statusIDs []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (m *mockInboxRepo) ExistingHashes(ctx context.Context, ownerID, source string, hashes []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (m *mockInboxRepo) FindByID(ctx context.Context, id string) (*model.InboxItem, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockInboxRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.InboxItem, error) {
	if m.findByIDsFn != nil {
		return m.findByIDsFn(ctx, ids)
	}
	return nil, nil
}

func (m *mockInboxRepo) List(ctx context.Context, ownerID string, filter model.InboxFilter) ([]*model.InboxItem, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID, filter)
	}
	return nil, nil
}

func (m *mockInboxRepo) AddTag(ctx context.Context, itemID, tagID string) error {
	if m.addTagFn != nil {
		return m.addTagFn(ctx, itemID, tagID)
	}
	return nil
}

func (m *mockInboxRepo) RemoveTag(ctx context.Context, itemID, tagID string) error {
	if m.removeTagFn != nil {
		return m.removeTagFn(ctx, itemID, tagID)
	}
	return nil
}

func (m *mockInboxRepo) BulkAddTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error) {
	if m.bulkAddTagFn != nil {
		return m.bulkAddTagFn(ctx, ownerID, itemIDs, tagID)
	}
	return int64(len(itemIDs)), nil
}

func (m *mockInboxRepo) BulkRemoveTag(ctx context.Context, ownerID string, itemIDs []string, tagID string) (int64, error) {
	if m.bulkRemoveTagFn != nil {
		return m.bulkRemoveTagFn(ctx, ownerID, itemIDs, tagID)
	}
	return int64(len(itemIDs)), nil
}

func (m *mockInboxRepo) Delete(ctx context.Context, id string) error { return nil }

func (m *mockInboxRepo) PurgeTrashed(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type mockTagRepo struct {
	getOrCreateFn func(ctx context.Context, ownerID, name string, isSystem bool) (*model.Tag, error)
}

func (m *mockTagRepo) GetOrCreate(ctx context.Context, ownerID, name string, isSystem bool) (*model.Tag, error) {
	if m.getOrCreateFn != nil {
		return m.getOrCreateFn(ctx, ownerID, name, isSystem)
	}
	return &model.Tag{ID: "tag-" + name, OwnerID: ownerID, Name: name, IsSystem: isSystem}, nil
}

func (m *mockTagRepo) FindByName(ctx context.Context, ownerID, name string) (*model.Tag, error) {
	return nil, nil
}

func (m *mockTagRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Tag, error) {
	return nil, nil
}

func (m *mockTagRepo) DeleteUserTag(ctx context.Context, ownerID, name string) (bool, error) {
	return false, nil
}

// stubText はHTMLタグを取り除かずにそのまま返す。
type stubText struct{}

func (stubText) Extract(fragment string) string { return fragment }

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
