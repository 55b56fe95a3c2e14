package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/middleware"
	"github.com/hitoshi/linkbox/internal/model"
)

// mockCommands はCommandsのテスト用実装。未設定の操作はpanicする。
type mockCommands struct {
	Commands

	createBookmarkFn func(ctx context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error)
	getBookmarkFn    func(ctx context.Context, callerID, id string) (*model.Bookmark, error)
	updateBookmarkFn func(ctx context.Context, callerID, id string, p bookmark.Patch) (*model.Bookmark, error)
	listBookmarksFn  func(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error)
	exportFn         func(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error)

	listInboxFn func(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error)
	markReadFn  func(ctx context.Context, callerID, id string) error
	markTrashFn func(ctx context.Context, callerID, id string) error
	bulkMarkFn  func(ctx context.Context, callerID string, op inbox.MarkOp, ids []string) (int64, error)
	promoteFn   func(ctx context.Context, callerID, itemID string) (*model.Bookmark, bool, error)

	submitImportFn func(ctx context.Context, callerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error)
	cancelImportFn func(ctx context.Context, callerID, id string) (*model.ImportJob, error)

	registerUserFn func(ctx context.Context, displayName, credentialRef string) (*model.User, error)
	deleteTagFn    func(ctx context.Context, callerID, name string) error
	setActiveFn    func(ctx context.Context, callerID, accountID string, active bool) error
	addTimelineFn  func(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error)
}

func (m *mockCommands) CreateBookmark(ctx context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error) {
	return m.createBookmarkFn(ctx, callerID, in)
}

func (m *mockCommands) GetBookmark(ctx context.Context, callerID, id string) (*model.Bookmark, error) {
	return m.getBookmarkFn(ctx, callerID, id)
}

func (m *mockCommands) UpdateBookmark(ctx context.Context, callerID, id string, p bookmark.Patch) (*model.Bookmark, error) {
	return m.updateBookmarkFn(ctx, callerID, id, p)
}

func (m *mockCommands) ListBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error) {
	return m.listBookmarksFn(ctx, callerID, filter)
}

func (m *mockCommands) ExportBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error) {
	return m.exportFn(ctx, callerID, filter, format, w)
}

func (m *mockCommands) ListInbox(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error) {
	return m.listInboxFn(ctx, callerID, filter)
}

func (m *mockCommands) MarkItemRead(ctx context.Context, callerID, id string) error {
	return m.markReadFn(ctx, callerID, id)
}

func (m *mockCommands) MarkItemTrashed(ctx context.Context, callerID, id string) error {
	return m.markTrashFn(ctx, callerID, id)
}

func (m *mockCommands) BulkMark(ctx context.Context, callerID string, op inbox.MarkOp, ids []string) (int64, error) {
	return m.bulkMarkFn(ctx, callerID, op, ids)
}

func (m *mockCommands) PromoteInboxToBookmark(ctx context.Context, callerID, itemID string) (*model.Bookmark, bool, error) {
	return m.promoteFn(ctx, callerID, itemID)
}

func (m *mockCommands) SubmitImport(ctx context.Context, callerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error) {
	return m.submitImportFn(ctx, callerID, r, policy)
}

func (m *mockCommands) CancelImport(ctx context.Context, callerID, id string) (*model.ImportJob, error) {
	return m.cancelImportFn(ctx, callerID, id)
}

func (m *mockCommands) RegisterUser(ctx context.Context, displayName, credentialRef string) (*model.User, error) {
	return m.registerUserFn(ctx, displayName, credentialRef)
}

func (m *mockCommands) DeleteTag(ctx context.Context, callerID, name string) error {
	return m.deleteTagFn(ctx, callerID, name)
}

func (m *mockCommands) SetAccountActive(ctx context.Context, callerID, accountID string, active bool) error {
	return m.setActiveFn(ctx, callerID, accountID, active)
}

func (m *mockCommands) AddTimeline(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error) {
	return m.addTimelineFn(ctx, callerID, accountID, typ, config)
}

type stubUsers struct{}

func (stubUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	if id == "user-1" || id == "user-2" {
		return &model.User{ID: id}, nil
	}
	return nil, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

// newTestRouter はモックを組み込んだルーターを生成する。
func newTestRouter(t *testing.T, cmds *mockCommands) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		Commands:      cmds,
		Users:         stubUsers{},
		RateLimiter:   rl,
		HealthChecker: stubPinger{},
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

// do はuser-1としてリクエストを発行する。
func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(middleware.UserIDHeader, "user-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

var errDB = errors.New("db unavailable")
