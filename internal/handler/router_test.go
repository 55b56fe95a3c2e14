package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/middleware"
	"github.com/hitoshi/linkbox/internal/model"
)

func TestRouter_HealthDoesNotRequireIdentity(t *testing.T) {
	h := newTestRouter(t, &mockCommands{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body healthResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(stubPinger{err: errDB})(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_RequiresIdentityHeader(t *testing.T) {
	h := newTestRouter(t, &mockCommands{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bookmarks", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be applied to error responses")
	}
}

func TestCreateBookmark_StatusReflectsCreation(t *testing.T) {
	tests := []struct {
		name    string
		created bool
		want    int
	}{
		{"new bookmark", true, http.StatusCreated},
		{"existing url", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bookmark.CreateInput
			cmds := &mockCommands{
				createBookmarkFn: func(_ context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error) {
					if callerID != "user-1" {
						t.Errorf("callerID = %q", callerID)
					}
					got = in
					return &model.Bookmark{ID: "b1", URL: in.URL, Title: in.Fields.Title}, tt.created, nil
				},
			}
			h := newTestRouter(t, cmds)

			w := do(t, h, http.MethodPost, "/api/bookmarks",
				`{"url":"https://example.com/a","title":"A","tags":["go"],"unfurl":true}`)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body=%s", w.Code, tt.want, w.Body.String())
			}
			if got.URL != "https://example.com/a" || !got.Unfurl || len(got.Fields.Tags) != 1 {
				t.Errorf("input = %+v", got)
			}
			var resp bookmarkResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.ID != "b1" || resp.Tags == nil {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestCreateBookmark_InvalidJSON(t *testing.T) {
	h := newTestRouter(t, &mockCommands{})
	w := do(t, h, http.MethodPost, "/api/bookmarks", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetBookmark_MapsServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", model.NewBookmarkNotFoundError("b9"), http.StatusNotFound},
		{"other owner", model.NewPermissionDeniedError(), http.StatusForbidden},
		{"internal", errDB, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := &mockCommands{
				getBookmarkFn: func(_ context.Context, _, id string) (*model.Bookmark, error) {
					if id != "b9" {
						t.Errorf("id = %q, want b9", id)
					}
					return nil, tt.err
				},
			}
			w := do(t, newTestRouter(t, cmds), http.MethodGet, "/api/bookmarks/b9", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestUpdateBookmark_PassesOnlyProvidedFields(t *testing.T) {
	var got bookmark.Patch
	cmds := &mockCommands{
		updateBookmarkFn: func(_ context.Context, _, _ string, p bookmark.Patch) (*model.Bookmark, error) {
			got = p
			return &model.Bookmark{ID: "b1"}, nil
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodPatch, "/api/bookmarks/b1", `{"title":"new","tags":[]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got.Title == nil || *got.Title != "new" {
		t.Errorf("Title = %v", got.Title)
	}
	if got.URL != nil || got.Description != nil || got.FeedURL != nil {
		t.Error("unset fields should stay nil")
	}
	if got.Tags == nil || len(*got.Tags) != 0 {
		t.Errorf("Tags = %v, want empty non-nil", got.Tags)
	}
}

func TestUpdateBookmark_URLConflict(t *testing.T) {
	cmds := &mockCommands{
		updateBookmarkFn: func(_ context.Context, _, _ string, p bookmark.Patch) (*model.Bookmark, error) {
			return nil, model.NewDuplicateBookmarkError(*p.URL)
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodPatch, "/api/bookmarks/b1", `{"url":"https://example.com/taken"}`)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), model.ErrCodeDuplicateBookmark) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestListBookmarks_ParsesFilter(t *testing.T) {
	var got model.BookmarkFilter
	cmds := &mockCommands{
		listBookmarksFn: func(_ context.Context, _ string, f model.BookmarkFilter) ([]*model.Bookmark, error) {
			got = f
			return nil, nil
		},
	}
	h := newTestRouter(t, cmds)

	w := do(t, h, http.MethodGet, "/api/bookmarks?q=golang&tag=go&tag=web&since=2024-01-02T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", w.Body.String())
	}
	if got.Search != "golang" || len(got.Tags) != 2 || got.Since == nil || !got.Since.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("filter = %+v", got)
	}

	w = do(t, h, http.MethodGet, "/api/bookmarks?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid since: status = %d, want 400", w.Code)
	}
}

func TestExportBookmarks(t *testing.T) {
	cmds := &mockCommands{
		exportFn: func(_ context.Context, _ string, _ model.BookmarkFilter, format string, w io.Writer) (int, error) {
			if format != "" && format != bookmark.FormatActivityStreams {
				return 0, model.NewUnsupportedFormatError(format)
			}
			io.WriteString(w, `{"type":"Collection"}`)
			return 0, nil
		},
	}
	h := newTestRouter(t, cmds)

	w := do(t, h, http.MethodGet, "/api/bookmarks/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/activity+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "Collection") {
		t.Errorf("body = %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/bookmarks/export?format=netscape", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported format: status = %d, want 400", w.Code)
	}
}

func TestInbox_ListDefaultsAndFlags(t *testing.T) {
	var got model.InboxFilter
	cmds := &mockCommands{
		listInboxFn: func(_ context.Context, _ string, f model.InboxFilter) ([]*model.InboxItem, error) {
			got = f
			return []*model.InboxItem{{ID: "i1", Source: "manual"}}, nil
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodGet, "/api/inbox?archived=true&sort=oldest&source=manual", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got.Limit != defaultInboxPageSize || got.Offset != 0 {
		t.Errorf("paging = %d/%d", got.Limit, got.Offset)
	}
	if !got.ShowArchived || got.ShowTrashed || got.Sort != model.InboxSortOldest || got.Source != "manual" {
		t.Errorf("filter = %+v", got)
	}
	var items []inboxItemResponse
	json.NewDecoder(w.Body).Decode(&items)
	if len(items) != 1 || items[0].ID != "i1" {
		t.Errorf("items = %+v", items)
	}
}

func TestInbox_MarkRoutesToOperation(t *testing.T) {
	var read, trashed string
	cmds := &mockCommands{
		markReadFn:  func(_ context.Context, _, id string) error { read = id; return nil },
		markTrashFn: func(_ context.Context, _, id string) error { trashed = id; return nil },
	}
	h := newTestRouter(t, cmds)

	if w := do(t, h, http.MethodPost, "/api/inbox/i1/read", ""); w.Code != http.StatusNoContent {
		t.Errorf("read status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/inbox/i2/trash", ""); w.Code != http.StatusNoContent {
		t.Errorf("trash status = %d", w.Code)
	}
	if read != "i1" || trashed != "i2" {
		t.Errorf("read=%q trashed=%q", read, trashed)
	}
	if w := do(t, h, http.MethodPost, "/api/inbox/i1/explode", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown op status = %d, want 404", w.Code)
	}
}

func TestInbox_BulkMark(t *testing.T) {
	cmds := &mockCommands{
		bulkMarkFn: func(_ context.Context, _ string, op inbox.MarkOp, ids []string) (int64, error) {
			if op != inbox.MarkArchived || len(ids) != 2 {
				t.Errorf("op=%q ids=%v", op, ids)
			}
			return 2, nil
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodPost, "/api/inbox/bulk", `{"op":"archived","ids":["i1","i2"]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp bulkMarkResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Updated != 2 {
		t.Errorf("updated = %d, want 2", resp.Updated)
	}
}

func TestInbox_Promote(t *testing.T) {
	cmds := &mockCommands{
		promoteFn: func(_ context.Context, _, itemID string) (*model.Bookmark, bool, error) {
			if itemID == "gone" {
				return nil, false, model.NewInboxItemNotFoundError(itemID)
			}
			return &model.Bookmark{ID: "b1"}, true, nil
		},
	}
	h := newTestRouter(t, cmds)

	if w := do(t, h, http.MethodPost, "/api/inbox/i1/promote", ""); w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/inbox/gone/promote", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestImports_SubmitStreamsBody(t *testing.T) {
	var body string
	var policy model.MergePolicy
	cmds := &mockCommands{
		submitImportFn: func(_ context.Context, _ string, r io.Reader, p model.MergePolicy) (*model.ImportJob, error) {
			b, _ := io.ReadAll(r)
			body, policy = string(b), p
			return &model.ImportJob{ID: "j1", Status: model.ImportPending, Policy: p}, nil
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodPost, "/api/imports?policy=overwrite", `{"type":"Collection"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if body != `{"type":"Collection"}` || policy != model.MergePolicyOverwrite {
		t.Errorf("body=%q policy=%q", body, policy)
	}
	var resp importJobResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != model.ImportPending || resp.FailedDetails == nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestImports_SubmitIsRateLimitedSeparately(t *testing.T) {
	cmds := &mockCommands{
		submitImportFn: func(context.Context, string, io.Reader, model.MergePolicy) (*model.ImportJob, error) {
			return &model.ImportJob{ID: "j1"}, nil
		},
	}
	h := newTestRouter(t, cmds)

	burst := middleware.DefaultRateLimiterConfig().ImportBurst
	for i := 0; i < burst; i++ {
		if w := do(t, h, http.MethodPost, "/api/imports", "{}"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if w := do(t, h, http.MethodPost, "/api/imports", "{}"); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestImports_CancelTerminalJob(t *testing.T) {
	cmds := &mockCommands{
		cancelImportFn: func(context.Context, string, string) (*model.ImportJob, error) {
			return nil, model.NewInvalidImportTransitionError(model.ImportCompleted, "cancel")
		},
	}
	w := do(t, newTestRouter(t, cmds), http.MethodPost, "/api/imports/j1/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestRegisterUser_WithoutIdentity(t *testing.T) {
	cmds := &mockCommands{
		registerUserFn: func(_ context.Context, name, ref string) (*model.User, error) {
			return &model.User{ID: "u1", DisplayName: name}, nil
		},
	}
	h := newTestRouter(t, cmds)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"display_name":"alice","credential_ref":"ext-1"}`)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	var resp userResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ID != "u1" || resp.DisplayName != "alice" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDeleteTag_SystemTagProtected(t *testing.T) {
	cmds := &mockCommands{
		deleteTagFn: func(_ context.Context, _, name string) error {
			if model.IsSystemTagName(name) {
				return model.NewSystemTagProtectedError(name)
			}
			return nil
		},
	}
	h := newTestRouter(t, cmds)

	if w := do(t, h, http.MethodDelete, "/api/tags/inbox:read", ""); w.Code != http.StatusConflict {
		t.Errorf("system tag status = %d, want 409", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/api/tags/golang", ""); w.Code != http.StatusNoContent {
		t.Errorf("user tag status = %d, want 204", w.Code)
	}
}

func TestAccounts_SetActiveRequiresField(t *testing.T) {
	var got *bool
	cmds := &mockCommands{
		setActiveFn: func(_ context.Context, _, _ string, active bool) error {
			got = &active
			return nil
		},
	}
	h := newTestRouter(t, cmds)

	if w := do(t, h, http.MethodPut, "/api/accounts/a1/active", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing field status = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/api/accounts/a1/active", `{"active":false}`); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got == nil || *got {
		t.Errorf("active = %v, want false", got)
	}
}

func TestAccounts_AddTimelineInvalid(t *testing.T) {
	cmds := &mockCommands{
		addTimelineFn: func(_ context.Context, _, _ string, typ model.TimelineType, cfg model.TimelineConfig) (*model.Timeline, error) {
			if typ == model.TimelineHashtag && cfg.Tag == "" {
				return nil, model.NewInvalidTimelineError("hashtag requires tag")
			}
			return &model.Timeline{ID: "t1", Type: typ, Config: cfg, Active: true}, nil
		},
	}
	h := newTestRouter(t, cmds)

	if w := do(t, h, http.MethodPost, "/api/accounts/a1/timelines", `{"type":"hashtag"}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/accounts/a1/timelines", `{"type":"hashtag","config":{"tag":"golang"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var resp timelineResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Config.Tag != "golang" {
		t.Errorf("resp = %+v", resp)
	}
}
