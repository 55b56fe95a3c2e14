package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/model"
)

// defaultInboxPageSize はインボックス一覧の1回の取得件数（デフォルト）。
const defaultInboxPageSize = 50

// InboxCommands はインボックスハンドラーが必要とする操作。command.Surfaceが実装する。
type InboxCommands interface {
	ListInbox(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error)
	GetInboxItem(ctx context.Context, callerID, id string) (*model.InboxItem, error)
	MarkItemRead(ctx context.Context, callerID, id string) error
	MarkItemUnread(ctx context.Context, callerID, id string) error
	MarkItemArchived(ctx context.Context, callerID, id string) error
	MarkItemUnarchived(ctx context.Context, callerID, id string) error
	MarkItemTrashed(ctx context.Context, callerID, id string) error
	BulkMark(ctx context.Context, callerID string, op inbox.MarkOp, ids []string) (int64, error)
	SaveToInbox(ctx context.Context, callerID, rawURL, title string) (*model.InboxItem, bool, error)
	PromoteInboxToBookmark(ctx context.Context, callerID, itemID string) (*model.Bookmark, bool, error)
}

// InboxHandler はインボックスのトリアージ操作のHTTPハンドラー。
type InboxHandler struct {
	commands InboxCommands
}

// NewInboxHandler はInboxHandlerを生成する。
func NewInboxHandler(commands InboxCommands) *InboxHandler {
	return &InboxHandler{commands: commands}
}

type saveToInboxRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type bulkMarkRequest struct {
	Op  inbox.MarkOp `json:"op"`
	IDs []string     `json:"ids"`
}

type bulkMarkResponse struct {
	Updated int64 `json:"updated"`
}

// List はインボックス一覧を返す。
// GET /api/inbox?q=&source=&tag=&archived=&trashed=&sort=newest|oldest&limit=&offset=
func (h *InboxHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultInboxPageSize)
	if err != nil {
		handleServiceError(w, model.NewInvalidFilterError("limit は整数で指定してください"))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		handleServiceError(w, model.NewInvalidFilterError("offset は整数で指定してください"))
		return
	}

	q := r.URL.Query()
	items, err := h.commands.ListInbox(r.Context(), userID, model.InboxFilter{
		Search:       q.Get("q"),
		Source:       q.Get("source"),
		Tags:         q["tag"],
		ShowArchived: queryBool(r, "archived"),
		ShowTrashed:  queryBool(r, "trashed"),
		Sort:         model.InboxSort(q.Get("sort")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]inboxItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toInboxItemResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はインボックスアイテムを取得する。
// GET /api/inbox/{id}
func (h *InboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	item, err := h.commands.GetInboxItem(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInboxItemResponse(item))
}

// Mark は1件のアイテムにトリアージ操作を適用する。
// POST /api/inbox/{id}/{op}  opは read, unread, archive, unarchive, trash
func (h *InboxHandler) Mark(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var mark func(ctx context.Context, callerID, id string) error
	switch chi.URLParam(r, "op") {
	case "read":
		mark = h.commands.MarkItemRead
	case "unread":
		mark = h.commands.MarkItemUnread
	case "archive":
		mark = h.commands.MarkItemArchived
	case "unarchive":
		mark = h.commands.MarkItemUnarchived
	case "trash":
		mark = h.commands.MarkItemTrashed
	default:
		http.NotFound(w, r)
		return
	}

	if err := mark(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkMark は複数アイテムに同じトリアージ操作を適用する。
// POST /api/inbox/bulk
func (h *InboxHandler) BulkMark(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req bulkMarkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	n, err := h.commands.BulkMark(r.Context(), userID, req.Op, req.IDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkMarkResponse{Updated: n})
}

// Save はURLを手動でインボックスに追加する。
// POST /api/inbox
func (h *InboxHandler) Save(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req saveToInboxRequest
	if !decodeBody(w, r, &req) {
		return
	}

	item, created, err := h.commands.SaveToInbox(r.Context(), userID, req.URL, req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toInboxItemResponse(item))
}

// Promote はインボックスアイテムをブックマークに昇格する。
// POST /api/inbox/{id}/promote
func (h *InboxHandler) Promote(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	b, created, err := h.commands.PromoteInboxToBookmark(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toBookmarkResponse(b))
}
