package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/model"
)

// BookmarkCommands はブックマークハンドラーが必要とする操作。command.Surfaceが実装する。
type BookmarkCommands interface {
	CreateBookmark(ctx context.Context, callerID string, in bookmark.CreateInput) (*model.Bookmark, bool, error)
	GetBookmark(ctx context.Context, callerID, id string) (*model.Bookmark, error)
	UpdateBookmark(ctx context.Context, callerID, id string, p bookmark.Patch) (*model.Bookmark, error)
	DeleteBookmark(ctx context.Context, callerID, id string) error
	ListBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter) ([]*model.Bookmark, error)
	BookmarksWithFeedDates(ctx context.Context, callerID string) ([]*model.BookmarkWithFeedDate, error)
	ExportBookmarks(ctx context.Context, callerID string, filter model.BookmarkFilter, format string, w io.Writer) (int, error)
}

// BookmarkHandler はブックマーク管理のHTTPハンドラー。
type BookmarkHandler struct {
	commands BookmarkCommands
}

// NewBookmarkHandler はBookmarkHandlerを生成する。
func NewBookmarkHandler(commands BookmarkCommands) *BookmarkHandler {
	return &BookmarkHandler{commands: commands}
}

type createBookmarkRequest struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	FeedURL     string   `json:"feed_url"`
	Tags        []string `json:"tags"`
	Unfurl      bool     `json:"unfurl"`
}

type updateBookmarkRequest struct {
	URL         *string   `json:"url"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	FeedURL     *string   `json:"feed_url"`
	Tags        *[]string `json:"tags"`
}

// bookmarkFilterFromQuery は q, tag（複数可）, since を読み取る。
func bookmarkFilterFromQuery(r *http.Request) (model.BookmarkFilter, error) {
	since, err := queryTime(r, "since")
	if err != nil {
		return model.BookmarkFilter{}, model.NewInvalidFilterError("since はRFC3339形式で指定してください")
	}
	q := r.URL.Query()
	return model.BookmarkFilter{
		Search: q.Get("q"),
		Tags:   q["tag"],
		Since:  since,
	}, nil
}

// Create はブックマークを作成する。
// POST /api/bookmarks
// 新規作成時は201、同じURLのブックマークが既にある場合は既存行を200で返す。
func (h *BookmarkHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req createBookmarkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, created, err := h.commands.CreateBookmark(r.Context(), userID, bookmark.CreateInput{
		URL: req.URL,
		Fields: model.BookmarkFields{
			Title:       req.Title,
			Description: req.Description,
			FeedURL:     req.FeedURL,
			Tags:        req.Tags,
		},
		Unfurl: req.Unfurl,
	})
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

// Get はブックマークを取得する。
// GET /api/bookmarks/{id}
func (h *BookmarkHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	b, err := h.commands.GetBookmark(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookmarkResponse(b))
}

// Update はブックマークを部分更新する。
// PATCH /api/bookmarks/{id}
func (h *BookmarkHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req updateBookmarkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.commands.UpdateBookmark(r.Context(), userID, chi.URLParam(r, "id"), bookmark.Patch{
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		FeedURL:     req.FeedURL,
		Tags:        req.Tags,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookmarkResponse(b))
}

// Delete はブックマークを削除する。
// DELETE /api/bookmarks/{id}
func (h *BookmarkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.commands.DeleteBookmark(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List はブックマーク一覧を返す。
// GET /api/bookmarks?q=...&tag=...&since=...
func (h *BookmarkHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	filter, err := bookmarkFilterFromQuery(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	bookmarks, err := h.commands.ListBookmarks(r.Context(), userID, filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]bookmarkResponse, 0, len(bookmarks))
	for _, b := range bookmarks {
		resp = append(resp, toBookmarkResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListWithFeedDates はブックマークと参照先フィードの鮮度情報を返す。
// GET /api/bookmarks/feeds
func (h *BookmarkHandler) ListWithFeedDates(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	rows, err := h.commands.BookmarksWithFeedDates(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]bookmarkWithFeedResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, bookmarkWithFeedResponse{
			bookmarkResponse:       toBookmarkResponse(&row.Bookmark),
			FeedNewestItemDate:     row.FeedNewestItemDate,
			FeedLastSuccessfulPoll: row.FeedLastSuccessfulPoll,
			FeedActive:             row.FeedActive,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export はブックマークをリンクコレクション文書として出力する。
// GET /api/bookmarks/export?format=activitystreams
// 途中で失敗した場合にエラーJSONを返せるよう、文書全体をバッファしてから書き込む。
func (h *BookmarkHandler) Export(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	filter, err := bookmarkFilterFromQuery(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if _, err := h.commands.ExportBookmarks(r.Context(), userID, filter, r.URL.Query().Get("format"), &buf); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	w.Header().Set("Content-Disposition", `attachment; filename="bookmarks.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
