package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkbox/internal/model"
)

// ImportCommands はインポートハンドラーが必要とする操作。command.Surfaceが実装する。
type ImportCommands interface {
	SubmitImport(ctx context.Context, callerID string, r io.Reader, policy model.MergePolicy) (*model.ImportJob, error)
	GetImport(ctx context.Context, callerID, id string) (*model.ImportJob, error)
	CancelImport(ctx context.Context, callerID, id string) (*model.ImportJob, error)
	RetryImport(ctx context.Context, callerID, id string) (*model.ImportJob, error)
}

// ImportHandler はインポートジョブのHTTPハンドラー。
type ImportHandler struct {
	commands ImportCommands
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(commands ImportCommands) *ImportHandler {
	return &ImportHandler{commands: commands}
}

// Submit はリクエストボディの文書をインポートジョブとして受け付ける。
// POST /api/imports?policy=skip|overwrite
// ボディのサイズ上限はサービス側で確認する。
func (h *ImportHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	policy := model.MergePolicy(r.URL.Query().Get("policy"))
	job, err := h.commands.SubmitImport(r.Context(), userID, r.Body, policy)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toImportJobResponse(job))
}

// Get はインポートジョブの状態を返す。
// GET /api/imports/{id}
func (h *ImportHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.commands.GetImport)
}

// Cancel はインポートジョブを取り消す。
// POST /api/imports/{id}/cancel
func (h *ImportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.commands.CancelImport)
}

// Retry は失敗したインポートジョブを再実行待ちに戻す。
// POST /api/imports/{id}/retry
func (h *ImportHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.commands.RetryImport)
}

func (h *ImportHandler) respond(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, callerID, id string) (*model.ImportJob, error)) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	job, err := op(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toImportJobResponse(job))
}
