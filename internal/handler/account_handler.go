package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkbox/internal/model"
)

// AccountCommands はユーザー・タグ・ソースアカウントのハンドラーが必要とする操作。
// command.Surfaceが実装する。
type AccountCommands interface {
	RegisterUser(ctx context.Context, displayName, credentialRef string) (*model.User, error)
	DeleteUser(ctx context.Context, callerID, userID string) error

	ListTags(ctx context.Context, callerID string) ([]*model.Tag, error)
	DeleteTag(ctx context.Context, callerID, name string) error

	ConnectAccount(ctx context.Context, callerID, server, credential string) (*model.SourceAccount, error)
	ListAccounts(ctx context.Context, callerID string) ([]*model.SourceAccount, error)
	RefreshCredential(ctx context.Context, callerID, accountID, credential string) error
	SetAccountActive(ctx context.Context, callerID, accountID string, active bool) error
	AddTimeline(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error)
	ListTimelines(ctx context.Context, callerID, accountID string) ([]*model.Timeline, error)
}

// AccountHandler はユーザー、タグ、ソースアカウントのHTTPハンドラー。
type AccountHandler struct {
	commands AccountCommands
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(commands AccountCommands) *AccountHandler {
	return &AccountHandler{commands: commands}
}

type registerUserRequest struct {
	DisplayName   string `json:"display_name"`
	CredentialRef string `json:"credential_ref"`
}

type connectAccountRequest struct {
	Server     string `json:"server"`
	Credential string `json:"credential"`
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type addTimelineRequest struct {
	Type   model.TimelineType   `json:"type"`
	Config model.TimelineConfig `json:"config"`
}

// RegisterUser はユーザーを登録する。信頼されたUI層から呼ばれるため識別ヘッダーは不要。
// POST /api/users
func (h *AccountHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.commands.RegisterUser(r.Context(), req.DisplayName, req.CredentialRef)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: u.ID, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt})
}

// DeleteUser はユーザーと所有データをすべて削除する。
// DELETE /api/users/{id}
func (h *AccountHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.commands.DeleteUser(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTags はタグ一覧を返す。
// GET /api/tags
func (h *AccountHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	tags, err := h.commands.ListTags(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]tagResponse, 0, len(tags))
	for _, t := range tags {
		resp = append(resp, tagResponse{Name: t.Name, IsSystem: t.IsSystem})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteTag はユーザータグを削除する。
// DELETE /api/tags/{name}
func (h *AccountHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.commands.DeleteTag(r.Context(), userID, chi.URLParam(r, "name")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectAccount はソーシャルアカウントを接続する。
// POST /api/accounts
func (h *AccountHandler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req connectAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.commands.ConnectAccount(r.Context(), userID, req.Server, req.Credential)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// ListAccounts は接続済みアカウント一覧を返す。
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	accts, err := h.commands.ListAccounts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]accountResponse, 0, len(accts))
	for _, a := range accts {
		resp = append(resp, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshCredential はアカウントの資格情報を差し替える。
// PUT /api/accounts/{id}/credential
func (h *AccountHandler) RefreshCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req credentialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.commands.RefreshCredential(r.Context(), userID, chi.URLParam(r, "id"), req.Credential); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetActive はアカウントのポーリングを有効化・無効化する。
// PUT /api/accounts/{id}/active
func (h *AccountHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req activeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		invalidRequest(w, "active を指定してください。")
		return
	}

	if err := h.commands.SetAccountActive(r.Context(), userID, chi.URLParam(r, "id"), *req.Active); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTimeline はアカウントにポーリング対象のタイムラインを追加する。
// POST /api/accounts/{id}/timelines
func (h *AccountHandler) AddTimeline(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req addTimelineRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tl, err := h.commands.AddTimeline(r.Context(), userID, chi.URLParam(r, "id"), req.Type, req.Config)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimelineResponse(tl))
}

// ListTimelines はアカウントのタイムライン一覧を返す。
// GET /api/accounts/{id}/timelines
func (h *AccountHandler) ListTimelines(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	tls, err := h.commands.ListTimelines(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]timelineResponse, 0, len(tls))
	for _, tl := range tls {
		resp = append(resp, toTimelineResponse(tl))
	}
	writeJSON(w, http.StatusOK, resp)
}
