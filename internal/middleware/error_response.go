package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkbox/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はAPIErrorのコードとHTTPステータスの対応。
var statusByCode = map[string]int{
	model.ErrCodePermissionDenied:        http.StatusForbidden,
	model.ErrCodeBookmarkNotFound:        http.StatusNotFound,
	model.ErrCodeInboxItemNotFound:       http.StatusNotFound,
	model.ErrCodeImportJobNotFound:       http.StatusNotFound,
	model.ErrCodeSourceAccountNotFound:   http.StatusNotFound,
	model.ErrCodeUserNotFound:            http.StatusNotFound,
	model.ErrCodeInvalidURL:              http.StatusBadRequest,
	model.ErrCodeInvalidFilter:           http.StatusBadRequest,
	model.ErrCodeUnsupportedFormat:       http.StatusBadRequest,
	model.ErrCodeInvalidTimeline:         http.StatusBadRequest,
	model.ErrCodeInvalidImportDocument:   http.StatusUnprocessableEntity,
	model.ErrCodeImportFileTooLarge:      http.StatusRequestEntityTooLarge,
	model.ErrCodeInvalidImportTransition: http.StatusConflict,
	model.ErrCodeSystemTagProtected:      http.StatusConflict,
	model.ErrCodeDuplicateBookmark:       http.StatusConflict,
	model.ErrCodeSourceAuthFailed:        http.StatusBadGateway,
}

// StatusForAPIError はAPIErrorに対応するHTTPステータスを返す。未知のコードは400とする。
func StatusForAPIError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// WriteError はエラーを統一フォーマットで書き込む。
// APIErrorでないエラーは詳細をログに記録し、500を返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
		return
	}
	slog.Error("internal error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
