// Package handler はコア操作をJSON APIとして公開するHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/linkbox/internal/middleware"
	"github.com/hitoshi/linkbox/internal/model"
)

// maxRequestBodyBytes はインポート以外のリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// callerID はコンテキストから呼び出し元ユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "呼び出し元ユーザーを特定できません。",
			Category: "auth",
			Action:   "X-User-ID ヘッダーに登録済みのユーザーIDを指定してください。",
		})
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層のエラーを統一フォーマットで返す。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func invalidRequest(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// decodeBody はJSONリクエストボディをvに読み込む。失敗時は400を書き込んでfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		invalidRequest(w, "リクエストボディの解析に失敗しました。")
		return false
	}
	return true
}

// queryInt はクエリパラメータを整数として読む。未指定の場合はdefを返す。
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// queryBool はクエリパラメータを真偽値として読む。未指定や解釈できない値はfalse。
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// queryTime はRFC3339形式のクエリパラメータを読む。未指定の場合はnilを返す。
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
