// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/linkbox/internal/model"
)

// UserIDHeader は信頼されたUI層が呼び出し元ユーザーIDを渡すヘッダー。
const UserIDHeader = "X-User-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// loggedUserContextKey はリクエストログ用のユーザーID記録先を指す。
var loggedUserContextKey = contextKey("logged_user")

// UserFinder はユーザーの存在確認に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// NewIdentityMiddleware はX-User-IDヘッダーから呼び出し元を読み取り、
// ユーザーが存在することを確認してリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない、またはユーザーが存在しない場合は401 Unauthorizedを返す。
func NewIdentityMiddleware(users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError())
				return
			}

			user, err := users.FindByID(r.Context(), userID)
			if err != nil {
				slog.Error("failed to find user",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

func unauthorizedError() *model.APIError {
	return &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "呼び出し元ユーザーを特定できません。",
		Category: "auth",
		Action:   "X-User-ID ヘッダーに登録済みのユーザーIDを指定してください。",
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ユーザーIDが存在しない場合はエラーを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// 外側のロギングミドルウェアが用意した記録先があれば、そこにも書き込む。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if slot, ok := ctx.Value(loggedUserContextKey).(*string); ok {
		*slot = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
