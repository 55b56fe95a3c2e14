package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkbox/internal/middleware"
)

// Commands はルーターが公開する全操作。command.Surfaceが実装する。
type Commands interface {
	BookmarkCommands
	InboxCommands
	ImportCommands
	AccountCommands
}

// HealthChecker はデータベースの疎通確認に必要なインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Commands      Commands
	Users         middleware.UserFinder
	RateLimiter   *middleware.RateLimiter
	HealthChecker HealthChecker
	Logger        *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → IdentityMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health とユーザー登録は識別ヘッダーなしで呼び出せる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	bookmarks := NewBookmarkHandler(deps.Commands)
	inboxHandler := NewInboxHandler(deps.Commands)
	imports := NewImportHandler(deps.Commands)
	accounts := NewAccountHandler(deps.Commands)

	// --- 識別不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	r.Post("/api/users", accounts.RegisterUser)

	// --- 呼び出し元の識別が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.Users))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/bookmarks", func(r chi.Router) {
			r.Get("/", bookmarks.List)
			r.Post("/", bookmarks.Create)
			r.Get("/feeds", bookmarks.ListWithFeedDates)
			r.Get("/export", bookmarks.Export)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", bookmarks.Get)
				r.Patch("/", bookmarks.Update)
				r.Delete("/", bookmarks.Delete)
			})
		})

		r.Route("/api/inbox", func(r chi.Router) {
			r.Get("/", inboxHandler.List)
			r.Post("/", inboxHandler.Save)
			r.Post("/bulk", inboxHandler.BulkMark)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", inboxHandler.Get)
				r.Post("/promote", inboxHandler.Promote)
				r.Post("/{op}", inboxHandler.Mark)
			})
		})

		r.Route("/api/imports", func(r chi.Router) {
			// POST /api/imports はアップロード専用のレート制限を追加する
			r.With(deps.RateLimiter.ImportUploadMiddleware()).Post("/", imports.Submit)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", imports.Get)
				r.Post("/cancel", imports.Cancel)
				r.Post("/retry", imports.Retry)
			})
		})

		r.Route("/api/tags", func(r chi.Router) {
			r.Get("/", accounts.ListTags)
			r.Delete("/{name}", accounts.DeleteTag)
		})

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", accounts.ListAccounts)
			r.Post("/", accounts.ConnectAccount)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/credential", accounts.RefreshCredential)
				r.Put("/active", accounts.SetActive)
				r.Get("/timelines", accounts.ListTimelines)
				r.Post("/timelines", accounts.AddTimeline)
			})
		})

		r.Delete("/api/users/{id}", accounts.DeleteUser)
	})

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// healthHandler はDBの疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "down"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "up"})
	}
}
