package app

import (
	"database/sql"
	"log/slog"

	"github.com/hitoshi/linkbox/internal/bookmark"
	"github.com/hitoshi/linkbox/internal/command"
	"github.com/hitoshi/linkbox/internal/config"
	"github.com/hitoshi/linkbox/internal/feed"
	"github.com/hitoshi/linkbox/internal/importer"
	"github.com/hitoshi/linkbox/internal/inbox"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/security"
	"github.com/hitoshi/linkbox/internal/social"
	"github.com/hitoshi/linkbox/internal/source"
	"github.com/hitoshi/linkbox/internal/user"
)

// repositories はPostgreSQLリポジトリの組。
type repositories struct {
	users     *repository.PostgresUserRepo
	tags      *repository.PostgresTagRepo
	bookmarks *repository.PostgresBookmarkRepo
	feeds     *repository.PostgresFeedRepo
	feedItems *repository.PostgresFeedItemRepo
	inbox     *repository.PostgresInboxRepo
	imports   *repository.PostgresImportJobRepo
	accounts  *repository.PostgresSourceAccountRepo
	timelines *repository.PostgresTimelineRepo
}

func newRepositories(db *sql.DB) *repositories {
	return &repositories{
		users:     repository.NewPostgresUserRepo(db),
		tags:      repository.NewPostgresTagRepo(db),
		bookmarks: repository.NewPostgresBookmarkRepo(db),
		feeds:     repository.NewPostgresFeedRepo(db),
		feedItems: repository.NewPostgresFeedItemRepo(db),
		inbox:     repository.NewPostgresInboxRepo(db),
		imports:   repository.NewPostgresImportJobRepo(db),
		accounts:  repository.NewPostgresSourceAccountRepo(db),
		timelines: repository.NewPostgresTimelineRepo(db),
	}
}

// core はserveとworkerの両方で使うドメインサービスの組。
type core struct {
	repos        *repositories
	socialClient *social.Client
	feedFetcher  *feed.Fetcher
	bookmarks    *bookmark.Service
	materializer *inbox.Materializer
	surface      *command.Surface
}

// newCore はリポジトリとドメインサービスをワイヤリングする。
func newCore(db *sql.DB, cfg *config.Config, logger *slog.Logger) *core {
	repos := newRepositories(db)

	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	textExtractor := security.NewTextExtractor()

	feedFetcher := feed.NewFetcher(ssrfGuard, sanitizer, logger, cfg.FetchTimeout, cfg.FetchMaxSize)
	unfurler := feed.NewUnfurler(ssrfGuard, logger, cfg.FetchTimeout, cfg.FetchMaxSize)
	feedService := feed.NewService(repos.feeds, ssrfGuard, logger)
	socialClient := social.NewClient(ssrfGuard, logger, cfg.FetchTimeout, cfg.FetchMaxSize, cfg.SocialRequestsPerSecond)

	bookmarkService := bookmark.NewService(repos.bookmarks, feedService, unfurler, logger)
	inboxService := inbox.NewService(repos.inbox, repos.tags, logger)
	materializer := inbox.NewMaterializer(repos.inbox, textExtractor, logger)
	importService := importer.NewService(repos.imports, cfg.ImportDir, cfg.ImportFileSizeLimitBytes, logger)
	userService := user.NewService(repos.users, repos.tags, logger)
	sourceService := source.NewService(repos.accounts, repos.timelines, socialClient, logger)

	surface := command.NewSurface(command.Services{
		Bookmarks: bookmarkService,
		Inbox:     inboxService,
		InboxOne:  materializer,
		Imports:   importService,
		Users:     userService,
		Sources:   sourceService,
		Tags:      repos.tags,
	}, logger)

	return &core{
		repos:        repos,
		socialClient: socialClient,
		feedFetcher:  feedFetcher,
		bookmarks:    bookmarkService,
		materializer: materializer,
		surface:      surface,
	}
}
