package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

// URLValidator はフィードURLが外部から取得してよいアドレスかを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Service はブックマークが参照するフィードの登録を行う。
// フィードはユーザーに属さず、最初にfeed_urlを持つブックマークが作られたときに遅延作成される。
type Service struct {
	feedRepo  repository.FeedRepository
	validator URLValidator
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(feedRepo repository.FeedRepository, validator URLValidator, logger *slog.Logger) *Service {
	return &Service{
		feedRepo:  feedRepo,
		validator: validator,
		logger:    logger,
	}
}

// EnsureFeed はfeedURLのフィード行を取得し、存在しなければ作成する。
// ブックマークとフィードはURL文字列で結び付くため、URLは正規化せずそのまま保存する。
func (s *Service) EnsureFeed(ctx context.Context, feedURL string) (*model.Feed, error) {
	feedURL = strings.TrimSpace(feedURL)
	if !isHTTPURL(feedURL) {
		return nil, model.NewInvalidURLError("フィードURLはhttpまたはhttpsである必要があります")
	}
	if err := s.validator.ValidateURL(feedURL); err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}

	feed, created, err := s.feedRepo.GetOrCreate(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("フィードの登録に失敗しました: %w", err)
	}
	if created {
		s.logger.Info("フィードを登録しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
		)
	}
	return feed, nil
}

// GetFeed はフィード情報を取得する。
func (s *Service) GetFeed(ctx context.Context, feedID string) (*model.Feed, error) {
	return s.feedRepo.FindByID(ctx, feedID)
}
