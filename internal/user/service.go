// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

// SystemTagCreator はユーザーのシステムタグを作成する。
type SystemTagCreator interface {
	GetOrCreate(ctx context.Context, ownerID, name string, isSystem bool) (*model.Tag, error)
}

// Service はユーザー管理のサービス層。
// 登録と退会のビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tags     SystemTagCreator
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, tags SystemTagCreator, logger *slog.Logger) *Service {
	return &Service{
		userRepo: userRepo,
		tags:     tags,
		logger:   logger,
	}
}

// Register はユーザーを作成し、インボックスのシステムタグを用意する。
// credentialRefは外部の認証基盤が発行した参照値をそのまま保存する。
func (s *Service) Register(ctx context.Context, displayName, credentialRef string) (*model.User, error) {
	now := time.Now()
	u := &model.User{
		ID:            uuid.New().String(),
		DisplayName:   strings.TrimSpace(displayName),
		CredentialRef: credentialRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}
	if err := s.EnsureSystemTags(ctx, u.ID); err != nil {
		return nil, err
	}

	s.logger.Info("ユーザーを登録しました", slog.String("user_id", u.ID))
	return u, nil
}

// EnsureSystemTags はinbox:read、inbox:archived、inbox:trashedを作成する。冪等。
func (s *Service) EnsureSystemTags(ctx context.Context, userID string) error {
	for _, name := range model.InboxSystemTags {
		if _, err := s.tags.GetOrCreate(ctx, userID, name, true); err != nil {
			return fmt.Errorf("システムタグ %s の作成に失敗しました: %w", name, err)
		}
	}
	return nil
}

// Withdraw はユーザーの退会処理を実行する。本人以外は実行できない。
// 所有するブックマーク、インボックス、タグ、ソースアカウント、インポートジョブはCASCADE削除される。
// フィードとフィードアイテムは共有データとして残す。
func (s *Service) Withdraw(ctx context.Context, callerID, userID string) error {
	if callerID != userID {
		return model.NewPermissionDeniedError()
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	s.logger.Info("退会処理を開始します", slog.String("user_id", userID))

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	s.logger.Info("退会処理が完了しました", slog.String("user_id", userID))
	return nil
}
