// Package source はソーシャルアカウントとタイムラインの登録を扱う。
// 資格情報は外部の認証基盤から渡され、登録前にサーバーで検証する。
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
	"github.com/hitoshi/linkbox/internal/social"
)

// CredentialVerifier はソーシャルサーバーで資格情報を検証する。social.Clientが実装する。
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, acct *model.SourceAccount) (*social.Account, error)
}

// Service はソースアカウントとタイムラインの管理を提供する。
type Service struct {
	accountRepo  repository.SourceAccountRepository
	timelineRepo repository.TimelineRepository
	verifier     CredentialVerifier
	logger       *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accountRepo repository.SourceAccountRepository, timelineRepo repository.TimelineRepository, verifier CredentialVerifier, logger *slog.Logger) *Service {
	return &Service{
		accountRepo:  accountRepo,
		timelineRepo: timelineRepo,
		verifier:     verifier,
		logger:       logger,
	}
}

// ConnectAccount は資格情報を検証し、ソースアカウントを登録する。
func (s *Service) ConnectAccount(ctx context.Context, callerID, server, credential string) (*model.SourceAccount, error) {
	server = strings.TrimSpace(server)
	if server == "" || credential == "" {
		return nil, model.NewSourceAuthFailedError("サーバーとアクセストークンは必須です")
	}

	now := time.Now()
	acct := &model.SourceAccount{
		ID:         uuid.New().String(),
		UserID:     callerID,
		Kind:       model.SourceKindMastodon,
		Server:     server,
		Credential: credential,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	remote, err := s.verifier.VerifyCredentials(ctx, acct)
	if err != nil {
		return nil, model.NewSourceAuthFailedError(err.Error())
	}
	acct.AccountID = remote.ID
	acct.Handle = remote.Acct
	if acct.Handle == "" {
		acct.Handle = remote.Username
	}

	if err := s.accountRepo.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.logger.Info("ソースアカウントを登録しました",
		slog.String("user_id", callerID),
		slog.String("account_id", acct.ID),
		slog.String("server", acct.ServerHost()),
	)
	return acct, nil
}

// GetAccount は呼び出し元が所有するアカウントを取得する。
func (s *Service) GetAccount(ctx context.Context, callerID, accountID string) (*model.SourceAccount, error) {
	acct, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, model.NewSourceAccountNotFoundError(accountID)
	}
	if acct.UserID != callerID {
		return nil, model.NewPermissionDeniedError()
	}
	return acct, nil
}

// ListAccounts は呼び出し元のアカウントを返す。
func (s *Service) ListAccounts(ctx context.Context, callerID string) ([]*model.SourceAccount, error) {
	return s.accountRepo.ListByUser(ctx, callerID)
}

// RefreshCredential は再認証で得た資格情報を検証して差し替え、再認証フラグを解除する。
func (s *Service) RefreshCredential(ctx context.Context, callerID, accountID, credential string) error {
	acct, err := s.GetAccount(ctx, callerID, accountID)
	if err != nil {
		return err
	}
	probe := *acct
	probe.Credential = credential
	remote, err := s.verifier.VerifyCredentials(ctx, &probe)
	if err != nil {
		return model.NewSourceAuthFailedError(err.Error())
	}
	if remote.ID != acct.AccountID {
		return model.NewSourceAuthFailedError("別のアカウントの資格情報です")
	}
	if err := s.accountRepo.UpdateCredential(ctx, accountID, credential); err != nil {
		return err
	}
	s.logger.Info("資格情報を更新しました", slog.String("account_id", accountID))
	return nil
}

// SetAccountActive はアカウントの有効・無効を切り替える。無効なアカウントのタイムラインはポーリングされない。
func (s *Service) SetAccountActive(ctx context.Context, callerID, accountID string, active bool) error {
	if _, err := s.GetAccount(ctx, callerID, accountID); err != nil {
		return err
	}
	return s.accountRepo.SetActive(ctx, accountID, active)
}

// AddTimeline はアカウントにポーリング対象のタイムラインを追加する。
func (s *Service) AddTimeline(ctx context.Context, callerID, accountID string, typ model.TimelineType, config model.TimelineConfig) (*model.Timeline, error) {
	if _, err := s.GetAccount(ctx, callerID, accountID); err != nil {
		return nil, err
	}

	now := time.Now()
	tl := &model.Timeline{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Type:      typ,
		Config:    config,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := social.ValidateTimeline(tl); err != nil {
		return nil, model.NewInvalidTimelineError(err.Error())
	}
	if err := s.timelineRepo.Create(ctx, tl); err != nil {
		return nil, fmt.Errorf("タイムラインの登録に失敗しました: %w", err)
	}
	s.logger.Info("タイムラインを追加しました",
		slog.String("account_id", accountID),
		slog.String("timeline_id", tl.ID),
		slog.String("type", string(tl.Type)),
	)
	return tl, nil
}

// ListTimelines はアカウントのタイムラインを返す。
func (s *Service) ListTimelines(ctx context.Context, callerID, accountID string) ([]*model.Timeline, error) {
	if _, err := s.GetAccount(ctx, callerID, accountID); err != nil {
		return nil, err
	}
	return s.timelineRepo.ListByAccount(ctx, accountID)
}
