package inbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/repository"
)

// MarkOp はトリアージ操作を表す。
type MarkOp string

const (
	MarkRead       MarkOp = "read"
	MarkUnread     MarkOp = "unread"
	MarkArchived   MarkOp = "archived"
	MarkUnarchived MarkOp = "unarchived"
	MarkTrashed    MarkOp = "trashed"
)

// tagOp はトリアージ操作を付与・除去するシステムタグに変換する。
func (op MarkOp) tagOp() (tag string, add bool, ok bool) {
	switch op {
	case MarkRead:
		return model.TagInboxRead, true, true
	case MarkUnread:
		return model.TagInboxRead, false, true
	case MarkArchived:
		return model.TagInboxArchived, true, true
	case MarkUnarchived:
		return model.TagInboxArchived, false, true
	case MarkTrashed:
		return model.TagInboxTrashed, true, true
	default:
		return "", false, false
	}
}

// Service はインボックスの一覧とトリアージを提供する。
// すべての操作で呼び出し元がアイテムの所有者であることを検証する。
type Service struct {
	inboxRepo repository.InboxRepository
	tagRepo   repository.TagRepository
	logger    *slog.Logger
}

// NewService は新しいServiceを生成する。
func NewService(inboxRepo repository.InboxRepository, tagRepo repository.TagRepository, logger *slog.Logger) *Service {
	return &Service{
		inboxRepo: inboxRepo,
		tagRepo:   tagRepo,
		logger:    logger,
	}
}

// List はフィルタ条件で呼び出し元のインボックスを返す。
func (s *Service) List(ctx context.Context, callerID string, filter model.InboxFilter) ([]*model.InboxItem, error) {
	switch filter.Sort {
	case "":
		filter.Sort = model.InboxSortNewest
	case model.InboxSortNewest, model.InboxSortOldest:
	default:
		return nil, model.NewInvalidFilterError(fmt.Sprintf("不明な並び順です: %s", filter.Sort))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, model.NewInvalidFilterError("limit と offset は0以上で指定してください")
	}
	return s.inboxRepo.List(ctx, callerID, filter)
}

// Get は呼び出し元が所有するアイテムを返す。
func (s *Service) Get(ctx context.Context, callerID, itemID string) (*model.InboxItem, error) {
	item, err := s.inboxRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("インボックスアイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewInboxItemNotFoundError(itemID)
	}
	if item.OwnerID != callerID {
		return nil, model.NewPermissionDeniedError()
	}
	return item, nil
}

// Mark は1件のアイテムにトリアージ操作を適用する。
func (s *Service) Mark(ctx context.Context, callerID, itemID string, op MarkOp) error {
	name, add, ok := op.tagOp()
	if !ok {
		return model.NewInvalidFilterError(fmt.Sprintf("不明な操作です: %s", op))
	}
	if _, err := s.Get(ctx, callerID, itemID); err != nil {
		return err
	}
	tag, err := s.tagRepo.GetOrCreate(ctx, callerID, name, true)
	if err != nil {
		return fmt.Errorf("システムタグの取得に失敗しました: %w", err)
	}
	if add {
		return s.inboxRepo.AddTag(ctx, itemID, tag.ID)
	}
	return s.inboxRepo.RemoveTag(ctx, itemID, tag.ID)
}

// BulkMark は複数のアイテムにトリアージ操作を適用し、変更した件数を返す。
// 1件でも他人のアイテムが含まれる場合は何も変更せずにPermissionDeniedを返す。
func (s *Service) BulkMark(ctx context.Context, callerID string, op MarkOp, itemIDs []string) (int64, error) {
	name, add, ok := op.tagOp()
	if !ok {
		return 0, model.NewInvalidFilterError(fmt.Sprintf("不明な操作です: %s", op))
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	items, err := s.inboxRepo.FindByIDs(ctx, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("インボックスアイテムの取得に失敗しました: %w", err)
	}
	found := make(map[string]bool, len(items))
	for _, item := range items {
		if item.OwnerID != callerID {
			return 0, model.NewPermissionDeniedError()
		}
		found[item.ID] = true
	}
	for _, id := range itemIDs {
		if !found[id] {
			return 0, model.NewInboxItemNotFoundError(id)
		}
	}

	tag, err := s.tagRepo.GetOrCreate(ctx, callerID, name, true)
	if err != nil {
		return 0, fmt.Errorf("システムタグの取得に失敗しました: %w", err)
	}

	var n int64
	if add {
		n, err = s.inboxRepo.BulkAddTag(ctx, callerID, itemIDs, tag.ID)
	} else {
		n, err = s.inboxRepo.BulkRemoveTag(ctx, callerID, itemIDs, tag.ID)
	}
	if err != nil {
		return 0, err
	}

	s.logger.Info("インボックスを一括更新しました",
		slog.String("user_id", callerID),
		slog.String("op", string(op)),
		slog.Int("requested", len(itemIDs)),
		slog.Int64("changed", n),
	)
	return n, nil
}
