package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/session"
)

// RepositoryDeliverer はアウトボックス項目をEntryRepositoryへ反映する。
type RepositoryDeliverer struct {
	repo repository.EntryRepository
}

// NewRepositoryDeliverer はRepositoryDelivererを生成する。
func NewRepositoryDeliverer(repo repository.EntryRepository) *RepositoryDeliverer {
	return &RepositoryDeliverer{repo: repo}
}

// Deliver は項目を積んだユーザーのセッションでリモートへ反映する。
// 所有者の異なる行への書き込みやデコードできないペイロードは再送しても成功しないため、
// Permanentとして返す。
func (d *RepositoryDeliverer) Deliver(ctx context.Context, item *model.OutboxItem) error {
	if item.OwnerID == "" {
		return Permanent(fmt.Errorf("outbox item %s has no owner", item.ID))
	}
	ctx = session.ContextWithUserID(ctx, item.OwnerID)

	switch item.Kind {
	case model.OutboxUpsert:
		var entry model.JournalEntry
		if err := json.Unmarshal(item.Payload, &entry); err != nil {
			return Permanent(fmt.Errorf("decode outbox payload: %w", err))
		}
		if _, err := d.repo.Upsert(ctx, &entry); err != nil {
			if errors.Is(err, repository.ErrNotOwner) {
				return Permanent(err)
			}
			return err
		}
		return nil
	case model.OutboxDelete:
		// 削除済みの行への削除は成功とみなす
		_, err := d.repo.Delete(ctx, item.EntryID)
		return err
	default:
		return Permanent(fmt.Errorf("unknown outbox kind %q", item.Kind))
	}
}
