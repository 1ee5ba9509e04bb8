package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hitoshi/daybook/internal/model"
)

// OutboxRecord はアウトボックス項目の永続化表現。
type OutboxRecord struct {
	ID            string    `gorm:"primaryKey"`
	Seq           int64     `gorm:"not null;index"`
	Kind          string    `gorm:"not null"`
	EntryID       string    `gorm:"not null;index"`
	OwnerID       string    `gorm:"not null;default:''"`
	Payload       []byte    `gorm:"type:blob"`
	Version       int       `gorm:"not null;default:1"`
	Attempts      int       `gorm:"not null;default:0"`
	MaxAttempts   int       `gorm:"not null"`
	NextAttemptAt time.Time `gorm:"not null;index:idx_outbox_due,priority:2"`
	Status        string    `gorm:"not null;index:idx_outbox_due,priority:1"`
	LastError     string    `gorm:"not null;default:''"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName はgormのテーブル名を返す。
func (OutboxRecord) TableName() string {
	return "outbox_items"
}

// OutboxRepo はアウトボックス項目をローカルSQLiteに保存する。
type OutboxRepo struct {
	database *gorm.DB
}

// NewOutboxRepo はOutboxRepoを生成する。
func NewOutboxRepo(database *gorm.DB) *OutboxRepo {
	return &OutboxRepo{database: database}
}

// Enqueue は項目を追加する。
// 同じエントリに未配送のupsertが既にある場合は、新規追加せずペイロードを差し替える。
// 差し替えた場合は既存項目のIDを返す。
func (r *OutboxRepo) Enqueue(ctx context.Context, item *model.OutboxItem) (string, error) {
	var id string
	err := r.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if item.Kind == model.OutboxUpsert {
			var existing OutboxRecord
			err := tx.Where("entry_id = ? AND kind = ? AND status = ?",
				item.EntryID, string(model.OutboxUpsert), string(model.OutboxPending)).
				Order("seq ASC").
				First(&existing).Error
			if err == nil {
				id = existing.ID
				return tx.Model(&OutboxRecord{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
					"payload":    item.Payload,
					"owner_id":   item.OwnerID,
					"version":    gorm.Expr("version + 1"),
					"updated_at": item.UpdatedAt.UTC(),
				}).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		// deleteが積まれた時点で未配送のupsertは意味を失う
		if item.Kind == model.OutboxDelete {
			if err := tx.Where("entry_id = ? AND kind = ? AND status = ?",
				item.EntryID, string(model.OutboxUpsert), string(model.OutboxPending)).
				Delete(&OutboxRecord{}).Error; err != nil {
				return err
			}
		}

		var maxSeq int64
		if err := tx.Model(&OutboxRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		rec := toRecord(item)
		rec.Seq = maxSeq + 1
		id = rec.ID
		return tx.Create(&rec).Error
	})
	if err != nil {
		return "", fmt.Errorf("enqueue outbox item for entry %s: %w", item.EntryID, err)
	}
	return id, nil
}

// ListDue は配送対象のpending項目を投入順（FIFO）で返す。
// ignoreSchedule がtrueの場合はNextAttemptAtを無視して全pending項目を返す。
func (r *OutboxRepo) ListDue(ctx context.Context, now time.Time, limit int, ignoreSchedule bool) ([]*model.OutboxItem, error) {
	query := r.database.WithContext(ctx).Where("status = ?", string(model.OutboxPending))
	if !ignoreSchedule {
		query = query.Where("next_attempt_at <= ?", now.UTC())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	records := make([]OutboxRecord, 0)
	if err := query.Order("seq ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list due outbox items: %w", err)
	}

	items := make([]*model.OutboxItem, 0, len(records))
	for i := range records {
		items = append(items, toItem(&records[i]))
	}
	return items, nil
}

// MarkDelivered は項目を配送済みにする。
// 配送中にペイロードが差し替えられていた場合（versionが異なる場合）は
// 新しいペイロードを再送するためpendingのまま残し、falseを返す。
func (r *OutboxRepo) MarkDelivered(ctx context.Context, id string, version int, at time.Time) (bool, error) {
	result := r.database.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"status":     string(model.OutboxDelivered),
			"last_error": "",
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark outbox item %s delivered: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed は配送失敗を記録する。deadがtrueの場合は再送対象から外す。
func (r *OutboxRepo) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, dead bool, at time.Time) error {
	status := model.OutboxPending
	if dead {
		status = model.OutboxDead
	}
	err := r.database.WithContext(ctx).Model(&OutboxRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          string(status),
		"attempts":        attempts,
		"next_attempt_at": nextAttemptAt.UTC(),
		"last_error":      lastError,
		"updated_at":      at.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("mark outbox item %s failed: %w", id, err)
	}
	return nil
}

// CountPending は未配送の項目数を返す。
func (r *OutboxRepo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.database.WithContext(ctx).Model(&OutboxRecord{}).
		Where("status = ?", string(model.OutboxPending)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending outbox items: %w", err)
	}
	return count, nil
}

// PendingEntryIDs は未配送の項目を持つエントリIDの集合を返す。
func (r *OutboxRepo) PendingEntryIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make([]string, 0)
	err := r.database.WithContext(ctx).Model(&OutboxRecord{}).
		Where("status = ?", string(model.OutboxPending)).
		Distinct().
		Pluck("entry_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list pending outbox entries: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// PurgeFinished は配送済みまたは配送不能となり、before以前に更新された項目を削除する。
func (r *OutboxRepo) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	result := r.database.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(model.OutboxDelivered), string(model.OutboxDead)}, before.UTC()).
		Delete(&OutboxRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge finished outbox items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get はIDで項目を取得する。存在しない場合はnilを返す。
func (r *OutboxRepo) Get(ctx context.Context, id string) (*model.OutboxItem, error) {
	var rec OutboxRecord
	err := r.database.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox item %s: %w", id, err)
	}
	return toItem(&rec), nil
}

func toRecord(item *model.OutboxItem) OutboxRecord {
	return OutboxRecord{
		ID:            item.ID,
		Kind:          string(item.Kind),
		EntryID:       item.EntryID,
		OwnerID:       item.OwnerID,
		Payload:       item.Payload,
		Version:       1,
		Attempts:      item.Attempts,
		MaxAttempts:   item.MaxAttempts,
		NextAttemptAt: item.NextAttemptAt.UTC(),
		Status:        string(item.Status),
		LastError:     item.LastError,
		CreatedAt:     item.CreatedAt.UTC(),
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
}

func toItem(rec *OutboxRecord) *model.OutboxItem {
	return &model.OutboxItem{
		ID:            rec.ID,
		Kind:          model.OutboxKind(rec.Kind),
		EntryID:       rec.EntryID,
		OwnerID:       rec.OwnerID,
		Payload:       rec.Payload,
		Version:       rec.Version,
		Attempts:      rec.Attempts,
		MaxAttempts:   rec.MaxAttempts,
		NextAttemptAt: rec.NextAttemptAt,
		Status:        model.OutboxStatus(rec.Status),
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}
