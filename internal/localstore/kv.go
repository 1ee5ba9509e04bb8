package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVRecord は文字列キーで保存するJSONブロブを表す。
type KVRecord struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName はgormのテーブル名を返す。
func (KVRecord) TableName() string {
	return "kv_records"
}

// KVStore はローカルSQLite上のキーバリューストア。
type KVStore struct {
	database *gorm.DB
	now      func() time.Time
}

// NewKVStore はKVStoreを生成する。
func NewKVStore(database *gorm.DB) *KVStore {
	return &KVStore{database: database, now: time.Now}
}

// Get はキーに対応する値を返す。存在しない場合はfalseを返す。
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var rec KVRecord
	err := s.database.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return rec.Value, true, nil
}

// Put はキーに値を保存する。既存の値は上書きする。
func (s *KVStore) Put(ctx context.Context, key, value string) error {
	rec := KVRecord{Key: key, Value: value, UpdatedAt: s.now()}
	err := s.database.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put kv %s: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。存在しないキーの削除はエラーにしない。
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.database.WithContext(ctx).Where("key = ?", key).Delete(&KVRecord{}).Error; err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

// Keys は指定プレフィックスで始まるキーをキー順に返す。
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := s.database.WithContext(ctx).
		Model(&KVRecord{}).
		Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("key ASC").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list kv keys %s: %w", prefix, err)
	}
	return keys, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
