// Package cache はエントリ一覧のローカル永続キャッシュを提供する。
package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hitoshi/daybook/internal/model"
)

// EntriesKey はエントリ一覧を保存するキー。
const EntriesKey = "journal_entries"

// KV はキャッシュの永続化先となるキーバリューストア。
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Store はエントリ一覧をJSONブロブとしてKVに保存する。
// 読み込み失敗は空一覧に、書き込み失敗はログ出力のみに縮退する。
type Store struct {
	kv     KV
	key    string
	logger *slog.Logger
}

// NewStore はStoreを生成する。
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, key: EntriesKey, logger: logger}
}

// Load は保存済みのエントリ一覧を返す。
// 未保存・読み込み失敗・JSON破損のいずれの場合も空一覧を返す。
func (s *Store) Load(ctx context.Context) []model.JournalEntry {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("ローカルキャッシュの読み込みに失敗しました",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return []model.JournalEntry{}
	}
	if !ok || raw == "" {
		return []model.JournalEntry{}
	}

	var entries []model.JournalEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("ローカルキャッシュが破損しているため空として扱います",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return []model.JournalEntry{}
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	return entries
}

// Save はエントリ一覧を保存する。失敗してもエラーは返さずログに記録する。
func (s *Store) Save(ctx context.Context, entries []model.JournalEntry) {
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error("ローカルキャッシュのシリアライズに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.kv.Put(ctx, s.key, string(data)); err != nil {
		s.logger.Error("ローカルキャッシュの書き込みに失敗しました",
			slog.String("key", s.key),
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()),
		)
	}
}
