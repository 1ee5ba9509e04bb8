// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hitoshi/daybook/internal/model"
)

var (
	// ErrNotOwner は他ユーザーが所有するエントリを書き換えようとしたことを示す。
	ErrNotOwner = errors.New("entry is owned by another user")
	// ErrUnknownField はprofilesテーブルに対応するカラムが存在しないことを示す。
	ErrUnknownField = errors.New("unknown profile field")
)

// EntryRepository はリモートの日記エントリストアのインターフェース。
// すべての操作はコンテキストにセッションがあることを前提とし、
// セッションがない場合はエラーではなく空の結果を返す。
// ネットワークやドライバの失敗はエラーとして返し、「存在しない」とは区別する。
type EntryRepository interface {
	// FetchAll は指定ユーザーのエントリと所有者なしのエントリを日付の降順で返す。
	FetchAll(ctx context.Context, ownerID string) ([]model.JournalEntry, error)

	// Upsert はIDをキーにエントリを挿入または置換する。同じエントリの再送は安全。
	// 既存行のdateは変更しない。
	Upsert(ctx context.Context, entry *model.JournalEntry) (*model.JournalEntry, error)

	// Delete は指定IDのエントリを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// GetByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, id string) (*model.JournalEntry, error)

	// GetByDate はdayと同じ暦日のエントリを取得する。見つからない場合はnilを返す。
	// 暦日の境界はdayのタイムゾーンで判定する。
	GetByDate(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error)
}

// ProfileRepository はprofilesテーブルの動的カラムを読み書きするインターフェース。
type ProfileRepository interface {
	// GetField は指定フィールドの値を返す。行または値がない場合はnilを返す。
	GetField(ctx context.Context, userID, field string) (json.RawMessage, error)

	// SetField は指定フィールドに値を保存する。行がなければ作成する。
	SetField(ctx context.Context, userID, field string, value json.RawMessage) error
}
