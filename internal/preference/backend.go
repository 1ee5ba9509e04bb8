package preference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/session"
	"github.com/hitoshi/daybook/internal/storage"
)

// バックエンド名。Resultにどの経路で解決したかを記録するのに使う。
const (
	BackendObjectStorage = "object-storage"
	BackendProfileColumn = "profile-column"
	BackendEntryBlob     = "entry-blob"
	BackendLocal         = "local"
)

// ErrNotFound はバックエンドに値が存在しないことを示す。
var ErrNotFound = errors.New("preference not found")

// Backend は設定値の保存先。
// Getは値が存在しない場合にErrNotFoundを返し、それ以外のエラーは障害として扱われる。
type Backend interface {
	Name() string
	Get(ctx context.Context, ownerID, key string) (json.RawMessage, error)
	Set(ctx context.Context, ownerID, key string, value json.RawMessage) error
}

// ObjectStorageBackend はオブジェクトストレージの {ownerId}/{key}.json に保存する。
type ObjectStorageBackend struct {
	client *storage.Client
}

// NewObjectStorageBackend はObjectStorageBackendを生成する。
func NewObjectStorageBackend(client *storage.Client) *ObjectStorageBackend {
	return &ObjectStorageBackend{client: client}
}

func (b *ObjectStorageBackend) Name() string { return BackendObjectStorage }

func (b *ObjectStorageBackend) Get(ctx context.Context, ownerID, key string) (json.RawMessage, error) {
	value, err := b.client.GetJSON(ctx, ownerID, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (b *ObjectStorageBackend) Set(ctx context.Context, ownerID, key string, value json.RawMessage) error {
	return b.client.PutJSON(ctx, ownerID, key, value)
}

// ProfileColumnBackend はprofilesテーブルのキー名に対応するカラムに保存する。
type ProfileColumnBackend struct {
	repo repository.ProfileRepository
}

// NewProfileColumnBackend はProfileColumnBackendを生成する。
func NewProfileColumnBackend(repo repository.ProfileRepository) *ProfileColumnBackend {
	return &ProfileColumnBackend{repo: repo}
}

func (b *ProfileColumnBackend) Name() string { return BackendProfileColumn }

func (b *ProfileColumnBackend) Get(ctx context.Context, ownerID, key string) (json.RawMessage, error) {
	value, err := b.repo.GetField(ctx, ownerID, key)
	if err != nil {
		return nil, err
	}
	if value == nil || string(value) == "null" {
		return nil, ErrNotFound
	}
	return value, nil
}

func (b *ProfileColumnBackend) Set(ctx context.Context, ownerID, key string, value json.RawMessage) error {
	return b.repo.SetField(ctx, ownerID, key, value)
}

// BlobID はユーザーとキーから決まる疑似エントリのIDを返す。
func BlobID(ownerID, key string) string {
	return model.PreferenceBlobID(ownerID, key)
}

// EntryBlobBackend は日記エントリテーブルの疑似エントリに設定値を保存する。
// 疑似エントリはBlobIDのIDと model.PreferenceBlobTitlePrefix で始まるタイトルを持ち、日記一覧には現れない。
type EntryBlobBackend struct {
	repo repository.EntryRepository
}

// NewEntryBlobBackend はEntryBlobBackendを生成する。
func NewEntryBlobBackend(repo repository.EntryRepository) *EntryBlobBackend {
	return &EntryBlobBackend{repo: repo}
}

func (b *EntryBlobBackend) Name() string { return BackendEntryBlob }

func (b *EntryBlobBackend) Get(ctx context.Context, ownerID, key string) (json.RawMessage, error) {
	entry, err := b.repo.GetByID(withOwner(ctx, ownerID), BlobID(ownerID, key))
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.IsPreferenceBlob() {
		return nil, ErrNotFound
	}
	if !json.Valid([]byte(entry.Content)) {
		return nil, fmt.Errorf("疑似エントリ %s の内容がJSONではありません", entry.ID)
	}
	return json.RawMessage(entry.Content), nil
}

func (b *EntryBlobBackend) Set(ctx context.Context, ownerID, key string, value json.RawMessage) error {
	saved, err := b.repo.Upsert(withOwner(ctx, ownerID), &model.JournalEntry{
		ID:          BlobID(ownerID, key),
		OwnerID:     model.StringPtr(ownerID),
		Date:        time.Unix(0, 0).UTC(),
		Title:       model.PreferenceBlobTitlePrefix + key,
		Content:     string(value),
		Attachments: []model.Attachment{},
	})
	if err != nil {
		return err
	}
	if saved == nil {
		return fmt.Errorf("疑似エントリが保存されませんでした")
	}
	return nil
}

// withOwner はセッションのないコンテキストに所有者のセッションを補う。
func withOwner(ctx context.Context, ownerID string) context.Context {
	if session.FromContext(ctx) != nil {
		return ctx
	}
	return session.ContextWithUserID(ctx, ownerID)
}
