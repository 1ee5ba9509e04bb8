// Package preference はユーザー設定の読み書きを、順位付けされた複数のバックエンドで行う。
// 上位のバックエンドから順に試し、すべて失敗した場合は端末ローカルの値に縮退する。
package preference

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/daybook/internal/metrics"
)

const (
	localPrefix = "pref:"
	dirtyPrefix = "prefdirty:"
	// partialPrefix は最上位以外のバックエンドにだけ保存された値の保存先バックエンド名を記録する。
	partialPrefix = "prefpartial:"
)

// LocalKV は設定値の端末ローカルな保存先。localstore.KVStore が実装する。
type LocalKV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Result は設定の読み書きの結果。
type Result struct {
	// Backend は値を解決した、または保存に成功したバックエンド名。
	Backend string          `json:"backend"`
	Value   json.RawMessage `json:"value"`
	// Synced はリモートのいずれかのバックエンドと一致していることを示す。
	Synced bool `json:"synced"`
}

// State は設定キーごとの同期状態。
type State int

const (
	StateUnknown State = iota
	StateLoading
	StateResolved
	StateAbsent
	StateDirty
	StateSyncing
	StateSyncFailed
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateResolved:
		return "resolved"
	case StateAbsent:
		return "absent"
	case StateDirty:
		return "dirty"
	case StateSyncing:
		return "syncing"
	case StateSyncFailed:
		return "sync_failed"
	default:
		return "unknown"
	}
}

// unsynced はローカルの値がリモートより新しい可能性がある状態かを返す。
func (s State) unsynced() bool {
	return s == StateDirty || s == StateSyncing || s == StateSyncFailed
}

type stateKey struct {
	owner string
	key   string
}

// Adapter は設定値をバックエンドの順位に従って読み書きする。
// すべての失敗はログに記録され、呼び出し元にはエラーを返さない。
type Adapter struct {
	backends []Backend
	local    LocalKV
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu     sync.Mutex
	states map[stateKey]State
}

// NewAdapter はAdapterを生成する。backendsは優先度の高い順に渡す。
func NewAdapter(local LocalKV, logger *slog.Logger, m metrics.MetricsCollector, backends ...Backend) *Adapter {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Adapter{
		backends: backends,
		local:    local,
		logger:   logger,
		metrics:  m,
		states:   make(map[stateKey]State),
	}
}

// Backends はバックエンド名を優先度順に返す。
func (a *Adapter) Backends() []string {
	names := make([]string, 0, len(a.backends))
	for _, b := range a.backends {
		names = append(names, b.Name())
	}
	return names
}

// State は指定キーの同期状態を返す。
func (a *Adapter) State(ownerID, key string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[stateKey{ownerID, key}]
}

func (a *Adapter) setState(ownerID, key string, s State) {
	a.mu.Lock()
	a.states[stateKey{ownerID, key}] = s
	a.mu.Unlock()
}

// Load は設定値を読み込む。
// バックエンドを優先度順に試し、最初に見つかった値を返す。
// どのバックエンドにもない場合はローカルの値を返し、それもなければfalseを返す。
// 同期待ちのローカル値がある場合はリモートより優先する。
func (a *Adapter) Load(ctx context.Context, ownerID, key string) (Result, bool) {
	if a.State(ownerID, key).unsynced() || a.hasDirty(ctx, ownerID, key) {
		if value, ok := a.readLocal(ctx, ownerID, key); ok {
			return Result{Backend: BackendLocal, Value: value}, true
		}
	}

	a.setState(ownerID, key, StateLoading)

	// 上位のバックエンドには古い値が残っている可能性があるため、最後に保存できた順位から読む
	for _, b := range a.backends[a.savedRank(ctx, ownerID, key):] {
		value, err := b.Get(ctx, ownerID, key)
		if err == nil {
			a.metrics.RecordPreferenceHit(b.Name())
			a.writeLocal(ctx, ownerID, key, value)
			a.setState(ownerID, key, StateResolved)
			return Result{Backend: b.Name(), Value: value, Synced: true}, true
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		a.metrics.RecordPreferenceFailure(b.Name())
		a.logger.Warn("設定の読み込みに失敗しました。次のバックエンドを試します",
			slog.String("backend", b.Name()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	if value, ok := a.readLocal(ctx, ownerID, key); ok {
		a.setState(ownerID, key, StateResolved)
		return Result{Backend: BackendLocal, Value: value}, true
	}

	a.setState(ownerID, key, StateAbsent)
	return Result{}, false
}

// Save は設定値を保存する。
// まずローカルに書き込み、次にバックエンドを優先度順に試して最初に成功した名前を返す。
// すべて失敗した場合はローカルのみに保存された結果を返し、RetryFailedの対象とする。
func (a *Adapter) Save(ctx context.Context, ownerID, key string, value json.RawMessage) Result {
	a.setState(ownerID, key, StateDirty)
	a.writeLocal(ctx, ownerID, key, value)
	if err := a.local.Put(ctx, dirtyKey(ownerID, key), time.Now().UTC().Format(time.RFC3339)); err != nil {
		a.logger.Warn("設定の同期待ちマークの保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return a.sync(ctx, ownerID, key, value)
}

func (a *Adapter) sync(ctx context.Context, ownerID, key string, value json.RawMessage) Result {
	a.setState(ownerID, key, StateSyncing)

	for rank, b := range a.backends {
		if err := b.Set(ctx, ownerID, key, value); err != nil {
			a.metrics.RecordPreferenceFailure(b.Name())
			a.logger.Warn("設定の保存に失敗しました。次のバックエンドを試します",
				slog.String("backend", b.Name()),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}

		a.metrics.RecordPreferenceHit(b.Name())
		if err := a.local.Delete(ctx, dirtyKey(ownerID, key)); err != nil {
			a.logger.Warn("設定の同期待ちマークの削除に失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		a.markPartial(ctx, ownerID, key, rank, b.Name())
		a.setState(ownerID, key, StateResolved)
		return Result{Backend: b.Name(), Value: value, Synced: true}
	}

	a.logger.Error("すべてのバックエンドで設定の保存に失敗しました。ローカルにのみ保存します",
		slog.String("owner_id", ownerID),
		slog.String("key", key),
	)
	a.setState(ownerID, key, StateSyncFailed)
	return Result{Backend: BackendLocal, Value: value}
}

// RetryFailed は同期待ちのまま残っている設定値と、最上位以外にしか保存できなかった設定値を再送する。
// どちらの印もローカルに永続化されるため、再起動前の失敗も対象になる。
// いずれかのバックエンドに同期できた件数を返す。
func (a *Adapter) RetryFailed(ctx context.Context) int {
	var keys []string
	seen := make(map[string]bool)
	for _, prefix := range []string{dirtyPrefix, partialPrefix} {
		found, err := a.local.Keys(ctx, prefix)
		if err != nil {
			a.logger.Error("同期待ちの設定の列挙に失敗しました",
				slog.String("error", err.Error()),
			)
			return 0
		}
		for _, k := range found {
			id := strings.TrimPrefix(k, prefix)
			if !seen[id] {
				seen[id] = true
				keys = append(keys, id)
			}
		}
	}

	synced := 0
	for _, id := range keys {
		if ctx.Err() != nil {
			break
		}
		ownerID, key, ok := splitKey(id)
		if !ok {
			continue
		}
		value, ok := a.readLocal(ctx, ownerID, key)
		if !ok {
			_ = a.local.Delete(ctx, dirtyKey(ownerID, key))
			_ = a.local.Delete(ctx, partialKey(ownerID, key))
			continue
		}
		if res := a.sync(ctx, ownerID, key, value); res.Synced {
			synced++
		}
	}

	if len(keys) > 0 {
		a.logger.Info("同期待ちの設定を再送しました",
			slog.Int("pending", len(keys)),
			slog.Int("synced", synced),
		)
	}
	return synced
}

// Start はintervalごとにRetryFailedを実行する。コンテキストがキャンセルされるまで継続する。
func (a *Adapter) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RetryFailed(ctx)
		}
	}
}

// savedRank は最後の保存が届いたバックエンドの順位を返す。最上位に届いている場合は0。
func (a *Adapter) savedRank(ctx context.Context, ownerID, key string) int {
	name, ok, err := a.local.Get(ctx, partialKey(ownerID, key))
	if err != nil || !ok {
		return 0
	}
	for rank, b := range a.backends {
		if b.Name() == name {
			return rank
		}
	}
	return 0
}

func (a *Adapter) markPartial(ctx context.Context, ownerID, key string, rank int, backend string) {
	var err error
	if rank == 0 {
		err = a.local.Delete(ctx, partialKey(ownerID, key))
	} else {
		err = a.local.Put(ctx, partialKey(ownerID, key), backend)
	}
	if err != nil {
		a.logger.Warn("設定の保存先の記録に失敗しました",
			slog.String("key", key),
			slog.String("backend", backend),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Adapter) hasDirty(ctx context.Context, ownerID, key string) bool {
	_, ok, err := a.local.Get(ctx, dirtyKey(ownerID, key))
	return err == nil && ok
}

func (a *Adapter) readLocal(ctx context.Context, ownerID, key string) (json.RawMessage, bool) {
	raw, ok, err := a.local.Get(ctx, localKey(ownerID, key))
	if err != nil {
		a.logger.Warn("ローカルの設定の読み込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok || !json.Valid([]byte(raw)) {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func (a *Adapter) writeLocal(ctx context.Context, ownerID, key string, value json.RawMessage) {
	if err := a.local.Put(ctx, localKey(ownerID, key), string(value)); err != nil {
		a.logger.Warn("ローカルへの設定の保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func localKey(ownerID, key string) string {
	return localPrefix + ownerID + ":" + key
}

func dirtyKey(ownerID, key string) string {
	return dirtyPrefix + ownerID + ":" + key
}

func partialKey(ownerID, key string) string {
	return partialPrefix + ownerID + ":" + key
}

// splitKey は "owner:key" を分解する。ユーザーIDはコロンを含まない。
func splitKey(s string) (string, string, bool) {
	ownerID, key, ok := strings.Cut(s, ":")
	if !ok || ownerID == "" || key == "" {
		return "", "", false
	}
	return ownerID, key, true
}
