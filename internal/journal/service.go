// Package journal は日記エントリの読み書きを担うサービスを提供する。
// 読み込みはローカルキャッシュから即座に応答し、裏でリモートストアと照合する。
// 書き込みはキャッシュを同期的に更新し、アウトボックス経由でリモートへ反映する。
// 公開メソッドはエラーを返さず、失敗はログに記録したうえでnilまたはfalseに変換する。
package journal

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/daybook/internal/metrics"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/outbox"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/session"
)

// defaultRemoteTimeout はリモート呼び出し1回あたりの既定のタイムアウト。
const defaultRemoteTimeout = 10 * time.Second

// EntryCache はエントリ一覧の永続キャッシュ。cache.Store が実装する。
type EntryCache interface {
	Load(ctx context.Context) []model.JournalEntry
	Save(ctx context.Context, entries []model.JournalEntry)
}

// Outbox はリモートへの書き込みを積むアウトボックス。outbox.Flusher が実装する。
type Outbox interface {
	EnqueueUpsert(ctx context.Context, ownerID string, entry *model.JournalEntry) error
	EnqueueDelete(ctx context.Context, ownerID, entryID string) error
	ForceDrain(ctx context.Context) outbox.DrainResult
	PendingEntryIDs(ctx context.Context) (map[string]struct{}, error)
}

// Sanitizer はエントリ本文に含まれるHTMLを無害化する。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Config はServiceの動作設定。ゼロ値の項目には既定値を使う。
type Config struct {
	// Location は暦日の判定に使うタイムゾーン。既定はUTC。
	Location *time.Location
	// Now は現在時刻を返す。既定はtime.Now。
	Now func() time.Time
	// NewID はエントリと添付のIDを生成する。既定はランダムなUUID。
	NewID func() string
	// LegacyVisible は所有者なしのエントリを全ユーザーに見せるかどうか。
	LegacyVisible bool
	// RemoteTimeout はリモート呼び出し1回あたりのタイムアウト。
	RemoteTimeout time.Duration
	Sanitizer     Sanitizer
	Metrics       metrics.MetricsCollector
}

// Service は日記エントリのキャッシュ、リモートストア、アウトボックスを束ねる。
type Service struct {
	repo   repository.EntryRepository
	cache  EntryCache
	outbox Outbox
	logger *slog.Logger

	loc           *time.Location
	now           func() time.Time
	newID         func() string
	legacyVisible bool
	remoteTimeout time.Duration
	sanitizer     Sanitizer
	metrics       metrics.MetricsCollector

	mu       sync.RWMutex
	entries  map[string]*model.JournalEntry
	loaded   bool
	inflight map[string]bool

	flight     singleflight.Group
	syncing    atomic.Bool
	syncOwner  string
	syncDone   chan struct{}
	autosaveMu sync.Mutex
	bg         sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(repo repository.EntryRepository, cache EntryCache, ob Outbox, logger *slog.Logger, cfg Config) *Service {
	s := &Service{
		repo:          repo,
		cache:         cache,
		outbox:        ob,
		logger:        logger,
		loc:           cfg.Location,
		now:           cfg.Now,
		newID:         cfg.NewID,
		legacyVisible: cfg.LegacyVisible,
		remoteTimeout: cfg.RemoteTimeout,
		sanitizer:     cfg.Sanitizer,
		metrics:       cfg.Metrics,
		entries:       make(map[string]*model.JournalEntry),
		inflight:      make(map[string]bool),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.remoteTimeout <= 0 {
		s.remoteTimeout = defaultRemoteTimeout
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// Wait は実行中のバックグラウンド照合がすべて終わるまで待つ。
func (s *Service) Wait() {
	s.bg.Wait()
}

// Location は暦日の判定に使うタイムゾーンを返す。
func (s *Service) Location() *time.Location {
	return s.loc
}

// ensureLoaded は初回アクセス時に永続キャッシュをメモリに読み込む。
func (s *Service) ensureLoaded(ctx context.Context) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return
	}

	entries := s.cache.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	for i := range entries {
		e := entries[i]
		if e.ID == "" {
			continue
		}
		s.entries[e.ID] = &e
	}
	s.loaded = true
}

// visible はエントリが指定ユーザーに見えるかどうかを返す。
func (s *Service) visible(e *model.JournalEntry, ownerID string) bool {
	if e == nil || e.IsPreferenceBlob() {
		return false
	}
	if e.IsLegacy() {
		return s.legacyVisible
	}
	return ownerID != "" && e.OwnedBy(ownerID)
}

// snapshot は指定ユーザーに見えるエントリを日付の降順で返す。呼び出し側でロックを取らないこと。
func (s *Service) snapshot(ownerID string) []model.JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.JournalEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if s.visible(e, ownerID) {
			out = append(out, *e.Clone())
		}
	}
	sortByDateDesc(out)
	return out
}

// persistLocked はメモリ上の全エントリを永続キャッシュに書き込む。s.muの書き込みロック中に呼ぶ。
func (s *Service) persistLocked(ctx context.Context) {
	all := make([]model.JournalEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, *e)
	}
	sortByDateDesc(all)
	s.cache.Save(ctx, all)
}

// upsertCached はリモートから取得したエントリをキャッシュに反映する。
// 未配送の変更があるエントリはローカルの内容を優先し、その内容を返す。
func (s *Service) upsertCached(ctx context.Context, e *model.JournalEntry, pending map[string]struct{}) *model.JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := pending[e.ID]; ok {
		return s.entries[e.ID].Clone()
	}
	s.entries[e.ID] = e.Clone()
	s.persistLocked(ctx)
	return e.Clone()
}

// ownerOf はコンテキストのセッションからユーザーIDを返す。未認証の場合は空文字列。
func ownerOf(ctx context.Context) string {
	if sess := session.FromContext(ctx); sess != nil {
		return sess.UserID
	}
	return ""
}

// remoteContext はリモート呼び出し用のタイムアウト付きコンテキストを返す。
// ownerIDが指定され、セッションがない場合はそのユーザーのセッションを補う。
func (s *Service) remoteContext(ctx context.Context, ownerID string) (context.Context, context.CancelFunc) {
	if ownerID != "" && session.FromContext(ctx) == nil {
		ctx = session.ContextWithUserID(ctx, ownerID)
	}
	return context.WithTimeout(ctx, s.remoteTimeout)
}

// pendingIDs は未配送の変更を持つエントリIDの集合を返す。取得できない場合は空集合。
func (s *Service) pendingIDs(ctx context.Context) map[string]struct{} {
	ids, err := s.outbox.PendingEntryIDs(ctx)
	if err != nil {
		s.logger.Warn("未配送のエントリの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return map[string]struct{}{}
	}
	return ids
}

// sameDay はaとbが同じ暦日かどうかをタイムゾーンlocで判定する。
func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func sortByDateDesc(entries []model.JournalEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.After(entries[j].Date)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
