package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/session"
)

// GetAllEntries は指定ユーザーのエントリと所有者なしのエントリを日付の降順で返す。
// キャッシュにエントリがあれば即座に返し、裏でリモートと照合する。
// キャッシュが空の場合は照合を待ってから返す。
// 同じユーザーの照合は同時に1つしか実行されない。
// そのユーザーの同期が実行中の場合は取得を同期に任せ、キャッシュが空なら同期の完了を待つ。
func (s *Service) GetAllEntries(ctx context.Context, ownerID string) []model.JournalEntry {
	s.ensureLoaded(ctx)

	if done := s.activeSync(ownerID); done != nil {
		if cached := s.snapshot(ownerID); len(cached) > 0 {
			return cached
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
		return s.snapshot(ownerID)
	}

	if cached := s.snapshot(ownerID); len(cached) > 0 {
		s.startReconcile(ctx, ownerID)
		return cached
	}

	if ownerID != "" {
		_, _, _ = s.flight.Do(ownerID, func() (interface{}, error) {
			return nil, s.reconcile(ctx, ownerID)
		})
	}
	return s.snapshot(ownerID)
}

// startReconcile はバックグラウンド照合を開始する。同じユーザーの照合が実行中なら何もしない。
func (s *Service) startReconcile(ctx context.Context, ownerID string) {
	if ownerID == "" {
		return
	}

	s.mu.Lock()
	if s.inflight[ownerID] {
		s.mu.Unlock()
		return
	}
	s.inflight[ownerID] = true
	s.mu.Unlock()

	bgCtx := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, ownerID)
			s.mu.Unlock()
		}()
		_, _, _ = s.flight.Do(ownerID, func() (interface{}, error) {
			return nil, s.reconcile(bgCtx, ownerID)
		})
	}()
}

// reconcile はリモートの全エントリを取得し、キャッシュのうちそのユーザーに見える部分を置き換える。
// 未配送の変更があるエントリはローカルの内容を残す。
func (s *Service) reconcile(ctx context.Context, ownerID string) error {
	start := time.Now()

	rctx, cancel := s.remoteContext(ctx, ownerID)
	remote, err := s.repo.FetchAll(rctx, ownerID)
	cancel()
	if err != nil {
		s.metrics.RecordReconcile(false, time.Since(start))
		s.logger.Warn("リモートとの照合に失敗しました。キャッシュを使い続けます",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return err
	}

	pending := s.pendingIDs(ctx)
	replaced := s.replaceOwnerSlice(ctx, ownerID, remote, pending)

	s.metrics.RecordReconcile(true, time.Since(start))
	s.logger.Debug("リモートとの照合が完了しました",
		slog.String("owner_id", ownerID),
		slog.Int("remote_count", len(remote)),
		slog.Int("cached_count", replaced),
		slog.Int("pending_count", len(pending)),
	)
	return nil
}

// replaceOwnerSlice はキャッシュのうちownerIDに見えるエントリをremoteで置き換え、永続化する。
// 他のユーザーのエントリには触れない。置き換え後にownerIDに見える件数を返す。
func (s *Service) replaceOwnerSlice(ctx context.Context, ownerID string, remote []model.JournalEntry, pending map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if _, ok := pending[id]; ok {
			continue
		}
		if e.OwnedBy(ownerID) || e.IsLegacy() {
			delete(s.entries, id)
		}
	}

	for i := range remote {
		e := remote[i]
		if e.IsPreferenceBlob() {
			continue
		}
		if _, ok := pending[e.ID]; ok {
			continue
		}
		s.entries[e.ID] = e.Clone()
	}
	s.persistLocked(ctx)

	count := 0
	for _, e := range s.entries {
		if s.visible(e, ownerID) {
			count++
		}
	}
	return count
}

// SyncFromRemote はアウトボックスを強制配送したうえでリモートの全エントリを取り込み、
// キャッシュのうちそのユーザーに見える部分を置き換える。
// 同期は同時に1つしか実行されず、実行中に呼ばれた場合はfalseを返す。
func (s *Service) SyncFromRemote(ctx context.Context, ownerID string) bool {
	if ownerID == "" {
		return false
	}
	if !s.syncing.CompareAndSwap(false, true) {
		s.logger.Info("同期が実行中のため要求を見送りました",
			slog.String("owner_id", ownerID),
		)
		return false
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.syncOwner, s.syncDone = ownerID, done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncOwner, s.syncDone = "", nil
		s.mu.Unlock()
		s.syncing.Store(false)
		close(done)
	}()

	s.ensureLoaded(ctx)

	drained := s.outbox.ForceDrain(ctx)
	if drained.Failed > 0 || drained.Dead > 0 {
		s.logger.Warn("同期前の配送で失敗した変更があります",
			slog.Int("failed", drained.Failed),
			slog.Int("dead", drained.Dead),
		)
	}

	if _, err, _ := s.flight.Do(ownerID, func() (interface{}, error) {
		return nil, s.reconcile(ctx, ownerID)
	}); err != nil {
		return false
	}

	s.logger.Info("リモートからの同期が完了しました",
		slog.String("owner_id", ownerID),
		slog.Int("delivered", drained.Delivered),
	)
	return true
}

// activeSync はownerIDの同期が実行中であれば、その完了時に閉じられるチャネルを返す。
func (s *Service) activeSync(ownerID string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.syncDone == nil || s.syncOwner != ownerID {
		return nil
	}
	return s.syncDone
}

// Syncing は同期が実行中かどうかを返す。
func (s *Service) Syncing() bool {
	return s.syncing.Load()
}

// Subscribe は認証状態の変化を購読する。
// サインイン時にそのユーザーの同期を行い、サインアウト時にそのユーザーのエントリをメモリから外す。
// 購読解除関数を返す。
func (s *Service) Subscribe(b *session.Broadcaster) func() {
	return b.Subscribe(func(e session.Event) {
		switch e.Type {
		case session.SignedIn:
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				ctx := session.ContextWithUserID(context.Background(), e.UserID)
				s.SyncFromRemote(ctx, e.UserID)
			}()
		case session.SignedOut:
			s.dropOwner(context.Background(), e.UserID)
		}
	})
}

// dropOwner は指定ユーザーが所有するエントリをメモリから外す。未配送の変更があるエントリは残す。
func (s *Service) dropOwner(ctx context.Context, ownerID string) {
	pending := s.pendingIDs(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if _, ok := pending[id]; ok {
			continue
		}
		if e.OwnedBy(ownerID) {
			delete(s.entries, id)
		}
	}
}
