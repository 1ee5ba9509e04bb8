package journal

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/daybook/internal/model"
)

// EntryPatch はエントリの部分更新。nilのフィールドは変更しない。
type EntryPatch struct {
	Title   *string
	Content *string
	Mood    *model.Mood
	// ClearMood がtrueの場合は気分を未設定に戻す。
	ClearMood    bool
	Attachments  *[]model.Attachment
	TemplateData map[string][]string
	// Date は受け付けるが反映しない。作成後のエントリの日付は変わらない。
	Date *time.Time
}

// GetTodayEntry は現在のユーザーの今日のエントリを返す。見つからない場合はnilを返す。
func (s *Service) GetTodayEntry(ctx context.Context) *model.JournalEntry {
	return s.GetEntryByDate(ctx, s.now())
}

// GetEntryByDate はdayと同じ暦日のエントリを返す。
// リモートを優先して検索し、見つかればキャッシュに反映する。
// リモートで見つからない、または失敗した場合はキャッシュから探す。
func (s *Service) GetEntryByDate(ctx context.Context, day time.Time) *model.JournalEntry {
	s.ensureLoaded(ctx)
	ownerID := ownerOf(ctx)
	day = day.In(s.loc)

	if ownerID != "" {
		rctx, cancel := s.remoteContext(ctx, ownerID)
		remote, err := s.repo.GetByDate(rctx, ownerID, day)
		cancel()
		if err != nil {
			s.logger.Warn("リモートでの日付検索に失敗しました。キャッシュを使います",
				slog.String("date", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
		} else if remote != nil && s.visible(remote, ownerID) {
			pending := s.pendingIDs(ctx)
			if local := s.cachedForDay(ownerID, day, pending); local != nil {
				return local
			}
			return s.upsertCached(ctx, remote, pending)
		}
	}

	return s.cachedForDay(ownerID, day, nil)
}

// cachedForDay はキャッシュからdayのエントリを探す。
// pendingが指定された場合は未配送の変更を持つエントリだけを対象にする。
// 複数ある場合はユーザー所有のものを優先し、次に作成が早いものを返す。
func (s *Service) cachedForDay(ownerID string, day time.Time, pending map[string]struct{}) *model.JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.JournalEntry
	for id, e := range s.entries {
		if pending != nil {
			if _, ok := pending[id]; !ok {
				continue
			}
		}
		if !s.visible(e, ownerID) || !sameDay(e.Date, day, s.loc) {
			continue
		}
		if best == nil || better(e, best, ownerID) {
			best = e
		}
	}
	return best.Clone()
}

// better はaがbより優先されるかどうかを返す。
func better(a, b *model.JournalEntry, ownerID string) bool {
	if a.OwnedBy(ownerID) != b.OwnedBy(ownerID) {
		return a.OwnedBy(ownerID)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// GetEntryByID は指定IDのエントリを返す。見つからない場合はnilを返す。
// 未配送の変更があるエントリはリモートに問い合わせずキャッシュから返す。
func (s *Service) GetEntryByID(ctx context.Context, id string) *model.JournalEntry {
	if id == "" {
		return nil
	}
	s.ensureLoaded(ctx)
	ownerID := ownerOf(ctx)

	pending := s.pendingIDs(ctx)
	if _, ok := pending[id]; !ok && ownerID != "" {
		rctx, cancel := s.remoteContext(ctx, ownerID)
		remote, err := s.repo.GetByID(rctx, id)
		cancel()
		if err != nil {
			s.logger.Warn("リモートでのエントリ取得に失敗しました。キャッシュを使います",
				slog.String("entry_id", id),
				slog.String("error", err.Error()),
			)
		} else if remote != nil && s.visible(remote, ownerID) {
			return s.upsertCached(ctx, remote, pending)
		}
	}

	return s.cachedByID(id, ownerID)
}

func (s *Service) cachedByID(id, ownerID string) *model.JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[id]
	if !s.visible(e, ownerID) {
		return nil
	}
	return e.Clone()
}

// UpdateEntry はキャッシュ上のエントリを部分更新し、リモートへの保存をアウトボックスに積む。
// 日付は変更しない。所有者なしのエントリは更新したユーザーのものになる。
// キャッシュにないIDの場合はnilを返す。
func (s *Service) UpdateEntry(ctx context.Context, id string, patch EntryPatch) *model.JournalEntry {
	s.ensureLoaded(ctx)
	ownerID := ownerOf(ctx)

	s.mu.Lock()
	current := s.entries[id]
	if !s.visible(current, ownerID) {
		s.mu.Unlock()
		return nil
	}

	updated := current.Clone()
	s.applyPatch(updated, patch)
	updated.UpdatedAt = s.now()
	if updated.IsLegacy() && ownerID != "" {
		updated.OwnerID = &ownerID
	}
	s.entries[id] = updated
	s.persistLocked(ctx)
	result := updated.Clone()
	s.mu.Unlock()

	s.enqueueUpsert(ctx, result)
	return result
}

func (s *Service) applyPatch(e *model.JournalEntry, patch EntryPatch) {
	if patch.Title != nil {
		e.Title = *patch.Title
	}
	if patch.Content != nil {
		e.Content = s.sanitize(*patch.Content)
	}
	if patch.ClearMood {
		e.Mood = nil
	} else if patch.Mood != nil {
		e.Mood = model.MoodPtr(*patch.Mood)
	}
	if patch.Attachments != nil {
		e.Attachments = append([]model.Attachment{}, (*patch.Attachments)...)
	}
	if patch.TemplateData != nil {
		e.TemplateData = (&model.JournalEntry{TemplateData: patch.TemplateData}).Clone().TemplateData
	}
}

// sanitize はHTMLを含む本文だけを無害化する。
func (s *Service) sanitize(content string) string {
	if s.sanitizer == nil || !strings.ContainsRune(content, '<') {
		return content
	}
	return s.sanitizer.Sanitize(content)
}

// DeleteEntry はキャッシュからエントリを削除し、リモートの削除をアウトボックスに積む。
// キャッシュから削除した場合にtrueを返す。リモートでの削除結果は含まない。
func (s *Service) DeleteEntry(ctx context.Context, id string) bool {
	s.ensureLoaded(ctx)
	ownerID := ownerOf(ctx)

	s.mu.Lock()
	current := s.entries[id]
	if !s.visible(current, ownerID) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	s.persistLocked(ctx)
	s.mu.Unlock()

	if ownerID == "" {
		return true
	}
	if err := s.outbox.EnqueueDelete(ctx, ownerID, id); err != nil {
		s.logger.Error("エントリ削除のアウトボックス登録に失敗しました",
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// enqueueUpsert はエントリの保存をアウトボックスに積む。所有者のないエントリは積まない。
func (s *Service) enqueueUpsert(ctx context.Context, e *model.JournalEntry) {
	if e.IsLegacy() {
		s.logger.Debug("所有者のないエントリはリモートに保存しません",
			slog.String("entry_id", e.ID),
		)
		return
	}
	if err := s.outbox.EnqueueUpsert(ctx, *e.OwnerID, e); err != nil {
		s.logger.Error("エントリ保存のアウトボックス登録に失敗しました",
			slog.String("entry_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
}

// MoodCalendar はmonthの月に記録された気分を日ごとに返す。キャッシュのみを参照する。
func (s *Service) MoodCalendar(ctx context.Context, ownerID string, month time.Time) map[int]model.Mood {
	s.ensureLoaded(ctx)
	month = month.In(s.loc)

	result := make(map[int]model.Mood)
	for _, e := range s.snapshot(ownerID) {
		d := e.Date.In(s.loc)
		if d.Year() != month.Year() || d.Month() != month.Month() {
			continue
		}
		if e.Mood == nil || *e.Mood == model.MoodNone {
			continue
		}
		if _, ok := result[d.Day()]; !ok || e.OwnedBy(ownerID) {
			result[d.Day()] = *e.Mood
		}
	}
	return result
}
