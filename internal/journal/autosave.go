package journal

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/daybook/internal/model"
)

// AutosaveInput はエディタからの自動保存の内容。
type AutosaveInput struct {
	Title        string
	Content      string
	Mood         *model.Mood
	TemplateData map[string][]string
	// EntryID が指定され、キャッシュにある場合はそのエントリを日付に関係なく更新する。
	EntryID string
}

// hasContent はタイトル、本文、気分、テンプレートのいずれかに内容があるかを返す。
func (in AutosaveInput) hasContent() bool {
	return strings.TrimSpace(in.Title) != "" ||
		strings.TrimSpace(in.Content) != "" ||
		(in.Mood != nil && *in.Mood != model.MoodNone) ||
		model.HasTemplateContent(in.TemplateData)
}

func (in AutosaveInput) patch() EntryPatch {
	title, content := in.Title, in.Content
	return EntryPatch{
		Title:        &title,
		Content:      &content,
		Mood:         in.Mood,
		TemplateData: in.TemplateData,
	}
}

// AutosaveEntry は自動保存を行う。今日のエントリはこの経路でのみ作成され、1ユーザー1日1件が保たれる。
// EntryIDがキャッシュにあればそのエントリを更新し、なければ今日のエントリを更新する。
// 今日のエントリがなく、入力に内容がある場合のみ新規作成する。
// 入力が空で作成しなかった場合はfalseを返す。
func (s *Service) AutosaveEntry(ctx context.Context, in AutosaveInput) bool {
	s.autosaveMu.Lock()
	defer s.autosaveMu.Unlock()

	s.ensureLoaded(ctx)
	ownerID := ownerOf(ctx)

	if in.EntryID != "" && s.cachedByID(in.EntryID, ownerID) != nil {
		return s.UpdateEntry(ctx, in.EntryID, in.patch()) != nil
	}

	if today := s.GetTodayEntry(ctx); today != nil {
		return s.UpdateEntry(ctx, today.ID, in.patch()) != nil
	}

	if !in.hasContent() {
		return false
	}
	s.create(ctx, in, s.now())
	return true
}

// CreateEntryForDate はdayの暦日にエントリを作成する。インポートなど今日以外の日付での作成に使う。
// その日にすでにエントリがある場合、または入力が空の場合は作成せずfalseを返す。
func (s *Service) CreateEntryForDate(ctx context.Context, day time.Time, in AutosaveInput) (*model.JournalEntry, bool) {
	s.autosaveMu.Lock()
	defer s.autosaveMu.Unlock()

	s.ensureLoaded(ctx)
	if !in.hasContent() {
		return nil, false
	}
	if existing := s.GetEntryByDate(ctx, day); existing != nil {
		return existing, false
	}
	return s.create(ctx, in, day), true
}

// create は新しいエントリをキャッシュに追加し、リモートへの保存を積む。autosaveMuを保持して呼ぶ。
func (s *Service) create(ctx context.Context, in AutosaveInput, day time.Time) *model.JournalEntry {
	ownerID := ownerOf(ctx)
	now := s.now()
	entry := &model.JournalEntry{
		ID:          s.newID(),
		Date:        day.In(s.loc),
		Title:       in.Title,
		Content:     s.sanitize(in.Content),
		Attachments: []model.Attachment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ownerID != "" {
		entry.OwnerID = model.StringPtr(ownerID)
	}
	if in.Mood != nil {
		entry.Mood = model.MoodPtr(*in.Mood)
	}
	if in.TemplateData != nil {
		entry.TemplateData = (&model.JournalEntry{TemplateData: in.TemplateData}).Clone().TemplateData
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry.Clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.logger.Info("エントリを作成しました",
		slog.String("entry_id", entry.ID),
		slog.String("owner_id", ownerID),
		slog.String("date", entry.Date.Format(time.DateOnly)),
	)
	s.enqueueUpsert(ctx, entry)
	return entry.Clone()
}

// AttachmentInput は追加する添付の内容。
type AttachmentInput struct {
	Type     model.AttachmentType
	Name     string
	MimeType string
	Data     []byte
	Metadata map[string]string
}

// AddAttachment はエントリに添付を追加する。
// 添付の内容はbase64にして保持するため再読み込み後も復元できる。
// エントリが見つからない、または添付が不正な場合はnilを返す。
func (s *Service) AddAttachment(ctx context.Context, entryID string, in AttachmentInput) *model.JournalEntry {
	entry := s.GetEntryByID(ctx, entryID)
	if entry == nil {
		return nil
	}
	if !in.Type.Valid() {
		s.logger.Warn("不明な種別の添付は追加できません",
			slog.String("entry_id", entryID),
			slog.String("type", string(in.Type)),
		)
		return nil
	}

	att := model.Attachment{
		ID:       s.newID(),
		Type:     in.Type,
		Name:     in.Name,
		MimeType: in.MimeType,
	}
	if len(in.Data) > 0 {
		att.Data = base64.StdEncoding.EncodeToString(in.Data)
	}
	if len(in.Metadata) > 0 {
		att.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			att.Metadata[k] = v
		}
	}
	if !att.Durable() {
		s.logger.Warn("内容のない添付は追加できません",
			slog.String("entry_id", entryID),
			slog.String("type", string(in.Type)),
		)
		return nil
	}

	attachments := append(entry.Attachments, att)
	return s.UpdateEntry(ctx, entryID, EntryPatch{Attachments: &attachments})
}

// DeleteAttachment はIDで指定した添付を削除する。
// 添付が見つからない場合はエントリを変更せずに返す。エントリが見つからない場合はnilを返す。
func (s *Service) DeleteAttachment(ctx context.Context, entryID, attachmentID string) *model.JournalEntry {
	entry := s.GetEntryByID(ctx, entryID)
	if entry == nil {
		return nil
	}
	for i, a := range entry.Attachments {
		if a.ID == attachmentID {
			return s.removeAttachment(ctx, entry, i)
		}
	}
	return entry
}

// DeleteAttachmentAt は位置で指定した添付を削除する。
// 範囲外の位置はエラーにせず、エントリを変更せずに返す。
func (s *Service) DeleteAttachmentAt(ctx context.Context, entryID string, index int) *model.JournalEntry {
	entry := s.GetEntryByID(ctx, entryID)
	if entry == nil {
		return nil
	}
	if index < 0 || index >= len(entry.Attachments) {
		return entry
	}
	return s.removeAttachment(ctx, entry, index)
}

func (s *Service) removeAttachment(ctx context.Context, entry *model.JournalEntry, index int) *model.JournalEntry {
	attachments := make([]model.Attachment, 0, len(entry.Attachments)-1)
	attachments = append(attachments, entry.Attachments[:index]...)
	attachments = append(attachments, entry.Attachments[index+1:]...)
	return s.UpdateEntry(ctx, entry.ID, EntryPatch{Attachments: &attachments})
}
