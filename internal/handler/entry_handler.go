package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/daybook/internal/journal"
	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
)

// EntryService はエントリハンドラーが必要とする日記サービスのインターフェース。
// journal.Service が実装する。
type EntryService interface {
	GetAllEntries(ctx context.Context, ownerID string) []model.JournalEntry
	GetTodayEntry(ctx context.Context) *model.JournalEntry
	GetEntryByDate(ctx context.Context, day time.Time) *model.JournalEntry
	GetEntryByID(ctx context.Context, id string) *model.JournalEntry
	UpdateEntry(ctx context.Context, id string, patch journal.EntryPatch) *model.JournalEntry
	DeleteEntry(ctx context.Context, id string) bool
	AutosaveEntry(ctx context.Context, in journal.AutosaveInput) bool
	AddAttachment(ctx context.Context, entryID string, in journal.AttachmentInput) *model.JournalEntry
	DeleteAttachment(ctx context.Context, entryID, attachmentID string) *model.JournalEntry
	DeleteAttachmentAt(ctx context.Context, entryID string, index int) *model.JournalEntry
	MoodCalendar(ctx context.Context, ownerID string, month time.Time) map[int]model.Mood
	SyncFromRemote(ctx context.Context, ownerID string) bool
	Syncing() bool
}

// AttachmentFetcher は添付の取得元URLから内容を取得する。
type AttachmentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, mimeType string, err error)
}

// EntryHandler は日記エントリのHTTPハンドラー。
type EntryHandler struct {
	service EntryService
	fetcher AttachmentFetcher
	dates   *DateParser
	logger  *slog.Logger
}

// NewEntryHandler はEntryHandlerを生成する。
func NewEntryHandler(service EntryService, fetcher AttachmentFetcher, dates *DateParser, logger *slog.Logger) *EntryHandler {
	return &EntryHandler{service: service, fetcher: fetcher, dates: dates, logger: logger}
}

type entriesResponse struct {
	Entries []model.JournalEntry `json:"entries"`
}

// patchEntryRequest はエントリ更新リクエストのボディ。
// moodにnullを指定すると気分を未設定に戻す。
type patchEntryRequest struct {
	Title        *string             `json:"title"`
	Content      *string             `json:"content"`
	Mood         json.RawMessage     `json:"mood"`
	TemplateData map[string][]string `json:"templateData"`
}

type autosaveRequest struct {
	EntryID      string              `json:"entryId"`
	Title        string              `json:"title"`
	Content      string              `json:"content"`
	Mood         string              `json:"mood"`
	TemplateData map[string][]string `json:"templateData"`
}

type attachmentRequest struct {
	Type      model.AttachmentType `json:"type"`
	Name      string               `json:"name"`
	MimeType  string               `json:"mimeType"`
	Data      string               `json:"data"`
	SourceURL string               `json:"sourceUrl"`
	Metadata  map[string]string    `json:"metadata"`
	// Track は楽曲検索の結果をそのまま添付するときに指定する。
	Track *model.Track `json:"track"`
}

// ListEntries は現在のユーザーのエントリを新しい順に返す。
// GET /api/entries
func (h *EntryHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	entries := h.service.GetAllEntries(r.Context(), userID)
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: entries})
}

// GetToday は今日のエントリを返す。
// GET /api/entries/today
func (h *EntryHandler) GetToday(w http.ResponseWriter, r *http.Request) {
	entry := h.service.GetTodayEntry(r.Context())
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError("today"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetByDate は指定日のエントリを返す。
// GET /api/entries/by-date?date=2026-04-10 または ?date=yesterday
func (h *EntryHandler) GetByDate(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("date")
	day, err := h.dates.Parse(value)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	entry := h.service.GetEntryByDate(r.Context(), day)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(day.Format(time.DateOnly)))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetEntry はIDで指定したエントリを返す。
// GET /api/entries/{id}
func (h *EntryHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry := h.service.GetEntryByID(r.Context(), id)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// UpdateEntry はエントリを部分更新する。
// PATCH /api/entries/{id}
func (h *EntryHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req patchEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := journal.EntryPatch{
		Title:        req.Title,
		Content:      req.Content,
		TemplateData: req.TemplateData,
	}
	if len(req.Mood) > 0 {
		if string(req.Mood) == "null" {
			patch.ClearMood = true
		} else {
			var s string
			if err := json.Unmarshal(req.Mood, &s); err != nil {
				middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMoodError(string(req.Mood)))
				return
			}
			mood, ok := model.ParseMood(s)
			if !ok {
				middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMoodError(s))
				return
			}
			patch.Mood = &mood
		}
	}

	entry := h.service.UpdateEntry(r.Context(), id, patch)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DeleteEntry はエントリを削除する。
// DELETE /api/entries/{id}
func (h *EntryHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.DeleteEntry(r.Context(), id) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Autosave はエディタの内容を今日のエントリとして保存する。
// POST /api/entries/autosave
func (h *EntryHandler) Autosave(w http.ResponseWriter, r *http.Request) {
	var req autosaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := journal.AutosaveInput{
		EntryID:      req.EntryID,
		Title:        req.Title,
		Content:      req.Content,
		TemplateData: req.TemplateData,
	}
	if req.Mood != "" {
		mood, ok := model.ParseMood(req.Mood)
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidMoodError(req.Mood))
			return
		}
		in.Mood = &mood
	}

	writeJSON(w, http.StatusOK, map[string]bool{"saved": h.service.AutosaveEntry(r.Context(), in)})
}

// AddAttachment はエントリに添付を追加する。
// 内容はbase64のdata、取得元URLのsourceUrl、またはmetadataのみ（Spotifyトラック）で指定する。
// POST /api/entries/{id}/attachments
func (h *EntryHandler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req attachmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidAttachmentError("未知の種別: "+string(req.Type)))
		return
	}
	if h.service.GetEntryByID(r.Context(), id) == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}

	in := journal.AttachmentInput{
		Type:     req.Type,
		Name:     req.Name,
		MimeType: req.MimeType,
		Metadata: req.Metadata,
	}
	if req.Track != nil {
		in.Metadata = req.Track.AttachmentMetadata()
		for k, v := range req.Metadata {
			in.Metadata[k] = v
		}
		if in.Name == "" {
			in.Name = req.Track.Name
		}
	}
	switch {
	case req.Data != "":
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidAttachmentError("dataがbase64ではありません"))
			return
		}
		in.Data = data
	case req.SourceURL != "":
		data, mimeType, err := h.fetcher.Fetch(r.Context(), req.SourceURL)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		in.Data = data
		if in.MimeType == "" {
			in.MimeType = mimeType
		}
	}

	entry := h.service.AddAttachment(r.Context(), id, in)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidAttachmentError("内容がありません"))
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// DeleteAttachment はIDで指定した添付を削除する。
// DELETE /api/entries/{id}/attachments/{attachmentID}
func (h *EntryHandler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry := h.service.DeleteAttachment(r.Context(), id, chi.URLParam(r, "attachmentID"))
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DeleteAttachmentAt は位置で指定した添付を削除する。添付IDを持たない旧クライアント向け。
// DELETE /api/entries/{id}/attachments?index=0
func (h *EntryHandler) DeleteAttachmentAt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("indexは整数で指定してください"))
		return
	}
	entry := h.service.DeleteAttachmentAt(r.Context(), id, index)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type calendarResponse struct {
	Month string             `json:"month"`
	Moods map[int]model.Mood `json:"moods"`
}

// MoodCalendar は指定月の気分を日ごとに返す。
// GET /api/calendar?month=2026-04
func (h *EntryHandler) MoodCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	month, err := h.dates.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, calendarResponse{
		Month: month.Format("2006-01"),
		Moods: h.service.MoodCalendar(r.Context(), userID, month),
	})
}

// Sync は未送信の変更を送信してからリモートの内容でキャッシュを置き換える。
// POST /api/sync
func (h *EntryHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.service.Syncing() {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSyncInProgressError())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"synced": h.service.SyncFromRemote(r.Context(), userID)})
}
