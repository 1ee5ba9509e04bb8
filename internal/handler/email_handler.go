package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/daybook/internal/functions"
	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/session"
)

// Mailer はメールを送信する。functions.Client が実装する。
type Mailer interface {
	SendEmail(ctx context.Context, email functions.Email) error
}

// EntryLookup はIDでエントリを取得する。
type EntryLookup interface {
	GetEntryByID(ctx context.Context, id string) *model.JournalEntry
}

// EmailHandler はエントリをメールで送るHTTPハンドラー。
type EmailHandler struct {
	entries EntryLookup
	mailer  Mailer
	logger  *slog.Logger
}

// NewEmailHandler はEmailHandlerを生成する。
func NewEmailHandler(entries EntryLookup, mailer Mailer, logger *slog.Logger) *EmailHandler {
	return &EmailHandler{entries: entries, mailer: mailer, logger: logger}
}

type emailEntryRequest struct {
	To string `json:"to"`
}

// EmailEntry はエントリを指定アドレス、省略時はセッションのアドレスへ送る。
// POST /api/entries/{id}/email
func (h *EmailHandler) EmailEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req emailEntryRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		if s := session.FromContext(r.Context()); s != nil {
			to = s.Email
		}
	}
	if _, err := mail.ParseAddress(to); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("送信先のメールアドレスが不正です"))
		return
	}

	entry := h.entries.GetEntryByID(r.Context(), id)
	if entry == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewEntryNotFoundError(id))
		return
	}

	if err := h.mailer.SendEmail(r.Context(), entryEmail(to, entry)); err != nil {
		h.logger.Error("エントリのメール送信に失敗しました",
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		if errors.Is(err, functions.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteErrorResponse(w, status, model.NewUpstreamFailedError("send-email"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// entryEmail はエントリ本文をHTMLメールにする。本文は保存時に無害化済み。
func entryEmail(to string, e *model.JournalEntry) functions.Email {
	day := e.Date.Format(time.DateOnly)
	subject := "Daybook " + day
	if e.Title != "" {
		subject += " " + e.Title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<h1>%s</h1>", html.EscapeString(day))
	if e.Title != "" {
		fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(e.Title))
	}
	if e.Mood != nil {
		fmt.Fprintf(&b, "<p>mood: %s</p>", html.EscapeString(string(*e.Mood)))
	}
	b.WriteString(e.Content)

	return functions.Email{To: to, Subject: subject, HTML: b.String()}
}
