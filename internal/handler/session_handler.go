package handler

import (
	"log/slog"
	"net/http"
)

// SessionForgetter はサインアウトしたユーザーを忘れる。session.Tracker が実装する。
type SessionForgetter interface {
	Forget(userID string)
}

// SessionHandler はセッション関連のHTTPハンドラー。
type SessionHandler struct {
	sessions SessionForgetter
	logger   *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionForgetter, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// SignOut はSignedOutを発行し、キャッシュ上のユーザーのエントリを破棄させる。
// 未送信の書き込みはアウトボックスに残る。
// POST /api/session/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	h.sessions.Forget(userID)
	h.logger.Info("サインアウトしました", slog.String("user_id", userID))
	w.WriteHeader(http.StatusNoContent)
}
