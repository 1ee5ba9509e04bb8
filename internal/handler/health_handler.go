package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はデータベースの疎通を確認する。*sql.DB が実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PendingCounter は未配送のアウトボックス項目数を返す。outbox.Flusher が実装する。
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db     Pinger
	outbox PendingCounter
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db Pinger, outbox PendingCounter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, outbox: outbox, logger: logger}
}

type healthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	OutboxPending int64  `json:"outboxPending"`
}

// Health はデータベースの疎通と未配送件数を返す。データベースに接続できない場合は503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("データベースのヘルスチェックに失敗しました", slog.String("error", err.Error()))
		resp.Status = "unavailable"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if h.outbox != nil {
		pending, err := h.outbox.Pending(ctx)
		if err != nil {
			h.logger.Warn("未配送件数の取得に失敗しました", slog.String("error", err.Error()))
			pending = -1
		}
		resp.OutboxPending = pending
	}

	writeJSON(w, status, resp)
}
