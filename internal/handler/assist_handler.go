package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/daybook/internal/functions"
	"github.com/hitoshi/daybook/internal/importer"
	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/prompt"
)

// PromptService は書き出しのプロンプトを生成する。prompt.Service が実装する。
type PromptService interface {
	Prompt(ctx context.Context, ownerID string) (string, error)
}

// MusicSearcher は添付する楽曲を検索する。functions.Client が実装する。
type MusicSearcher interface {
	SearchMusic(ctx context.Context, query string) ([]model.Track, error)
}

// FeedImporter はフィードを日記エントリとして取り込む。importer.Importer が実装する。
type FeedImporter interface {
	Import(ctx context.Context, rawURL string) (importer.Result, error)
}

// AssistHandler はプロンプト生成、楽曲検索、フィード取り込みのHTTPハンドラー。
// いずれも外部サービスを呼び出す。
type AssistHandler struct {
	prompts  PromptService
	music    MusicSearcher
	importer FeedImporter
	logger   *slog.Logger
}

// NewAssistHandler はAssistHandlerを生成する。
func NewAssistHandler(prompts PromptService, music MusicSearcher, imp FeedImporter, logger *slog.Logger) *AssistHandler {
	return &AssistHandler{prompts: prompts, music: music, importer: imp, logger: logger}
}

// GeneratePrompt は今日と最近のエントリをもとにプロンプトを生成する。
// POST /api/prompts
func (h *AssistHandler) GeneratePrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	text, err := h.prompts.Prompt(r.Context(), userID)
	if err != nil {
		if errors.Is(err, prompt.ErrSubscriptionRequired) {
			middleware.WriteErrorResponse(w, http.StatusPaymentRequired, model.NewSubscriptionRequiredError())
			return
		}
		h.logger.Error("プロンプトの生成に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError("prompt"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": text})
}

// SearchMusic は楽曲を検索する。
// GET /api/music/search?q=
func (h *AssistHandler) SearchMusic(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("qを指定してください"))
		return
	}

	tracks, err := h.music.SearchMusic(r.Context(), query)
	if err != nil {
		h.logger.Error("楽曲の検索に失敗しました",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		if errors.Is(err, functions.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteErrorResponse(w, status, model.NewUpstreamFailedError("music"))
		return
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	writeJSON(w, http.StatusOK, map[string][]model.Track{"tracks": tracks})
}

type importRequest struct {
	URL string `json:"url"`
}

// ImportFeed はRSS/Atomフィードを取り込む。
// POST /api/import
func (h *AssistHandler) ImportFeed(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	result, err := h.importer.Import(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, importer.ErrNoFeed) {
			middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
				model.NewFetchFailedError("フィードが見つかりません"))
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
