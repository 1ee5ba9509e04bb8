package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/preference"
)

var preferenceKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// PreferenceStore は設定の読み書きを行う。preference.Adapter が実装する。
type PreferenceStore interface {
	Load(ctx context.Context, ownerID, key string) (preference.Result, bool)
	Save(ctx context.Context, ownerID, key string, value json.RawMessage) preference.Result
}

// PreferenceHandler はユーザー設定のHTTPハンドラー。
type PreferenceHandler struct {
	store  PreferenceStore
	logger *slog.Logger
}

// NewPreferenceHandler はPreferenceHandlerを生成する。
func NewPreferenceHandler(store PreferenceStore, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{store: store, logger: logger}
}

type preferenceResponse struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Backend string          `json:"backend"`
	Synced  bool            `json:"synced"`
}

// GetPreference は設定値を返す。
// GET /api/preferences/{key}
func (h *PreferenceHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, ok := preferenceKey(w, r)
	if !ok {
		return
	}

	result, found := h.store.Load(r.Context(), userID, key)
	if !found {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewPreferenceNotFoundError(key))
		return
	}
	writeJSON(w, http.StatusOK, preferenceResponse{
		Key:     key,
		Value:   result.Value,
		Backend: result.Backend,
		Synced:  result.Synced,
	})
}

// PutPreference は設定値を保存する。リクエストボディのJSONをそのまま値とする。
// PUT /api/preferences/{key}
func (h *PreferenceHandler) PutPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	key, ok := preferenceKey(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !json.Valid(body) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPreferenceError())
		return
	}

	result := h.store.Save(r.Context(), userID, key, json.RawMessage(body))
	writeJSON(w, http.StatusOK, preferenceResponse{
		Key:     key,
		Value:   result.Value,
		Backend: result.Backend,
		Synced:  result.Synced,
	})
}

func preferenceKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if !preferenceKeyPattern.MatchString(key) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("設定キーは英小文字、数字、_で指定してください"))
		return "", false
	}
	return key, true
}
