package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/daybook/internal/functions"
	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
)

// BillingService はサブスクリプションの確認と決済ページの発行を行う。functions.Client が実装する。
type BillingService interface {
	CheckSubscription(ctx context.Context) (functions.SubscriptionStatus, error)
	CreateCheckoutSession(ctx context.Context, priceID, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, returnURL string) (string, error)
}

// BillingHandler は課金関連のHTTPハンドラー。
type BillingHandler struct {
	service BillingService
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler はBillingHandlerを生成する。
// baseURLは決済後の戻り先URLを省略した場合の既定値に使う。
func NewBillingHandler(service BillingService, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{service: service, baseURL: baseURL, logger: logger}
}

type checkoutRequest struct {
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

// Status はサブスクリプションの状態を返す。
// GET /api/billing/status
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.CheckSubscription(r.Context())
	if err != nil {
		h.writeUpstreamError(w, "check-subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Checkout は決済ページのURLを発行する。
// POST /api/billing/checkout
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.baseURL + "/billing/success"
	}
	if req.CancelURL == "" {
		req.CancelURL = h.baseURL + "/billing/cancel"
	}

	url, err := h.service.CreateCheckoutSession(r.Context(), req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.writeUpstreamError(w, "create-checkout-session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Portal は契約管理ページのURLを発行する。
// POST /api/billing/portal
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if req.ReturnURL == "" {
		req.ReturnURL = h.baseURL
	}

	url, err := h.service.CreatePortalSession(r.Context(), req.ReturnURL)
	if err != nil {
		h.writeUpstreamError(w, "create-portal-session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *BillingHandler) writeUpstreamError(w http.ResponseWriter, function string, err error) {
	h.logger.Error("課金関数の呼び出しに失敗しました",
		slog.String("function", function),
		slog.String("error", err.Error()),
	)
	status := http.StatusBadGateway
	if errors.Is(err, functions.ErrNotConfigured) {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteErrorResponse(w, status, model.NewUpstreamFailedError(function))
}
