// Package functions はサーバーレス関数（課金、プロンプト生成、音楽検索、メール送信）のクライアントを提供する。
// すべての関数は {baseURL}/{name} へのJSON POSTで呼び出す。
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/session"
)

// maxResponseSize は読み込むレスポンスの最大サイズ（1MB）。
const maxResponseSize = 1 << 20

// 関数名
const (
	fnCheckSubscription     = "check-subscription"
	fnCreateCheckoutSession = "create-checkout-session"
	fnCreatePortalSession   = "create-portal-session"
	fnGeneratePrompt        = "generate-prompt"
	fnSearchMusic           = "search-music"
	fnSendEmail             = "send-email"
)

var (
	// ErrUnauthorized は関数が認証エラー（401/403）を返したことを示す。
	ErrUnauthorized = errors.New("function call unauthorized")
	// ErrNotFound は関数が存在しない（404）ことを示す。
	ErrNotFound = errors.New("function not found")
	// ErrNotConfigured は関数のURLが未設定であることを示す。
	ErrNotConfigured = errors.New("functions are not configured")
)

// StatusError は関数が2xx以外のステータスを返したことを表す。
type StatusError struct {
	Function   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("関数 %s がステータス %d を返しました: %s", e.Function, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("関数 %s がステータス %d を返しました", e.Function, e.StatusCode)
}

// Unwrap は401/403をErrUnauthorized、404をErrNotFoundとして扱えるようにする。
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// SubscriptionStatus はサブスクリプションの状態。
type SubscriptionStatus struct {
	Subscribed       bool       `json:"subscribed"`
	Tier             string     `json:"tier,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
}

// PromptRequest はプロンプト生成の入力。
type PromptRequest struct {
	CurrentEntry  *model.JournalEntry `json:"currentEntry,omitempty"`
	RecentEntries []model.JournalEntry `json:"recentEntries"`
	Preferences   json.RawMessage      `json:"preferences,omitempty"`
}

// Email は送信するメール。
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Client はサーバーレス関数のクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLが空の場合、すべての呼び出しはErrNotConfiguredを返す。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Configured は関数のURLが設定されているかどうかを返す。
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// CheckSubscription は現在のユーザーのサブスクリプション状態を返す。
func (c *Client) CheckSubscription(ctx context.Context) (SubscriptionStatus, error) {
	var status SubscriptionStatus
	if err := c.call(ctx, fnCheckSubscription, struct{}{}, &status); err != nil {
		return SubscriptionStatus{}, err
	}
	return status, nil
}

// CreateCheckoutSession は決済画面のセッションを作成し、遷移先URLを返す。
func (c *Client) CreateCheckoutSession(ctx context.Context, priceID, successURL, cancelURL string) (string, error) {
	req := map[string]string{
		"priceId":    priceID,
		"successUrl": successURL,
		"cancelUrl":  cancelURL,
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, fnCreateCheckoutSession, req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("関数 %s のレスポンスにURLがありません", fnCreateCheckoutSession)
	}
	return resp.URL, nil
}

// CreatePortalSession は契約管理画面のセッションを作成し、遷移先URLを返す。
func (c *Client) CreatePortalSession(ctx context.Context, returnURL string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, fnCreatePortalSession, map[string]string{"returnUrl": returnURL}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("関数 %s のレスポンスにURLがありません", fnCreatePortalSession)
	}
	return resp.URL, nil
}

// GeneratePrompt は日記を書くためのプロンプトを生成する。
func (c *Client) GeneratePrompt(ctx context.Context, req PromptRequest) (string, error) {
	if req.RecentEntries == nil {
		req.RecentEntries = []model.JournalEntry{}
	}
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := c.call(ctx, fnGeneratePrompt, req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Prompt), nil
}

// SearchMusic は楽曲を検索する。空のクエリは呼び出さずに空の結果を返す。
func (c *Client) SearchMusic(ctx context.Context, query string) ([]model.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Track{}, nil
	}
	var resp struct {
		Tracks []model.Track `json:"tracks"`
	}
	if err := c.call(ctx, fnSearchMusic, map[string]string{"query": query}, &resp); err != nil {
		return nil, err
	}
	if resp.Tracks == nil {
		return []model.Track{}, nil
	}
	return resp.Tracks, nil
}

// SendEmail はメールを送信する。
func (c *Client) SendEmail(ctx context.Context, email Email) error {
	if email.To == "" {
		return fmt.Errorf("メールの宛先は必須です")
	}
	return c.call(ctx, fnSendEmail, email, nil)
}

// call は関数を呼び出し、レスポンスをoutにデコードする。outがnilの場合は本文を読み捨てる。
func (c *Client) call(ctx context.Context, name string, in, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if sess := session.FromContext(ctx); sess != nil {
		req.Header.Set("X-User-Id", sess.UserID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("関数の呼び出しに失敗しました",
			slog.String("function", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("関数 %s の呼び出しに失敗しました: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("関数がエラーステータスを返しました",
			slog.String("function", name),
			slog.Int("http_status", resp.StatusCode),
		)
		return &StatusError{Function: name, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	c.logger.Debug("関数を呼び出しました",
		slog.String("function", name),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("関数 %s のレスポンスのパースに失敗しました: %w", name, err)
	}
	return nil
}

// errorMessage はエラーレスポンスの {"error": "..."} からメッセージを取り出す。
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error
}
