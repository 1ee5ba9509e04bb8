// Package storage はオブジェクトストレージのHTTPクライアントを提供する。
// ユーザーごとの設定値を {userId}/{key}.json として保存する。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxObjectSize は読み込むオブジェクトの最大サイズ（1MB）。
const maxObjectSize = 1 << 20

var (
	// ErrObjectNotFound はオブジェクトが存在しないことを示す。
	ErrObjectNotFound = errors.New("storage object not found")
	// ErrNotConfigured はストレージのURLが未設定であることを示す。
	ErrNotConfigured = errors.New("storage is not configured")
)

// Client はオブジェクトストレージのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	bucket     string
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLが空の場合、すべての操作はErrNotConfiguredを返す。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, bucket, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		apiKey:     apiKey,
	}
}

// ObjectPath はユーザーとキーからオブジェクトのパスを組み立てる。
func ObjectPath(userID, key string) string {
	return url.PathEscape(userID) + "/" + url.PathEscape(key) + ".json"
}

// GetJSON はオブジェクトを取得する。存在しない場合はErrObjectNotFoundを返す。
func (c *Client) GetJSON(ctx context.Context, userID, key string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, userID, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("オブジェクトの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrObjectNotFound
	case resp.StatusCode == http.StatusBadRequest && isNotFoundBody(resp.Body):
		// 一部の実装は存在しないオブジェクトに400を返す
		return nil, ErrObjectNotFound
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("オブジェクトストレージがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("key", key),
		)
		return nil, fmt.Errorf("オブジェクトストレージがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("オブジェクト %s がJSONではありません", key)
	}
	return json.RawMessage(body), nil
}

// PutJSON はオブジェクトを上書き保存する。
func (c *Client) PutJSON(ctx context.Context, userID, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("オブジェクト %s の値がJSONではありません", key)
	}

	req, err := c.newRequest(ctx, http.MethodPut, userID, key, bytes.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("オブジェクトの保存に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxObjectSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("オブジェクトストレージがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("key", key),
		)
		return fmt.Errorf("オブジェクトストレージがステータス %d を返しました", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, userID, key string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if userID == "" || key == "" {
		return nil, fmt.Errorf("ユーザーIDとキーは必須です")
	}

	endpoint := fmt.Sprintf("%s/object/%s/%s", c.baseURL, url.PathEscape(c.bucket), ObjectPath(userID, key))
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}
	return req, nil
}

func isNotFoundBody(r io.Reader) bool {
	var body struct {
		StatusCode string `json:"statusCode"`
		Error      string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil {
		return false
	}
	return body.StatusCode == "404" || strings.EqualFold(body.Error, "not_found")
}
