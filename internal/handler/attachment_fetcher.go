package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/hitoshi/daybook/internal/model"
)

const (
	// maxAttachmentSize は取得元URLから読み込む添付の最大サイズ（8MB）。
	maxAttachmentSize = 8 << 20
	attachmentTimeout = 20 * time.Second
)

// URLGuard はユーザーが指定したURLの検証とSSRF防止付きクライアントを提供する。security.Guard が実装する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// RemoteAttachmentFetcher は添付の取得元URLをSSRF防止付きクライアントで取得する。
type RemoteAttachmentFetcher struct {
	guard  URLGuard
	logger *slog.Logger
}

// NewRemoteAttachmentFetcher はRemoteAttachmentFetcherを生成する。
func NewRemoteAttachmentFetcher(guard URLGuard, logger *slog.Logger) *RemoteAttachmentFetcher {
	return &RemoteAttachmentFetcher{guard: guard, logger: logger}
}

// Fetch はrawURLの内容とMIMEタイプを返す。
// Content-Typeがない場合は内容から推定する。サイズ上限を超える場合はエラーを返す。
func (f *RemoteAttachmentFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := f.guard.ValidateURL(rawURL); err != nil {
		f.logger.Warn("添付の取得元URLを拒否しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, "", model.NewSSRFBlockedError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Daybook/1.0")

	resp, err := f.guard.NewSafeClient(attachmentTimeout).Do(req)
	if err != nil {
		return nil, "", model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	if len(data) > maxAttachmentSize {
		return nil, "", model.NewInvalidAttachmentError("ファイルが大きすぎます")
	}
	if len(data) == 0 {
		return nil, "", model.NewInvalidAttachmentError("内容が空です")
	}

	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mimeType == "" {
		mimeType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	return data, mimeType, nil
}
