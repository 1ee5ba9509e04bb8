// Package session は認証プロバイダのアクセストークン検証と、
// リクエストスコープのセッション受け渡しを提供する。
package session

import (
	"context"
	"fmt"

	"github.com/hitoshi/daybook/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("session")

// ContextWithSession はコンテキストにセッションを注入する。
func ContextWithSession(ctx context.Context, s *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// ContextWithUserID はユーザーIDのみを持つセッションをコンテキストに注入する。
// テストやワーカーなどトークンを伴わない呼び出しで使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithSession(ctx, &model.Session{UserID: userID})
}

// FromContext はコンテキストからセッションを取得する。未認証の場合はnilを返す。
func FromContext(ctx context.Context) *model.Session {
	s, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || s == nil || s.UserID == "" {
		return nil
	}
	return s
}

// UserIDFromContext はコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	s := FromContext(ctx)
	if s == nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	return s.UserID, nil
}
