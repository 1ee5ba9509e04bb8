// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/session"
)

// TokenVerifier はアクセストークンを検証する。session.Verifier が実装する。
type TokenVerifier interface {
	Verify(token string) (*model.Session, error)
}

// SessionObserver は認証済みユーザーの出現を通知する。session.Tracker が実装する。
type SessionObserver interface {
	Observe(userID string)
}

// NewAuthMiddleware は Authorization: Bearer ヘッダーのアクセストークンを検証し、
// セッションをリクエストコンテキストに注入するミドルウェアを返す。
// observerがnilでなければ、検証に成功したユーザーIDを通知する。
// トークンがない、または無効な場合は401を返す。
func NewAuthMiddleware(verifier TokenVerifier, observer SessionObserver, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteUnauthorized(w)
				return
			}

			s, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("アクセストークンの検証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}

			recordUserID(r.Context(), s.UserID)
			if observer != nil {
				observer.Observe(s.UserID)
			}
			next.ServeHTTP(w, r.WithContext(session.ContextWithSession(r.Context(), s)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
