package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/daybook/internal/metrics"
	"github.com/hitoshi/daybook/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Verifier          middleware.TokenVerifier
	SessionObserver   middleware.SessionObserver
	Sessions          SessionForgetter
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer

	// 日記
	Entries           EntryService
	AttachmentFetcher AttachmentFetcher
	Dates             *DateParser

	// 設定
	Preferences PreferenceStore

	// 外部サービス
	Prompts  PromptService
	Music    MusicSearcher
	Importer FeedImporter
	Billing  BillingService
	Mailer   Mailer
	BaseURL  string

	// ヘルスチェック
	DB     Pinger
	Outbox PendingCounter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Auth → RateLimit(General)
//
// /health と /metrics は認証なしで公開する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))

	health := NewHealthHandler(deps.DB, deps.Outbox, logger)
	r.Get("/health", health.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	entries := NewEntryHandler(deps.Entries, deps.AttachmentFetcher, deps.Dates, logger)
	prefs := NewPreferenceHandler(deps.Preferences, logger)
	assist := NewAssistHandler(deps.Prompts, deps.Music, deps.Importer, logger)
	billing := NewBillingHandler(deps.Billing, deps.BaseURL, logger)
	sessions := NewSessionHandler(deps.Sessions, logger)
	mailer := NewEmailHandler(deps.Entries, deps.Mailer, logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewAuthMiddleware(deps.Verifier, deps.SessionObserver, logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// セッション
		if deps.Sessions != nil {
			r.Post("/session/signout", sessions.SignOut)
		}

		// 日記
		r.Route("/entries", func(r chi.Router) {
			r.Get("/", entries.ListEntries)
			r.Get("/today", entries.GetToday)
			r.Get("/by-date", entries.GetByDate)
			r.Post("/autosave", entries.Autosave)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", entries.GetEntry)
				r.Patch("/", entries.UpdateEntry)
				r.Delete("/", entries.DeleteEntry)

				r.Post("/attachments", entries.AddAttachment)
				r.Delete("/attachments", entries.DeleteAttachmentAt)
				r.Delete("/attachments/{attachmentID}", entries.DeleteAttachment)
			})
		})
		r.Get("/calendar", entries.MoodCalendar)
		r.Post("/sync", entries.Sync)

		// 設定
		r.Get("/preferences/{key}", prefs.GetPreference)
		r.Put("/preferences/{key}", prefs.PutPreference)

		// 外部サービスを呼び出す操作は専用のレート制限を追加
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.ExpensiveMiddleware())
			r.Post("/prompts", assist.GeneratePrompt)
			r.Post("/import", assist.ImportFeed)
			if deps.Mailer != nil {
				r.Post("/entries/{id}/email", mailer.EmailEntry)
			}
		})
		r.Get("/music/search", assist.SearchMusic)

		// 課金
		r.Route("/billing", func(r chi.Router) {
			r.Get("/status", billing.Status)
			r.Post("/checkout", billing.Checkout)
			r.Post("/portal", billing.Portal)
		})
	})

	return r
}
