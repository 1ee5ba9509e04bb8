package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/hitoshi/daybook/internal/cache"
	"github.com/hitoshi/daybook/internal/config"
	"github.com/hitoshi/daybook/internal/database"
	"github.com/hitoshi/daybook/internal/functions"
	"github.com/hitoshi/daybook/internal/handler"
	"github.com/hitoshi/daybook/internal/importer"
	"github.com/hitoshi/daybook/internal/journal"
	"github.com/hitoshi/daybook/internal/localstore"
	"github.com/hitoshi/daybook/internal/logger"
	"github.com/hitoshi/daybook/internal/metrics"
	"github.com/hitoshi/daybook/internal/middleware"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/outbox"
	"github.com/hitoshi/daybook/internal/preference"
	"github.com/hitoshi/daybook/internal/prompt"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/security"
	"github.com/hitoshi/daybook/internal/session"
	"github.com/hitoshi/daybook/internal/storage"
	"github.com/hitoshi/daybook/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// LOG_FILEが設定されている場合はローテーション付きファイルにも出力する。
// 返されるio.Closerはログファイルを閉じる。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ファイル出力を追加する
	if w == nil {
		w = os.Stdout
	}
	out, closer := logger.WithFile(w, logger.FileOptions{Path: cfg.LogFile})
	logger.SetupDefault(out, logger.ParseLevel(cfg.LogLevel))

	return cfg, closer, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドがない場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// services はserve、worker、importで共有する依存関係。
type services struct {
	db          *sql.DB
	local       *gorm.DB
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	outboxRepo  *localstore.OutboxRepo
	flusher     *outbox.Flusher
	journal     *journal.Service
	preferences *preference.Adapter
	functions   *functions.Client
	guard       *security.Guard
	sanitizer   *security.ContentSanitizer
	broadcaster *session.Broadcaster
	unsubscribe func()
}

// openServices はリモートDBとローカルストアを開き、ドメインサービスを組み立てる。
func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	// 1. リモートDB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. ローカルストア
	local, err := localstore.Open(cfg.LocalDBPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	slog.Info("local store opened", slog.String("path", cfg.LocalDBPath))

	s := &services{db: db, local: local}

	// 3. メトリクス
	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.NewCollector(s.registry)

	// 4. リポジトリとアウトボックス
	entryRepo := repository.NewPostgresEntryRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	kv := localstore.NewKVStore(local)
	s.outboxRepo = localstore.NewOutboxRepo(local)
	s.flusher = outbox.New(s.outboxRepo, outbox.NewRepositoryDeliverer(entryRepo), slog.Default(), outbox.Options{
		MaxAttempts:     cfg.OutboxMaxAttempts,
		DeliveryTimeout: cfg.RemoteTimeout,
		Metrics:         s.metrics,
	})

	// 5. セキュリティ
	s.guard = security.NewGuard()
	s.sanitizer = security.NewContentSanitizer()

	// 6. 日記サービスとセッション
	s.journal = journal.NewService(entryRepo, cache.NewStore(kv, slog.Default()), s.flusher, slog.Default(), journal.Config{
		Location:      cfg.TimeZone,
		LegacyVisible: cfg.LegacyEntriesVisible,
		RemoteTimeout: cfg.RemoteTimeout,
		Sanitizer:     s.sanitizer,
		Metrics:       s.metrics,
	})
	s.broadcaster = session.NewBroadcaster()
	s.unsubscribe = s.journal.Subscribe(s.broadcaster)

	// 7. 設定アダプタ（オブジェクトストレージ → プロフィール列 → エントリblob）
	remoteClient := &http.Client{Timeout: cfg.RemoteTimeout}
	var backends []preference.Backend
	if cfg.StorageURL != "" {
		storageClient := storage.NewClient(remoteClient, slog.Default(), cfg.StorageURL, cfg.StorageBucket, cfg.StorageKey)
		backends = append(backends, preference.NewObjectStorageBackend(storageClient))
	}
	backends = append(backends,
		preference.NewProfileColumnBackend(profileRepo),
		preference.NewEntryBlobBackend(entryRepo),
	)
	s.preferences = preference.NewAdapter(kv, slog.Default(), s.metrics, backends...)
	slog.Info("preference backends configured", slog.Any("backends", s.preferences.Backends()))

	// 8. サーバーレス関数
	s.functions = functions.NewClient(remoteClient, slog.Default(), cfg.FunctionsURL, cfg.FunctionsKey)

	return s, nil
}

// Close はバックグラウンド照合の完了を待ってから接続を閉じる。
func (s *services) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.journal.Wait()
	if err := localstore.Close(s.local); err != nil {
		slog.Error("failed to close local store", slog.String("error", err.Error()))
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
}

// newImporter はフィード取り込みサービスを生成する。
func (s *services) newImporter(cfg *config.Config) *importer.Importer {
	return importer.New(s.guard, s.journal, s.sanitizer, slog.Default(), cfg.TimeZone)
}

// newPromptService はANTHROPIC_API_KEYがあればAnthropic APIを、なければサーバーレス関数を使うプロンプト生成サービスを返す。
func (s *services) newPromptService(cfg *config.Config) *prompt.Service {
	var generator prompt.Generator
	if cfg.AnthropicAPIKey != "" {
		generator = prompt.NewAnthropicGenerator(cfg.AnthropicAPIKey, cfg.AnthropicModel, slog.Default())
		slog.Info("prompt generator configured", slog.String("provider", "anthropic"), slog.String("model", cfg.AnthropicModel))
	} else {
		generator = prompt.NewFunctionsGenerator(s.functions)
		slog.Info("prompt generator configured", slog.String("provider", "functions"))
	}
	return prompt.NewService(s.journal, s.preferences, s.functions, generator, slog.Default())
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、アウトボックスと設定の再送ループを起動してHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	// 1. バックグラウンドループ
	go s.flusher.Start(ctx, cfg.OutboxFlushInterval)
	go s.preferences.Start(ctx, cfg.PreferenceRetryInterval)

	// 2. ミドルウェア依存
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(cfg.RateLimitRPS)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitBurst
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg, slog.Default())
	defer rateLimiter.Stop()

	if !s.functions.Configured() {
		slog.Warn("FUNCTIONS_URL is not set; billing, music search and hosted prompts are disabled")
	}

	// 3. ルーターの構築
	tracker := session.NewTracker(s.broadcaster)
	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Verifier:          session.NewVerifier(cfg.JWTSecret),
		SessionObserver:   tracker,
		Sessions:          tracker,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           s.metrics,
		Gatherer:          s.registry,

		Entries:           s.journal,
		AttachmentFetcher: handler.NewRemoteAttachmentFetcher(s.guard, slog.Default()),
		Dates:             handler.NewDateParser(cfg.TimeZone),

		Preferences: s.preferences,

		Prompts:  s.newPromptService(cfg),
		Music:    s.functions,
		Importer: s.newImporter(cfg),
		Billing:  s.functions,
		Mailer:   s.functions,
		BaseURL:  cfg.BaseURL,

		DB:     s.db,
		Outbox: s.flusher,
	}
	router := handler.NewRouter(deps)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 残っている書き込みを可能な範囲で配送する
	result := s.flusher.Drain(shutdownCtx)
	slog.Info("API server stopped gracefully",
		slog.Int("outbox_delivered", result.Delivered),
		slog.Int("outbox_failed", result.Failed),
	)
	return nil
}

// runWorker はワーカーモードで起動する。
// アウトボックスの配送と配送済み項目のクリーンアップを実行する。
// 設定の再送は外部ストレージへ出られるserve側で行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Info("worker starting",
		slog.Duration("outbox_flush_interval", cfg.OutboxFlushInterval),
		slog.Duration("outbox_retention", cfg.OutboxRetention),
	)

	cleanupJob := cleanup.NewCleanupJob(s.outboxRepo, slog.Default(), cfg.OutboxRetention)
	go cleanupJob.Start(ctx, 24*time.Hour)

	// アウトボックスの配送ループをメインgoroutineで実行（ブロッキング）
	s.flusher.Start(ctx, cfg.OutboxFlushInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runImport はフィードをuserIDのエントリとして取り込み、配送が終わるまで待つ。
func runImport(cfg *config.Config, userID, rawURL string) (importer.Result, error) {
	ctx, stop := signalContext()
	defer stop()

	s, err := openServices(ctx, cfg)
	if err != nil {
		return importer.Result{}, err
	}
	defer s.Close()

	ctx = session.ContextWithSession(ctx, &model.Session{UserID: userID})
	result, err := s.newImporter(cfg).Import(ctx, rawURL)
	if err != nil {
		return importer.Result{}, fmt.Errorf("import failed: %w", err)
	}

	drained := s.flusher.ForceDrain(ctx)
	slog.Info("import completed",
		slog.String("user_id", userID),
		slog.Int("imported", result.Imported),
		slog.Int("outbox_delivered", drained.Delivered),
		slog.Int("outbox_failed", drained.Failed),
	)
	return result, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
