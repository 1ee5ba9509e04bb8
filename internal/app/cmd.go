package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/daybook/internal/config"
	"github.com/hitoshi/daybook/internal/session"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandImport はフィードを日記エントリとして取り込むことを示す。
	CommandImport Command = "import"
	// CommandToken は開発用のセッショントークンを発行することを示す。
	CommandToken Command = "token"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// defaultTokenTTL はtokenサブコマンドが発行するトークンの既定の有効期間。
const defaultTokenTTL = 24 * time.Hour

// NewRootCommand はdaybookのルートコマンドを生成する。
// ログはwに出力する。サブコマンドを省略した場合はserveとして起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "daybook",
		Short:         "Offline-first journal sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          withConfig(w, CommandServe, runServe),
	}

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the API server",
			Args:  cobra.NoArgs,
			RunE:  withConfig(w, CommandServe, runServe),
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Deliver queued writes and purge finished outbox items",
			Args:  cobra.NoArgs,
			RunE:  withConfig(w, CommandWorker, runWorker),
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply pending database migrations",
			Args:  cobra.NoArgs,
			RunE:  withConfig(w, CommandMigrate, runMigrate),
		},
		newImportCommand(w),
		newTokenCommand(w),
		&cobra.Command{
			Use:   string(CommandHealthcheck),
			Short: "Check the /health endpoint of a running server",
			Args:  cobra.NoArgs,
			// 軽量サブコマンドのため、フル初期化をスキップする
			RunE: func(cmd *cobra.Command, args []string) error {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				return runHealthcheck(port)
			},
		},
	)

	return root
}

func newImportCommand(w io.Writer) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   string(CommandImport) + " <feed-or-page-url>",
		Short: "Import an RSS/Atom feed as journal entries, one per day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withConfig(w, CommandImport, func(cfg *config.Config) error {
				result, err := runImport(cfg, userID, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user ID of the imported entries")
	return cmd
}

func newTokenCommand(w io.Writer) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   string(CommandToken),
		Short: "Issue a signed session token for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withConfig(w, CommandToken, func(cfg *config.Config) error {
				if err := cfg.ValidateServe(); err != nil {
					return err
				}
				token, err := session.NewVerifier(cfg.JWTSecret).Issue(userID, email, ttl)
				if err != nil {
					return fmt.Errorf("failed to issue token: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID of the session")
	cmd.Flags().StringVar(&email, "email", "", "email address of the session")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	return cmd
}

// withConfig は設定を読み込んでからfnを実行するRunEを返す。
func withConfig(w io.Writer, name Command, fn func(cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		defer closer.Close()

		slog.Info("starting application",
			slog.String("command", string(name)),
			slog.String("port", cfg.ServerPort),
			slog.String("base_url", cfg.BaseURL),
		)
		return fn(cfg)
	}
}
