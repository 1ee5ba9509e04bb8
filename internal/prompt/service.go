package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/daybook/internal/functions"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/preference"
)

// PreferenceKey はプロンプト生成の設定を保存する設定キー。
const PreferenceKey = "prompt_preferences"

// recentEntryCount はプロンプトに含める過去のエントリ数。
const recentEntryCount = 5

// ErrSubscriptionRequired はプロンプト生成に有料プランが必要であることを示す。
var ErrSubscriptionRequired = errors.New("subscription required")

// EntrySource はプロンプトの材料となるエントリを提供する。journal.Service が実装する。
type EntrySource interface {
	GetTodayEntry(ctx context.Context) *model.JournalEntry
	GetAllEntries(ctx context.Context, ownerID string) []model.JournalEntry
}

// PreferenceSource は設定値を提供する。preference.Adapter が実装する。
type PreferenceSource interface {
	Load(ctx context.Context, ownerID, key string) (preference.Result, bool)
}

// SubscriptionChecker はサブスクリプションの状態を返す。functions.Client が実装する。
type SubscriptionChecker interface {
	CheckSubscription(ctx context.Context) (functions.SubscriptionStatus, error)
}

// Service は課金状態を確認したうえでプロンプトを生成する。
type Service struct {
	entries   EntrySource
	prefs     PreferenceSource
	billing   SubscriptionChecker
	generator Generator
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(entries EntrySource, prefs PreferenceSource, billing SubscriptionChecker, generator Generator, logger *slog.Logger) *Service {
	return &Service{
		entries:   entries,
		prefs:     prefs,
		billing:   billing,
		generator: generator,
		logger:    logger,
	}
}

// Prompt は今日のエントリ、直近のエントリ、プロンプト設定をもとにプロンプトを生成する。
// 有料プランでない場合はErrSubscriptionRequiredを返す。
// 課金機能が未設定（functions.ErrNotConfigured）の環境では確認を省略する。
func (s *Service) Prompt(ctx context.Context, ownerID string) (string, error) {
	if err := s.checkPaywall(ctx, ownerID); err != nil {
		return "", err
	}

	req := functions.PromptRequest{RecentEntries: []model.JournalEntry{}}
	req.CurrentEntry = s.entries.GetTodayEntry(ctx)
	for _, e := range s.entries.GetAllEntries(ctx, ownerID) {
		if req.CurrentEntry != nil && e.ID == req.CurrentEntry.ID {
			continue
		}
		req.RecentEntries = append(req.RecentEntries, e)
		if len(req.RecentEntries) == recentEntryCount {
			break
		}
	}
	if result, ok := s.prefs.Load(ctx, ownerID, PreferenceKey); ok {
		req.Preferences = result.Value
	}

	prompt, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.logger.Error("プロンプトの生成に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("プロンプトの生成に失敗しました: %w", err)
	}
	return prompt, nil
}

func (s *Service) checkPaywall(ctx context.Context, ownerID string) error {
	status, err := s.billing.CheckSubscription(ctx)
	if errors.Is(err, functions.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		s.logger.Warn("サブスクリプションの確認に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("サブスクリプションの確認に失敗しました: %w", err)
	}
	if !status.Subscribed {
		return ErrSubscriptionRequired
	}
	return nil
}
