// Package cleanup は配送済み・配送不能となったアウトボックス項目の自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過した項目を定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は終了したアウトボックス項目を削除する。localstore.OutboxRepo が実装する。
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したアウトボックス項目の削除ジョブ。
// 削除対象がなくてもエラーにならないため、何度実行してもよい。
type CleanupJob struct {
	store     Purger
	logger    *slog.Logger
	Retention time.Duration // 終了した項目の保持期間（デフォルト: 168h）
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionが0以下の場合は7日とする。
func NewCleanupJob(store Purger, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &CleanupJob{
		store:     store,
		logger:    logger,
		Retention: retention,
		now:       time.Now,
	}
}

// Run は最終更新から保持期間を超過した配送済み・配送不能の項目を削除する。
// 未配送の項目は削除しない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.Add(-j.Retention)

	deletedCount, err := j.store.PurgeFinished(ctx, before)
	if err != nil {
		j.logger.Error("アウトボックスのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("アウトボックスのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("アウトボックスのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Time("before", before),
	)
	return nil
}

// Start は起動直後に1回実行し、以後intervalごとにRunを呼ぶ。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
