// Package outbox はリモートストアへの書き込みを永続化して再送するアウトボックスを提供する。
// 書き込みはまずローカルDBに積まれ、フラッシャーが投入順に配送する。
// 配送に失敗した項目は指数バックオフで再送し、上限に達すると配送不能として扱う。
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/daybook/internal/metrics"
	"github.com/hitoshi/daybook/internal/model"
)

// defaultBatchSize は1回の配送サイクルで処理する最大項目数。
const defaultBatchSize = 100

// Store はアウトボックス項目の永続化インターフェース。
// localstore.OutboxRepo が実装する。
type Store interface {
	Enqueue(ctx context.Context, item *model.OutboxItem) (string, error)
	ListDue(ctx context.Context, now time.Time, limit int, ignoreSchedule bool) ([]*model.OutboxItem, error)
	MarkDelivered(ctx context.Context, id string, version int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, dead bool, at time.Time) error
	CountPending(ctx context.Context) (int64, error)
	PendingEntryIDs(ctx context.Context) (map[string]struct{}, error)
}

// Deliverer はアウトボックス項目をリモートへ反映するインターフェース。
type Deliverer interface {
	Deliver(ctx context.Context, item *model.OutboxItem) error
}

// Options はFlusherの動作設定。
type Options struct {
	// MaxAttempts は配送不能とみなすまでの試行回数。0以下の場合はDefaultMaxAttempts。
	MaxAttempts int
	// BatchSize は1回の配送サイクルで処理する最大項目数。
	BatchSize int
	// DeliveryTimeout は1項目あたりの配送タイムアウト。0の場合は設定しない。
	DeliveryTimeout time.Duration
	Now             func() time.Time
	NewID           func() string
	Metrics         metrics.MetricsCollector
}

// DrainResult は1回の配送サイクルの結果。
type DrainResult struct {
	// Skipped は他の配送サイクルが実行中だったため何もしなかったことを示す。
	Skipped   bool
	Delivered int
	Failed    int
	Dead      int
}

// Flusher はアウトボックスの配送を行う。
// 配送サイクルは同時に1つだけ実行される。
type Flusher struct {
	store       Store
	deliverer   Deliverer
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	now         func() time.Time
	newID       func() string
	maxAttempts int
	batchSize   int
	timeout     time.Duration

	drainMu sync.Mutex
	wake    chan struct{}
}

// New はFlusherを生成する。
func New(store Store, deliverer Deliverer, logger *slog.Logger, opts Options) *Flusher {
	f := &Flusher{
		store:       store,
		deliverer:   deliverer,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		timeout:     opts.DeliveryTimeout,
		wake:        make(chan struct{}, 1),
	}
	if f.metrics == nil {
		f.metrics = metrics.Nop{}
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.newID == nil {
		f.newID = uuid.NewString
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.batchSize <= 0 {
		f.batchSize = defaultBatchSize
	}
	return f
}

// EnqueueUpsert はエントリの保存をアウトボックスに積み、フラッシャーを起こす。
func (f *Flusher) EnqueueUpsert(ctx context.Context, ownerID string, entry *model.JournalEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	_, err = f.enqueue(ctx, &model.OutboxItem{
		Kind:    model.OutboxUpsert,
		EntryID: entry.ID,
		OwnerID: ownerID,
		Payload: payload,
	})
	return err
}

// EnqueueDelete はエントリの削除をアウトボックスに積み、フラッシャーを起こす。
func (f *Flusher) EnqueueDelete(ctx context.Context, ownerID, entryID string) error {
	_, err := f.enqueue(ctx, &model.OutboxItem{
		Kind:    model.OutboxDelete,
		EntryID: entryID,
		OwnerID: ownerID,
	})
	return err
}

func (f *Flusher) enqueue(ctx context.Context, item *model.OutboxItem) (string, error) {
	now := f.now()
	item.ID = f.newID()
	item.Status = model.OutboxPending
	item.MaxAttempts = f.maxAttempts
	item.NextAttemptAt = now
	item.CreatedAt = now
	item.UpdatedAt = now

	id, err := f.store.Enqueue(ctx, item)
	if err != nil {
		return "", err
	}
	f.Trigger()
	return id, nil
}

// Trigger はフラッシャーに配送サイクルの実行を促す。ブロックしない。
func (f *Flusher) Trigger() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Drain は配送予定時刻を過ぎた項目を投入順に配送する。
// 他の配送サイクルが実行中の場合は何もせずSkippedを返す。
func (f *Flusher) Drain(ctx context.Context) DrainResult {
	if !f.drainMu.TryLock() {
		return DrainResult{Skipped: true}
	}
	defer f.drainMu.Unlock()
	return f.drain(ctx, false)
}

// ForceDrain は配送予定時刻を無視してすべての未配送項目を配送する。
// 他の配送サイクルが実行中の場合はその完了を待ってから実行する。
func (f *Flusher) ForceDrain(ctx context.Context) DrainResult {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()
	return f.drain(ctx, true)
}

func (f *Flusher) drain(ctx context.Context, ignoreSchedule bool) DrainResult {
	var result DrainResult

	items, err := f.store.ListDue(ctx, f.now(), f.batchSize, ignoreSchedule)
	if err != nil {
		f.logger.Error("アウトボックスの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return result
	}

	// 同じエントリの後続項目は、先行項目が失敗したら順序を保つため今回は送らない
	blocked := make(map[string]struct{})

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if _, ok := blocked[item.EntryID]; ok {
			continue
		}

		err := f.deliver(ctx, item)
		now := f.now()
		if err == nil {
			f.markDelivered(ctx, item, now)
			result.Delivered++
			continue
		}

		blocked[item.EntryID] = struct{}{}
		attempts := item.Attempts + 1
		maxAttempts := item.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = f.maxAttempts
		}
		dead := IsPermanent(err) || attempts >= maxAttempts
		next := now.Add(CalculateBackoff(attempts))

		if markErr := f.store.MarkFailed(ctx, item.ID, attempts, next, err.Error(), dead, now); markErr != nil {
			f.logger.Error("アウトボックスの失敗記録に失敗しました",
				slog.String("outbox_id", item.ID),
				slog.String("error", markErr.Error()),
			)
		}

		if dead {
			result.Dead++
			f.metrics.RecordOutboxDead(string(item.Kind))
			f.logger.Error("アウトボックス項目を配送不能として破棄しました",
				slog.String("outbox_id", item.ID),
				slog.String("kind", string(item.Kind)),
				slog.String("entry_id", item.EntryID),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		result.Failed++
		f.metrics.RecordOutboxFailed(string(item.Kind))
		f.logger.Warn("アウトボックス項目の配送に失敗しました。再送を予約します",
			slog.String("outbox_id", item.ID),
			slog.String("kind", string(item.Kind)),
			slog.String("entry_id", item.EntryID),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt_at", next),
			slog.String("error", err.Error()),
		)
	}

	if pending, err := f.store.CountPending(ctx); err == nil {
		f.metrics.SetOutboxPending(pending)
	}

	if len(items) > 0 {
		f.logger.Info("アウトボックスの配送サイクルが完了しました",
			slog.Int("delivered", result.Delivered),
			slog.Int("failed", result.Failed),
			slog.Int("dead", result.Dead),
			slog.Bool("forced", ignoreSchedule),
		)
	}
	return result
}

func (f *Flusher) deliver(ctx context.Context, item *model.OutboxItem) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	return f.deliverer.Deliver(ctx, item)
}

func (f *Flusher) markDelivered(ctx context.Context, item *model.OutboxItem, now time.Time) {
	f.metrics.RecordOutboxDelivered(string(item.Kind))

	ok, err := f.store.MarkDelivered(ctx, item.ID, item.Version, now)
	if err != nil {
		f.logger.Error("アウトボックスの配送済み記録に失敗しました",
			slog.String("outbox_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		// 配送中にペイロードが差し替えられたため、次のサイクルで新しい内容を送る
		f.logger.Debug("配送中にアウトボックス項目が更新されました",
			slog.String("outbox_id", item.ID),
			slog.String("entry_id", item.EntryID),
		)
		f.Trigger()
	}
}

// Pending は未配送の項目数を返す。
func (f *Flusher) Pending(ctx context.Context) (int64, error) {
	return f.store.CountPending(ctx)
}

// PendingEntryIDs は未配送の変更を持つエントリIDの集合を返す。
func (f *Flusher) PendingEntryIDs(ctx context.Context) (map[string]struct{}, error) {
	return f.store.PendingEntryIDs(ctx)
}

// Start は配送ループを起動する。
// 起動直後、intervalごと、Triggerのたびに配送サイクルを実行し、
// コンテキストがキャンセルされるまで継続する。
func (f *Flusher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.logger.Info("アウトボックスのフラッシャーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_attempts", f.maxAttempts),
	)

	f.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("アウトボックスのフラッシャーを停止しました")
			return
		case <-ticker.C:
			f.Drain(ctx)
		case <-f.wake:
			f.Drain(ctx)
		}
	}
}
