package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/daybook/internal/localstore"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/session"
)

// --- モック定義 ---

// mockDeliverer はDelivererのテスト用モック。
type mockDeliverer struct {
	mu          sync.Mutex
	deliverFunc func(ctx context.Context, item *model.OutboxItem) error
	delivered   []string
}

func (m *mockDeliverer) Deliver(ctx context.Context, item *model.OutboxItem) error {
	if m.deliverFunc != nil {
		if err := m.deliverFunc(ctx, item); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.delivered = append(m.delivered, fmt.Sprintf("%s:%s", item.Kind, item.EntryID))
	m.mu.Unlock()
	return nil
}

func (m *mockDeliverer) got() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

// mockEntryRepo はEntryRepositoryのテスト用モック。
type mockEntryRepo struct {
	upsertFunc func(ctx context.Context, entry *model.JournalEntry) (*model.JournalEntry, error)
	deleteFunc func(ctx context.Context, id string) (bool, error)
}

func (m *mockEntryRepo) FetchAll(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
	return nil, nil
}

func (m *mockEntryRepo) Upsert(ctx context.Context, entry *model.JournalEntry) (*model.JournalEntry, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, entry)
	}
	return entry, nil
}

func (m *mockEntryRepo) Delete(ctx context.Context, id string) (bool, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return true, nil
}

func (m *mockEntryRepo) GetByID(ctx context.Context, id string) (*model.JournalEntry, error) {
	return nil, nil
}

func (m *mockEntryRepo) GetByDate(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error) {
	return nil, nil
}

// --- ヘルパー ---

var baseTime = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *localstore.OutboxRepo {
	t.Helper()
	database, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("localstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = localstore.Close(database) })
	return localstore.NewOutboxRepo(database)
}

func newTestFlusher(t *testing.T, store Store, d Deliverer, maxAttempts int) *Flusher {
	t.Helper()
	seq := 0
	return New(store, d, slog.New(slog.NewJSONHandler(io.Discard, nil)), Options{
		MaxAttempts: maxAttempts,
		Now:         func() time.Time { return baseTime },
		NewID: func() string {
			seq++
			return fmt.Sprintf("ob-%03d", seq)
		},
	})
}

func entry(id string) *model.JournalEntry {
	return &model.JournalEntry{ID: id, OwnerID: model.StringPtr("user-1"), Date: baseTime, Content: id}
}

// --- バックオフ ---

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 80 * time.Second},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.attempts); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Error("wrapped permanent error should be permanent")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error should unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Error("plain error should not be permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

// --- Flusher ---

func TestFlusher_DeliversInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	d := &mockDeliverer{}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := f.EnqueueUpsert(ctx, "user-1", entry(id)); err != nil {
			t.Fatalf("EnqueueUpsert(%s) error = %v", id, err)
		}
	}
	if err := f.EnqueueDelete(ctx, "user-1", "e0"); err != nil {
		t.Fatalf("EnqueueDelete() error = %v", err)
	}

	result := f.Drain(ctx)
	if result.Delivered != 4 || result.Failed != 0 {
		t.Fatalf("Drain() = %+v, want 4 delivered", result)
	}

	want := []string{"upsert:e1", "upsert:e2", "upsert:e3", "delete:e0"}
	got := d.got()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivery order = %v, want %v", got, want)
	}

	pending, err := f.Pending(ctx)
	if err != nil || pending != 0 {
		t.Errorf("Pending() = (%d, %v), want 0", pending, err)
	}
}

// 失敗した保存はアウトボックスに残り、強制配送で届く
func TestFlusher_FailedUpsertIsRetainedUntilForcedDrain(t *testing.T) {
	ctx := context.Background()
	online := false
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		if !online {
			return errors.New("network unreachable")
		}
		return nil
	}}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}

	if result := f.Drain(ctx); result.Failed != 1 {
		t.Fatalf("first Drain() = %+v, want 1 failed", result)
	}
	ids, err := f.PendingEntryIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ids["e1"]; !ok {
		t.Fatalf("PendingEntryIDs() = %v, want e1", ids)
	}

	online = true
	// バックオフ中のため通常の配送では送られない
	if result := f.Drain(ctx); result.Delivered != 0 {
		t.Fatalf("Drain() during backoff = %+v, want nothing delivered", result)
	}
	if result := f.ForceDrain(ctx); result.Delivered != 1 {
		t.Fatalf("ForceDrain() = %+v, want 1 delivered", result)
	}
	if got := d.got(); len(got) != 1 || got[0] != "upsert:e1" {
		t.Errorf("delivered = %v, want [upsert:e1]", got)
	}
}

func TestFlusher_ItemBecomesDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		return errors.New("503 service unavailable")
	}}
	f := newTestFlusher(t, store, d, 2)

	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}

	if result := f.ForceDrain(ctx); result.Failed != 1 || result.Dead != 0 {
		t.Fatalf("ForceDrain(1) = %+v, want 1 failed", result)
	}
	if result := f.ForceDrain(ctx); result.Dead != 1 {
		t.Fatalf("ForceDrain(2) = %+v, want 1 dead", result)
	}

	item, err := store.Get(ctx, "ob-001")
	if err != nil || item == nil {
		t.Fatalf("Get() = (%v, %v)", item, err)
	}
	if item.Status != model.OutboxDead || item.Attempts != 2 {
		t.Errorf("item = %+v, want dead after 2 attempts", item)
	}
	if item.LastError != "503 service unavailable" {
		t.Errorf("LastError = %q", item.LastError)
	}
	if result := f.ForceDrain(ctx); result.Delivered+result.Failed+result.Dead != 0 {
		t.Errorf("dead item should not be retried, got %+v", result)
	}
}

func TestFlusher_FailureSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		return errors.New("timeout")
	}}
	f := newTestFlusher(t, store, d, 0)

	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}
	f.Drain(ctx)

	item, err := store.Get(ctx, "ob-001")
	if err != nil || item == nil {
		t.Fatalf("Get() = (%v, %v)", item, err)
	}
	if !item.NextAttemptAt.Equal(baseTime.Add(5 * time.Second)) {
		t.Errorf("NextAttemptAt = %v, want %v", item.NextAttemptAt, baseTime.Add(5*time.Second))
	}
	if item.Status != model.OutboxPending {
		t.Errorf("Status = %s, want pending", item.Status)
	}
}

func TestFlusher_PermanentErrorIsDeadImmediately(t *testing.T) {
	ctx := context.Background()
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		return Permanent(repository.ErrNotOwner)
	}}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}
	if result := f.Drain(ctx); result.Dead != 1 {
		t.Errorf("Drain() = %+v, want 1 dead", result)
	}
}

// 同じエントリの先行項目が失敗した場合、後続項目は送らない
func TestFlusher_KeepsPerEntryOrderOnFailure(t *testing.T) {
	ctx := context.Background()
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		if item.Kind == model.OutboxDelete {
			return errors.New("connection reset")
		}
		return nil
	}}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	if err := f.EnqueueDelete(ctx, "user-1", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}
	if err := f.EnqueueUpsert(ctx, "user-1", entry("e2")); err != nil {
		t.Fatal(err)
	}

	result := f.Drain(ctx)
	if result.Failed != 1 || result.Delivered != 1 {
		t.Fatalf("Drain() = %+v, want 1 failed and 1 delivered", result)
	}
	if got := d.got(); len(got) != 1 || got[0] != "upsert:e2" {
		t.Errorf("delivered = %v, want [upsert:e2]", got)
	}
}

func TestFlusher_ConcurrentDrainIsSkipped(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		close(entered)
		<-release
		return nil
	}}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	if err := f.EnqueueUpsert(ctx, "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}

	done := make(chan DrainResult)
	go func() { done <- f.Drain(ctx) }()
	<-entered

	if result := f.Drain(ctx); !result.Skipped {
		t.Errorf("concurrent Drain() = %+v, want Skipped", result)
	}

	close(release)
	if result := <-done; result.Delivered != 1 {
		t.Errorf("first Drain() = %+v, want 1 delivered", result)
	}
}

func TestFlusher_Start_DeliversOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan string, 1)
	d := &mockDeliverer{deliverFunc: func(ctx context.Context, item *model.OutboxItem) error {
		delivered <- item.EntryID
		return nil
	}}
	f := newTestFlusher(t, newTestStore(t), d, 0)

	stopped := make(chan struct{})
	go func() {
		f.Start(ctx, time.Hour)
		close(stopped)
	}()

	if err := f.EnqueueUpsert(context.Background(), "user-1", entry("e1")); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-delivered:
		if id != "e1" {
			t.Errorf("delivered %s, want e1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("item was not delivered after Trigger")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// --- RepositoryDeliverer ---

func TestRepositoryDeliverer_UpsertsWithOwnerSession(t *testing.T) {
	var gotOwner, gotContent string
	repo := &mockEntryRepo{upsertFunc: func(ctx context.Context, e *model.JournalEntry) (*model.JournalEntry, error) {
		if s := session.FromContext(ctx); s != nil {
			gotOwner = s.UserID
		}
		gotContent = e.Content
		return e, nil
	}}
	d := NewRepositoryDeliverer(repo)

	err := d.Deliver(context.Background(), &model.OutboxItem{
		ID: "ob-1", Kind: model.OutboxUpsert, EntryID: "e1", OwnerID: "user-1",
		Payload: []byte(`{"id":"e1","content":"hello","attachments":[]}`),
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if gotOwner != "user-1" || gotContent != "hello" {
		t.Errorf("owner = %q, content = %q", gotOwner, gotContent)
	}
}

func TestRepositoryDeliverer_ClassifiesErrors(t *testing.T) {
	transient := errors.New("dial tcp: i/o timeout")
	tests := []struct {
		name      string
		item      *model.OutboxItem
		repo      *mockEntryRepo
		permanent bool
	}{
		{
			name: "not owner",
			item: &model.OutboxItem{Kind: model.OutboxUpsert, OwnerID: "u", Payload: []byte(`{"id":"e1"}`)},
			repo: &mockEntryRepo{upsertFunc: func(ctx context.Context, e *model.JournalEntry) (*model.JournalEntry, error) {
				return nil, fmt.Errorf("rejected: %w", repository.ErrNotOwner)
			}},
			permanent: true,
		},
		{
			name:      "corrupt payload",
			item:      &model.OutboxItem{Kind: model.OutboxUpsert, OwnerID: "u", Payload: []byte(`{`)},
			repo:      &mockEntryRepo{},
			permanent: true,
		},
		{
			name:      "missing owner",
			item:      &model.OutboxItem{Kind: model.OutboxDelete, EntryID: "e1"},
			repo:      &mockEntryRepo{},
			permanent: true,
		},
		{
			name: "network failure",
			item: &model.OutboxItem{Kind: model.OutboxDelete, OwnerID: "u", EntryID: "e1"},
			repo: &mockEntryRepo{deleteFunc: func(ctx context.Context, id string) (bool, error) {
				return false, transient
			}},
			permanent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRepositoryDeliverer(tt.repo).Deliver(context.Background(), tt.item)
			if err == nil {
				t.Fatal("Deliver() error = nil")
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestRepositoryDeliverer_DeleteOfMissingRowSucceeds(t *testing.T) {
	repo := &mockEntryRepo{deleteFunc: func(ctx context.Context, id string) (bool, error) {
		return false, nil
	}}
	err := NewRepositoryDeliverer(repo).Deliver(context.Background(),
		&model.OutboxItem{Kind: model.OutboxDelete, OwnerID: "u", EntryID: "gone"})
	if err != nil {
		t.Errorf("Deliver() error = %v, want nil", err)
	}
}
