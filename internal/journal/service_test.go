package journal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/daybook/internal/localstore"
	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/outbox"
	"github.com/hitoshi/daybook/internal/repository"
	"github.com/hitoshi/daybook/internal/session"
)

// --- モック定義 ---

// mockRepo はEntryRepositoryのテスト用モック。
// 既定ではPostgres実装と同じ規則（所有者または所有者なし、疑似エントリ除外、dateは更新しない）で
// メモリ上の行を扱い、各Funcで個別に差し替えられる。
type mockRepo struct {
	mu   sync.Mutex
	rows map[string]*model.JournalEntry

	fetchCalls atomic.Int32

	fetchAllFunc  func(ctx context.Context, ownerID string) ([]model.JournalEntry, error)
	upsertFunc    func(ctx context.Context, e *model.JournalEntry) (*model.JournalEntry, error)
	getByDateFunc func(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error)
}

func newMockRepo(rows ...model.JournalEntry) *mockRepo {
	r := &mockRepo{rows: make(map[string]*model.JournalEntry)}
	for i := range rows {
		r.rows[rows[i].ID] = rows[i].Clone()
	}
	return r
}

func (r *mockRepo) row(id string) *model.JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Clone()
}

func (r *mockRepo) readable(e *model.JournalEntry, ownerID string) bool {
	return e.IsLegacy() || e.OwnedBy(ownerID)
}

func (r *mockRepo) FetchAll(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
	r.fetchCalls.Add(1)
	if r.fetchAllFunc != nil {
		return r.fetchAllFunc(ctx, ownerID)
	}
	return r.fetchAll(ownerID), nil
}

func (r *mockRepo) fetchAll(ownerID string) []model.JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.JournalEntry, 0)
	for _, e := range r.rows {
		if r.readable(e, ownerID) && !e.IsPreferenceBlob() {
			out = append(out, *e.Clone())
		}
	}
	sortByDateDesc(out)
	return out
}

func (r *mockRepo) Upsert(ctx context.Context, e *model.JournalEntry) (*model.JournalEntry, error) {
	if r.upsertFunc != nil {
		return r.upsertFunc(ctx, e)
	}
	return r.upsert(e), nil
}

func (r *mockRepo) upsert(e *model.JournalEntry) *model.JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := e.Clone()
	if existing, ok := r.rows[e.ID]; ok {
		stored.Date = existing.Date
	}
	r.rows[e.ID] = stored
	return stored.Clone()
}

func (r *mockRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	delete(r.rows, id)
	return ok, nil
}

func (r *mockRepo) GetByID(ctx context.Context, id string) (*model.JournalEntry, error) {
	ownerID := ownerOf(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || !r.readable(e, ownerID) {
		return nil, nil
	}
	return e.Clone(), nil
}

func (r *mockRepo) GetByDate(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error) {
	if r.getByDateFunc != nil {
		return r.getByDateFunc(ctx, ownerID, day)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.JournalEntry
	for _, e := range r.rows {
		if !r.readable(e, ownerID) || e.IsPreferenceBlob() || !sameDay(e.Date, day, day.Location()) {
			continue
		}
		if best == nil || better(e, best, ownerID) {
			best = e
		}
	}
	return best.Clone(), nil
}

// memCache はEntryCacheのインメモリ実装。
type memCache struct {
	mu      sync.Mutex
	entries []model.JournalEntry
	saves   int
}

func (c *memCache) Load(ctx context.Context) []model.JournalEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.JournalEntry, 0, len(c.entries))
	for i := range c.entries {
		out = append(out, *c.entries[i].Clone())
	}
	return out
}

func (c *memCache) Save(ctx context.Context, entries []model.JournalEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make([]model.JournalEntry, 0, len(entries))
	for i := range entries {
		c.entries = append(c.entries, *entries[i].Clone())
	}
	c.saves++
}

type queuedItem struct {
	kind    model.OutboxKind
	ownerID string
	entryID string
	entry   *model.JournalEntry
}

// fakeOutbox はOutboxのテスト用実装。積まれた項目を記録する。
type fakeOutbox struct {
	mu      sync.Mutex
	items   []queuedItem
	pending map[string]struct{}
	drains  int
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{pending: make(map[string]struct{})}
}

func (o *fakeOutbox) EnqueueUpsert(ctx context.Context, ownerID string, e *model.JournalEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, queuedItem{kind: model.OutboxUpsert, ownerID: ownerID, entryID: e.ID, entry: e.Clone()})
	o.pending[e.ID] = struct{}{}
	return nil
}

func (o *fakeOutbox) EnqueueDelete(ctx context.Context, ownerID, entryID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, queuedItem{kind: model.OutboxDelete, ownerID: ownerID, entryID: entryID})
	o.pending[entryID] = struct{}{}
	return nil
}

func (o *fakeOutbox) ForceDrain(ctx context.Context) outbox.DrainResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drains++
	return outbox.DrainResult{}
}

func (o *fakeOutbox) PendingEntryIDs(ctx context.Context) (map[string]struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make(map[string]struct{}, len(o.pending))
	for id := range o.pending {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// deliverAll は積まれた項目をリモートに反映したことにして未配送集合を空にする。
func (o *fakeOutbox) deliverAll(repo *mockRepo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.kind == model.OutboxUpsert {
			repo.upsert(it.entry)
		} else {
			_, _ = repo.Delete(context.Background(), it.entryID)
		}
	}
	o.items = nil
	o.pending = make(map[string]struct{})
}

func (o *fakeOutbox) queued() []queuedItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]queuedItem(nil), o.items...)
}

// --- ヘルパー ---

var (
	today     = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	yesterday = today.AddDate(0, 0, -1)
)

func newTestService(t *testing.T, repo repository.EntryRepository, c EntryCache, ob Outbox, buf *bytes.Buffer) *Service {
	t.Helper()
	var w io.Writer = io.Discard
	if buf != nil {
		w = buf
	}
	seq := 0
	var mu sync.Mutex
	return NewService(repo, c, ob, slog.New(slog.NewJSONHandler(w, nil)), Config{
		Location: time.UTC,
		Now:      func() time.Time { return today },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		LegacyVisible: true,
	})
}

func userCtx(userID string) context.Context {
	return session.ContextWithUserID(context.Background(), userID)
}

func owned(id, owner string, date time.Time, content string) model.JournalEntry {
	return model.JournalEntry{
		ID: id, OwnerID: model.StringPtr(owner), Date: date, Content: content,
		Attachments: []model.Attachment{}, CreatedAt: date, UpdatedAt: date,
	}
}

func legacy(id string, date time.Time, content string) model.JournalEntry {
	return model.JournalEntry{ID: id, Date: date, Content: content, Attachments: []model.Attachment{}, CreatedAt: date}
}

func ids(entries []model.JournalEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// --- GetAllEntries ---

func TestGetAllEntries_EmptyCache_ReconcilesSynchronously(t *testing.T) {
	repo := newMockRepo(
		owned("mine", "user-1", yesterday, "mine"),
		legacy("old", yesterday.AddDate(0, 0, -1), "old"),
		owned("theirs", "user-2", today, "theirs"),
		model.JournalEntry{ID: model.PreferenceBlobID("user-1", "theme"), OwnerID: model.StringPtr("user-1"), Date: today, Title: model.PreferenceBlobTitlePrefix + "theme"},
	)
	c := &memCache{}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	got := svc.GetAllEntries(userCtx("user-1"), "user-1")
	if fmt.Sprint(ids(got)) != "[mine old]" {
		t.Fatalf("GetAllEntries() = %v, want [mine old]", ids(got))
	}
	if c.saves == 0 {
		t.Error("reconciled entries should be persisted to the local cache")
	}
}

func TestGetAllEntries_LegacyHiddenWhenDisabled(t *testing.T) {
	repo := newMockRepo(owned("mine", "user-1", yesterday, ""), legacy("old", yesterday, ""))
	svc := newTestService(t, repo, &memCache{}, newFakeOutbox(), nil)
	svc.legacyVisible = false

	got := svc.GetAllEntries(userCtx("user-1"), "user-1")
	if fmt.Sprint(ids(got)) != "[mine]" {
		t.Errorf("GetAllEntries() = %v, want [mine]", ids(got))
	}
}

func TestGetAllEntries_ReturnsCacheWhenRemoteFails(t *testing.T) {
	repo := newMockRepo()
	repo.fetchAllFunc = func(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
		return nil, errors.New("connection refused")
	}
	c := &memCache{entries: []model.JournalEntry{owned("cached", "user-1", yesterday, "offline")}}
	var buf bytes.Buffer
	svc := newTestService(t, repo, c, newFakeOutbox(), &buf)

	got := svc.GetAllEntries(userCtx("user-1"), "user-1")
	svc.Wait()
	if fmt.Sprint(ids(got)) != "[cached]" {
		t.Errorf("GetAllEntries() = %v, want [cached]", ids(got))
	}
	if again := svc.GetAllEntries(userCtx("user-1"), "user-1"); len(again) != 1 {
		t.Errorf("cache should survive a failed reconcile, got %v", ids(again))
	}
	svc.Wait()
	if !bytes.Contains(buf.Bytes(), []byte("connection refused")) {
		t.Error("reconcile failure should be logged")
	}
}

// 照合の実行中に重ねて呼ばれてもリモートの取得は1回だけ
func TestGetAllEntries_ConcurrentCallsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	repo := newMockRepo(owned("e1", "user-1", yesterday, "remote"))
	repo.fetchAllFunc = func(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
		<-release
		return repo.fetchAll(ownerID), nil
	}
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", yesterday, "cached")}}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	var wg sync.WaitGroup
	results := make([][]model.JournalEntry, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.GetAllEntries(userCtx("user-1"), "user-1")
		}(i)
	}
	wg.Wait()

	close(release)
	svc.Wait()

	if n := repo.fetchCalls.Load(); n != 1 {
		t.Errorf("FetchAll called %d times, want 1", n)
	}
	for i, r := range results {
		if len(r) != 1 || r[0].Content != "cached" {
			t.Errorf("result[%d] = %+v, want cached entry", i, r)
		}
	}
	if got := svc.cachedByID("e1", "user-1"); got == nil || got.Content != "remote" {
		t.Errorf("cache after reconcile = %+v, want remote content", got)
	}
}

// 同期の取得中に一覧を要求しても、リモートへの取得は増えない
func TestGetAllEntries_DuringSyncSharesTheSyncFetch(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	repo := newMockRepo(owned("e1", "user-1", yesterday, "remote"))
	repo.fetchAllFunc = func(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return repo.fetchAll(ownerID), nil
	}
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", yesterday, "cached")}}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	synced := make(chan bool, 1)
	go func() {
		synced <- svc.SyncFromRemote(userCtx("user-1"), "user-1")
	}()
	<-started

	for i := 0; i < 2; i++ {
		got := svc.GetAllEntries(userCtx("user-1"), "user-1")
		if len(got) != 1 || got[0].Content != "cached" {
			t.Errorf("GetAllEntries()[%d] = %+v, want cached entry", i, got)
		}
	}

	close(release)
	if !<-synced {
		t.Fatal("SyncFromRemote() = false, want true")
	}
	svc.Wait()

	if n := repo.fetchCalls.Load(); n != 1 {
		t.Errorf("FetchAll called %d times, want 1", n)
	}
	if got := svc.cachedByID("e1", "user-1"); got == nil || got.Content != "remote" {
		t.Errorf("cache after sync = %+v, want remote content", got)
	}
}

func TestGetAllEntries_ReconcileKeepsPendingLocalEdits(t *testing.T) {
	repo := newMockRepo(
		owned("e1", "user-1", yesterday, "stale remote"),
		owned("e2", "user-1", today, "new on another device"),
	)
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", yesterday, "local edit")}}
	ob := newFakeOutbox()
	ob.pending["e1"] = struct{}{}
	svc := newTestService(t, repo, c, ob, nil)

	svc.GetAllEntries(userCtx("user-1"), "user-1")
	svc.Wait()

	got := svc.snapshot("user-1")
	if fmt.Sprint(ids(got)) != "[e2 e1]" {
		t.Fatalf("entries = %v, want [e2 e1]", ids(got))
	}
	if got[1].Content != "local edit" {
		t.Errorf("pending entry content = %q, want local edit", got[1].Content)
	}
}

func TestGetAllEntries_DoesNotTouchOtherOwners(t *testing.T) {
	repo := newMockRepo(owned("mine", "user-1", today, ""))
	c := &memCache{entries: []model.JournalEntry{owned("theirs", "user-2", today, "")}}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	svc.GetAllEntries(userCtx("user-1"), "user-1")
	svc.Wait()

	if svc.cachedByID("theirs", "user-2") == nil {
		t.Error("reconcile for user-1 should keep user-2's cached entries")
	}
}

// --- 日付・ID検索 ---

func TestGetTodayEntry_PrefersRemoteAndUpsertsCache(t *testing.T) {
	repo := newMockRepo(owned("r1", "user-1", today, "from remote"))
	c := &memCache{}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	got := svc.GetTodayEntry(userCtx("user-1"))
	if got == nil || got.ID != "r1" {
		t.Fatalf("GetTodayEntry() = %+v, want r1", got)
	}
	if svc.cachedByID("r1", "user-1") == nil {
		t.Error("remote hit should be upserted into the cache")
	}
}

func TestGetTodayEntry_FallsBackToCacheOnRemoteFailure(t *testing.T) {
	repo := newMockRepo()
	repo.getByDateFunc = func(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error) {
		return nil, errors.New("timeout")
	}
	c := &memCache{entries: []model.JournalEntry{
		owned("other-day", "user-1", yesterday, ""),
		legacy("legacy-today", today.Add(time.Hour), ""),
		owned("mine-today", "user-1", today.Add(2*time.Hour), ""),
	}}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)

	got := svc.GetTodayEntry(userCtx("user-1"))
	if got == nil || got.ID != "mine-today" {
		t.Errorf("GetTodayEntry() = %+v, want mine-today (owned preferred over legacy)", got)
	}
}

func TestGetEntryByDate_UsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// 2026-04-10 20:00 UTC は東京では 04-11
	late := time.Date(2026, 4, 10, 20, 0, 0, 0, time.UTC)
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", late, "")}}
	repo := newMockRepo()
	repo.getByDateFunc = func(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error) {
		return nil, nil
	}
	svc := newTestService(t, repo, c, newFakeOutbox(), nil)
	svc.loc = tokyo

	if got := svc.GetEntryByDate(userCtx("user-1"), time.Date(2026, 4, 11, 12, 0, 0, 0, tokyo)); got == nil {
		t.Error("entry should be found on 04-11 in Tokyo")
	}
	if got := svc.GetEntryByDate(userCtx("user-1"), time.Date(2026, 4, 10, 12, 0, 0, 0, tokyo)); got != nil {
		t.Errorf("entry should not be found on 04-10 in Tokyo, got %+v", got)
	}
}

func TestGetEntryByID_HidesOtherOwnersAndPreferenceBlobs(t *testing.T) {
	c := &memCache{entries: []model.JournalEntry{
		owned("theirs", "user-2", today, ""),
		{ID: model.PreferenceBlobID("user-1", "theme"), OwnerID: model.StringPtr("user-1"), Date: today, Title: model.PreferenceBlobTitlePrefix + "theme"},
	}}
	svc := newTestService(t, newMockRepo(), c, newFakeOutbox(), nil)

	if got := svc.GetEntryByID(userCtx("user-1"), "theirs"); got != nil {
		t.Errorf("GetEntryByID(theirs) = %+v, want nil", got)
	}
	if got := svc.GetEntryByID(userCtx("user-1"), model.PreferenceBlobID("user-1", "theme")); got != nil {
		t.Errorf("GetEntryByID(pref) = %+v, want nil", got)
	}
}

// --- 更新・削除 ---

func TestUpdateEntry_PreservesDate(t *testing.T) {
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", yesterday, "before")}}
	ob := newFakeOutbox()
	svc := newTestService(t, newMockRepo(), c, ob, nil)

	moved := today.AddDate(0, 1, 0)
	content := "after"
	got := svc.UpdateEntry(userCtx("user-1"), "e1", EntryPatch{Content: &content, Date: &moved})
	if got == nil {
		t.Fatal("UpdateEntry() = nil")
	}
	if !got.Date.Equal(yesterday) {
		t.Errorf("Date = %v, want original %v", got.Date, yesterday)
	}
	if got.Content != "after" || !got.UpdatedAt.Equal(today) {
		t.Errorf("UpdateEntry() = %+v", got)
	}

	persisted := c.Load(context.Background())
	if len(persisted) != 1 || !persisted[0].Date.Equal(yesterday) || persisted[0].Content != "after" {
		t.Errorf("persisted = %+v", persisted)
	}
	q := ob.queued()
	if len(q) != 1 || q[0].kind != model.OutboxUpsert || q[0].ownerID != "user-1" {
		t.Errorf("queued = %+v, want one upsert for user-1", q)
	}
}

func TestUpdateEntry_UnknownIDReturnsNil(t *testing.T) {
	ob := newFakeOutbox()
	svc := newTestService(t, newMockRepo(), &memCache{}, ob, nil)

	content := "x"
	if got := svc.UpdateEntry(userCtx("user-1"), "missing", EntryPatch{Content: &content}); got != nil {
		t.Errorf("UpdateEntry(missing) = %+v, want nil", got)
	}
	if len(ob.queued()) != 0 {
		t.Error("nothing should be queued for an unknown id")
	}
}

func TestUpdateEntry_SanitizesHTMLContent(t *testing.T) {
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", today, "")}}
	svc := newTestService(t, newMockRepo(), c, newFakeOutbox(), nil)
	svc.sanitizer = sanitizerFunc(func(s string) string { return "[clean]" })

	html := `<script>alert(1)</script>`
	plain := "a plain note"
	if got := svc.UpdateEntry(userCtx("user-1"), "e1", EntryPatch{Content: &html}); got.Content != "[clean]" {
		t.Errorf("html content = %q", got.Content)
	}
	if got := svc.UpdateEntry(userCtx("user-1"), "e1", EntryPatch{Content: &plain}); got.Content != plain {
		t.Errorf("plain content = %q", got.Content)
	}
}

type sanitizerFunc func(string) string

func (f sanitizerFunc) Sanitize(s string) string { return f(s) }

// リモート保存の失敗はアウトボックスに残り、強制配送でリモートに反映される
func TestUpdateEntry_FailedRemoteWriteIsDeliveredByForcedDrain(t *testing.T) {
	ctx := userCtx("user-1")
	repo := newMockRepo(owned("e1", "user-1", yesterday, "before"))
	var failures atomic.Int32
	failures.Store(1)
	repo.upsertFunc = func(ctx context.Context, e *model.JournalEntry) (*model.JournalEntry, error) {
		if failures.Add(-1) >= 0 {
			return nil, errors.New("503 service unavailable")
		}
		return repo.upsert(e), nil
	}

	database, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = localstore.Close(database) })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	flusher := outbox.New(localstore.NewOutboxRepo(database), outbox.NewRepositoryDeliverer(repo), logger, outbox.Options{
		Now: func() time.Time { return today },
	})

	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", yesterday, "before")}}
	svc := newTestService(t, repo, c, flusher, nil)

	content := "after"
	if got := svc.UpdateEntry(ctx, "e1", EntryPatch{Content: &content}); got == nil {
		t.Fatal("UpdateEntry() = nil")
	}

	if result := flusher.Drain(ctx); result.Failed != 1 {
		t.Fatalf("immediate delivery = %+v, want 1 failed", result)
	}
	if repo.row("e1").Content != "before" {
		t.Fatal("remote should not reflect the update yet")
	}
	if pending, _ := flusher.Pending(ctx); pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}

	if result := flusher.ForceDrain(ctx); result.Delivered != 1 {
		t.Fatalf("ForceDrain() = %+v, want 1 delivered", result)
	}
	row := repo.row("e1")
	if row.Content != "after" {
		t.Errorf("remote content = %q, want after", row.Content)
	}
	if !row.Date.Equal(yesterday) {
		t.Errorf("remote date = %v, want %v", row.Date, yesterday)
	}
}

func TestDeleteEntry_ThenGetEntryByIDReturnsNil(t *testing.T) {
	ctx := userCtx("user-1")
	repo := newMockRepo(owned("e1", "user-1", today, "x"))
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", today, "x")}}
	ob := newFakeOutbox()
	svc := newTestService(t, repo, c, ob, nil)

	if !svc.DeleteEntry(ctx, "e1") {
		t.Fatal("DeleteEntry() = false, want true")
	}
	// リモートの削除はまだ届いていない
	if got := svc.GetEntryByID(ctx, "e1"); got != nil {
		t.Errorf("GetEntryByID() after delete = %+v, want nil", got)
	}
	if svc.DeleteEntry(ctx, "e1") {
		t.Error("second DeleteEntry() should return false")
	}

	q := ob.queued()
	if len(q) != 1 || q[0].kind != model.OutboxDelete || q[0].entryID != "e1" {
		t.Errorf("queued = %+v, want one delete", q)
	}
}

// --- 自動保存 ---

func TestAutosaveEntry_EmptyReturnsFalse(t *testing.T) {
	c := &memCache{}
	ob := newFakeOutbox()
	svc := newTestService(t, newMockRepo(), c, ob, nil)

	if svc.AutosaveEntry(userCtx("user-1"), AutosaveInput{}) {
		t.Error("AutosaveEntry(empty) = true, want false")
	}
	none := model.MoodNone
	if svc.AutosaveEntry(userCtx("user-1"), AutosaveInput{Title: "  ", Mood: &none, TemplateData: map[string][]string{"activities": {}}}) {
		t.Error("AutosaveEntry(blank) = true, want false")
	}
	if len(svc.snapshot("user-1")) != 0 || len(ob.queued()) != 0 {
		t.Error("empty autosave should not create or queue anything")
	}
}

func TestAutosaveEntry_CreatesThenGetTodayEntry(t *testing.T) {
	ctx := userCtx("user-1")
	ob := newFakeOutbox()
	svc := newTestService(t, newMockRepo(), &memCache{}, ob, nil)

	good := model.MoodGood
	if !svc.AutosaveEntry(ctx, AutosaveInput{Content: "hello", Mood: &good}) {
		t.Fatal("AutosaveEntry() = false, want true")
	}

	got := svc.GetTodayEntry(ctx)
	if got == nil {
		t.Fatal("GetTodayEntry() = nil")
	}
	if got.Content != "hello" || got.Mood == nil || *got.Mood != model.MoodGood {
		t.Errorf("GetTodayEntry() = %+v", got)
	}
	if !got.OwnedBy("user-1") {
		t.Error("new entry should be owned by the session user")
	}
	if q := ob.queued(); len(q) != 1 || q[0].entryID != got.ID {
		t.Errorf("queued = %+v", q)
	}
}

// 同じ日に自動保存を挟んでも今日のエントリは同じIDのまま
func TestGetTodayEntry_SameIDAcrossAutosave(t *testing.T) {
	ctx := userCtx("user-1")
	repo := newMockRepo()
	ob := newFakeOutbox()
	svc := newTestService(t, repo, &memCache{}, ob, nil)

	if !svc.AutosaveEntry(ctx, AutosaveInput{Content: "first"}) {
		t.Fatal("first autosave failed")
	}
	first := svc.GetTodayEntry(ctx)

	if !svc.AutosaveEntry(ctx, AutosaveInput{Content: "second"}) {
		t.Fatal("second autosave failed")
	}
	ob.deliverAll(repo)
	second := svc.GetTodayEntry(ctx)

	if first == nil || second == nil || first.ID != second.ID {
		t.Fatalf("today entry ids = %v / %v, want equal", first, second)
	}
	if second.Content != "second" {
		t.Errorf("content = %q, want second", second.Content)
	}
	if n := len(svc.snapshot("user-1")); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

// 疑似エントリと同じ接頭辞のタイトルでも通常のエントリとして扱い、同じ日に2件目を作らない
func TestAutosaveEntry_ReservedTitlePrefixStaysOneEntryPerDay(t *testing.T) {
	ctx := userCtx("user-1")
	repo := newMockRepo()
	svc := newTestService(t, repo, &memCache{}, newFakeOutbox(), nil)

	title := model.PreferenceBlobTitlePrefix + "notes"
	for i := 0; i < 2; i++ {
		if !svc.AutosaveEntry(ctx, AutosaveInput{Title: title, Content: fmt.Sprintf("draft %d", i)}) {
			t.Fatalf("autosave %d failed", i)
		}
	}

	if n := len(svc.snapshot("user-1")); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
	got := svc.GetTodayEntry(ctx)
	if got == nil || got.Title != title || got.Content != "draft 1" {
		t.Errorf("GetTodayEntry() = %+v, want the titled entry", got)
	}
}

func TestAutosaveEntry_ExplicitIDUpdatesAnyDay(t *testing.T) {
	ctx := userCtx("user-1")
	c := &memCache{entries: []model.JournalEntry{owned("old", "user-1", yesterday, "before")}}
	svc := newTestService(t, newMockRepo(), c, newFakeOutbox(), nil)

	if !svc.AutosaveEntry(ctx, AutosaveInput{EntryID: "old", Content: "edited"}) {
		t.Fatal("AutosaveEntry() = false")
	}
	got := svc.cachedByID("old", "user-1")
	if got.Content != "edited" || !got.Date.Equal(yesterday) {
		t.Errorf("entry = %+v", got)
	}
	if n := len(svc.snapshot("user-1")); n != 1 {
		t.Errorf("entries = %d, want 1 (no new entry for today)", n)
	}
}

func TestAutosaveEntry_AdoptsLegacyTodayEntry(t *testing.T) {
	ctx := userCtx("user-1")
	repo := newMockRepo(legacy("legacy", today, "from old app"))
	ob := newFakeOutbox()
	svc := newTestService(t, repo, &memCache{}, ob, nil)

	if !svc.AutosaveEntry(ctx, AutosaveInput{Content: "continued"}) {
		t.Fatal("AutosaveEntry() = false")
	}
	got := svc.cachedByID("legacy", "user-1")
	if got == nil || !got.OwnedBy("user-1") || got.Content != "continued" {
		t.Errorf("legacy entry = %+v, want adopted by user-1", got)
	}
	if q := ob.queued(); len(q) != 1 || q[0].ownerID != "user-1" {
		t.Errorf("queued = %+v", q)
	}
}

// --- 添付 ---

func TestAddAttachment_MissingEntryReturnsNil(t *testing.T) {
	svc := newTestService(t, newMockRepo(), &memCache{}, newFakeOutbox(), nil)

	got := svc.AddAttachment(userCtx("user-1"), "missing", AttachmentInput{Type: model.AttachmentImage, Data: []byte{1, 2, 3}})
	if got != nil {
		t.Errorf("AddAttachment(missing) = %+v, want nil", got)
	}
}

func TestAttachments_AddAndDelete(t *testing.T) {
	ctx := userCtx("user-1")
	c := &memCache{entries: []model.JournalEntry{owned("e1", "user-1", today, "")}}
	svc := newTestService(t, newMockRepo(), c, newFakeOutbox(), nil)

	got := svc.AddAttachment(ctx, "e1", AttachmentInput{Type: model.AttachmentImage, Name: "photo.png", MimeType: "image/png", Data: []byte("png-bytes")})
	if got == nil || len(got.Attachments) != 1 {
		t.Fatalf("AddAttachment() = %+v", got)
	}
	first := got.Attachments[0]
	if first.ID == "" || first.Data != base64.StdEncoding.EncodeToString([]byte("png-bytes")) || !first.Durable() {
		t.Errorf("attachment = %+v", first)
	}

	got = svc.AddAttachment(ctx, "e1", AttachmentInput{
		Type: model.AttachmentSpotifyTrack, Name: "song",
		Metadata: map[string]string{"externalUrl": "https://open.spotify.com/track/1"},
	})
	if got == nil || len(got.Attachments) != 2 {
		t.Fatalf("AddAttachment(track) = %+v", got)
	}

	// 内容のない添付は追加できない
	if svc.AddAttachment(ctx, "e1", AttachmentInput{Type: model.AttachmentVoiceMemo}) != nil {
		t.Error("attachment without data should be rejected")
	}
	if svc.AddAttachment(ctx, "e1", AttachmentInput{Type: "video", Data: []byte{1}}) != nil {
		t.Error("unknown attachment type should be rejected")
	}

	if unchanged := svc.DeleteAttachmentAt(ctx, "e1", 5); unchanged == nil || len(unchanged.Attachments) != 2 {
		t.Errorf("DeleteAttachmentAt(out of range) = %+v, want unchanged", unchanged)
	}
	if unchanged := svc.DeleteAttachment(ctx, "e1", "no-such-id"); unchanged == nil || len(unchanged.Attachments) != 2 {
		t.Errorf("DeleteAttachment(unknown) = %+v, want unchanged", unchanged)
	}

	got = svc.DeleteAttachment(ctx, "e1", first.ID)
	if got == nil || len(got.Attachments) != 1 || got.Attachments[0].Type != model.AttachmentSpotifyTrack {
		t.Errorf("DeleteAttachment() = %+v", got)
	}
	got = svc.DeleteAttachmentAt(ctx, "e1", 0)
	if got == nil || len(got.Attachments) != 0 {
		t.Errorf("DeleteAttachmentAt(0) = %+v", got)
	}
}

// --- 同期 ---

func TestSyncFromRemote_DrainsThenReplacesCache(t *testing.T) {
	repo := newMockRepo(owned("remote", "user-1", today, ""))
	c := &memCache{entries: []model.JournalEntry{owned("gone", "user-1", yesterday, "")}}
	ob := newFakeOutbox()
	svc := newTestService(t, repo, c, ob, nil)

	if !svc.SyncFromRemote(userCtx("user-1"), "user-1") {
		t.Fatal("SyncFromRemote() = false")
	}
	if ob.drains != 1 {
		t.Errorf("ForceDrain called %d times, want 1", ob.drains)
	}
	if got := ids(svc.snapshot("user-1")); fmt.Sprint(got) != "[remote]" {
		t.Errorf("entries = %v, want [remote]", got)
	}
}

func TestSyncFromRemote_RemoteFailureReturnsFalse(t *testing.T) {
	repo := newMockRepo()
	repo.fetchAllFunc = func(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
		return nil, errors.New("offline")
	}
	svc := newTestService(t, repo, &memCache{}, newFakeOutbox(), nil)

	if svc.SyncFromRemote(userCtx("user-1"), "user-1") {
		t.Error("SyncFromRemote() = true, want false")
	}
	if svc.Syncing() {
		t.Error("sync guard should be released after failure")
	}
}

func TestSyncFromRemote_ConcurrentCallReturnsFalse(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo := newMockRepo()
	repo.fetchAllFunc = func(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	}
	svc := newTestService(t, repo, &memCache{}, newFakeOutbox(), nil)

	done := make(chan bool)
	go func() { done <- svc.SyncFromRemote(userCtx("user-1"), "user-1") }()
	<-entered

	if svc.SyncFromRemote(userCtx("user-1"), "user-1") {
		t.Error("concurrent SyncFromRemote() = true, want false")
	}

	close(release)
	if !<-done {
		t.Error("first SyncFromRemote() = false, want true")
	}
}

func TestSubscribe_SyncsOnSignInAndDropsOnSignOut(t *testing.T) {
	repo := newMockRepo(owned("e1", "user-1", today, ""))
	ob := newFakeOutbox()
	svc := newTestService(t, repo, &memCache{}, ob, nil)
	b := session.NewBroadcaster()
	unsubscribe := svc.Subscribe(b)
	defer unsubscribe()

	b.Publish(session.Event{Type: session.SignedIn, UserID: "user-1"})
	svc.Wait()
	if svc.cachedByID("e1", "user-1") == nil {
		t.Fatal("sign-in should sync the user's entries")
	}

	b.Publish(session.Event{Type: session.SignedOut, UserID: "user-1"})
	svc.mu.RLock()
	_, ok := svc.entries["e1"]
	svc.mu.RUnlock()
	if ok {
		t.Error("sign-out should drop the user's entries from memory")
	}
}

// --- カレンダー ---

func TestMoodCalendar(t *testing.T) {
	good, sad, none := model.MoodGood, model.MoodSad, model.MoodNone
	e1 := owned("e1", "user-1", time.Date(2026, 4, 3, 8, 0, 0, 0, time.UTC), "")
	e1.Mood = &good
	e2 := owned("e2", "user-1", time.Date(2026, 4, 7, 8, 0, 0, 0, time.UTC), "")
	e2.Mood = &sad
	e3 := owned("e3", "user-1", time.Date(2026, 4, 8, 8, 0, 0, 0, time.UTC), "")
	e3.Mood = &none
	e4 := owned("e4", "user-1", time.Date(2026, 3, 30, 8, 0, 0, 0, time.UTC), "")
	e4.Mood = &good
	c := &memCache{entries: []model.JournalEntry{e1, e2, e3, e4}}
	svc := newTestService(t, newMockRepo(), c, newFakeOutbox(), nil)

	got := svc.MoodCalendar(context.Background(), "user-1", today)
	days := make([]int, 0, len(got))
	for d := range got {
		days = append(days, d)
	}
	sort.Ints(days)
	if fmt.Sprint(days) != "[3 7]" || got[3] != model.MoodGood || got[7] != model.MoodSad {
		t.Errorf("MoodCalendar() = %v", got)
	}
}

func TestCreateEntryForDate_OnePerDay(t *testing.T) {
	ctx := userCtx("user-1")
	c := &memCache{entries: []model.JournalEntry{owned("existing", "user-1", yesterday, "")}}
	ob := newFakeOutbox()
	svc := newTestService(t, newMockRepo(), c, ob, nil)

	lastWeek := today.AddDate(0, 0, -7)
	created, ok := svc.CreateEntryForDate(ctx, lastWeek, AutosaveInput{Title: "imported", Content: "<p>post</p>"})
	if !ok || created == nil {
		t.Fatal("CreateEntryForDate() should create an entry for an empty day")
	}
	if !created.Date.Equal(lastWeek) || !created.CreatedAt.Equal(today) || !created.OwnedBy("user-1") {
		t.Errorf("created = %+v", created)
	}

	existing, ok := svc.CreateEntryForDate(ctx, yesterday.Add(3*time.Hour), AutosaveInput{Content: "dup"})
	if ok || existing == nil || existing.ID != "existing" {
		t.Errorf("CreateEntryForDate(yesterday) = %+v, %v, want existing entry and false", existing, ok)
	}

	if _, ok := svc.CreateEntryForDate(ctx, today.AddDate(0, 0, -30), AutosaveInput{}); ok {
		t.Error("empty input should not create an entry")
	}
	if q := ob.queued(); len(q) != 1 || q[0].entryID != created.ID {
		t.Errorf("queued = %+v", q)
	}
}
