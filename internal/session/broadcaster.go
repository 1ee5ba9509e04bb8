package session

import (
	"sync"
)

// EventType は認証状態の変化の種別を表す。
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	SignedOut      EventType = "SIGNED_OUT"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event は認証状態の変化を表す。
type Event struct {
	Type   EventType
	UserID string
}

// Broadcaster は認証状態の変化を購読者に通知する。
type Broadcaster struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Event)
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[int]func(Event))}
}

// Subscribe はコールバックを登録し、登録解除関数を返す。
func (b *Broadcaster) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish はイベントを全購読者に同期的に通知する。
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Tracker はユーザーを初めて観測したときにSignedInを発行する。
// トークン検証ミドルウェアから呼ばれる。
type Tracker struct {
	broadcaster *Broadcaster
	seen        sync.Map
}

// NewTracker はTrackerを生成する。
func NewTracker(b *Broadcaster) *Tracker {
	return &Tracker{broadcaster: b}
}

// Observe はユーザーの利用を記録する。初回のみSignedInを発行する。
func (t *Tracker) Observe(userID string) {
	if _, loaded := t.seen.LoadOrStore(userID, struct{}{}); loaded {
		return
	}
	t.broadcaster.Publish(Event{Type: SignedIn, UserID: userID})
}

// Forget はユーザーの記録を消し、SignedOutを発行する。
func (t *Tracker) Forget(userID string) {
	t.seen.Delete(userID)
	t.broadcaster.Publish(Event{Type: SignedOut, UserID: userID})
}
