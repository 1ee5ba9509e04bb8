package model

import "time"

// OutboxKind はアウトボックスに積まれた変更の種別を表す。
type OutboxKind string

const (
	// OutboxUpsert はエントリのリモート保存を表す。
	OutboxUpsert OutboxKind = "upsert"
	// OutboxDelete はエントリのリモート削除を表す。
	OutboxDelete OutboxKind = "delete"
)

// OutboxStatus はアウトボックス項目の配送状態を表す。
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxDead      OutboxStatus = "dead"
)

// OutboxItem はリモートストアへの反映を待つ変更を表す。
// ローカルDBに永続化されるため、プロセス再起動後も再送される。
type OutboxItem struct {
	ID            string
	Kind          OutboxKind
	EntryID       string
	OwnerID       string
	Payload       []byte // upsert時のJournalEntry JSON
	Version       int    // ペイロード差し替えごとに増える
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        OutboxStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
