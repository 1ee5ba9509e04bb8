package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/daybook/internal/model"
	"github.com/hitoshi/daybook/internal/session"
)

// コンパイル時にインターフェースの実装を検証する。
var _ EntryRepository = (*PostgresEntryRepo)(nil)

const entryColumns = `id, user_id, date, title, content, mood, attachments, template_data, created_at, updated_at`

// PostgresEntryRepo はPostgreSQLを使用した日記エントリリポジトリ。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// FetchAll は指定ユーザーのエントリと所有者なしのエントリを日付の降順で返す。
// 設定値を格納する疑似エントリは含めない。疑似エントリの判定はIDの導出を伴うため取得後に行う。
func (r *PostgresEntryRepo) FetchAll(ctx context.Context, ownerID string) ([]model.JournalEntry, error) {
	if session.FromContext(ctx) == nil {
		return []model.JournalEntry{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM journal_entries
		 WHERE (user_id = $1 OR user_id IS NULL)
		 ORDER BY date DESC, created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("エントリ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := make([]model.JournalEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("エントリのスキャンに失敗しました: %w", err)
		}
		if entry.IsPreferenceBlob() {
			continue
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エントリ一覧の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// Upsert はIDをキーにエントリを挿入または置換する。
// 既存行のdateは更新しない。他ユーザーの行を書き換えようとした場合はErrNotOwnerを返す。
// 所有者なしの既存行は、所有者付きで書き込まれた時点でそのユーザーのものになる。
func (r *PostgresEntryRepo) Upsert(ctx context.Context, entry *model.JournalEntry) (*model.JournalEntry, error) {
	sess := session.FromContext(ctx)
	if sess == nil {
		return nil, nil
	}

	attachments, err := marshalAttachments(entry.Attachments)
	if err != nil {
		return nil, err
	}
	templateData, err := marshalTemplateData(entry.TemplateData)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO journal_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     user_id = COALESCE(EXCLUDED.user_id, journal_entries.user_id),
		     title = EXCLUDED.title,
		     content = EXCLUDED.content,
		     mood = EXCLUDED.mood,
		     attachments = EXCLUDED.attachments,
		     template_data = EXCLUDED.template_data,
		     updated_at = EXCLUDED.updated_at
		 WHERE journal_entries.user_id IS NULL OR journal_entries.user_id = $11
		 RETURNING `+entryColumns,
		entry.ID, nullOwner(entry.OwnerID), entry.Date, entry.Title, entry.Content,
		nullMood(entry.Mood), string(attachments), templateData, createdAt, updatedAt,
		sess.UserID,
	)

	saved, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("エントリ %s の保存が拒否されました: %w", entry.ID, ErrNotOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("エントリの保存に失敗しました: %w", err)
	}
	return saved, nil
}

// Delete は指定IDのエントリを削除する。削除対象はセッションのユーザーの行と所有者なしの行に限る。
func (r *PostgresEntryRepo) Delete(ctx context.Context, id string) (bool, error) {
	sess := session.FromContext(ctx)
	if sess == nil {
		return false, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM journal_entries WHERE id = $1 AND (user_id = $2 OR user_id IS NULL)`,
		id, sess.UserID,
	)
	if err != nil {
		return false, fmt.Errorf("エントリの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// GetByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresEntryRepo) GetByID(ctx context.Context, id string) (*model.JournalEntry, error) {
	sess := session.FromContext(ctx)
	if sess == nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+`
		 FROM journal_entries
		 WHERE id = $1 AND (user_id = $2 OR user_id IS NULL)`,
		id, sess.UserID,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("エントリの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// GetByDate はdayと同じ暦日のエントリを取得する。
// 同じ日に複数ある場合は、ユーザー所有のものを優先し、次に作成が早いものを返す。
func (r *PostgresEntryRepo) GetByDate(ctx context.Context, ownerID string, day time.Time) (*model.JournalEntry, error) {
	if session.FromContext(ctx) == nil {
		return nil, nil
	}

	start, end := DayRange(day)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM journal_entries
		 WHERE (user_id = $1 OR user_id IS NULL)
		   AND date >= $2 AND date < $3
		 ORDER BY (user_id IS NULL) ASC, created_at ASC`,
		ownerID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("日付によるエントリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("エントリのスキャンに失敗しました: %w", err)
		}
		if !entry.IsPreferenceBlob() {
			return entry, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("日付によるエントリの取得に失敗しました: %w", err)
	}
	return nil, nil
}

// DayRange はtのタイムゾーンにおける暦日の開始時刻と翌日の開始時刻を返す。
func DayRange(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (*model.JournalEntry, error) {
	entry := &model.JournalEntry{}
	var owner, mood sql.NullString
	var attachments, templateData []byte

	if err := s.Scan(
		&entry.ID, &owner, &entry.Date, &entry.Title, &entry.Content, &mood,
		&attachments, &templateData, &entry.CreatedAt, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if owner.Valid && owner.String != "" {
		entry.OwnerID = &owner.String
	}
	if mood.Valid {
		m := model.Mood(mood.String)
		entry.Mood = &m
	}

	entry.Attachments = []model.Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
			return nil, fmt.Errorf("attachmentsのデコードに失敗しました: %w", err)
		}
	}
	if len(templateData) > 0 {
		if err := json.Unmarshal(templateData, &entry.TemplateData); err != nil {
			return nil, fmt.Errorf("template_dataのデコードに失敗しました: %w", err)
		}
	}

	return entry, nil
}

func marshalAttachments(a []model.Attachment) ([]byte, error) {
	if a == nil {
		a = []model.Attachment{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("attachmentsのエンコードに失敗しました: %w", err)
	}
	return b, nil
}

func marshalTemplateData(d map[string][]string) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("template_dataのエンコードに失敗しました: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullOwner(owner *string) sql.NullString {
	if owner == nil || *owner == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *owner, Valid: true}
}

func nullMood(m *model.Mood) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*m), Valid: true}
}
