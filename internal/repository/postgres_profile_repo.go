package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/lib/pq"
)

// コンパイル時にインターフェースの実装を検証する。
var _ ProfileRepository = (*PostgresProfileRepo)(nil)

// undefinedColumn はPostgreSQLのundefined_columnエラーコード。
const undefinedColumn = pq.ErrorCode("42703")

// PostgresProfileRepo はprofilesテーブルの動的カラムを読み書きするリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// GetField は指定フィールドの値を返す。行または値がない場合はnilを返す。
func (r *PostgresProfileRepo) GetField(ctx context.Context, userID, field string) (json.RawMessage, error) {
	column, err := SanitizeField(field)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = r.db.QueryRowContext(ctx,
		`SELECT `+pq.QuoteIdentifier(column)+` FROM profiles WHERE id = $1`,
		userID,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if isUndefinedColumn(err) {
		return nil, fmt.Errorf("%s: %w", column, ErrUnknownField)
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィール項目 %s の取得に失敗しました: %w", column, err)
	}
	if len(value) == 0 {
		return nil, nil
	}
	return json.RawMessage(value), nil
}

// SetField は指定フィールドに値を保存する。行がなければ作成する。
func (r *PostgresProfileRepo) SetField(ctx context.Context, userID, field string, value json.RawMessage) error {
	column, err := SanitizeField(field)
	if err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("プロフィール項目 %s の値がJSONではありません", column)
	}

	quoted := pq.QuoteIdentifier(column)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, `+quoted+`, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET `+quoted+` = EXCLUDED.`+quoted+`, updated_at = now()`,
		userID, string(value),
	)
	if isUndefinedColumn(err) {
		return fmt.Errorf("%s: %w", column, ErrUnknownField)
	}
	if err != nil {
		return fmt.Errorf("プロフィール項目 %s の保存に失敗しました: %w", column, err)
	}
	return nil
}

// SanitizeField は設定キーをprofilesのカラム名に変換する。
// キャメルケースはスネークケースにし、[a-z0-9_] 以外の文字は "_" に置き換える。
func SanitizeField(key string) (string, error) {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(key))
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r) && r < unicode.MaxASCII:
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	column := strings.Trim(b.String(), "_")
	if column == "" || column == "id" || column == "updated_at" {
		return "", fmt.Errorf("%q: %w", key, ErrUnknownField)
	}
	return column, nil
}

func isUndefinedColumn(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == undefinedColumn
}
