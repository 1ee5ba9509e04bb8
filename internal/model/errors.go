package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, journal, billing, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEntryNotFound        = "ENTRY_NOT_FOUND"
	ErrCodeInvalidDate          = "INVALID_DATE"
	ErrCodeInvalidMood          = "INVALID_MOOD"
	ErrCodeInvalidAttachment    = "INVALID_ATTACHMENT"
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeFetchFailed          = "FETCH_FAILED"
	ErrCodePreferenceNotFound   = "PREFERENCE_NOT_FOUND"
	ErrCodeInvalidPreference    = "INVALID_PREFERENCE"
	ErrCodeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	ErrCodeUpstreamFailed       = "UPSTREAM_FAILED"
	ErrCodeSyncInProgress       = "SYNC_IN_PROGRESS"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewEntryNotFoundError はエントリ未検出エラーを生成する。
func NewEntryNotFoundError(entryID string) *APIError {
	return &APIError{
		Code:     ErrCodeEntryNotFound,
		Message:  fmt.Sprintf("指定された日記が見つかりません: %s", entryID),
		Category: "journal",
		Action:   "日記IDを確認するか、同期してから再度お試しください。",
	}
}

// NewInvalidDateError は日付指定が解釈できない場合のエラーを生成する。
func NewInvalidDateError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDate,
		Message:  fmt.Sprintf("日付を解釈できません: %s", value),
		Category: "validation",
		Action:   "YYYY-MM-DD 形式か「yesterday」などの表現で指定してください。",
	}
}

// NewInvalidMoodError は未知の気分が指定された場合のエラーを生成する。
func NewInvalidMoodError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMood,
		Message:  fmt.Sprintf("無効な気分です: %s", value),
		Category: "validation",
		Action:   "none、dead、sad、meh、good、awesome のいずれかを指定してください。",
	}
}

// NewInvalidAttachmentError は添付ファイルの内容が不正な場合のエラーを生成する。
func NewInvalidAttachmentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAttachment,
		Message:  fmt.Sprintf("添付ファイルが不正です: %s", reason),
		Category: "validation",
		Action:   "添付の種別とデータを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "journal",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewPreferenceNotFoundError は設定値が見つからない場合のエラーを生成する。
func NewPreferenceNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodePreferenceNotFound,
		Message:  fmt.Sprintf("設定が見つかりません: %s", key),
		Category: "journal",
		Action:   "設定を保存してから再度お試しください。",
	}
}

// NewInvalidPreferenceError は設定値がJSONとして不正な場合のエラーを生成する。
func NewInvalidPreferenceError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPreference,
		Message:  "設定値はJSONで指定してください。",
		Category: "validation",
		Action:   "リクエストボディを確認してください。",
	}
}

// NewSubscriptionRequiredError は有料プランが必要な機能を呼び出した場合のエラーを生成する。
func NewSubscriptionRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionRequired,
		Message:  "この機能は有料プランでのみ利用できます。",
		Category: "billing",
		Action:   "プランをアップグレードしてください。",
	}
}

// NewUpstreamFailedError は外部サービス呼び出しに失敗した場合のエラーを生成する。
func NewUpstreamFailedError(service string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  fmt.Sprintf("外部サービスの呼び出しに失敗しました: %s", service),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSyncInProgressError は同期が既に実行中の場合のエラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  "同期は既に実行中です。",
		Category: "journal",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError はアクセストークンがない、または無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディやパラメータが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
