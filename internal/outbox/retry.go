package outbox

import (
	"errors"
	"time"
)

const (
	// initialBackoff は指数バックオフの初回遅延（5秒）。
	initialBackoff = 5 * time.Second
	// maxBackoff は指数バックオフの最大遅延（30分）。
	maxBackoff = 30 * time.Minute
	// DefaultMaxAttempts は配送不能とみなすまでの既定の試行回数。
	DefaultMaxAttempts = 8
)

// CalculateBackoff は失敗回数に基づいて次回配送までの遅延を計算する。
// 初回5秒、2倍ずつ増加、最大30分。
func CalculateBackoff(attempts int) time.Duration {
	delay := initialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// permanentError は再送しても成功しない配送エラー。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent はerrを再送不要なエラーとして包む。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent はerrが再送不要なエラーかどうかを返す。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
