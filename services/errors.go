package services

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound は対象（メッセージ・チャンネル・ユーザー・グループ）が既に存在しない
	ErrNotFound = errors.New("target not found")
	// ErrPermissionDenied はプラットフォームが操作を拒否した（リトライしても変わらない）
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRangeNotSelected は範囲削除の開始・終了マーカーが揃っていない
	ErrRangeNotSelected = errors.New("range start and end are not both selected")
	// ErrMarkerNotFound はマーカーのメッセージが取得した履歴に見つからない
	ErrMarkerNotFound = errors.New("range marker not found in channel history")
)

// StoreError は永続化層の失敗。次のtickやコマンドで再試行できる
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError はユーザー入力の不正。Store に書き込む前に返す
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// TransientError はプラットフォーム呼び出しの一時的な失敗
type TransientError struct {
	Op         string
	Err        error
	RetryAfter time.Duration // レート制限時のみ
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %v (retry after %s)", e.Op, e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient は次のtickで再試行すべきエラーかどうか
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter はレート制限で待つべき時間を返す。レート制限でなければ0
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsDefinitive は削除結果が確定しているか（成功・存在しない・権限なし）。
// 権限なしは再試行しても変わらないので確定として扱い、予約を破棄する
func IsDefinitive(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied)
}
