package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hitoshi/calhub/internal/model"
)

// Kind はアダプタエラーの分類を表す。
// オーケストレータのリトライ判断とユーザー通知はこの分類に基づく。
type Kind int

const (
	// KindMalformedCredential は認証情報バンドルの形式不正。
	KindMalformedCredential Kind = iota
	// KindSessionExpired はプロバイダーがセッションを拒否した。
	// ユーザーによる認証情報の再登録が必要。
	KindSessionExpired
	// KindParseFailure はレスポンスの形式が想定と異なる。
	// マークアップやAPIの変更が疑われる。
	KindParseFailure
	// KindUnreachable はネットワーク障害またはタイムアウト。
	// 次回の同期サイクルで再試行される。
	KindUnreachable
)

// String はKindの文字列表現を返す。ログと同期結果のステータスに使用する。
func (k Kind) String() string {
	switch k {
	case KindMalformedCredential:
		return "malformed_credential"
	case KindSessionExpired:
		return "session_expired"
	case KindParseFailure:
		return "parse_failure"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Error はKind付きのアダプタエラー。
type Error struct {
	Kind     Kind
	Provider model.Provider
	Message  string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := fmt.Sprintf("adapter %s: %s", e.Provider, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap はラップされた元エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はエラーからKindを取り出す。アダプタエラーでない場合はKindUnreachableを返す。
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnreachable
}

// sessionExpired はセッション失効エラーを生成する。
func sessionExpired(p model.Provider, msg string) *Error {
	return &Error{Kind: KindSessionExpired, Provider: p, Message: msg}
}

// parseFailure は形式不一致エラーを生成する。
func parseFailure(p model.Provider, msg string, err error) *Error {
	return &Error{Kind: KindParseFailure, Provider: p, Message: msg, Err: err}
}

// unreachable はネットワーク障害エラーを生成する。
func unreachable(p model.Provider, err error) *Error {
	return &Error{Kind: KindUnreachable, Provider: p, Err: err}
}

// classifyTransportError はHTTP実行エラーをKindに分類する。
// コンテキスト期限切れとネットワークエラーはUnreachableとして扱う。
func classifyTransportError(p model.Provider, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return unreachable(p, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return unreachable(p, err)
	}
	return unreachable(p, err)
}
