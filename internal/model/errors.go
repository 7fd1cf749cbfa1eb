package model

import "fmt"

// エラーコード定数
const (
	// ErrCodeUnknownProvider は未対応のプロバイダーが指定された。
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"
	// ErrCodeCredentialNotFound は認証情報が未登録。
	ErrCodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	// ErrCodeInvalidCredential は認証情報の形式が不正。
	ErrCodeInvalidCredential = "INVALID_CREDENTIAL"
	// ErrCodeSyncInProgress は同一ユーザーの同期が実行中。
	ErrCodeSyncInProgress = "SYNC_IN_PROGRESS"
	// ErrCodeGoogleLinkMissing はGoogleアカウント連携が未完了。
	ErrCodeGoogleLinkMissing = "GOOGLE_LINK_MISSING"
	// ErrCodeUserNotFound はユーザーが存在しない。
	ErrCodeUserNotFound = "USER_NOT_FOUND"
)

// エラーカテゴリ定数
const (
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryAuth       = "auth"
)

// APIError はAPIレスポンスとして返すエラーを表す。
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action,omitempty"`
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewUnknownProviderError は未対応プロバイダーエラーを生成する。
func NewUnknownProviderError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("対応していないプロバイダーです: %s", name),
		Category: CategoryValidation,
		Action:   "対応プロバイダーの一覧を確認してください",
	}
}

// NewCredentialNotFoundError は認証情報未登録エラーを生成する。
func NewCredentialNotFoundError(p Provider) *APIError {
	return &APIError{
		Code:     ErrCodeCredentialNotFound,
		Message:  fmt.Sprintf("%s の認証情報が登録されていません", p),
		Category: CategoryNotFound,
		Action:   "認証情報を登録してください",
	}
}

// NewInvalidCredentialError は認証情報形式エラーを生成する。
func NewInvalidCredentialError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  fmt.Sprintf("認証情報の形式が不正です: %s", detail),
		Category: CategoryValidation,
		Action:   "必要なフィールドをすべて入力してください",
	}
}

// NewSyncInProgressError は同期実行中エラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  "同期が既に実行中です",
		Category: CategoryConflict,
		Action:   "完了を待ってから再度実行してください",
	}
}

// NewGoogleLinkMissingError はGoogle連携未完了エラーを生成する。
func NewGoogleLinkMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeGoogleLinkMissing,
		Message:  "Googleアカウントが連携されていません",
		Category: CategoryAuth,
		Action:   "Googleログインをやり直してください",
	}
}

// NewUserNotFoundError はユーザー不在エラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません",
		Category: CategoryNotFound,
	}
}
