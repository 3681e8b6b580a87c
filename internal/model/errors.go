// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provisioning, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeAdminDenied         = "ADMIN_DENIED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodePhotoUploadFailed   = "PHOTO_UPLOAD_FAILED"
	ErrCodeUserCreationFailed  = "USER_CREATION_FAILED"
	ErrCodeProfileInsertFailed = "PROFILE_INSERT_FAILED"
	ErrCodeNetworkFailure      = "NETWORK_FAILURE"
	ErrCodeSubmitInProgress    = "SUBMIT_IN_PROGRESS"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
)

// ドメインエラー。サービス層はこれらを%wでラップして返し、
// ハンドラーはerrors.IsでAPIErrorに変換する。
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrSessionExpired      = errors.New("session expired")
	ErrAdminDenied         = errors.New("admin access denied")
	ErrPhotoUploadFailed   = errors.New("photo upload failed")
	ErrUserCreationFailed  = errors.New("user creation failed")
	ErrProfileInsertFailed = errors.New("profile insert failed")
	ErrNetworkFailure      = errors.New("network failure")
	ErrSubmitInProgress    = errors.New("submission already in progress")
)

// ValidationError はフォーム検証で最初に失敗した規則を表す。
// 一度に1件だけ返す。
type ValidationError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return e.Message
}

// NewInvalidCredentialsError は認証情報不正エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid login credentials.",
		Category: "auth",
		Action:   "Check the email and password and try again.",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "Your session has expired.",
		Category: "auth",
		Action:   "Please log in again.",
	}
}

// NewAdminDeniedError は管理者権限なしエラーを生成する。
func NewAdminDeniedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAdminDenied,
		Message:  message,
		Category: "auth",
		Action:   "Log in with an administrator account.",
	}
}

// NewValidationError はフォーム検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Correct the highlighted field and submit again.",
	}
}

// NewPhotoUploadFailedError は写真アップロード失敗エラーを生成する。
func NewPhotoUploadFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodePhotoUploadFailed,
		Message:  message,
		Category: "provisioning",
		Action:   "Retry the upload or continue without a photo.",
	}
}

// NewUserCreationFailedError はアカウント作成失敗エラーを生成する。
func NewUserCreationFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeUserCreationFailed,
		Message:  message,
		Category: "provisioning",
		Action:   "Check the details and submit again.",
	}
}

// NewProfileInsertFailedError はプロフィール登録失敗エラーを生成する。
// アカウント自体は作成済みのため、手動での修正が必要になる。
func NewProfileInsertFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileInsertFailed,
		Message:  message,
		Category: "provisioning",
		Action:   "The account was created but its profile was not saved. Fix the profile manually before retrying.",
	}
}

// NewNetworkFailureError は通信失敗エラーを生成する。
func NewNetworkFailureError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkFailure,
		Message:  message,
		Category: "system",
		Action:   "Check the connection and try again.",
	}
}

// NewSubmitInProgressError は二重送信エラーを生成する。
func NewSubmitInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSubmitInProgress,
		Message:  "This account is already being submitted.",
		Category: "provisioning",
		Action:   "Wait for the current submission to finish.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "provisioning",
		Action:   "Check the user UUID.",
	}
}

// NewInvalidRequestError はリクエスト形式不正エラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "Send a well-formed request body.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Please log in.",
	}
}
